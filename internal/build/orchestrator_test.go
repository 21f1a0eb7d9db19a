package build

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/sirupsen/logrus"

	"github.com/imjasonh/krust/internal/auth"
	"github.com/imjasonh/krust/internal/platform"
	"github.com/imjasonh/krust/internal/transport"
)

type fakeToolchain struct {
	t *testing.T
}

func (f *fakeToolchain) Build(p platform.Platform) (string, error) {
	dir := f.t.TempDir()
	path := filepath.Join(dir, "app")
	if err := os.WriteFile(path, []byte("binary-for-"+p.String()), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func newTestOrchestrator(t *testing.T, srv *httptest.Server) (*Orchestrator, string) {
	t.Helper()
	t.Setenv("DOCKER_CONFIG", "")
	t.Setenv("REGISTRY_AUTH_FILE", "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("HOME", t.TempDir())

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	client := transport.New(auth.NewResolver(log), log)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	o := New(client, log).WithToolchain(&fakeToolchain{t: t})
	return o, u.Host
}

// fakeRegistry serves a single-platform base manifest/config and
// accepts any blob/manifest push, letting orchestrator tests exercise
// the full build->push flow without a real registry.
func fakeRegistry(t *testing.T, baseConfigDigest, baseLayerDigest string, baseConfigBytes []byte) *httptest.Server {
	t.Helper()
	baseManifest := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     "application/vnd.oci.image.manifest.v1+json",
		Config: v1.Descriptor{
			MediaType: "application/vnd.docker.container.image.v1+json",
			Digest:    v1.Hash{Algorithm: "sha256", Hex: baseConfigDigest},
			Size:      int64(len(baseConfigBytes)),
		},
		Layers: []v1.Descriptor{
			{
				MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip",
				Digest:    v1.Hash{Algorithm: "sha256", Hex: baseLayerDigest},
				Size:      4,
			},
		},
	}
	manifestBytes, err := json.Marshal(baseManifest)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/base/repo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.Write(manifestBytes)
	})
	mux.HandleFunc("/v2/base/repo/blobs/sha256:"+baseConfigDigest, func(w http.ResponseWriter, r *http.Request) {
		w.Write(baseConfigBytes)
	})
	// The target repository differs from the base, so the copier fetches
	// the base layer from here before pushing it to the target.
	mux.HandleFunc("/v2/base/repo/blobs/sha256:"+baseLayerDigest, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("base"))
	})
	mux.HandleFunc("/v2/target/repo/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", "/v2/target/repo/blobs/uploads/upload-1")
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPut, http.MethodPatch:
			w.WriteHeader(http.StatusCreated)
		}
	})
	mux.HandleFunc("/v2/target/repo/blobs/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			w.WriteHeader(http.StatusCreated)
		}
	})
	mux.HandleFunc("/v2/target/repo/manifests/", func(w http.ResponseWriter, r *http.Request) {
		body := mustReadAll(t, r)
		d := sha256Hex(body)
		w.Header().Set("Docker-Content-Digest", "sha256:"+d)
		w.WriteHeader(http.StatusCreated)
	})
	return httptest.NewServer(mux)
}

func TestOrchestratorBuildSinglePlatformNoPush(t *testing.T) {
	baseConfig := v1.ConfigFile{Architecture: "amd64", OS: "linux"}
	baseConfigBytes, _ := json.Marshal(baseConfig)
	baseConfigDigest := sha256Hex(baseConfigBytes)

	srv := fakeRegistry(t, baseConfigDigest, "basebaselayerbaselayerbaselayer00", baseConfigBytes)
	defer srv.Close()

	o, host := newTestOrchestrator(t, srv)

	ref, err := o.Build(".", Options{
		BaseImage:  host + "/base/repo:latest",
		TargetRepo: host + "/target/repo",
		Platforms:  []platform.Platform{{OS: "linux", Architecture: "amd64"}},
		NoPush:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ref != "" {
		t.Errorf("expected empty ref with --no-push, got %q", ref)
	}
}

// fakeIndexRegistry serves a multi-platform base index whose arm64
// entry is tagged with the "v8" variant, as real multi-platform base
// images commonly do, so platform selection must normalize variant
// spelling on both sides to find it.
func fakeIndexRegistry(t *testing.T, arm64ConfigDigest string, arm64ConfigBytes []byte) *httptest.Server {
	t.Helper()
	arm64Manifest := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     "application/vnd.oci.image.manifest.v1+json",
		Config: v1.Descriptor{
			MediaType: "application/vnd.docker.container.image.v1+json",
			Digest:    v1.Hash{Algorithm: "sha256", Hex: arm64ConfigDigest},
			Size:      int64(len(arm64ConfigBytes)),
		},
		Layers: []v1.Descriptor{
			{
				MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip",
				Digest:    v1.Hash{Algorithm: "sha256", Hex: "basebaselayerbaselayerbaselayer00"},
				Size:      4,
			},
		},
	}
	arm64ManifestBytes, err := json.Marshal(arm64Manifest)
	if err != nil {
		t.Fatal(err)
	}
	arm64ManifestDigest := sha256Hex(arm64ManifestBytes)

	index := v1.IndexManifest{
		SchemaVersion: 2,
		MediaType:     "application/vnd.oci.image.index.v1+json",
		Manifests: []v1.Descriptor{
			{
				MediaType: "application/vnd.oci.image.manifest.v1+json",
				Digest:    v1.Hash{Algorithm: "sha256", Hex: arm64ManifestDigest},
				Size:      int64(len(arm64ManifestBytes)),
				Platform:  &v1.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"},
			},
		},
	}
	indexBytes, err := json.Marshal(index)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/base/repo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.oci.image.index.v1+json")
		w.Write(indexBytes)
	})
	mux.HandleFunc("/v2/base/repo/manifests/sha256:"+arm64ManifestDigest, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.Write(arm64ManifestBytes)
	})
	mux.HandleFunc("/v2/base/repo/blobs/sha256:"+arm64ConfigDigest, func(w http.ResponseWriter, r *http.Request) {
		w.Write(arm64ConfigBytes)
	})
	mux.HandleFunc("/v2/target/repo/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", "/v2/target/repo/blobs/uploads/upload-1")
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPut, http.MethodPatch:
			w.WriteHeader(http.StatusCreated)
		}
	})
	mux.HandleFunc("/v2/target/repo/blobs/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			w.WriteHeader(http.StatusCreated)
		}
	})
	mux.HandleFunc("/v2/target/repo/manifests/", func(w http.ResponseWriter, r *http.Request) {
		body := mustReadAll(t, r)
		d := sha256Hex(body)
		w.Header().Set("Docker-Content-Digest", "sha256:"+d)
		w.WriteHeader(http.StatusCreated)
	})
	return httptest.NewServer(mux)
}

// TestOrchestratorBuildSelectsVariantNormalizedBasePlatform covers the
// case where a user requests "linux/arm64" (no variant, as
// platform.Parse normalizes it) against a base index that lists its
// arm64 manifest with Platform.Variant == "v8": selection must still
// find it rather than failing with "no manifest for platform".
func TestOrchestratorBuildSelectsVariantNormalizedBasePlatform(t *testing.T) {
	arm64Config := v1.ConfigFile{Architecture: "arm64", OS: "linux"}
	arm64ConfigBytes, _ := json.Marshal(arm64Config)
	arm64ConfigDigest := sha256Hex(arm64ConfigBytes)

	srv := fakeIndexRegistry(t, arm64ConfigDigest, arm64ConfigBytes)
	defer srv.Close()

	o, host := newTestOrchestrator(t, srv)

	ref, err := o.Build(".", Options{
		BaseImage:  host + "/base/repo:latest",
		TargetRepo: host + "/target/repo",
		Platforms:  []platform.Platform{{OS: "linux", Architecture: "arm64"}},
		NoPush:     true,
	})
	if err != nil {
		t.Fatalf("Build with v8-variant base index failed: %v", err)
	}
	if ref != "" {
		t.Errorf("expected empty ref with --no-push, got %q", ref)
	}
}

func TestOrchestratorBuildSinglePlatformPushesAndReturnsRef(t *testing.T) {
	baseConfig := v1.ConfigFile{Architecture: "amd64", OS: "linux"}
	baseConfigBytes, _ := json.Marshal(baseConfig)
	baseConfigDigest := sha256Hex(baseConfigBytes)

	srv := fakeRegistry(t, baseConfigDigest, "basebaselayerbaselayerbaselayer00", baseConfigBytes)
	defer srv.Close()

	o, host := newTestOrchestrator(t, srv)

	fixedTime := time.Unix(1700000000, 0).UTC()
	ref, err := o.Build(".", Options{
		BaseImage:       host + "/base/repo:latest",
		TargetRepo:      host + "/target/repo",
		Platforms:       []platform.Platform{{OS: "linux", Architecture: "amd64"}},
		SourceDateEpoch: &fixedTime,
	})
	if err != nil {
		t.Fatal(err)
	}
	wantPrefix := host + "/target/repo@sha256:"
	if len(ref) <= len(wantPrefix) || ref[:len(wantPrefix)] != wantPrefix {
		t.Errorf("ref = %q, want prefix %q", ref, wantPrefix)
	}
}
