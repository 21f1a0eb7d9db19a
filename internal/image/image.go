// Package image assembles a new image: it tars and gzips a single
// compiled executable into a new layer, merges it into a base image's
// config and manifest, and does so deterministically so that identical
// inputs produce byte-identical digests.
package image

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
)

// Layer is a newly built application layer: its compressed bytes plus
// two distinct digests — DiffID is the sha256 of the uncompressed tar,
// Digest is the sha256 of the gzip bytes actually pushed as a blob.
type Layer struct {
	Bytes  []byte
	DiffID digest.Digest
	Digest digest.Digest
	Size   int64
}

// BuildLayer tars executablePath as a single file at "app/<basename>"
// with mode 0755, then gzips it.
func BuildLayer(executablePath string) (*Layer, error) {
	content, err := os.ReadFile(executablePath)
	if err != nil {
		return nil, fmt.Errorf("reading executable %s: %w", executablePath, err)
	}

	name := "app/" + filepath.Base(executablePath)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	hdr := &tar.Header{
		Name:     name,
		Mode:     0755,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return nil, fmt.Errorf("writing tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}

	tarBytes := tarBuf.Bytes()
	diffID := digest.FromBytes(tarBytes)

	var gzBuf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&gzBuf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(tarBytes); err != nil {
		return nil, fmt.Errorf("gzipping layer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}

	gzBytes := gzBuf.Bytes()
	blobDigest := digest.FromBytes(gzBytes)

	return &Layer{
		Bytes:  gzBytes,
		DiffID: diffID,
		Digest: blobDigest,
		Size:   int64(len(gzBytes)),
	}, nil
}

// AppBasename returns the basename used inside the layer and as Cmd,
// so callers building the config and the layer agree on it.
func AppBasename(executablePath string) string {
	return filepath.Base(executablePath)
}

const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// MergeConfig produces the new image config: base's RootFS gains the
// new layer's diff_id, History gains one entry, Cmd is set to run the
// new binary, Entrypoint is cleared, and a default PATH is appended to
// Env when base has none — everything else in base (User, WorkingDir,
// Architecture, OS) is preserved untouched.
func MergeConfig(base *v1.ConfigFile, layer *Layer, executablePath string, createdAt time.Time) *v1.ConfigFile {
	cfg := *base

	cfg.RootFS.Type = "layers"
	cfg.RootFS.DiffIDs = append(append([]v1.Hash{}, base.RootFS.DiffIDs...), toV1Hash(layer.DiffID))

	cfg.History = append(append([]v1.History{}, base.History...), v1.History{
		Created:   v1.Time{Time: createdAt},
		CreatedBy: "krust",
	})

	env := append([]string{}, base.Config.Env...)
	if !hasPathVar(env) {
		env = append(env, defaultPath)
	}
	cfg.Config.Env = env

	cfg.Config.Cmd = []string{"/app/" + AppBasename(executablePath)}
	cfg.Config.Entrypoint = nil

	return &cfg
}

func hasPathVar(env []string) bool {
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			return true
		}
	}
	return false
}

// MergeManifest appends the new layer's descriptor to base's layer
// list and points Config at the newly pushed config blob.
func MergeManifest(base *v1.Manifest, configDescriptor v1.Descriptor, layerDescriptor v1.Descriptor) *v1.Manifest {
	m := *base
	m.Config = configDescriptor
	m.Layers = append(append([]v1.Descriptor{}, base.Layers...), layerDescriptor)
	return &m
}

// toV1Hash converts an opencontainers/go-digest value into the
// go-containerregistry v1.Hash the ConfigFile/Manifest types use.
func toV1Hash(d digest.Digest) v1.Hash {
	return v1.Hash{Algorithm: d.Algorithm().String(), Hex: d.Encoded()}
}

// fromV1Hash is the inverse of toV1Hash.
func fromV1Hash(h v1.Hash) digest.Digest {
	return digest.NewDigestFromEncoded(digest.Algorithm(h.Algorithm), h.Hex)
}

// DescriptorFor builds a v1.Descriptor for a blob of the given media
// type, digest, and size.
func DescriptorFor(mediaType string, d digest.Digest, size int64) v1.Descriptor {
	return v1.Descriptor{
		MediaType: mtype(mediaType),
		Digest:    toV1Hash(d),
		Size:      size,
	}
}

// WriteConfig serializes a config file deterministically: Go's
// encoding/json marshals struct fields in declaration order and sorts
// map keys, so no custom marshaling is needed for byte-stable output
// across runs given identical input — required for reproducible
// digests.
func WriteConfig(cfg *v1.ConfigFile) ([]byte, error) {
	return marshalStable(cfg)
}

// WriteManifest serializes a manifest deterministically (see
// WriteConfig).
func WriteManifest(m *v1.Manifest) ([]byte, error) {
	return marshalStable(m)
}

func marshalStable(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; digests are
	// computed over exactly what gets PUT to the registry, so strip it
	// for a canonical, newline-free body.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func mtype(s string) types.MediaType {
	return types.MediaType(s)
}

// ParseSourceDateEpoch parses the SOURCE_DATE_EPOCH convention (a
// decimal unix timestamp) used to make the history timestamp
// reproducible across builds.
func ParseSourceDateEpoch(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	var seconds int64
	if _, err := fmt.Sscanf(value, "%d", &seconds); err != nil {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0).UTC(), true
}
