// Package build implements the Orchestrator: the per-platform fan-out
// that invokes the toolchain, pulls and merges base image state,
// pushes the result, and finally assembles and pushes the
// multi-platform index, built around this project's
// transport/image/copy/index packages rather than a single monolithic
// registry client.
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	kcopy "github.com/imjasonh/krust/internal/copy"
	kerrors "github.com/imjasonh/krust/internal/errors"
	"github.com/imjasonh/krust/internal/image"
	"github.com/imjasonh/krust/internal/index"
	"github.com/imjasonh/krust/internal/platform"
	"github.com/imjasonh/krust/internal/reference"
	"github.com/imjasonh/krust/internal/transport"
)

const (
	dockerConfigMediaType = "application/vnd.docker.container.image.v1+json"
	dockerLayerMediaType  = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	ociIndexMediaType     = "application/vnd.oci.image.index.v1+json"
	ociManifestMediaType  = "application/vnd.oci.image.manifest.v1+json"
)

// Options configures one build job.
type Options struct {
	BaseImage       string
	TargetRepo      string
	Platforms       []platform.Platform
	NoPush          bool
	Tag             string
	SourceDateEpoch *time.Time
}

// Orchestrator runs build jobs.
type Orchestrator struct {
	client    *transport.Client
	copier    *kcopy.Copier
	log       logrus.FieldLogger
	toolchain Builder // overridden by tests; nil means use the real Go toolchain
}

// New creates an Orchestrator.
func New(client *transport.Client, log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{client: client, copier: kcopy.New(client, log), log: log}
}

// WithToolchain overrides the Builder used to produce executables,
// primarily for tests.
func (o *Orchestrator) WithToolchain(b Builder) *Orchestrator {
	o.toolchain = b
	return o
}

// Build runs a full build job for projectPath and opts, returning the
// final "registry/repo@sha256:..." reference once pushed, or "" when
// opts.NoPush suppresses every push.
func (o *Orchestrator) Build(projectPath string, opts Options) (string, error) {
	baseRef, err := reference.Parse(opts.BaseImage)
	if err != nil {
		return "", kerrors.NewInvalidReference(opts.BaseImage, err.Error())
	}
	targetRef, err := reference.Parse(opts.TargetRepo)
	if err != nil {
		return "", kerrors.NewInvalidReference(opts.TargetRepo, err.Error())
	}
	target := kcopy.Target{Registry: targetRef.Registry, Repository: targetRef.Repository}

	platforms := opts.Platforms
	if len(platforms) == 0 {
		platforms = o.discoverPlatforms(baseRef)
	}

	toolchain := o.toolchain
	if toolchain == nil {
		toolchain = NewToolchain(projectPath)
	}

	createdAt := time.Now().UTC()
	if opts.SourceDateEpoch != nil {
		createdAt = *opts.SourceDateEpoch
	}

	var entries []index.Entry
	for _, p := range platforms {
		o.log.WithField("platform", p.String()).Info("building platform")

		execPath, err := toolchain.Build(p)
		if err != nil {
			return "", err
		}

		entry, err := o.buildPlatform(baseRef, target, p, execPath, createdAt, opts.NoPush)
		Cleanup(execPath)
		if err != nil {
			return "", err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}

	if opts.NoPush {
		o.log.WithField("platforms", len(platforms)).Info("skipping push (--no-push specified)")
		return "", nil
	}

	idx, err := index.Build(entries)
	if err != nil {
		return "", kerrors.NewManifestUnparseable(ociIndexMediaType, err)
	}
	idxBytes, err := index.Write(idx)
	if err != nil {
		return "", kerrors.NewManifestUnparseable(ociIndexMediaType, err)
	}

	idxDigest, err := o.client.PutManifest(target.Registry, target.Repository, opts.Tag, idxBytes, ociIndexMediaType)
	if err != nil {
		return "", kerrors.NewUploadFailed("push index", idxDigest.String(), err)
	}

	return fmt.Sprintf("%s/%s@%s", target.Registry, target.Repository, idxDigest), nil
}

// buildPlatform pulls the base image, builds and merges the new layer,
// and pushes the result for a single platform.
func (o *Orchestrator) buildPlatform(baseRef reference.Reference, target kcopy.Target, p platform.Platform, execPath string, createdAt time.Time, noPush bool) (*index.Entry, error) {
	baseManifest, baseConfig, err := o.pullBase(baseRef, p)
	if err != nil {
		return nil, err
	}

	layer, err := image.BuildLayer(execPath)
	if err != nil {
		return nil, kerrors.NewIoError("build layer", err)
	}

	newConfig := image.MergeConfig(baseConfig, layer, execPath, createdAt)
	configBytes, err := image.WriteConfig(newConfig)
	if err != nil {
		return nil, kerrors.NewManifestUnparseable(dockerConfigMediaType, err)
	}
	configDigest := digest.FromBytes(configBytes)
	configDescriptor := image.DescriptorFor(dockerConfigMediaType, configDigest, int64(len(configBytes)))
	layerDescriptor := image.DescriptorFor(dockerLayerMediaType, layer.Digest, layer.Size)

	newManifest := image.MergeManifest(baseManifest, configDescriptor, layerDescriptor)
	manifestMediaType := string(newManifest.MediaType)
	if manifestMediaType == "" {
		manifestMediaType = ociManifestMediaType
	}
	manifestBytes, err := image.WriteManifest(newManifest)
	if err != nil {
		return nil, kerrors.NewManifestUnparseable(manifestMediaType, err)
	}

	if noPush {
		return nil, nil
	}

	baseTarget := kcopy.Target{Registry: baseRef.Registry, Repository: baseRef.Repository}

	// The push sequence is idempotent (every blob push HEAD-skips what's
	// already present), so a transient registry failure partway through
	// is safe to retry from the top rather than threading per-step retry
	// state through config, layer, and manifest pushes separately.
	var manifestDigest digest.Digest
	pushErr := kerrors.RetryWithContext(context.Background(), kerrors.DefaultRetryConfig(), "push platform image", func() error {
		if err := o.client.PushBlob(target.Registry, target.Repository, configDigest, configBytes); err != nil {
			return kerrors.NewUploadFailed("push config", configDigest.String(), err)
		}
		if err := o.copier.CopyLayers(baseTarget, target, newManifest.Layers); err != nil {
			return kerrors.NewUploadFailed("copy base layers", "", err)
		}
		if err := o.client.PushBlob(target.Registry, target.Repository, layer.Digest, layer.Bytes); err != nil {
			return kerrors.NewUploadFailed("push layer", layer.Digest.String(), err)
		}
		d, err := o.client.PutManifest(target.Registry, target.Repository, "", manifestBytes, manifestMediaType)
		if err != nil {
			return kerrors.NewUploadFailed("push manifest", d.String(), err)
		}
		manifestDigest = d
		return nil
	})
	if pushErr != nil {
		return nil, pushErr
	}

	o.log.WithFields(logrus.Fields{"platform": p.String(), "digest": manifestDigest.String()}).Info("pushed platform image")

	return &index.Entry{
		Platform:  p,
		Digest:    manifestDigest,
		Size:      int64(len(manifestBytes)),
		MediaType: manifestMediaType,
	}, nil
}

// pullBase fetches the base image's manifest and config for platform
// p, resolving through an index if the base is multi-platform.
func (o *Orchestrator) pullBase(baseRef reference.Reference, p platform.Platform) (*v1.Manifest, *v1.ConfigFile, error) {
	ref := baseRef.IdentifierOrLatest()
	m, err := o.client.GetManifest(baseRef.Registry, baseRef.Repository, ref)
	if err != nil {
		return nil, nil, kerrors.NewRegistryHTTPError("pull base manifest", 0, "", err)
	}

	if isIndexMediaType(m.MediaType) {
		var idx v1.IndexManifest
		if err := json.Unmarshal(m.Bytes, &idx); err != nil {
			return nil, nil, kerrors.NewManifestUnparseable(m.MediaType, err)
		}
		desc := selectPlatform(idx.Manifests, p)
		if desc == nil {
			return nil, nil, kerrors.NewManifestUnparseable(m.MediaType, fmt.Errorf("no manifest for platform %s in base index", p.String()))
		}
		m, err = o.client.GetManifest(baseRef.Registry, baseRef.Repository, desc.Digest.String())
		if err != nil {
			return nil, nil, kerrors.NewRegistryHTTPError("pull base platform manifest", 0, "", err)
		}
	}

	var manifest v1.Manifest
	if err := json.Unmarshal(m.Bytes, &manifest); err != nil {
		return nil, nil, kerrors.NewManifestUnparseable(m.MediaType, err)
	}

	configDigest := digest.NewDigestFromEncoded(digest.Algorithm(manifest.Config.Digest.Algorithm), manifest.Config.Digest.Hex)
	rc, err := o.client.GetBlob(baseRef.Registry, baseRef.Repository, configDigest)
	if err != nil {
		return nil, nil, kerrors.NewRegistryHTTPError("pull base config", 0, "", err)
	}
	defer rc.Close()

	var cfg v1.ConfigFile
	if err := json.NewDecoder(rc).Decode(&cfg); err != nil {
		return nil, nil, kerrors.NewManifestUnparseable(dockerConfigMediaType, err)
	}

	return &manifest, &cfg, nil
}

func isIndexMediaType(mt string) bool {
	return mt == ociIndexMediaType || mt == "application/vnd.docker.distribution.manifest.list.v2+json"
}

func selectPlatform(manifests []v1.Descriptor, p platform.Platform) *v1.Descriptor {
	for i := range manifests {
		d := manifests[i]
		if d.Platform == nil {
			continue
		}
		candidate := platform.Platform{OS: d.Platform.OS, Architecture: d.Platform.Architecture, Variant: d.Platform.Variant}
		if candidate.Matches(p) {
			return &manifests[i]
		}
	}
	return nil
}

// discoverPlatforms enumerates the base's index manifests, filters
// unknown platforms, and falls back to the default matrix on failure
// or an empty result.
func (o *Orchestrator) discoverPlatforms(baseRef reference.Reference) []platform.Platform {
	ref := baseRef.IdentifierOrLatest()
	m, err := o.client.GetManifest(baseRef.Registry, baseRef.Repository, ref)
	if err != nil || !isIndexMediaType(m.MediaType) {
		return platform.Defaults()
	}

	var idx v1.IndexManifest
	if err := json.Unmarshal(m.Bytes, &idx); err != nil {
		return platform.Defaults()
	}

	var out []platform.Platform
	for _, d := range idx.Manifests {
		if d.Platform == nil {
			continue
		}
		p := platform.Normalize(platform.Platform{OS: d.Platform.OS, Architecture: d.Platform.Architecture, Variant: d.Platform.Variant})
		if p.IsUnknown() {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return platform.Defaults()
	}
	return out
}
