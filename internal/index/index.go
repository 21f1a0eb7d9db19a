// Package index assembles an OCI image index out of per-platform
// manifest descriptors and serializes it deterministically, the OCI
// analogue of Docker's manifest-list media type.
package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	digest "github.com/opencontainers/go-digest"

	"github.com/imjasonh/krust/internal/platform"
)

// Entry is one platform's pushed manifest, ready to be folded into an
// index.
type Entry struct {
	Platform platform.Platform
	Digest   digest.Digest
	Size     int64
	MediaType string
}

// Build constructs an OCI image index from entries, ordered by OS,
// architecture, and variant, filtering out any (unknown,unknown)
// platform a fallback discovery may have produced.
func Build(entries []Entry) (*v1.IndexManifest, error) {
	var manifests []v1.Descriptor
	for _, e := range entries {
		if e.Platform.IsUnknown() {
			continue
		}
		manifests = append(manifests, v1.Descriptor{
			MediaType: types.MediaType(e.MediaType),
			Size:      e.Size,
			Digest:    v1.Hash{Algorithm: e.Digest.Algorithm().String(), Hex: e.Digest.Encoded()},
			Platform: &v1.Platform{
				OS:           e.Platform.OS,
				Architecture: e.Platform.Architecture,
				Variant:      e.Platform.Variant,
			},
		})
	}
	if len(manifests) == 0 {
		return nil, fmt.Errorf("index: no known platforms to include")
	}

	// Sort for a stable, reviewable index regardless of the order the
	// entries were passed in.
	sort.Slice(manifests, func(i, j int) bool {
		pi, pj := manifests[i].Platform, manifests[j].Platform
		if pi.OS != pj.OS {
			return pi.OS < pj.OS
		}
		if pi.Architecture != pj.Architecture {
			return pi.Architecture < pj.Architecture
		}
		return pi.Variant < pj.Variant
	})

	return &v1.IndexManifest{
		SchemaVersion: 2,
		MediaType:     types.OCIImageIndex,
		Manifests:     manifests,
	}, nil
}

// Write serializes the index deterministically, matching
// internal/image's WriteManifest discipline (stable field order, no
// trailing newline).
func Write(idx *v1.IndexManifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(idx); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
