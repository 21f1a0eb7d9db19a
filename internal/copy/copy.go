// Package copy moves a base image's layers into the target
// registry/repository without recomputing any digest, using HEAD to
// skip what's already there, generalized from a same-registry copy
// into a cross-registry one.
package copy

import (
	"fmt"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/imjasonh/krust/internal/transport"
)

// Target identifies a registry/repository pair layers are copied into.
type Target struct {
	Registry   string
	Repository string
}

// Copier copies blobs between registries over a transport.Client.
type Copier struct {
	client *transport.Client
	log    logrus.FieldLogger
}

// New creates a Copier.
func New(client *transport.Client, log logrus.FieldLogger) *Copier {
	if log == nil {
		log = logrus.New()
	}
	return &Copier{client: client, log: log}
}

// CopyLayers copies every base layer to target, except the last one,
// which is always newly pushed rather than copied (it's the layer
// image.BuildLayer just produced, not part of base).
// When base and target name the same registry and repository, this is
// a no-op: the blobs already live in the repository the manifest will
// reference. A same-registry target with a different repository is
// copied like any cross-registry one, since the blobs must be present
// under the target repository.
func (c *Copier) CopyLayers(base Target, target Target, layers []v1.Descriptor) error {
	if base.Registry == target.Registry && base.Repository == target.Repository {
		return nil
	}

	// The last element is the newly built application layer; it was
	// never present at base and must be pushed fresh by the caller, not
	// copied here.
	baseLayers := layers
	if len(baseLayers) > 0 {
		baseLayers = baseLayers[:len(baseLayers)-1]
	}

	for _, desc := range baseLayers {
		if err := c.copyBlob(base, target, desc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Copier) copyBlob(base, target Target, desc v1.Descriptor) error {
	d := digest.NewDigestFromEncoded(digest.Algorithm(desc.Digest.Algorithm), desc.Digest.Hex)

	exists, err := c.client.HeadBlob(target.Registry, target.Repository, d)
	if err != nil {
		return fmt.Errorf("checking blob %s at target: %w", d, err)
	}
	if exists {
		c.log.WithField("digest", d.String()).Debug("blob already present at target, skipping copy")
		return nil
	}

	rc, err := c.client.GetBlob(base.Registry, base.Repository, d)
	if err != nil {
		return fmt.Errorf("fetching blob %s from base: %w", d, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("reading blob %s from base: %w", d, err)
	}

	c.log.WithFields(logrus.Fields{
		"digest":     d.String(),
		"from":       base.Registry,
		"to":         target.Registry,
		"repository": target.Repository,
	}).Debug("copying blob across registries")

	if err := c.client.PushBlob(target.Registry, target.Repository, d, data); err != nil {
		return fmt.Errorf("pushing blob %s to target: %w", d, err)
	}
	return nil
}
