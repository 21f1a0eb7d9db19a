// Package reference parses and canonicalizes krust image references.
package reference

import (
	"strconv"
	"strings"

	kerrors "github.com/imjasonh/krust/internal/errors"
)

const (
	defaultRegistry  = "registry-1.docker.io"
	dockerHubAlias   = "docker.io"
	libraryPrefix    = "library/"
)

// Reference is the canonical, parsed form of a user-supplied image
// string: [registry/]repository[:tag][@digest].
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

// Parse canonicalizes a user-supplied reference string. It fails only
// on empty input.
func Parse(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, kerrors.NewInvalidReference(s, "empty reference")
	}

	rest, digest := splitDigest(s)

	var tag string
	rest, tag = splitTagOrPort(rest)
	if digest != "" {
		// Tag and digest are mutually exclusive in the data model; a
		// user string carrying both ("name:tag@digest") is resolved
		// in favor of the digest, which is what actually pins content.
		tag = ""
	}

	segments := strings.Split(rest, "/")
	if len(segments) == 0 || rest == "" {
		return Reference{}, kerrors.NewInvalidReference(s, "empty repository")
	}

	var registry, repository string
	if len(segments) == 1 {
		registry = dockerHubAlias
		repository = libraryPrefix + segments[0]
	} else if looksLikeRegistry(segments[0]) {
		registry = segments[0]
		repository = strings.Join(segments[1:], "/")
	} else {
		registry = dockerHubAlias
		repository = rest
	}

	if repository == "" {
		return Reference{}, kerrors.NewInvalidReference(s, "empty repository")
	}

	return Reference{
		Registry:   normalizeForWire(registry),
		Repository: repository,
		Tag:        tag,
		Digest:     digest,
	}, nil
}

// splitDigest splits off a trailing "@sha256:..." if present.
func splitDigest(s string) (rest, digest string) {
	if i := strings.LastIndex(s, "@"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// splitTagOrPort implements the tag-vs-port disambiguation rule: a
// trailing `:NNN` is a port (not a tag) when NNN is all digits, the
// colon is in the first path segment, and that segment has no `/` to
// its left (i.e. the colon is part of a leading host:port, not a
// trailing image tag).
func splitTagOrPort(s string) (rest, tag string) {
	lastSlash := strings.LastIndex(s, "/")
	searchFrom := 0
	if lastSlash >= 0 {
		searchFrom = lastSlash
	}
	colon := strings.LastIndex(s[searchFrom:], ":")
	if colon < 0 {
		return s, ""
	}
	colon += searchFrom

	suffix := s[colon+1:]
	if lastSlash < 0 && isAllDigits(suffix) && strings.Count(s[:colon], ":") == 0 {
		// No "/" at all: "host:port" form, e.g. "localhost:5000" with
		// no repository yet appended would be malformed anyway, but a
		// bare "name:5000" with digits-only suffix and a single colon
		// is still ambiguous with a numeric tag. Resolved in favor of
		// "port" only when there is no "/" in the left side, which
		// this branch already checked.
		return s, ""
	}

	return s[:colon], suffix
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	if _, err := strconv.Atoi(s); err != nil {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func looksLikeRegistry(segment string) bool {
	return strings.Contains(segment, ".") || strings.Contains(segment, ":") || segment == "localhost"
}

func normalizeForWire(registry string) string {
	if registry == dockerHubAlias {
		return defaultRegistry
	}
	return registry
}

// String renders the canonical form of the reference.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Registry)
	b.WriteString("/")
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteString(":")
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteString("@")
		b.WriteString(r.Digest)
	}
	return b.String()
}

// WithTag returns a copy of r with the tag set and digest cleared
// (tag and digest are mutually exclusive per the data model).
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	r.Digest = ""
	return r
}

// WithDigest returns a copy of r with the digest set and tag cleared.
func (r Reference) WithDigest(digest string) Reference {
	r.Digest = digest
	r.Tag = ""
	return r
}

// IdentifierOrLatest returns the manifest-URL reference segment: the
// digest if present, else the tag if present, or "latest" otherwise.
func (r Reference) IdentifierOrLatest() string {
	if r.Digest != "" {
		return r.Digest
	}
	if r.Tag != "" {
		return r.Tag
	}
	return "latest"
}
