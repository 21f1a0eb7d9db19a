// Package platform parses and formats OCI platform strings
// (os/arch[/variant]).
package platform

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform identifies a target OS/architecture for an image build.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

func (p Platform) String() string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}

// Parse parses a platform string of the form os/arch[/variant]. An
// empty or malformed string is an error: silently defaulting to amd64
// would build and push the wrong image.
func Parse(s string) (Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Platform{}, fmt.Errorf("invalid platform %q: want os/arch[/variant]", s)
	}
	p := Platform{OS: parts[0], Architecture: normalizeArm(parts[1], "")}
	if len(parts) > 2 {
		p.Variant = parts[2]
	}
	return Normalize(p), nil
}

// Normalize collapses variant spellings that denote the same platform:
// linux/arm64/v8 is the same platform as linux/arm64; OCI registries
// emit both forms depending on the tool that produced the index.
func Normalize(p Platform) Platform {
	if p.Architecture == "arm64" && p.Variant == "v8" {
		p.Variant = ""
	}
	return p
}

// ParseAll parses a comma-separated --platform flag value.
func ParseAll(s string) ([]Platform, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Platform
	for _, part := range strings.Split(s, ",") {
		p, err := Parse(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func normalizeArm(arch, variant string) string {
	_ = variant
	return arch
}

// Host returns the platform of the machine running krust.
func Host() Platform {
	return Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH}
}

// Defaults returns krust's default build matrix, used when --platform
// is not given and the base image isn't a multi-platform index either.
func Defaults() []Platform {
	return []Platform{
		{OS: "linux", Architecture: "amd64"},
		{OS: "linux", Architecture: "arm64"},
	}
}

// Matches reports whether p satisfies a descriptor's platform after
// normalizing both sides' variant spelling (e.g. arm64/v8 == arm64);
// used when filtering a base image's manifest list for this
// platform's layer.
func (p Platform) Matches(other Platform) bool {
	a, b := Normalize(p), Normalize(other)
	return a.OS == b.OS && a.Architecture == b.Architecture && a.Variant == b.Variant
}

// IsUnknown reports whether this is the placeholder (unknown,unknown)
// platform some registries emit for attestation/SBOM manifests inside
// an index; such entries are skipped during platform discovery.
func (p Platform) IsUnknown() bool {
	return p.OS == "" || p.OS == "unknown" || p.Architecture == "" || p.Architecture == "unknown"
}
