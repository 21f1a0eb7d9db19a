package build

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	kerrors "github.com/imjasonh/krust/internal/errors"
	"github.com/imjasonh/krust/internal/platform"
)

// Builder produces a compiled executable for a platform. Toolchain is
// the production implementation; tests substitute a fake to avoid
// shelling out to the real Go toolchain.
type Builder interface {
	Build(p platform.Platform) (string, error)
}

// Toolchain produces a compiled executable for a given platform: a
// thin wrapper around `go build` cross-compilation, since the
// project-at-PATH krust builds images from is a Go module.
type Toolchain struct {
	ProjectPath string
}

// NewToolchain creates a Toolchain rooted at projectPath (the PATH
// argument to `krust build`).
func NewToolchain(projectPath string) *Toolchain {
	return &Toolchain{ProjectPath: projectPath}
}

// Build cross-compiles the project for p into a new temporary file,
// which the caller owns and must remove once the platform job's work
// is done.
func (t *Toolchain) Build(p platform.Platform) (string, error) {
	dir, err := os.MkdirTemp("", "krust-build-*")
	if err != nil {
		return "", kerrors.NewToolchainError("create temp dir", err)
	}

	out := filepath.Join(dir, "app")
	cmd := exec.Command("go", "build", "-o", out, t.ProjectPath)
	cmd.Env = append(os.Environ(),
		"GOOS="+p.OS,
		"GOARCH="+p.Architecture,
		"CGO_ENABLED=0",
	)
	if p.Variant != "" && p.Architecture == "arm" {
		cmd.Env = append(cmd.Env, "GOARM="+p.Variant)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.RemoveAll(dir)
		return "", kerrors.NewToolchainError(
			fmt.Sprintf("go build for %s", p.String()),
			fmt.Errorf("%w: %s", err, string(output)),
		)
	}
	return out, nil
}

// Cleanup removes the temporary directory a Build call produced.
func Cleanup(executablePath string) {
	os.RemoveAll(filepath.Dir(executablePath))
}
