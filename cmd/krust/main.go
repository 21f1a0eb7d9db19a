package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/imjasonh/krust/internal/auth"
	kbuild "github.com/imjasonh/krust/internal/build"
	"github.com/imjasonh/krust/internal/image"
	"github.com/imjasonh/krust/internal/platform"
	"github.com/imjasonh/krust/internal/resolve"
	"github.com/imjasonh/krust/internal/transport"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

// defaultBase is the distroless-style base image krust builds onto
// when the caller doesn't name one, matching the original project's
// default.
const defaultBase = "cgr.dev/chainguard/static:latest"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var verbose bool

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	cmd := &cobra.Command{
		Use:     "krust",
		Short:   "Build and push container images from a compiled executable",
		Long:    "krust builds OCI container images directly from a compiled executable, without a daemon or a Dockerfile, and pushes them to a registry.",
		Version: fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	cmd.AddCommand(newBuildCommand(log))
	cmd.AddCommand(newResolveCommand(log))
	cmd.AddCommand(newApplyCommand(log))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// commonFlags are the flags build, resolve, and apply all share.
type commonFlags struct {
	platforms []string
	noPush    bool
	tag       string
	repo      string
	base      string
}

func (f *commonFlags) register(cmd *cobra.Command, withNoPush bool) {
	cmd.Flags().StringArrayVar(&f.platforms, "platform", nil, "target platform os/arch[/variant], repeatable or comma-separated (default: discovered from base)")
	cmd.Flags().StringVar(&f.tag, "tag", "", "tag to apply to the pushed image (default: digest-only publish)")
	cmd.Flags().StringVar(&f.repo, "repo", "", "target repository prefix, e.g. ghcr.io/user (default: $KRUST_REPO)")
	cmd.Flags().StringVar(&f.base, "base", defaultBase, "base image to build on top of")
	if withNoPush {
		cmd.Flags().BoolVar(&f.noPush, "no-push", false, "build without pushing to the registry")
	}
}

func (f *commonFlags) resolveRepo() (string, error) {
	repo := f.repo
	if repo == "" {
		repo = os.Getenv("KRUST_REPO")
	}
	if repo == "" {
		return "", fmt.Errorf("target repository is required: pass --repo or set $KRUST_REPO")
	}
	return repo, nil
}

func (f *commonFlags) resolvePlatforms() ([]platform.Platform, error) {
	if len(f.platforms) == 0 {
		return nil, nil
	}
	return platform.ParseAll(strings.Join(f.platforms, ","))
}

func newOrchestrator(log logrus.FieldLogger) *kbuild.Orchestrator {
	resolver := auth.NewResolver(log)
	client := transport.New(resolver, log)
	return kbuild.New(client, log)
}

func buildOptions(f *commonFlags) (kbuild.Options, error) {
	repo, err := f.resolveRepo()
	if err != nil {
		return kbuild.Options{}, err
	}
	platforms, err := f.resolvePlatforms()
	if err != nil {
		return kbuild.Options{}, err
	}
	opts := kbuild.Options{
		BaseImage:  f.base,
		TargetRepo: repo,
		Platforms:  platforms,
		NoPush:     f.noPush,
		Tag:        f.tag,
	}
	if epoch, ok := image.ParseSourceDateEpoch(os.Getenv("SOURCE_DATE_EPOCH")); ok {
		opts.SourceDateEpoch = &epoch
	}
	return opts, nil
}

func newBuildCommand(log logrus.FieldLogger) *cobra.Command {
	flags := &commonFlags{}

	cmd := &cobra.Command{
		Use:   "build [PATH]",
		Short: "Build a container image from a compiled executable and push it to a registry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			opts, err := buildOptions(flags)
			if err != nil {
				return err
			}

			ref, err := newOrchestrator(log).Build(path, opts)
			if err != nil {
				return err
			}
			if ref != "" {
				fmt.Println(ref)
			}
			return nil
		},
	}
	flags.register(cmd, true)
	return cmd
}

// resolveFiles runs a build for every unique krust:// reference found
// across filenames and returns each file with its references replaced,
// in the order the files were read.
func resolveFiles(log logrus.FieldLogger, filenames []string, flags *commonFlags) ([]resolve.File, error) {
	var files []resolve.File
	for _, name := range filenames {
		fs, err := resolve.ReadYAMLFiles(name)
		if err != nil {
			return nil, err
		}
		files = append(files, fs...)
	}

	paths := map[string]struct{}{}
	for _, f := range files {
		refs, err := resolve.FindReferences(f.Content)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
		for p := range refs {
			paths[p] = struct{}{}
		}
	}

	opts, err := buildOptions(flags)
	if err != nil {
		return nil, err
	}

	orchestrator := newOrchestrator(log)
	replacements := make(map[string]string, len(paths))
	for p := range paths {
		log.WithField("path", p).Info("building referenced image")
		ref, err := orchestrator.Build(p, opts)
		if err != nil {
			return nil, fmt.Errorf("building %s: %w", p, err)
		}
		replacements[p] = ref
	}

	resolved := make([]resolve.File, len(files))
	for i, f := range files {
		content, err := resolve.ReplaceReferences(f.Content, replacements)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
		resolved[i] = resolve.File{Path: f.Path, Content: content}
	}
	return resolved, nil
}

func newResolveCommand(log logrus.FieldLogger) *cobra.Command {
	flags := &commonFlags{}
	var filenames []string

	cmd := &cobra.Command{
		Use:   "resolve -f FILE...",
		Short: "Build images referenced by krust:// paths in YAML files and print the resolved YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveFiles(log, filenames, flags)
			if err != nil {
				return err
			}
			for i, f := range resolved {
				if i > 0 {
					fmt.Println("---")
				}
				fmt.Print(f.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&filenames, "filename", "f", nil, "YAML file or directory to resolve")
	cmd.MarkFlagRequired("filename")
	flags.register(cmd, false)
	return cmd
}

func newApplyCommand(log logrus.FieldLogger) *cobra.Command {
	flags := &commonFlags{}
	var filenames []string

	cmd := &cobra.Command{
		Use:   "apply -f FILE...",
		Short: "Build images referenced by krust:// paths in YAML files and apply the resolved YAML with kubectl",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveFiles(log, filenames, flags)
			if err != nil {
				return err
			}

			var combined strings.Builder
			for i, f := range resolved {
				if i > 0 {
					combined.WriteString("---\n")
				}
				combined.WriteString(f.Content)
			}

			kubectl := exec.Command("kubectl", "apply", "-f", "-")
			kubectl.Stdin = strings.NewReader(combined.String())
			kubectl.Stdout = os.Stdout
			kubectl.Stderr = os.Stderr
			if err := kubectl.Run(); err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					os.Exit(exitErr.ExitCode())
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&filenames, "filename", "f", nil, "YAML file or directory to apply")
	cmd.MarkFlagRequired("filename")
	flags.register(cmd, false)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tool's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}
