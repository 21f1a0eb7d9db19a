package auth

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Resolver resolves a registry host to credentials, caching the parsed
// Docker config across calls so repeated lookups within a build don't
// re-read and re-parse the config file.
type Resolver struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	config *DockerConfig
}

// NewResolver creates a Resolver. log may be nil, in which case a
// default logrus logger (writing to stderr) is used.
func NewResolver(log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = logrus.New()
	}
	return &Resolver{log: log}
}

func (r *Resolver) loadConfig() *DockerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.config == nil {
		r.config = loadDockerConfig(r.log)
	}
	return r.config
}

// Resolve returns credentials for the given registry host: config
// lookup, then credential helper, then Anonymous.
func (r *Resolver) Resolve(registry string) Auth {
	cfg := r.loadConfig()

	for _, variant := range normalizeRegistryVariants(registry) {
		entry, ok := cfg.Auths[variant]
		if !ok {
			continue
		}
		a := entryToAuth(entry)
		if !a.IsAnonymous() {
			r.log.WithField("registry", registry).Debug("resolved credentials from docker config")
			return a
		}
	}

	helper := cfg.CredHelpers[registry]
	if helper == "" {
		helper = cfg.CredsStore
	}
	if helper != "" {
		if a, err := executeCredentialHelper(r.log, helper, registry); err == nil && !a.IsAnonymous() {
			r.log.WithFields(logrus.Fields{"registry": registry, "helper": helper}).Debug("resolved credentials from credential helper")
			return a
		}
	}

	r.log.WithField("registry", registry).Debug("no credentials found, using anonymous")
	return AnonymousAuth
}

// ExtractRegistry returns the registry host portion of an image
// reference string without a full reference.Parse.
func ExtractRegistry(imageRef string) string {
	slash := strings.Index(imageRef, "/")
	if slash < 0 {
		return "registry-1.docker.io"
	}
	candidate := imageRef[:slash]
	if strings.ContainsAny(candidate, ".:") || candidate == "localhost" {
		return candidate
	}
	return "registry-1.docker.io"
}
