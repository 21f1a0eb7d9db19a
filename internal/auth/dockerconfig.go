package auth

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/sirupsen/logrus"
)

// DockerConfig is the subset of ~/.docker/config.json krust reads.
// Auth entries use authn.AuthConfig directly as the on-wire JSON
// shape, rather than a hand-rolled struct, since it already matches
// the "auths" entry fields Docker config files use
// (username/password/auth/identitytoken/registrytoken).
type DockerConfig struct {
	Auths       map[string]authn.AuthConfig `json:"auths"`
	CredHelpers map[string]string           `json:"credHelpers"`
	CredsStore  string                      `json:"credsStore"`
}

// entryIsAnonymous reports whether the entry carries no credential at all.
func entryIsAnonymous(e authn.AuthConfig) bool {
	return e.Auth == "" && e.Username == "" && e.Password == "" && e.IdentityToken == "" && e.RegistryToken == ""
}

// entryToAuth converts a config entry to the closed Auth enum: registry
// and identity tokens are Bearer; explicit username/password is Basic;
// the base64 "auth" field is decoded into Basic; otherwise Anonymous.
// Only the wire shape is reused from authn.AuthConfig — krust's own
// closed Auth enum is built on top, not authn.Authenticator.
func entryToAuth(e authn.AuthConfig) Auth {
	if entryIsAnonymous(e) {
		return AnonymousAuth
	}
	if e.RegistryToken != "" {
		return Auth{Kind: KindBearer, Token: e.RegistryToken}
	}
	if e.IdentityToken != "" {
		return Auth{Kind: KindBearer, Token: e.IdentityToken}
	}
	if e.Username != "" && e.Password != "" {
		return Auth{Kind: KindBasic, Username: e.Username, Password: e.Password}
	}
	if e.Auth != "" {
		decoded, err := base64.StdEncoding.DecodeString(e.Auth)
		if err == nil {
			if a, ok := basicFromAuthString(string(decoded)); ok {
				return a
			}
		}
	}
	return AnonymousAuth
}

// configPaths returns the Docker-config search order, most specific
// override first.
func configPaths() []string {
	var paths []string
	if v := os.Getenv("DOCKER_CONFIG"); v != "" {
		paths = append(paths, filepath.Join(v, "config.json"))
	}
	if v := os.Getenv("REGISTRY_AUTH_FILE"); v != "" {
		paths = append(paths, v)
	}
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		paths = append(paths, filepath.Join(v, "containers", "auth.json"))
	}
	if v := os.Getenv("HOME"); v != "" {
		paths = append(paths, filepath.Join(v, ".docker", "config.json"))
	}
	return paths
}

// loadDockerConfig reads the first readable, parseable config file in
// configPaths() order. A missing or malformed file is not fatal — it
// is logged and the next path is tried.
func loadDockerConfig(log logrus.FieldLogger) *DockerConfig {
	for _, path := range configPaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cfg DockerConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			log.WithField("path", path).WithError(err).Warn("failed to parse docker config, skipping")
			continue
		}
		if cfg.Auths == nil {
			cfg.Auths = map[string]authn.AuthConfig{}
		}
		if cfg.CredHelpers == nil {
			cfg.CredHelpers = map[string]string{}
		}
		return &cfg
	}
	return &DockerConfig{Auths: map[string]authn.AuthConfig{}, CredHelpers: map[string]string{}}
}

// normalizeRegistryVariants returns the set of keys a registry host
// might appear under in a Docker config's "auths" map.
func normalizeRegistryVariants(registry string) []string {
	if registry == "docker.io" || registry == "index.docker.io" || registry == "registry-1.docker.io" {
		return []string{
			"docker.io",
			"index.docker.io",
			"registry-1.docker.io",
			"https://index.docker.io/v1/",
			"https://index.docker.io/v2/",
		}
	}
	return []string{
		registry,
		"https://" + registry,
		"http://" + registry,
		"https://" + registry + "/v1/",
		"https://" + registry + "/v2/",
	}
}
