// Package transport implements the token exchange and HTTP transport
// needed to talk to an OCI registry: the WWW-Authenticate challenge,
// the HEAD/GET/POST/PATCH/PUT verbs against a registry's /v2/
// endpoints, and the blob upload state machine, including a
// resumable-upload fallback for registries that reject a monolithic
// PUT.
package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/imjasonh/krust/internal/auth"
	"github.com/sirupsen/logrus"
)

// Client is the single TLS-capable HTTP client krust uses for all
// registry calls. Redirects are disabled: blob GET and blob upload
// redirects each need different, verb-specific handling that a
// generic http.Client redirect policy cannot express safely.
type Client struct {
	http     *http.Client
	resolver *auth.Resolver
	log      logrus.FieldLogger

	mu             sync.Mutex
	tokenExchanger *auth.Exchanger
}

// New creates a Client. log may be nil.
func New(resolver *auth.Resolver, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.New()
	}
	return &Client{
		http: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		resolver: resolver,
		log:      log,
	}
}

func scheme(registry string) string {
	if isLocal(registry) {
		return "http"
	}
	return "https"
}

func isLocal(registry string) bool {
	return hasAnyPrefix(registry, "localhost", "127.0.0.1")
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

func blobURL(registry, repository, digest string) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", scheme(registry), registry, repository, digest)
}

func uploadInitURL(registry, repository string) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/uploads/", scheme(registry), registry, repository)
}

func manifestURL(registry, repository, ref string) string {
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", scheme(registry), registry, repository, ref)
}
