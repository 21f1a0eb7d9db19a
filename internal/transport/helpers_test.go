package transport

import (
	"net/url"
	"testing"

	"github.com/imjasonh/krust/internal/auth"
	"github.com/sirupsen/logrus"
)

// newTestClient returns a Client wired to an anonymous resolver (no
// Docker config present) and pointed at srv's host via the registry
// string the caller passes to each call.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	t.Setenv("DOCKER_CONFIG", "")
	t.Setenv("REGISTRY_AUTH_FILE", "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("HOME", t.TempDir())

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	resolver := auth.NewResolver(log)
	return New(resolver, log)
}

func registryHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Host
}
