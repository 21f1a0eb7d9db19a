package transport

import (
	"fmt"
	"io"
	"net/http"

	digest "github.com/opencontainers/go-digest"
)

// acceptedManifestTypes lists every media type krust needs to read
// back, OCI and Docker v2 alike, sent as the Accept header on every
// manifest fetch.
var acceptedManifestTypes = []string{
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
}

// Manifest is a fetched manifest or index: its raw bytes, content
// type, and the digest the registry reported (or, absent that header,
// the digest krust computed from the bytes itself).
type Manifest struct {
	Bytes     []byte
	MediaType string
	Digest    digest.Digest
}

// GetManifest fetches the manifest or index named by ref (a tag or a
// "sha256:..." digest string) from repository on registry.
func (c *Client) GetManifest(registry, repository, ref string) (*Manifest, error) {
	headers := map[string]string{"Accept": joinAccept(acceptedManifestTypes)}
	resp, err := c.authedRequest(http.MethodGet, manifestURL(registry, repository, ref), registry, repository, nil, headers)
	if err != nil {
		return nil, fmt.Errorf("GET manifest %s/%s:%s: %w", registry, repository, ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, httpError("GET manifest", resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading manifest body: %w", err)
	}

	d := digest.Digest(resp.Header.Get("Docker-Content-Digest"))
	if d == "" {
		d = digest.FromBytes(data)
	}

	return &Manifest{
		Bytes:     data,
		MediaType: resp.Header.Get("Content-Type"),
		Digest:    d,
	}, nil
}

// HeadManifest checks whether ref exists without downloading its body,
// returning the content digest the registry reports.
func (c *Client) HeadManifest(registry, repository, ref string) (digest.Digest, bool, error) {
	headers := map[string]string{"Accept": joinAccept(acceptedManifestTypes)}
	resp, err := c.authedRequest(http.MethodHead, manifestURL(registry, repository, ref), registry, repository, nil, headers)
	if err != nil {
		return "", false, fmt.Errorf("HEAD manifest %s/%s:%s: %w", registry, repository, ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, httpError("HEAD manifest", resp.StatusCode, nil)
	}
	return digest.Digest(resp.Header.Get("Docker-Content-Digest")), true, nil
}

// PutManifest uploads a manifest or index under ref (a tag, or empty
// for digest-only publish, in which case the manifest's own digest is
// used as ref).
func (c *Client) PutManifest(registry, repository, ref string, data []byte, mediaType string) (digest.Digest, error) {
	if ref == "" {
		ref = digest.FromBytes(data).String()
	}
	headers := map[string]string{"Content-Type": mediaType}
	resp, err := c.authedRequest(http.MethodPut, manifestURL(registry, repository, ref), registry, repository, bodyReader(data), headers)
	if err != nil {
		return "", fmt.Errorf("PUT manifest %s/%s:%s: %w", registry, repository, ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", httpError("PUT manifest", resp.StatusCode, body)
	}

	if d := resp.Header.Get("Docker-Content-Digest"); d != "" {
		return digest.Digest(d), nil
	}
	return digest.FromBytes(data), nil
}

func joinAccept(types []string) string {
	out := types[0]
	for _, t := range types[1:] {
		out += ", " + t
	}
	return out
}

func httpError(op string, status int, body []byte) error {
	return fmt.Errorf("%s: unexpected status %d: %s", op, status, truncateBody(body))
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
