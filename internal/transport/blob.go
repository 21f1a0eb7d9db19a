package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

func bodyReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}

// HeadBlob reports whether a blob with the given digest already exists
// in repository, letting callers skip re-uploading unchanged layers.
func (c *Client) HeadBlob(registry, repository string, d digest.Digest) (bool, error) {
	resp, err := c.authedRequest(http.MethodHead, blobURL(registry, repository, d.String()), registry, repository, nil, nil)
	if err != nil {
		return false, fmt.Errorf("HEAD blob %s: %w", d, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, httpError("HEAD blob", resp.StatusCode, nil)
	}
}

// GetBlob downloads a blob's raw bytes. The client has automatic
// redirects disabled; a single
// 3xx response here is followed manually WITHOUT forwarding the
// Authorization header, since registries commonly redirect blob GETs
// to pre-signed object-storage URLs that reject (or leak, if sent to
// the wrong host) a bearer token.
func (c *Client) GetBlob(registry, repository string, d digest.Digest) (io.ReadCloser, error) {
	resp, err := c.authedRequest(http.MethodGet, blobURL(registry, repository, d.String()), registry, repository, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("GET blob %s: %w", d, err)
	}

	if isRedirect(resp.StatusCode) {
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return nil, fmt.Errorf("GET blob %s: redirect with no Location header", d)
		}
		req, err := http.NewRequest(http.MethodGet, loc, nil)
		if err != nil {
			return nil, fmt.Errorf("following blob redirect: %w", err)
		}
		resp, err = c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("following blob redirect to %s: %w", loc, err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, httpError("GET blob", resp.StatusCode, body)
	}
	return resp.Body, nil
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400
}

// PushBlob uploads a blob's bytes to repository using the upload
// state machine: HEAD to skip existing blobs, then a
// monolithic single-PUT attempt, falling back to the POST/PATCH/PUT
// resumable sequence if the monolithic PUT itself returns a redirect
// instead of a final status (some registries require resumable
// uploads above a size threshold and signal it this way).
func (c *Client) PushBlob(registry, repository string, d digest.Digest, data []byte) error {
	exists, err := c.HeadBlob(registry, repository, d)
	if err != nil {
		return err
	}
	if exists {
		c.log.WithField("digest", d.String()).Debug("blob already present, skipping upload")
		return nil
	}

	location, err := c.initiateUpload(registry, repository)
	if err != nil {
		return err
	}

	if err := c.monolithicUpload(registry, repository, location, d, data); err == errNeedsResumable {
		return c.resumableUpload(registry, repository, location, d, data)
	} else if err != nil {
		return err
	}
	return nil
}

var errNeedsResumable = fmt.Errorf("monolithic upload redirected, falling back to resumable upload")

// initiateUpload starts an upload session with POST and returns the
// Location the registry assigned it, canonicalized to an absolute URL.
func (c *Client) initiateUpload(registry, repository string) (string, error) {
	resp, err := c.authedRequest(http.MethodPost, uploadInitURL(registry, repository), registry, repository, nil, nil)
	if err != nil {
		return "", fmt.Errorf("initiating blob upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return "", httpError("POST blob upload init", resp.StatusCode, body)
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("upload init response carried no Location header")
	}
	return canonicalizeLocation(registry, loc), nil
}

// monolithicUpload attempts the single-PUT upload path. A 2xx response
// finalizes the upload. A 3xx response means the
// registry wants the resumable path instead, signaled to the caller
// via errNeedsResumable.
func (c *Client) monolithicUpload(registry, repository, location string, d digest.Digest, data []byte) error {
	target := appendQuery(location, "digest", d.String())
	resp, err := c.authedRequest(http.MethodPut, target, registry, repository, bodyReader(data), map[string]string{
		"Content-Type": "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("monolithic blob PUT: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case isRedirect(resp.StatusCode):
		return errNeedsResumable
	default:
		body, _ := io.ReadAll(resp.Body)
		return httpError("monolithic blob PUT", resp.StatusCode, body)
	}
}

// resumableUpload performs the POST/PATCH/PUT sequence: a single PATCH
// carrying the whole blob (krust never streams in
// chunks smaller than the full blob), followed by a zero-length PUT
// that finalizes the digest.
func (c *Client) resumableUpload(registry, repository, location string, d digest.Digest, data []byte) error {
	patchResp, err := c.authedRequest(http.MethodPatch, location, registry, repository, bodyReader(data), map[string]string{
		"Content-Type":   "application/octet-stream",
		"Content-Range":  fmt.Sprintf("0-%d", len(data)-1),
		"Content-Length": strconv.Itoa(len(data)),
	})
	if err != nil {
		return fmt.Errorf("resumable blob PATCH: %w", err)
	}
	nextLocation := patchResp.Header.Get("Location")
	patchStatus := patchResp.StatusCode
	patchResp.Body.Close()

	if patchStatus != http.StatusAccepted && patchStatus != http.StatusNoContent {
		return httpError("resumable blob PATCH", patchStatus, nil)
	}
	if nextLocation == "" {
		nextLocation = location
	} else {
		nextLocation = canonicalizeLocation(registry, nextLocation)
	}

	finalTarget := appendQuery(nextLocation, "digest", d.String())
	putResp, err := c.authedRequest(http.MethodPut, finalTarget, registry, repository, nil, map[string]string{
		"Content-Length": "0",
	})
	if err != nil {
		return fmt.Errorf("resumable blob finalize PUT: %w", err)
	}
	defer putResp.Body.Close()

	if putResp.StatusCode != http.StatusCreated && putResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(putResp.Body)
		return httpError("resumable blob finalize PUT", putResp.StatusCode, body)
	}
	return nil
}

// canonicalizeLocation turns whatever form a registry sent (absolute
// URL, root-relative path, or a bare upload UUID) into an absolute URL
// against registry.
func canonicalizeLocation(registry, location string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}
	if strings.HasPrefix(location, "/") {
		return fmt.Sprintf("%s://%s%s", scheme(registry), registry, location)
	}
	return fmt.Sprintf("%s://%s/%s", scheme(registry), registry, location)
}

// appendQuery adds a key=value pair to a URL that may or may not
// already carry a query string, handling the "?" vs "&" join correctly.
func appendQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		return rawURL + sep + key + "=" + url.QueryEscape(value)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
