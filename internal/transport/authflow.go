package transport

import (
	"bytes"
	"io"
	"net/http"

	"github.com/imjasonh/krust/internal/auth"
)

// authedRequest builds an HTTP request against url, sends it, and on a
// 401 carrying a WWW-Authenticate Bearer challenge performs the token
// exchange and retries exactly once with the resulting bearer token.
// body, if non-nil, is buffered so it can be replayed on retry.
func (c *Client) authedRequest(method, url, registry, repository string, body io.Reader, headers map[string]string) (*http.Response, error) {
	var bodyBytes []byte
	if body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		bodyBytes = b
	}

	newReq := func() (*http.Request, error) {
		var rc io.Reader
		if bodyBytes != nil {
			rc = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequest(method, url, rc)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}

	cred := c.resolver.Resolve(registry)
	req, err := newReq()
	if err != nil {
		return nil, err
	}
	applyAuth(req, cred)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	challenge, ok := auth.ParseBearerChallenge(resp.Header.Get("WWW-Authenticate"))
	if !ok {
		// No bearer challenge to act on; hand back the 401 as-is.
		return resp, nil
	}
	resp.Body.Close()

	token, err := c.exchanger().Exchange(registry, challenge, cred, repository)
	if err != nil {
		return nil, err
	}

	req2, err := newReq()
	if err != nil {
		return nil, err
	}
	req2.Header.Set("Authorization", "Bearer "+token)
	return c.http.Do(req2)
}

func applyAuth(req *http.Request, cred auth.Auth) {
	switch cred.Kind {
	case auth.KindBasic:
		req.SetBasicAuth(cred.Username, cred.Password)
	case auth.KindBearer:
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
}

func (c *Client) exchanger() *auth.Exchanger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenExchanger == nil {
		c.tokenExchanger = auth.NewExchanger(c.http, auth.NewTokenCache())
	}
	return c.tokenExchanger
}
