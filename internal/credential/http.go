package credential

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"golang.org/x/net/publicsuffix"
)

// maxSessionBody caps how much of a session response is read.
const maxSessionBody = 1 << 20

// HTTPSource reads the session endpoint directly, authenticating with a
// cookie header lifted from the browser.
type HTTPSource struct {
	url    string
	cookie string
	client *http.Client
}

// NewHTTPSource creates a source for sessionURL (e.g.
// "https://chatgpt.com/api/auth/session"). Cookies set by the endpoint are
// kept in a jar scoped by public suffix, so rotated session cookies are
// sent back on the next fetch.
func NewHTTPSource(sessionURL, cookie string) (*HTTPSource, error) {
	if _, err := url.Parse(sessionURL); err != nil {
		return nil, fmt.Errorf("session url: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &HTTPSource{
		url:    sessionURL,
		cookie: cookie,
		client: &http.Client{Jar: jar},
	}, nil
}

func (s *HTTPSource) Session(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.cookie != "" {
		req.Header.Set("Cookie", s.cookie)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSessionBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: %d %s", s.url, resp.StatusCode, string(body))
	}
	return body, nil
}
