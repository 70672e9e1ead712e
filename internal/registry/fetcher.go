// Package registry downloads the delegation record with conditional requests.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/proxy"
)

const (
	maxResponseBytes = 64 << 20
	defaultUserAgent = "pacgen/1.0"
)

// FetchError is returned for any response that is neither 2xx nor 304.
type FetchError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry: fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("registry: fetch %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}

type Result struct {
	Body []byte
	ETag string

	// NotModified is set when the server answered 304; Body is nil then.
	NotModified bool
}

type Fetcher struct {
	URL       string
	UserAgent string
	Client    *http.Client
}

// Fetch downloads the record. A non-empty etag is sent as If-None-Match.
func (f *Fetcher) Fetch(ctx context.Context, etag string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: create request: %w", err)
	}
	userAgent := f.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch %s: %w", f.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		log.Debug("Registry not modified", "url", f.URL, "etag", etag)
		return &Result{ETag: etag, NotModified: true}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &FetchError{URL: f.URL, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("registry: read response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("registry: response larger than %d bytes", maxResponseBytes)
	}

	return &Result{Body: body, ETag: resp.Header.Get("ETag")}, nil
}

// NewHTTPClient builds the client used for registry downloads. upstream may be
// a socks5:// URL; an empty string dials directly.
func NewHTTPClient(timeout time.Duration, upstream string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if upstream = strings.TrimSpace(upstream); upstream != "" {
		u, err := url.Parse(upstream)
		if err != nil {
			return nil, fmt.Errorf("registry: parse upstream proxy: %w", err)
		}
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("registry: upstream proxy dialer: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("registry: upstream proxy dialer does not support contexts")
		}
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return contextDialer.DialContext(ctx, network, addr)
		}
	}

	return &http.Client{Timeout: timeout, Transport: transport}, nil
}
