package collectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// OKXHealthURL is fetched through the proxy to prove it can reach OKX
	OKXHealthURL = "https://www.okx.com"

	proxyCheckTimeout = 4 * time.Second
)

var (
	ErrProxyRequired    = errors.New("okx: LOCAL_OKX_PROXY is required in local and development environments")
	ErrProxyForbidden   = errors.New("okx: a proxy must not be used in production")
	ErrProxyUnreachable = errors.New("okx: configured proxy cannot reach OKX")
)

// ResolveOKXProxy applies the proxy rules for OKX: mandatory in local and
// development, forbidden in production, optional elsewhere.
func ResolveOKXProxy(environment, proxyURL string) (string, error) {
	proxyURL = strings.TrimSpace(proxyURL)

	switch strings.ToLower(environment) {
	case "local", "development":
		if proxyURL == "" {
			return "", ErrProxyRequired
		}
	case "production":
		if proxyURL != "" {
			return "", ErrProxyForbidden
		}
		return "", nil
	}

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil || parsed.Host == "" {
			return "", fmt.Errorf("okx: invalid proxy URL %q", proxyURL)
		}
	}
	return proxyURL, nil
}

// CheckProxyHealth fetches healthURL through the proxy. Any response below
// 500 proves reachability; OKX answers bots with 403.
func CheckProxyHealth(ctx context.Context, proxyURL, healthURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: invalid proxy URL %q", ErrProxyUnreachable, proxyURL)
	}

	client := &http.Client{
		Timeout: proxyCheckTimeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(parsed),
			MaxIdleConns:    1,
			IdleConnTimeout: 5 * time.Second,
		},
	}
	defer client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, proxyCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxyUnreachable, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxyUnreachable, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: HTTP %d", ErrProxyUnreachable, resp.StatusCode)
	}
	return nil
}
