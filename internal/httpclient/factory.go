// Package httpclient builds the HTTP clients used to talk to the scan API.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
)

// Config configures the HTTP client.
type Config struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	FollowRedirects    bool
	MaxRedirects       int
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Timeout:         60 * time.Second,
		FollowRedirects: true,
		MaxRedirects:    5,
	}
}

// FromClientConfig derives the transport settings from the client section.
func FromClientConfig(cfg config.ClientConfig) Config {
	out := DefaultConfig()
	if cfg.Timeout > 0 {
		out.Timeout = cfg.Timeout
	}
	out.InsecureSkipVerify = cfg.InsecureSkipVerify
	return out
}

// New creates an HTTP client with bounded timeouts and a pooled transport.
// Scan appliances commonly present self-signed certificates, so
// certificate verification can be switched off.
func New(cfg Config) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if cfg.MaxRedirects > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			// API keys must not leak to another host
			if req.URL.Host != via[0].URL.Host {
				return fmt.Errorf("refusing cross-host redirect to %s", req.URL.Host)
			}
			return nil
		}
	}

	return client
}

// DoWithContext performs req bound to ctx, reporting cancellation as such.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// CloseBody drains and closes a response body so the connection can be
// reused.
func CloseBody(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
