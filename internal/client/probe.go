package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"golang.org/x/net/proxy"

	"github.com/falconscript/proxyratemanager/internal/circuit"
)

// DefaultProbeURL is the default IP-probe endpoint.
const DefaultProbeURL = "http://localhost/raw_external_ip"

var ipPattern = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)

var ErrNoIPInResponse = errors.New("client: probe response body had no IPv4 address")

const defaultProbeTimeout = 15 * time.Second

// Probe issues a GET to probeURL through the bound circuit and extracts
// the first IPv4 dotted-quad from the response body. It does not retry;
// callers (Poller, Coordinator's retry loop) own that policy.
func (cl *Client) Probe(ctx context.Context, probeURL string) (string, error) {
	if probeURL == "" {
		probeURL = DefaultProbeURL
	}

	c := cl.Circuit()
	httpClient, err := newProbeHTTPClient(c)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}

	match := ipPattern.FindString(string(body))
	if match == "" {
		return "", ErrNoIPInResponse
	}
	return match, nil
}

// newProbeHTTPClient builds an *http.Client that routes through c's
// proxy coordinates: a SOCKS5 ContextDialer for socks5h circuits, or an
// http.ProxyURL transport for http/https circuits.
func newProbeHTTPClient(c *circuit.Circuit) (*http.Client, error) {
	dialTimeout := &net.Dialer{Timeout: 10 * time.Second}

	switch c.Scheme() {
	case circuit.SchemeSOCKS5H:
		var auth *proxy.Auth
		if c.Username() != "" {
			auth = &proxy.Auth{User: c.Username(), Password: c.Password()}
		}
		dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort(c.Host(), portString(c.Port())), auth, dialTimeout)
		if err != nil {
			return nil, err
		}
		ctxDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("client: socks5 dialer does not support context dialing")
		}
		return &http.Client{
			Timeout: defaultProbeTimeout,
			Transport: &http.Transport{
				DialContext: ctxDialer.DialContext,
			},
		}, nil

	default: // http, https
		proxyURL := &url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(c.Host(), portString(c.Port())),
		}
		if c.Username() != "" {
			proxyURL.User = url.UserPassword(c.Username(), c.Password())
		}
		return &http.Client{
			Timeout: defaultProbeTimeout,
			Transport: &http.Transport{
				Proxy:       http.ProxyURL(proxyURL),
				DialContext: dialTimeout.DialContext,
			},
		}, nil
	}
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}
