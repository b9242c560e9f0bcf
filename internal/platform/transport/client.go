package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// ClientOptions configure an outbound HTTP/2 client for one pushkin.
type ClientOptions struct {
	// ProxyURL, when set, routes every connection through an HTTP CONNECT
	// proxy.
	ProxyURL string

	// MaxConnections caps concurrent connections per upstream host.
	MaxConnections int

	// Certificates holds the client certificate for mutual TLS (APNs
	// certificate auth). Empty for token-based auth.
	Certificates []tls.Certificate

	// Timeout is the per-request deadline applied by the client itself,
	// independent of any context deadline.
	Timeout time.Duration
}

// NewHTTP2Client builds an HTTP client that always negotiates HTTP/2,
// optionally tunnelled through a CONNECT proxy, with idle-connection ping
// health checks so broken pool members are evicted instead of timing out
// live requests.
func NewHTTP2Client(opts ClientOptions) (*http.Client, error) {
	tlsConfig := &tls.Config{
		Certificates: opts.Certificates,
		NextProtos:   []string{"h2"},
		MinVersion:   tls.VersionTLS12,
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		MaxConnsPerHost:     opts.MaxConnections,
		MaxIdleConnsPerHost: opts.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	if opts.ProxyURL != "" {
		proxy, err := ParseProxyURL(opts.ProxyURL)
		if err != nil {
			return nil, err
		}
		transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			rawConn, err := proxy.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				rawConn.Close()
				return nil, fmt.Errorf("invalid address %q: %w", addr, err)
			}
			cfg := tlsConfig.Clone()
			cfg.ServerName = host
			tlsConn := tls.Client(rawConn, cfg)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				rawConn.Close()
				return nil, fmt.Errorf("TLS handshake with %s via proxy: %w", addr, err)
			}
			return tlsConn, nil
		}
	}

	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return nil, fmt.Errorf("configuring HTTP/2 transport: %w", err)
	}
	h2.ReadIdleTimeout = time.Minute
	h2.PingTimeout = 15 * time.Second

	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}, nil
}
