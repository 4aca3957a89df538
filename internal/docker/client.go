package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/moby/moby/client"
)

// Client wraps the Docker API client for one host.
type Client struct {
	api *client.Client
}

// TLSMaterial holds PEM-encoded certificates for connecting to a remote
// Docker daemon over mTLS. Certificates live in the host record, not on
// disk, so reconnects never depend on the filesystem.
type TLSMaterial struct {
	CACert     string
	ClientCert string
	ClientKey  string
}

func (t *TLSMaterial) complete() bool {
	return t != nil && t.CACert != "" && t.ClientCert != "" && t.ClientKey != ""
}

// tlsConfig builds a tls.Config from the PEM material.
func (t *TLSMaterial) tlsConfig() (*tls.Config, error) {
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM([]byte(t.CACert)) {
		return nil, fmt.Errorf("parse CA certificate")
	}

	clientCert, err := tls.X509KeyPair([]byte(t.ClientCert), []byte(t.ClientKey))
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}

	return &tls.Config{
		RootCAs:      certPool,
		Certificates: []tls.Certificate{clientCert},
		MinVersion:   tls.VersionTLS12,
	}, nil // ServerName is set by the caller with the parsed host
}

// NewClient creates a Docker client for the given endpoint. Endpoints
// starting with tcp:// get mTLS when material is provided; anything else
// is treated as a unix socket path.
func NewClient(endpoint string, tlsMat *TLSMaterial) (*Client, error) {
	var opts []client.Opt

	switch {
	case strings.HasPrefix(endpoint, "tcp://"), strings.HasPrefix(endpoint, "tcps://"):
		opts = append(opts, client.WithHost(endpoint))

		if tlsMat.complete() {
			tlsConfig, err := tlsMat.tlsConfig()
			if err != nil {
				return nil, fmt.Errorf("configure Docker TLS: %w", err)
			}
			// Set ServerName for proper hostname verification.
			if u, parseErr := url.Parse(endpoint); parseErr == nil {
				tlsConfig.ServerName = u.Hostname()
			}
			opts = append(opts, client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					TLSClientConfig:       tlsConfig,
					IdleConnTimeout:       90 * time.Second,
					TLSHandshakeTimeout:   10 * time.Second,
					ResponseHeaderTimeout: 30 * time.Second,
				},
			}))
		}
	default:
		sock := strings.TrimPrefix(endpoint, "unix://")
		opts = append(opts,
			client.WithHost("unix://"+sock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", sock, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, err
	}

	return &Client{api: api}, nil
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return err
}

// EngineID returns the daemon's stable engine identifier, used to match
// an enrolling agent against an existing direct-connection host.
func (c *Client) EngineID(ctx context.Context) (string, error) {
	info, err := c.api.Info(ctx, client.InfoOptions{})
	if err != nil {
		return "", err
	}
	return info.Info.ID, nil
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.api.Close()
}
