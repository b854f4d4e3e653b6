// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package moat fetches circumvention settings from Tor's Moat service.

Every [Client.Fetch] starts a fresh meek_lite transport process, waits for its SOCKS port, sends a
single domain-fronted HTTPS request through it and tears the process down before returning:

	client, err := moat.NewClient(moat.Options{
		Executable: "/usr/bin/lyrebird",
		StateDir:   stateDir,
		Front:      fronting.Config{URL: "https://1723079976.rsc.cdn77.org/", Front: "www.phpmyadmin.net"},
	})
	if err != nil {
		return err
	}
	bridges, err := client.Fetch(ctx, "cn")
*/
package moat

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-moat/fronting"
	"github.com/Jigsaw-Code/outline-moat/ptproc"
	"github.com/Jigsaw-Code/outline-moat/trust"
	"golang.org/x/net/http2"
)

const (
	// DefaultBaseURL is the Moat API root.
	DefaultBaseURL = "https://bridges.torproject.org/moat"
	// DefaultReadyTimeout bounds the wait for the transport's SOCKS port.
	DefaultReadyTimeout = 60 * time.Second

	settingsPath    = "/circumvention/settings"
	maxResponseSize = 1 << 20
)

// Options configures a [Client].
type Options struct {
	// Executable is the meek_lite capable transport, such as lyrebird or obfs4proxy.
	Executable string
	// StateDir is an existing directory owned by the transport while a fetch runs.
	StateDir string
	// TransportLogLevel is passed as -logLevel. Defaults to [ptproc.DefaultLogLevel].
	TransportLogLevel string
	// Front selects the CDN endpoint and the front domain.
	Front fronting.Config
	// BaseURL defaults to [DefaultBaseURL]. It must be an https URL.
	BaseURL string

	// TrustFallback accepts certificates chaining to Anchor when the default validation fails.
	TrustFallback bool
	// Anchor defaults to [trust.ISRGRootX1].
	Anchor *x509.Certificate
	// RootCAs replaces the system roots for the default validation when not empty.
	RootCAs []*x509.Certificate

	Timeouts fronting.Timeouts
	// ReadyTimeout defaults to [DefaultReadyTimeout].
	ReadyTimeout time.Duration
	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// transportHandle is the part of [ptproc.Process] a fetch needs.
type transportHandle interface {
	AwaitReady(ctx context.Context, timeout time.Duration) (int, error)
	Close() error
}

func startProcess(cfg ptproc.Config) (transportHandle, error) {
	p, err := ptproc.Start(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Client talks to the Moat service. It is safe for concurrent use: each fetch owns its own
// transport process.
type Client struct {
	opts        Options
	settingsURL string
	serverName  string
	validator   trust.Validator
	logger      *slog.Logger

	startTransport func(ptproc.Config) (transportHandle, error)
}

// NewClient validates opts and returns a client. No process is started until [Client.Fetch].
func NewClient(opts Options) (*Client, error) {
	if opts.Executable == "" {
		return nil, &ptproc.ConfigurationError{Field: "Executable", Err: errors.New("executable path is empty")}
	}
	if opts.StateDir == "" {
		return nil, &ptproc.ConfigurationError{Field: "StateDir", Err: errors.New("state directory is empty")}
	}
	if err := opts.Front.Validate(); err != nil {
		return nil, fmt.Errorf("invalid front: %w", err)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "https" || base.Hostname() == "" {
		return nil, fmt.Errorf("invalid base URL %q: must be an absolute https URL", opts.BaseURL)
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serverName := base.Hostname()
	var validator trust.Validator = &trust.SystemValidator{Roots: opts.RootCAs, DNSName: serverName}
	if opts.TrustFallback {
		anchor := opts.Anchor
		if anchor == nil {
			anchor = trust.ISRGRootX1()
		}
		validator = &trust.FallbackValidator{
			Default:  validator,
			Fallback: &trust.AnchorValidator{Anchor: anchor},
			Logger:   logger,
		}
	}
	return &Client{
		opts:           opts,
		settingsURL:    strings.TrimSuffix(opts.BaseURL, "/") + settingsPath,
		serverName:     serverName,
		validator:      validator,
		logger:         logger,
		startTransport: startProcess,
	}, nil
}

// Get fetches the settings without a country.
func (c *Client) Get(ctx context.Context) ([]BridgeDescriptor, error) {
	return c.Fetch(ctx, "")
}

// Fetch asks for the circumvention settings for country, a two-letter code in any case. An empty
// country lets the service decide.
//
// The transport is torn down before Fetch returns, whatever the outcome. ctx bounds the wait for
// the transport and the HTTP exchange.
func (c *Client) Fetch(ctx context.Context, country string) ([]BridgeDescriptor, error) {
	body, err := requestBody(country)
	if err != nil {
		return nil, err
	}

	handle, err := c.startTransport(ptproc.Config{
		Path:          c.opts.Executable,
		StateDir:      c.opts.StateDir,
		Transport:     ptproc.DefaultTransport,
		EnableLogging: true,
		LogLevel:      c.opts.TransportLogLevel,
		Logger:        c.logger,
	})
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	port, err := handle.AwaitReady(ctx, c.opts.ReadyTimeout)
	if err != nil {
		return nil, err
	}
	dialer, err := fronting.NewStreamDialer(port, c.opts.Front, c.opts.Timeouts, c.logger)
	if err != nil {
		return nil, err
	}
	httpClient, err := c.newHTTPClient(dialer)
	if err != nil {
		return nil, err
	}
	defer httpClient.CloseIdleConnections()

	respBody, err := c.post(ctx, httpClient, body)
	if err != nil {
		return nil, err
	}
	bridges, err := ParseSettings(respBody)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("fetched circumvention settings", "country", country, "settings", len(bridges))
	return bridges, nil
}

func (c *Client) newHTTPClient(dialer *fronting.StreamDialer) (*http.Client, error) {
	transport := &http.Transport{
		Proxy:           nil,
		DialContext:     dialer.DialContext,
		TLSClientConfig: trust.ClientConfig(c.serverName, c.validator),
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to enable HTTP/2: %w", err)
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

func (c *Client) post(ctx context.Context, httpClient *http.Client, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settingsURL, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.logger.Debug("sending settings request", "url", c.settingsURL, "body", string(body))

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Err: err}
	}
	if len(respBody) > maxResponseSize {
		return nil, &RequestError{StatusCode: resp.StatusCode, Err: fmt.Errorf("response body exceeds %d bytes", maxResponseSize)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
		var svcErr *RequestError
		if _, err := ParseSettings(respBody); errors.As(err, &svcErr) {
			reqErr.Code, reqErr.Detail = svcErr.Code, svcErr.Detail
		}
		return nil, reqErr
	}
	if len(respBody) == 0 {
		return nil, &RequestError{StatusCode: resp.StatusCode, Err: ErrEmptyBody}
	}
	return respBody, nil
}
