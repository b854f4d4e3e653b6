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
Package fronting dials through the SOCKS5 listener of a domain-fronting pluggable transport.

The fronting parameters travel in the SOCKS5 username as "url=<URL>;front=<Front>", with a
single NUL byte as the password. Destination names are never resolved locally.
*/
package fronting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/Jigsaw-Code/outline-moat/dns"
	"github.com/Jigsaw-Code/outline-moat/transport"
	"github.com/Jigsaw-Code/outline-moat/transport/socks5"
)

// Timeouts holds the three independent budgets of a fronted dial. Zero fields take the defaults.
type Timeouts struct {
	// Connect bounds the TCP connect to the local proxy. Default 5s.
	Connect time.Duration `yaml:"connect"`
	// Tunnel bounds the whole SOCKS5 exchange, during which the transport establishes the
	// fronted tunnel. Default 60s.
	Tunnel time.Duration `yaml:"tunnel"`
	// IO bounds every read and write on the resulting connection. Default 20s.
	IO time.Duration `yaml:"io"`
}

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultTunnelTimeout  = 60 * time.Second
	DefaultIOTimeout      = 20 * time.Second
)

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Tunnel <= 0 {
		t.Tunnel = DefaultTunnelTimeout
	}
	if t.IO <= 0 {
		t.IO = DefaultIOTimeout
	}
	return t
}

// Cause classifies a [DialError].
type Cause int

const (
	// CauseProxyConnect means the local proxy could not be reached.
	CauseProxyConnect Cause = iota + 1
	// CauseNegotiation means the SOCKS5 exchange failed or was rejected.
	CauseNegotiation
	// CauseTimeout means a connect or tunnel budget ran out.
	CauseTimeout
)

func (c Cause) String() string {
	switch c {
	case CauseProxyConnect:
		return "proxy connect"
	case CauseNegotiation:
		return "negotiation"
	case CauseTimeout:
		return "timeout"
	default:
		return "cause " + strconv.Itoa(int(c))
	}
}

// DialError is returned by [StreamDialer.DialStream].
type DialError struct {
	Cause Cause
	// Addr is the destination that was requested through the tunnel.
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("fronted dial to %v failed (%v): %v", e.Addr, e.Cause, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// StreamDialer is a [transport.StreamDialer] that tunnels through a fronting transport.
// It is safe for concurrent use.
type StreamDialer struct {
	socks    *socks5.StreamDialer
	timeouts Timeouts
	front    string
	logger   *slog.Logger
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer returns a dialer that goes through the SOCKS5 proxy on 127.0.0.1:proxyPort,
// passing cfg as credentials. A nil logger means [slog.Default].
func NewStreamDialer(proxyPort int, cfg Config, timeouts Timeouts, logger *slog.Logger) (*StreamDialer, error) {
	if proxyPort < 1 || proxyPort > 65535 {
		return nil, fmt.Errorf("invalid proxy port %v", proxyPort)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeouts = timeouts.withDefaults()
	endpoint := &transport.TCPEndpoint{
		Dialer:  net.Dialer{Timeout: timeouts.Connect},
		Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(proxyPort)),
	}
	sd, err := socks5.NewStreamDialer(endpoint)
	if err != nil {
		return nil, err
	}
	if err := sd.SetCredentials([]byte(cfg.Username()), []byte(Password)); err != nil {
		return nil, err
	}
	sd.SetResolver(dns.NoDNS{})
	return &StreamDialer{socks: sd, timeouts: timeouts, front: cfg.Front, logger: logger}, nil
}

// DialStream implements [transport.StreamDialer]. The returned connection applies the IO
// timeout to each read and write.
func (d *StreamDialer) DialStream(ctx context.Context, addr string) (transport.StreamConn, error) {
	if socks5.ContextClientTrace(ctx) == nil {
		ctx = socks5.WithClientTrace(ctx, &socks5.ClientTrace{
			RequestStarted: func(cmd byte, dest string) {
				d.logger.Debug("SOCKS5 request", "cmd", cmd, "dest", dest)
			},
		})
	}
	tunnelCtx, cancel := context.WithTimeout(ctx, d.timeouts.Tunnel)
	defer cancel()
	start := time.Now()
	conn, err := d.socks.DialStream(tunnelCtx, addr)
	if err != nil {
		dialErr := &DialError{Cause: classify(err), Addr: addr, Err: err}
		d.logger.Debug("fronted dial failed", "addr", addr, "front", d.front, "cause", dialErr.Cause, "err", err)
		return nil, dialErr
	}
	d.logger.Debug("fronted dial established", "addr", addr, "front", d.front, "elapsed", time.Since(start))
	return transport.NewTimeoutConn(conn, d.timeouts.IO), nil
}

// DialContext has the signature of [net.Dialer.DialContext], for use in [http.Transport].
func (d *StreamDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("network %q is not supported", network)
	}
	return d.DialStream(ctx, addr)
}

func classify(err error) Cause {
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseTimeout
	}
	var connectErr *socks5.ConnectError
	if errors.As(err, &connectErr) {
		return CauseProxyConnect
	}
	return CauseNegotiation
}
