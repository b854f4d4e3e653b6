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

package fronting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/things-go/go-socks5"
	pt "gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/goptlib"
)

var testConfig = Config{URL: "https://1723079976.rsc.cdn77.org/", Front: "www.phpmyadmin.net"}

type credentialLog struct {
	mu        sync.Mutex
	users     []string
	passwords []string
	accept    bool
}

func (c *credentialLog) Valid(user, password, userAddr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = append(c.users, user)
	c.passwords = append(c.passwords, password)
	return c.accept
}

type nameLog struct {
	mu    sync.Mutex
	names []string
}

func (r *nameLog) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return ctx, net.IPv4(127, 0, 0, 1), nil
}

// startProxy runs an authenticating SOCKS5 server that relays every CONNECT to target.
func startProxy(t *testing.T, creds *credentialLog, names *nameLog, target string) int {
	t.Helper()
	server := socks5.NewServer(
		socks5.WithAuthMethods([]socks5.Authenticator{socks5.UserPassAuthenticator{Credentials: creds}}),
		socks5.WithResolver(names),
		socks5.WithDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
			return net.Dial(network, target)
		}),
	)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(listener)
	t.Cleanup(func() { listener.Close() })
	return listener.Addr().(*net.TCPAddr).Port
}

func startTarget(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return listener.Addr().String()
}

func closedPort(t *testing.T) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port
}

func TestNewStreamDialer_Invalid(t *testing.T) {
	_, err := NewStreamDialer(0, testConfig, Timeouts{}, nil)
	require.Error(t, err)
	_, err = NewStreamDialer(70000, testConfig, Timeouts{}, nil)
	require.Error(t, err)
	_, err = NewStreamDialer(1080, Config{URL: "https://example.com/"}, Timeouts{}, nil)
	require.Error(t, err)
}

func TestTimeouts_Defaults(t *testing.T) {
	got := Timeouts{IO: time.Second}.withDefaults()
	require.Equal(t, Timeouts{Connect: 5 * time.Second, Tunnel: 60 * time.Second, IO: time.Second}, got)
}

func TestStreamDialer_SendsFrontingCredentials(t *testing.T) {
	target := startTarget(t, func(conn net.Conn) { io.Copy(conn, conn) })
	creds := &credentialLog{accept: true}
	names := &nameLog{}
	port := startProxy(t, creds, names, target)

	dialer, err := NewStreamDialer(port, testConfig, Timeouts{}, nil)
	require.NoError(t, err)
	conn, err := dialer.DialStream(context.Background(), "bridges.torproject.org:443")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	creds.mu.Lock()
	require.Equal(t, []string{"url=https://1723079976.rsc.cdn77.org/;front=www.phpmyadmin.net"}, creds.users)
	require.Equal(t, []string{"\x00"}, creds.passwords)
	creds.mu.Unlock()
	// The proxy received the name, so nothing was resolved locally.
	names.mu.Lock()
	require.Equal(t, []string{"bridges.torproject.org"}, names.names)
	names.mu.Unlock()
}

func TestStreamDialer_ProxyConnectFailure(t *testing.T) {
	dialer, err := NewStreamDialer(closedPort(t), testConfig, Timeouts{}, nil)
	require.NoError(t, err)
	_, err = dialer.DialStream(context.Background(), "bridges.torproject.org:443")
	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	require.Equal(t, CauseProxyConnect, dialErr.Cause)
	require.Equal(t, "bridges.torproject.org:443", dialErr.Addr)
	require.NotNil(t, errors.Unwrap(dialErr))
}

func TestStreamDialer_NegotiationFailure(t *testing.T) {
	target := startTarget(t, func(conn net.Conn) {})
	port := startProxy(t, &credentialLog{accept: false}, &nameLog{}, target)

	dialer, err := NewStreamDialer(port, testConfig, Timeouts{}, nil)
	require.NoError(t, err)
	_, err = dialer.DialStream(context.Background(), "bridges.torproject.org:443")
	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	require.Equal(t, CauseNegotiation, dialErr.Cause)
}

func TestStreamDialer_TunnelTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		go io.Copy(io.Discard, conn)
		<-stop
	}()

	dialer, err := NewStreamDialer(listener.Addr().(*net.TCPAddr).Port, testConfig, Timeouts{Tunnel: 100 * time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = dialer.DialStream(context.Background(), "bridges.torproject.org:443")
	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	require.Equal(t, CauseTimeout, dialErr.Cause)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamDialer_IOTimeout(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)
	target := startTarget(t, func(conn net.Conn) { <-stop })
	port := startProxy(t, &credentialLog{accept: true}, &nameLog{}, target)

	dialer, err := NewStreamDialer(port, testConfig, Timeouts{IO: 100 * time.Millisecond}, nil)
	require.NoError(t, err)
	conn, err := dialer.DialStream(context.Background(), "bridges.torproject.org:443")
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestStreamDialer_DialContextRejectsUDP(t *testing.T) {
	dialer, err := NewStreamDialer(1080, testConfig, Timeouts{}, nil)
	require.NoError(t, err)
	_, err = dialer.DialContext(context.Background(), "udp", "example.com:53")
	require.Error(t, err)
}

func TestCause_String(t *testing.T) {
	require.Equal(t, "proxy connect", CauseProxyConnect.String())
	require.Equal(t, "negotiation", CauseNegotiation.String())
	require.Equal(t, "timeout", CauseTimeout.String())
	require.Equal(t, "cause 9", Cause(9).String())
}

func TestStreamDialer_LogsUnresolvedDestination(t *testing.T) {
	target := startTarget(t, func(conn net.Conn) {})
	port := startProxy(t, &credentialLog{accept: true}, &nameLog{}, target)
	var logs strings.Builder
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dialer, err := NewStreamDialer(port, testConfig, Timeouts{}, logger)
	require.NoError(t, err)
	conn, err := dialer.DialStream(context.Background(), "bridges.torproject.org:443")
	require.NoError(t, err)
	conn.Close()
	require.Contains(t, logs.String(), "dest=bridges.torproject.org:443")
}

func TestStreamDialer_GoptlibListener(t *testing.T) {
	ln, err := pt.ListenSocks("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	requests := make(chan pt.SocksRequest, 1)
	go func() {
		conn, err := ln.AcceptSocks()
		if err != nil {
			return
		}
		defer conn.Close()
		requests <- conn.Req
		if err := conn.Grant(nil); err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	d, err := NewStreamDialer(port, testConfig, Timeouts{Tunnel: 3 * time.Second}, nil)
	require.NoError(t, err)
	conn, err := d.DialStream(context.Background(), "bridges.torproject.org:443")
	require.NoError(t, err)
	defer conn.Close()

	var req pt.SocksRequest
	select {
	case req = <-requests:
	case <-time.After(5 * time.Second):
		t.Fatal("listener produced no SOCKS request")
	}
	require.Equal(t, testConfig.Username(), req.Username)
	require.Empty(t, req.Password)
	require.Equal(t, "bridges.torproject.org:443", req.Target)
	url, ok := req.Args.Get("url")
	require.True(t, ok)
	require.Equal(t, testConfig.URL, url)
	front, ok := req.Args.Get("front")
	require.True(t, ok)
	require.Equal(t, testConfig.Front, front)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))
}
