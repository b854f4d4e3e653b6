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

package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/Jigsaw-Code/outline-moat/dns"
	"github.com/Jigsaw-Code/outline-moat/transport"
)

// https://datatracker.ietf.org/doc/html/rfc1929
// Credentials can be nil, and that means no authentication.
type credentials struct {
	username []byte
	password []byte
}

// ConnectError is returned by [StreamDialer.DialStream] when the connection to the proxy itself
// could not be established, before any SOCKS bytes were exchanged.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return "could not connect to SOCKS5 proxy: " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// NewStreamDialer creates a [transport.StreamDialer] that routes connections to a SOCKS5
// proxy listening at the given [transport.StreamEndpoint].
func NewStreamDialer(endpoint transport.StreamEndpoint) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	return &StreamDialer{proxyEndpoint: endpoint, cred: nil}, nil
}

// StreamDialer is a SOCKS5 client [transport.StreamDialer]. It is not safe to change its
// configuration concurrently with DialStream.
type StreamDialer struct {
	proxyEndpoint transport.StreamEndpoint
	cred          *credentials
	resolver      dns.Resolver
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// SetCredentials sets the RFC 1929 username and password sent on every dial.
func (c *StreamDialer) SetCredentials(username, password []byte) error {
	if len(username) > 255 {
		return errors.New("username exceeds 255 bytes")
	}
	if len(username) == 0 {
		return errors.New("username must be at least 1 byte")
	}

	if len(password) > 255 {
		return errors.New("password exceeds 255 bytes")
	}
	if len(password) == 0 {
		return errors.New("password must be at least 1 byte")
	}

	c.cred = &credentials{username: username, password: password}
	return nil
}

// SetResolver makes the dialer resolve domain names with resolver before sending the CONNECT request.
// A placeholder answer (see [dns.IsPlaceholder]) sends the name unresolved. With no resolver,
// names are always sent unresolved.
func (c *StreamDialer) SetResolver(resolver dns.Resolver) {
	c.resolver = resolver
}

// destination returns the address to place in the CONNECT request.
func (c *StreamDialer) destination(ctx context.Context, remoteAddr string) (string, error) {
	if c.resolver == nil {
		return remoteAddr, nil
	}
	host, port, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return "", err
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return remoteAddr, nil
	}
	addrs, err := c.resolver.LookupNetIP(ctx, host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %v: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %v", host)
	}
	if dns.IsPlaceholder(addrs) {
		return remoteAddr, nil
	}
	return net.JoinHostPort(addrs[0].Unmap().String(), port), nil
}

// DialStream implements [transport.StreamDialer].DialStream using SOCKS5.
// Without credentials it sends the method selection and the connect request in one packet, to
// avoid an additional roundtrip. With credentials each step waits for the proxy's answer:
// goptlib listeners drop a client that sends ahead of their reply.
// The handshake is bound to ctx: its deadline applies to the proxy reply and cancellation
// aborts it.
// The returned [error] will be of type [ReplyCode] if the server sends a SOCKS error reply code, which
// you can check against the error constants in this package using [errors.Is].
func (c *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	trace := ContextClientTrace(ctx)
	dest, err := c.destination(ctx, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 address: %w", err)
	}

	proxyConn, err := c.proxyEndpoint.ConnectStream(ctx)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}
	dialSuccess := false
	defer func() {
		if !dialSuccess {
			proxyConn.Close()
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		proxyConn.SetDeadline(deadline)
	}
	// Unblocks the handshake I/O if ctx is done before the proxy replies.
	stopAbort := context.AfterFunc(ctx, func() {
		proxyConn.SetDeadline(time.Unix(1, 0))
	})
	defer stopAbort()

	trace.requestStarted(CmdConnect, dest)
	bindAddr, err := c.handshake(proxyConn, dest)
	if err == nil && !stopAbort() {
		err = errors.New("handshake interrupted")
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		trace.requestDone("tcp", "", err)
		return nil, err
	}
	trace.requestDone("tcp", bindAddr, nil)

	if err := proxyConn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear handshake deadline: %w", err)
	}
	dialSuccess = true
	return proxyConn, nil
}

// handshake performs the method selection, authentication and CONNECT exchange and returns the
// bound address reported by the proxy.
func (c *StreamDialer) handshake(proxyConn io.ReadWriter, dest string) (string, error) {
	// For protocol details, see https://datatracker.ietf.org/doc/html/rfc1928#section-3
	// Buffer large enough for the largest single write: the method and connect requests with a
	// domain name address, or the authentication request.
	// 3 (1 socks version + 1 method selection + 1 methods)
	// + 3 (connect header) + 1 (address type) + 1 (domain length) + 255 (domain) + 2 (port)
	var buffer [(1 + 1 + 1) + (3 + 1 + 1 + 255 + 2)]byte

	if c.cred == nil {
		// Method selection part: VER = 5, NMETHODS = 1, METHODS = 0 (no auth)
		// +----+----------+----------+
		// |VER | NMETHODS | METHODS  |
		// +----+----------+----------+
		// | 1  |    1     | 1 to 255 |
		// +----+----------+----------+
		b := append(buffer[:0], 5, 1, authMethodNoAuth)
		b, err := appendConnectRequest(b, dest)
		if err != nil {
			return "", err
		}
		// We merge the method and connect requests and only perform one write
		// because we send a single authentication method, so there's no point
		// in waiting for the response. This eliminates a roundtrip.
		if _, err := proxyConn.Write(b); err != nil {
			return "", fmt.Errorf("failed to write combined SOCKS5 request: %w", err)
		}
		if err := c.readMethod(proxyConn, buffer[:2]); err != nil {
			return "", err
		}
	} else {
		if err := c.authenticate(proxyConn, buffer[:]); err != nil {
			return "", err
		}
		b, err := appendConnectRequest(buffer[:0], dest)
		if err != nil {
			return "", err
		}
		if _, err := proxyConn.Write(b); err != nil {
			return "", fmt.Errorf("failed to write SOCKS5 connect request: %w", err)
		}
	}

	// Read connect response (VER, REP, RSV, ATYP, BND.ADDR, BND.PORT).
	// See https://datatracker.ietf.org/doc/html/rfc1928#section-6.
	// +----+-----+-------+------+----------+----------+
	// |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
	// +----+-----+-------+------+----------+----------+
	// | 1  |  1  | X'00' |  1   | Variable |    2     |
	// +----+-----+-------+------+----------+----------+
	if _, err := io.ReadFull(proxyConn, buffer[:3]); err != nil {
		return "", fmt.Errorf("failed to read connect server response: %w", err)
	}
	if buffer[0] != 5 {
		return "", fmt.Errorf("invalid protocol version %v. Expected 5", buffer[0])
	}
	// if REP is not 0, it means the server returned an error.
	if buffer[1] != 0 {
		return "", ReplyCode(buffer[1])
	}
	bindAddr, err := readBoundAddress(proxyConn)
	if err != nil {
		return "", fmt.Errorf("failed to read connect server response: %w", err)
	}
	return bindAddr, nil
}

// authenticate offers username/password authentication, waits for the method reply and then
// sends the credentials and waits for their status. buffer must hold at least 3 bytes.
func (c *StreamDialer) authenticate(proxyConn io.ReadWriter, buffer []byte) error {
	// https://datatracker.ietf.org/doc/html/rfc1929
	// Method selection part: VER = 5, NMETHODS = 1, METHODS = 2 (username/password)
	if _, err := proxyConn.Write(append(buffer[:0], 5, 1, authMethodUserPass)); err != nil {
		return fmt.Errorf("failed to write SOCKS5 method request: %w", err)
	}
	if err := c.readMethod(proxyConn, buffer[:2]); err != nil {
		return err
	}
	if buffer[1] == authMethodNoAuth {
		return nil
	}

	// Authentication part: VER = 1, ULEN = 1, UNAME = 1~255, PLEN = 1, PASSWD = 1~255
	// +----+------+----------+------+----------+
	// |VER | ULEN |  UNAME   | PLEN |  PASSWD  |
	// +----+------+----------+------+----------+
	// | 1  |  1   | 1 to 255 |  1   | 1 to 255 |
	// +----+------+----------+------+----------+
	b := make([]byte, 0, 1+1+len(c.cred.username)+1+len(c.cred.password))
	b = append(b, 1, byte(len(c.cred.username)))
	b = append(b, c.cred.username...)
	b = append(b, byte(len(c.cred.password)))
	b = append(b, c.cred.password...)
	if _, err := proxyConn.Write(b); err != nil {
		return fmt.Errorf("failed to write SOCKS5 authentication request: %w", err)
	}

	// VER = 1, STATUS = 0
	if _, err := io.ReadFull(proxyConn, buffer[:2]); err != nil {
		return fmt.Errorf("failed to read authentication version and status: %w", err)
	}
	if buffer[0] != 1 {
		return fmt.Errorf("invalid authentication version %v. Expected 1", buffer[0])
	}
	if buffer[1] != 0 {
		return fmt.Errorf("authentication failed: %v", buffer[1])
	}
	return nil
}

// readMethod reads the method selection reply (VER, METHOD) into reply and checks that the
// selected method is one this dialer can follow.
func (c *StreamDialer) readMethod(proxyConn io.Reader, reply []byte) error {
	if _, err := io.ReadFull(proxyConn, reply[:2]); err != nil {
		return fmt.Errorf("failed to read method server response: %w", err)
	}
	if reply[0] != 5 {
		return fmt.Errorf("invalid protocol version %v. Expected 5", reply[0])
	}
	switch reply[1] {
	case authMethodNoAuth:
		return nil
	case authMethodUserPass:
		if c.cred == nil {
			return errors.New("proxy selected username/password authentication, but no credentials were offered")
		}
		return nil
	case authMethodNoAcceptable:
		return errors.New("proxy accepted none of the offered authentication methods")
	default:
		return fmt.Errorf("unsupported SOCKS authentication method %v", reply[1])
	}
}

// appendConnectRequest appends a CONNECT request for dest to b.
func appendConnectRequest(b []byte, dest string) ([]byte, error) {
	// VER = 5, CMD = 1 (connect), RSV = 0, DST.ADDR, DST.PORT
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	// | 1  |  1  | X'00' |  1   | Variable |    2     |
	// +----+-----+-------+------+----------+----------+
	b = append(b, 5, CmdConnect, 0)
	b, err := appendSOCKS5Address(b, dest)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 address: %w", err)
	}
	return b, nil
}
