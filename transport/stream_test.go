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

package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	StreamConn
}

func TestFuncStreamEndpoint(t *testing.T) {
	expectedConn := &fakeConn{}
	expectedErr := errors.New("fake error")
	endpoint := FuncStreamEndpoint(func(ctx context.Context) (StreamConn, error) {
		return expectedConn, expectedErr
	})
	conn, err := endpoint.ConnectStream(context.Background())
	require.Equal(t, expectedConn, conn)
	require.Equal(t, expectedErr, err)
}

func TestFuncStreamDialer(t *testing.T) {
	expectedConn := &fakeConn{}
	expectedErr := errors.New("fake error")
	dialer := FuncStreamDialer(func(ctx context.Context, addr string) (StreamConn, error) {
		require.Equal(t, "unused", addr)
		return expectedConn, expectedErr
	})
	conn, err := dialer.DialStream(context.Background(), "unused")
	require.Equal(t, expectedConn, conn)
	require.Equal(t, expectedErr, err)
}

func TestTCPEndpoint(t *testing.T) {
	requestText := []byte("Request")
	responseText := []byte("Response")

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err, "Failed to create TCP listener: %v", err)
	defer listener.Close()

	var running sync.WaitGroup
	running.Add(1)

	// Server
	go func() {
		defer running.Done()
		clientConn, err := listener.AcceptTCP()
		require.NoError(t, err, "AcceptTCP failed: %v", err)
		defer clientConn.Close()

		err = iotest.TestReader(clientConn, requestText)
		assert.NoError(t, err, "Request read failed: %v", err)

		_, err = clientConn.Write(responseText)
		assert.NoError(t, err, "Write failed: %v", err)
		assert.NoError(t, clientConn.CloseWrite())
	}()

	// Client
	endpoint := &TCPEndpoint{Address: listener.Addr().String()}
	serverConn, err := endpoint.ConnectStream(context.Background())
	require.NoError(t, err)
	defer serverConn.Close()
	require.Equal(t, listener.Addr().String(), serverConn.RemoteAddr().String())

	n, err := serverConn.Write(requestText)
	require.NoError(t, err)
	require.Equal(t, len(requestText), n)
	require.NoError(t, serverConn.CloseWrite())

	err = iotest.TestReader(serverConn, responseText)
	require.NoError(t, err, "Response read failed: %v", err)

	running.Wait()
}

func TestTCPEndpointRefused(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	address := listener.Addr().String()
	listener.Close()

	endpoint := &TCPEndpoint{Address: address}
	_, err = endpoint.ConnectStream(context.Background())
	require.Error(t, err)
}

func TestNewTimeoutConn_NonPositiveIsIdentity(t *testing.T) {
	conn := &fakeConn{}
	require.Same(t, conn, NewTimeoutConn(conn, 0))
	require.Same(t, conn, NewTimeoutConn(conn, -time.Second))
}

func TestNewTimeoutConn_ReadTimesOut(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		conn, err := listener.AcceptTCP()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	endpoint := &TCPEndpoint{Address: listener.Addr().String()}
	conn, err := endpoint.ConnectStream(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	serverConn := <-accepted
	require.NotNil(t, serverConn)
	defer serverConn.Close()

	conn = NewTimeoutConn(conn, 50*time.Millisecond)
	start := time.Now()
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)

	// Each operation gets a fresh budget.
	_, err = serverConn.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, byte('x'), buf[0])
}
