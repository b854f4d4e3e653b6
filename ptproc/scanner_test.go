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

package ptproc

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCMethodLine(t *testing.T) {
	tests := []struct {
		line    string
		port    int
		ok      bool
		wantErr error
	}{
		{line: "CMETHOD meek_lite socks5 127.0.0.1:41235", port: 41235, ok: true},
		{line: "CMETHOD meek_lite socks5 127.0.0.1:1\r", port: 1, ok: true},
		{line: "CMETHOD meek_lite socks5 127.0.0.1:", ok: true, wantErr: ErrMalformedPort},
		{line: "CMETHOD meek_lite socks5 127.0.0.1:abc", ok: true, wantErr: ErrMalformedPort},
		{line: "CMETHOD meek_lite socks5 127.0.0.1:123x", ok: true, wantErr: ErrMalformedPort},
		{line: "CMETHOD meek_lite socks5 127.0.0.1:0", ok: true, wantErr: ErrMalformedPort},
		{line: "CMETHOD meek_lite socks5 127.0.0.1:65536", ok: true, wantErr: ErrMalformedPort},
		{line: "CMETHOD meek_lite socks5 127.0.0.1:-5", ok: true, wantErr: ErrMalformedPort},
		{line: "CMETHOD obfs4 socks5 127.0.0.1:41235"},
		{line: "CMETHOD meek_lite socks4 127.0.0.1:41235"},
		{line: "VERSION 1"},
		{line: "CMETHODS DONE"},
		{line: ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			port, ok, err := ParseCMethodLine(tt.line, "meek_lite")
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.port, port)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseCMethodLine_MethodError(t *testing.T) {
	_, ok, err := ParseCMethodLine("CMETHOD-ERROR meek_lite no fronting available", "meek_lite")
	require.True(t, ok)
	var methodErr *MethodError
	require.ErrorAs(t, err, &methodErr)
	require.Equal(t, "no fronting available", methodErr.Message)

	_, ok, err = ParseCMethodLine("CMETHOD-ERROR obfs4 nope", "meek_lite")
	require.False(t, ok)
	require.NoError(t, err)
}

func awaitResult(t *testing.T, s *Scanner) ScanResult {
	t.Helper()
	select {
	case r := <-s.Result():
		return r
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no scan result")
		return ScanResult{}
	}
}

func TestScanPort_FirstMatchWins(t *testing.T) {
	input := "VERSION 1\nCMETHOD meek_lite socks5 127.0.0.1:1234\nCMETHOD meek_lite socks5 127.0.0.1:5678\nCMETHODS DONE\n"
	s := scanPort(strings.NewReader(input), "meek_lite", nil)
	require.Equal(t, ScanResult{Port: 1234}, awaitResult(t, s))
	<-s.Done()
	select {
	case r := <-s.Result():
		require.Fail(t, "unexpected second result", "%v", r)
	default:
	}
}

func TestScanPort_Malformed(t *testing.T) {
	s := scanPort(strings.NewReader("CMETHOD meek_lite socks5 127.0.0.1:12a\n"), "meek_lite", nil)
	r := awaitResult(t, s)
	require.ErrorIs(t, r.Err, ErrMalformedPort)
	require.Zero(t, r.Port)
}

func TestScanPort_NotFound(t *testing.T) {
	s := scanPort(strings.NewReader("VERSION 1\nsomething else\n"), "meek_lite", nil)
	require.ErrorIs(t, awaitResult(t, s).Err, ErrPortNotFound)
	<-s.Done()
}

func TestScanPort_Empty(t *testing.T) {
	s := scanPort(strings.NewReader(""), "meek_lite", nil)
	require.ErrorIs(t, awaitResult(t, s).Err, ErrPortNotFound)
}

func TestScanPort_ReadError(t *testing.T) {
	readErr := errors.New("broken pipe")
	s := scanPort(io.MultiReader(strings.NewReader("VERSION 1\n"), &errReader{readErr}), "meek_lite", nil)
	err := awaitResult(t, s).Err
	require.ErrorIs(t, err, ErrPortNotFound)
	require.ErrorIs(t, err, readErr)
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

func TestScanPort_DrainsAfterMatch(t *testing.T) {
	pr, pw := io.Pipe()
	s := scanPort(pr, "meek_lite", nil)
	_, err := io.WriteString(pw, "CMETHOD meek_lite socks5 127.0.0.1:9050\n")
	require.NoError(t, err)
	require.Equal(t, 9050, awaitResult(t, s).Port)

	// A pipe write only returns once it has been read, so these would block without a reader.
	for range 100 {
		_, err := io.WriteString(pw, "more output from the transport\n")
		require.NoError(t, err)
	}
	select {
	case <-s.Done():
		require.Fail(t, "done before end of stream")
	default:
	}
	pw.Close()
	<-s.Done()
}

func TestScanPort_DrainsLongLine(t *testing.T) {
	pr, pw := io.Pipe()
	s := scanPort(pr, "meek_lite", nil)
	go func() {
		io.WriteString(pw, strings.Repeat("x", 100_000)+"\n")
		io.WriteString(pw, "CMETHOD meek_lite socks5 127.0.0.1:9050\n")
		pw.Close()
	}()
	require.ErrorIs(t, awaitResult(t, s).Err, ErrPortNotFound)
	<-s.Done()
}
