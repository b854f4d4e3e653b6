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
Package ptfake is a stand-in for a domain-fronting pluggable transport client, for tests.

Test binaries re-execute themselves as the transport:

	func TestMain(m *testing.M) {
		if ptfake.IsHelper() {
			os.Exit(ptfake.Main())
		}
		os.Exit(m.Run())
	}

and set [ModeEnv] before starting os.Args[0]. In [ModeOK] the fake speaks the managed transport
protocol, accepts SOCKS5 connections carrying "url=...;front=..." credentials and relays them to
the host of the url parameter instead of fronting.
*/
package ptfake

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/Jigsaw-Code/outline-moat/fronting"
	pt "gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/goptlib"
)

// ModeEnv selects the behaviour of [Main].
const ModeEnv = "MOAT_PTFAKE_MODE"

const (
	// ModeOK announces a working SOCKS5 listener.
	ModeOK = "ok"
	// ModeBadPort announces a port that is not a number.
	ModeBadPort = "badport"
	// ModeNoMethod exits without announcing anything.
	ModeNoMethod = "none"
	// ModeHang never writes anything and waits to be killed.
	ModeHang = "hang"
	// ModeMethodError announces CMETHOD-ERROR for every transport.
	ModeMethodError = "error"
)

// LogFileName is written into the state directory when -enableLogging is given.
const LogFileName = "obfs4proxy.log"

// IsHelper reports whether the current process was started to act as the fake transport.
func IsHelper() bool {
	return os.Getenv(ModeEnv) != ""
}

// Main runs the fake transport and returns the exit code.
func Main() int {
	// Standard error is merged into the scanned output by the parent.
	for _, name := range []string{"TOR_PT_MANAGED_TRANSPORT_VER", "TOR_PT_STATE_LOCATION", "TOR_PT_EXIT_ON_STDIN_CLOSE", "TOR_PT_CLIENT_TRANSPORTS"} {
		fmt.Fprintf(os.Stderr, "ptfake env %v=%v\n", name, os.Getenv(name))
	}
	fmt.Fprintf(os.Stderr, "ptfake args %q\n", os.Args[1:])

	switch os.Getenv(ModeEnv) {
	case ModeHang:
		waitForExit()
		return 0
	case ModeNoMethod:
		fmt.Println("ptfake giving up")
		return 0
	case ModeBadPort:
		fmt.Println("CMETHOD meek_lite socks5 127.0.0.1:notaport")
		waitForExit()
		return 0
	}

	ptInfo, err := pt.ClientSetup(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger, closeLog, err := openLog()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()

	listeners := make([]net.Listener, 0)
	for _, methodName := range ptInfo.MethodNames {
		if os.Getenv(ModeEnv) == ModeMethodError {
			pt.CmethodError(methodName, "fronting unavailable")
			continue
		}
		ln, err := pt.ListenSocks("tcp", "127.0.0.1:0")
		if err != nil {
			pt.CmethodError(methodName, err.Error())
			continue
		}
		logger.Info("listening", "method", methodName, "addr", ln.Addr())
		go acceptLoop(ln, logger)
		pt.Cmethod(methodName, ln.Version(), ln.Addr())
		listeners = append(listeners, ln)
	}
	pt.CmethodsDone()

	waitForExit()
	for _, ln := range listeners {
		ln.Close()
	}
	logger.Info("exiting")
	return 0
}

// openLog returns a logger that writes into the state directory if logging was requested, and
// discards otherwise.
func openLog() (*slog.Logger, func(), error) {
	if !slices.Contains(os.Args[1:], "-enableLogging") {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	stateDir, err := pt.MakeStateDir()
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Create(filepath.Join(stateDir, LogFileName))
	if err != nil {
		return nil, nil, err
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})), func() { f.Close() }, nil
}

func waitForExit() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)
	if os.Getenv("TOR_PT_EXIT_ON_STDIN_CLOSE") == "1" {
		go func() {
			io.Copy(io.Discard, os.Stdin)
			sigChan <- syscall.SIGTERM
		}()
	}
	<-sigChan
}

func acceptLoop(ln *pt.SocksListener, logger *slog.Logger) {
	defer ln.Close()
	for {
		conn, err := ln.AcceptSocks()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("SOCKS accept failed", "err", err)
			continue
		}
		go handle(conn, logger)
	}
}

func handle(conn *pt.SocksConn, logger *slog.Logger) {
	defer conn.Close()
	cfg, err := fronting.ParseUsername(conn.Req.Username)
	if err != nil {
		logger.Warn("bad fronting credentials", "err", err)
		conn.Reject()
		return
	}
	logger.Info("socks request", "target", conn.Req.Target, "url", cfg.URL, "front", cfg.Front)
	addr, err := dialAddress(cfg.URL)
	if err != nil {
		logger.Warn("bad fronting URL", "err", err)
		conn.Reject()
		return
	}
	remote, err := net.Dial("tcp", addr)
	if err != nil {
		logger.Warn("dial failed", "addr", addr, "err", err)
		conn.Reject()
		return
	}
	defer remote.Close()
	if err := conn.Grant(&net.TCPAddr{IP: net.IPv4zero, Port: 0}); err != nil {
		return
	}
	go func() {
		io.Copy(remote, conn)
		remote.Close()
	}()
	io.Copy(conn, remote)
}

func dialAddress(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
