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
Package ptproc runs a pluggable transport client as a managed subprocess.

The process is configured through the TOR_PT_* environment variables and announces its local
SOCKS5 listener on standard output with a line such as

	CMETHOD meek_lite socks5 127.0.0.1:41235

[Start] launches the process, [Process.AwaitReady] returns the announced port and
[Process.Close] terminates the process and removes its diagnostic logs.
*/
package ptproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultTransport is the client transport enabled when [Config.Transport] is empty.
	DefaultTransport = "meek_lite"
	// DefaultLogLevel is passed as -logLevel when logging is enabled.
	DefaultLogLevel = "DEBUG"
)

// DefaultLogFileNames are the log files obfs4proxy and lyrebird write into the state directory.
var DefaultLogFileNames = []string{"obfs4proxy.log", "lyrebird.log"}

// Config describes how to run the transport.
type Config struct {
	// Path of the transport executable.
	Path string
	// StateDir must be an existing directory. The transport keeps its state and logs there.
	StateDir string
	// Transport is the single client transport to enable. Defaults to [DefaultTransport].
	Transport string
	// ExitOnStdinClose asks the transport to exit when its standard input is closed.
	ExitOnStdinClose bool
	// EnableLogging makes the transport write a log file into StateDir.
	EnableLogging bool
	// LogLevel defaults to [DefaultLogLevel].
	LogLevel string
	// LogFileNames are dumped and removed on Close. Defaults to [DefaultLogFileNames].
	LogFileNames []string
	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Process is a running transport. It must be closed.
type Process struct {
	cfg     Config
	logger  *slog.Logger
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *Scanner

	// exited is closed after the output reached EOF and the process was reaped.
	exited  chan struct{}
	waitErr error

	readyOnce sync.Once
	port      int
	readyErr  error

	closeOnce sync.Once
}

// Start launches the transport described by cfg.
func Start(cfg Config) (*Process, error) {
	if cfg.Path == "" {
		return nil, &ConfigurationError{Field: "Path", Err: errors.New("executable path is empty")}
	}
	info, err := os.Stat(cfg.StateDir)
	if err != nil {
		return nil, &ConfigurationError{Field: "StateDir", Err: err}
	}
	if !info.IsDir() {
		return nil, &ConfigurationError{Field: "StateDir", Err: fmt.Errorf("%v is not a directory", cfg.StateDir)}
	}
	stateDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, &ConfigurationError{Field: "StateDir", Err: err}
	}
	cfg.StateDir = stateDir
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransport
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFileNames == nil {
		cfg.LogFileNames = DefaultLogFileNames
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("transport", cfg.Transport)

	var args []string
	if cfg.EnableLogging {
		args = append(args, "-enableLogging", "-logLevel="+cfg.LogLevel)
	}
	cmd := exec.Command(cfg.Path, args...)
	exitOnStdinClose := "0"
	if cfg.ExitOnStdinClose {
		exitOnStdinClose = "1"
	}
	cmd.Env = append(os.Environ(),
		"TOR_PT_MANAGED_TRANSPORT_VER=1",
		"TOR_PT_STATE_LOCATION="+cfg.StateDir,
		"TOR_PT_EXIT_ON_STDIN_CLOSE="+exitOnStdinClose,
		"TOR_PT_CLIENT_TRANSPORTS="+cfg.Transport,
	)

	// Standard error goes to the same pipe as standard output.
	output, outputWriter, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Path: cfg.Path, Err: err}
	}
	cmd.Stdout = outputWriter
	cmd.Stderr = outputWriter
	var stdin io.WriteCloser
	if cfg.ExitOnStdinClose {
		if stdin, err = cmd.StdinPipe(); err != nil {
			output.Close()
			outputWriter.Close()
			return nil, &LaunchError{Path: cfg.Path, Err: err}
		}
	}
	if err := cmd.Start(); err != nil {
		output.Close()
		outputWriter.Close()
		return nil, &LaunchError{Path: cfg.Path, Err: err}
	}
	// The child holds its own copy. Ours must go for the reader to see EOF.
	outputWriter.Close()
	logger.Debug("transport started", "path", cfg.Path, "pid", cmd.Process.Pid, "state_dir", cfg.StateDir)

	p := &Process{
		cfg:     cfg,
		logger:  logger,
		cmd:     cmd,
		stdin:   stdin,
		scanner: newScanner(cfg.Transport, logger),
		exited:  make(chan struct{}),
	}
	go func() {
		p.scanner.run(output)
		output.Close()
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// AwaitReady waits up to timeout for the SOCKS port announcement. A timeout <= 0 waits until ctx
// is done. On timeout or cancellation the process is killed, and AwaitReady returns only after
// the output reader has stopped. Later calls return the first result.
func (p *Process) AwaitReady(ctx context.Context, timeout time.Duration) (int, error) {
	p.readyOnce.Do(func() {
		p.port, p.readyErr = p.awaitReady(ctx, timeout)
	})
	return p.port, p.readyErr
}

func (p *Process) awaitReady(ctx context.Context, timeout time.Duration) (int, error) {
	// A nil channel never fires, leaving only ctx.
	var timedOut <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timedOut = timer.C
	}

	var cause error
	select {
	case r := <-p.scanner.Result():
		if r.Err != nil {
			return 0, &TransportStartupError{Err: r.Err}
		}
		p.logger.Debug("transport ready", "port", r.Port)
		return r.Port, nil
	case <-timedOut:
		cause = fmt.Errorf("no port announced within %v: %w", timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		cause = ctx.Err()
	}
	p.kill()
	<-p.scanner.Done()
	return 0, &TransportStartupError{Err: cause}
}

func (p *Process) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to kill transport", "err", err)
	}
}

// Close terminates the transport, waits for it to exit, then logs and deletes its log files.
// Cleanup problems are logged, never returned. Only the first call has an effect.
func (p *Process) Close() error {
	p.closeOnce.Do(p.teardown)
	return nil
}

func (p *Process) teardown() {
	if p.stdin != nil {
		if err := p.stdin.Close(); err != nil {
			p.logger.Warn("failed to close transport stdin", "err", err)
		}
	}
	p.kill()
	<-p.exited
	p.logger.Debug("transport exited", "status", p.waitErr)
	for _, name := range p.cfg.LogFileNames {
		p.dumpAndRemove(filepath.Join(p.cfg.StateDir, name))
	}
}

func (p *Process) dumpAndRemove(path string) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		p.logger.Warn("failed to open transport log", "path", path, "err", err)
	} else {
		lines := bufio.NewScanner(f)
		for lines.Scan() {
			p.logger.Debug("transport log", "file", filepath.Base(path), "line", lines.Text())
		}
		if err := lines.Err(); err != nil {
			p.logger.Warn("failed to read transport log", "path", path, "err", err)
		}
		f.Close()
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("failed to delete transport log", "path", path, "err", err)
	}
}
