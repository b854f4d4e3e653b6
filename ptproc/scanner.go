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
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// ParseCMethodLine looks for the SOCKS5 announcement of transportName in line. ok is false when
// the line is not about transportName. A CMETHOD-ERROR line yields a [*MethodError].
func ParseCMethodLine(line, transportName string) (port int, ok bool, err error) {
	line = strings.TrimRight(line, "\r")
	if msg, found := strings.CutPrefix(line, "CMETHOD-ERROR "+transportName+" "); found {
		return 0, true, &MethodError{Transport: transportName, Message: msg}
	}
	suffix, found := strings.CutPrefix(line, "CMETHOD "+transportName+" socks5 127.0.0.1:")
	if !found {
		return 0, false, nil
	}
	port, err = strconv.Atoi(suffix)
	if err != nil || port < 1 || port > 65535 {
		return 0, true, fmt.Errorf("%w: %q", ErrMalformedPort, suffix)
	}
	return port, true, nil
}

// ScanResult is the outcome of a scan. Exactly one of Port and Err is set.
type ScanResult struct {
	Port int
	Err  error
}

// Scanner reads transport output looking for the SOCKS port announcement.
type Scanner struct {
	transportName string
	logger        *slog.Logger
	result        chan ScanResult
	done          chan struct{}
}

func newScanner(transportName string, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		transportName: transportName,
		logger:        logger,
		result:        make(chan ScanResult, 1),
		done:          make(chan struct{}),
	}
}

// scanPort reads r in a new goroutine. The first announcement wins; the rest of r is drained so
// the writer never blocks.
func scanPort(r io.Reader, transportName string, logger *slog.Logger) *Scanner {
	s := newScanner(transportName, logger)
	go s.run(r)
	return s
}

// Result delivers exactly one [ScanResult].
func (s *Scanner) Result() <-chan ScanResult {
	return s.result
}

// Done is closed once the reader reached the end of the stream.
func (s *Scanner) Done() <-chan struct{} {
	return s.done
}

func (s *Scanner) run(r io.Reader) {
	defer close(s.done)
	found := false
	lines := bufio.NewScanner(r)
	for lines.Scan() {
		line := lines.Text()
		s.logger.Debug("transport output", "line", line)
		if found {
			continue
		}
		port, ok, err := ParseCMethodLine(line, s.transportName)
		if !ok {
			continue
		}
		found = true
		s.result <- ScanResult{Port: port, Err: err}
	}
	readErr := lines.Err()
	if !found {
		err := ErrPortNotFound
		if readErr != nil {
			err = fmt.Errorf("%w: %w", ErrPortNotFound, readErr)
		}
		s.result <- ScanResult{Err: err}
	}
	if readErr != nil {
		// The line was too long or the read failed. Keep draining.
		io.Copy(io.Discard, r)
	}
}
