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
	"fmt"
)

var (
	// ErrPortNotFound means the output ended without a CMETHOD line for the transport.
	ErrPortNotFound = errors.New("transport did not announce a SOCKS port")
	// ErrMalformedPort means the CMETHOD line did not end in a port number.
	ErrMalformedPort = errors.New("malformed port in CMETHOD line")
)

// ConfigurationError reports an invalid [Config] field.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid transport configuration %v: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// LaunchError means the transport executable could not be started.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch transport %v: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// TransportStartupError means the transport did not become ready.
type TransportStartupError struct {
	Err error
}

func (e *TransportStartupError) Error() string {
	return "transport failed to start: " + e.Err.Error()
}

func (e *TransportStartupError) Unwrap() error {
	return e.Err
}

// MethodError carries a CMETHOD-ERROR announcement.
type MethodError struct {
	Transport string
	Message   string
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("transport %v reported an error: %v", e.Transport, e.Message)
}
