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
	"time"
)

// timeoutConn pushes the read or write deadline forward before every operation, so that
// each individual Read or Write fails if it makes no progress within the timeout.
type timeoutConn struct {
	StreamConn
	timeout time.Duration
}

var _ StreamConn = (*timeoutConn)(nil)

// NewTimeoutConn returns a [StreamConn] where every Read and Write must complete within timeout.
// A non-positive timeout returns conn unchanged.
func NewTimeoutConn(conn StreamConn, timeout time.Duration) StreamConn {
	if timeout <= 0 {
		return conn
	}
	return &timeoutConn{StreamConn: conn, timeout: timeout}
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if err := c.StreamConn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.StreamConn.Read(b)
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	if err := c.StreamConn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.StreamConn.Write(b)
}
