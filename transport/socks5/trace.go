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
)

type contextKey struct{}

// ClientTrace is a set of hooks to run at the stages of a SOCKS5 CONNECT.
// Any particular hook may be nil.
type ClientTrace struct {
	// RequestStarted is called before the handshake is written. addr is the destination
	// as it will be sent to the proxy, after any resolution.
	RequestStarted func(cmd byte, addr string)
	// RequestDone is called when the proxy reply was read, or the handshake failed.
	RequestDone func(network string, bindAddr string, err error)
}

var clientTraceKey = contextKey{}

// WithClientTrace returns a new context based on the provided parent ctx. SOCKS5 dials made
// with the returned context will use the provided trace hooks.
func WithClientTrace(ctx context.Context, trace *ClientTrace) context.Context {
	return context.WithValue(ctx, clientTraceKey, trace)
}

// ContextClientTrace returns the [ClientTrace] associated with the provided context. If none, it returns nil.
func ContextClientTrace(ctx context.Context) *ClientTrace {
	if trace, ok := ctx.Value(clientTraceKey).(*ClientTrace); ok {
		return trace
	}
	return nil
}

func (t *ClientTrace) requestStarted(cmd byte, addr string) {
	if t != nil && t.RequestStarted != nil {
		t.RequestStarted(cmd, addr)
	}
}

func (t *ClientTrace) requestDone(network string, bindAddr string, err error) {
	if t != nil && t.RequestDone != nil {
		t.RequestDone(network, bindAddr, err)
	}
}
