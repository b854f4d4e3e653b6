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

package dns

import (
	"context"
	"errors"
	"net/netip"
)

// Resolver maps host names to IP addresses.
type Resolver interface {
	// LookupNetIP returns the addresses for host. Implementations may return a placeholder
	// (see [IsPlaceholder]) to indicate the name must be resolved remotely.
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// FuncResolver is a [Resolver] that uses the given function to resolve.
type FuncResolver func(ctx context.Context, host string) ([]netip.Addr, error)

var _ Resolver = (FuncResolver)(nil)

// LookupNetIP implements [Resolver].LookupNetIP.
func (f FuncResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return f(ctx, host)
}

// NoDNS is a [Resolver] that never performs a lookup. Every host resolves to the IPv4
// unspecified address (0.0.0.0).
type NoDNS struct{}

var _ Resolver = NoDNS{}

// LookupNetIP implements [Resolver].LookupNetIP.
func (NoDNS) LookupNetIP(_ context.Context, host string) ([]netip.Addr, error) {
	if host == "" {
		return nil, errors.New("empty host name")
	}
	return []netip.Addr{netip.IPv4Unspecified()}, nil
}

// IsPlaceholder reports whether addrs is a placeholder answer, meaning the name must be sent
// unresolved to the next hop.
func IsPlaceholder(addrs []netip.Addr) bool {
	if len(addrs) == 0 {
		return false
	}
	for _, addr := range addrs {
		if !addr.IsUnspecified() {
			return false
		}
	}
	return true
}
