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
Package socks5 implements a SOCKS5 client that can carry RFC 1929 username/password credentials.

Pluggable transports such as meek_lite read their per-connection parameters from those credential
fields, so the credentials here are treated as opaque bytes rather than as a user identity.
*/
package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

// ReplyCode is a byte-unsigned number that represents a SOCKS error as indicated in the REP field of the server response.
type ReplyCode byte

// SOCKS reply codes, as enumerated in https://datatracker.ietf.org/doc/html/rfc1928#section-6.
const (
	ErrGeneralServerFailure          = ReplyCode(0x01)
	ErrConnectionNotAllowedByRuleset = ReplyCode(0x02)
	ErrNetworkUnreachable            = ReplyCode(0x03)
	ErrHostUnreachable               = ReplyCode(0x04)
	ErrConnectionRefused             = ReplyCode(0x05)
	ErrTTLExpired                    = ReplyCode(0x06)
	ErrCommandNotSupported           = ReplyCode(0x07)
	ErrAddressTypeNotSupported       = ReplyCode(0x08)
)

// CmdConnect is the only SOCKS5 command this client issues, from https://datatracker.ietf.org/doc/html/rfc1928#section-4.
const CmdConnect = byte(1)

// SOCKS5 authentication methods, as specified in https://datatracker.ietf.org/doc/html/rfc1928#section-3
const (
	authMethodNoAuth       = 0x00
	authMethodUserPass     = 0x02
	authMethodNoAcceptable = 0xff
)

var _ error = (ReplyCode)(0)

// Error returns a human-readable description of the error, based on the SOCKS5 RFC.
func (e ReplyCode) Error() string {
	switch e {
	case ErrGeneralServerFailure:
		return "general SOCKS server failure"
	case ErrConnectionNotAllowedByRuleset:
		return "connection not allowed by ruleset"
	case ErrNetworkUnreachable:
		return "network unreachable"
	case ErrHostUnreachable:
		return "host unreachable"
	case ErrConnectionRefused:
		return "connection refused"
	case ErrTTLExpired:
		return "TTL expired"
	case ErrCommandNotSupported:
		return "command not supported"
	case ErrAddressTypeNotSupported:
		return "address type not supported"
	default:
		return "reply code " + strconv.Itoa(int(e))
	}
}

// SOCKS address types defined at https://datatracker.ietf.org/doc/html/rfc1928#section-5
const (
	addrTypeIPv4       = 0x01
	addrTypeDomainName = 0x03
	addrTypeIPv6       = 0x04
)

// appendSOCKS5Address adds the address to buffer b in SOCKS5 format,
// as specified in https://datatracker.ietf.org/doc/html/rfc1928#section-4
func appendSOCKS5Address(b []byte, address string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	// The SOCKS address format is as follows:
	//     +------+----------+----------+
	//     | ATYP | DST.ADDR | DST.PORT |
	//     +------+----------+----------+
	//     |  1   | Variable |    2     |
	//     +------+----------+----------+
	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		if ip.Is4() {
			b = append(b, addrTypeIPv4)
		} else {
			b = append(b, addrTypeIPv6)
		}
		b = append(b, ip.AsSlice()...)
	} else {
		if len(host) == 0 {
			return nil, fmt.Errorf("empty host in address %q", address)
		}
		if len(host) > 255 {
			return nil, fmt.Errorf("domain name length = %v is over 255", len(host))
		}
		b = append(b, addrTypeDomainName)
		b = append(b, byte(len(host)))
		b = append(b, host...)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(portNum))
	return b, nil
}

// readBoundAddress consumes the ATYP, BND.ADDR and BND.PORT fields of a server reply and
// returns them in host:port form.
func readBoundAddress(reader io.Reader) (string, error) {
	// 1 address type + 1 address length + 255 (max domain name length)
	var buffer [1 + 1 + 255]byte
	if _, err := io.ReadFull(reader, buffer[:1]); err != nil {
		return "", fmt.Errorf("failed to read address type: %w", err)
	}
	var host string
	switch buffer[0] {
	case addrTypeIPv4, addrTypeIPv6:
		addrLen := 4
		if buffer[0] == addrTypeIPv6 {
			addrLen = 16
		}
		if _, err := io.ReadFull(reader, buffer[:addrLen]); err != nil {
			return "", fmt.Errorf("failed to read bound address: %w", err)
		}
		ip, _ := netip.AddrFromSlice(buffer[:addrLen])
		host = ip.String()
	case addrTypeDomainName:
		if _, err := io.ReadFull(reader, buffer[:1]); err != nil {
			return "", fmt.Errorf("failed to read domain address length: %w", err)
		}
		nameLen := int(buffer[0])
		if _, err := io.ReadFull(reader, buffer[:nameLen]); err != nil {
			return "", fmt.Errorf("failed to read bound address: %w", err)
		}
		host = string(buffer[:nameLen])
	default:
		return "", fmt.Errorf("invalid address type %#x", buffer[0])
	}
	if _, err := io.ReadFull(reader, buffer[:2]); err != nil {
		return "", fmt.Errorf("failed to read bound port: %w", err)
	}
	port := binary.BigEndian.Uint16(buffer[:2])
	return net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10)), nil
}
