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

package fronting

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Password is the value sent in the SOCKS5 password field. The transport ignores it, but
// RFC 1929 requires at least one byte.
const Password = "\x00"

const (
	urlKey   = "url="
	frontKey = ";front="
)

// Config identifies the CDN endpoint to reach and the hostname to present to it.
type Config struct {
	// URL is the fronting endpoint the transport connects to, such as
	// "https://1723079976.rsc.cdn77.org/".
	URL string `yaml:"url"`
	// Front is the hostname presented in the TLS SNI by the transport.
	Front string `yaml:"front"`
}

// Validate reports whether c can be encoded into SOCKS5 credentials.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid front URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("front URL %q must use http or https", c.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("front URL %q has no host", c.URL)
	}
	if c.Front == "" {
		return errors.New("front host must not be empty")
	}
	if strings.Contains(c.Front, ";") {
		return fmt.Errorf("front host %q must not contain ';'", c.Front)
	}
	if _, err := idna.Lookup.ToASCII(c.Front); err != nil {
		return fmt.Errorf("invalid front host %q: %w", c.Front, err)
	}
	if n := len(c.Username()); n > 255 {
		return fmt.Errorf("fronting parameters are %v bytes long, the limit is 255", n)
	}
	return nil
}

// Username returns the SOCKS5 username that carries the fronting parameters to the transport.
func (c Config) Username() string {
	return urlKey + c.URL + frontKey + c.Front
}

// ParseUsername decodes a username produced by [Config.Username].
func ParseUsername(username string) (Config, error) {
	if !strings.HasPrefix(username, urlKey) {
		return Config{}, fmt.Errorf("username %q does not start with %q", username, urlKey)
	}
	i := strings.LastIndex(username, frontKey)
	if i < len(urlKey) {
		return Config{}, fmt.Errorf("username %q has no front", username)
	}
	return Config{URL: username[len(urlKey):i], Front: username[i+len(frontKey):]}, nil
}
