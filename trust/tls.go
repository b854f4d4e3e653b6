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

package trust

import (
	"crypto/tls"
	"errors"
)

// ClientConfig returns a [tls.Config] for serverName whose certificate decision is made by v.
// The leaf must also match serverName, whichever validator accepted it.
func ClientConfig(serverName string, v Validator) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		// Set InsecureSkipVerify to skip the default validation we are
		// replacing. This will not disable VerifyConnection.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("server presented no certificates")
			}
			if err := v.Validate(cs.PeerCertificates); err != nil {
				return err
			}
			return cs.PeerCertificates[0].VerifyHostname(serverName)
		},
	}
}
