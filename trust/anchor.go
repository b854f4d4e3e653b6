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
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
)

//go:embed isrgrootx1.pem
var isrgRootX1PEM []byte

var isrgRootX1 = sync.OnceValue(func() *x509.Certificate {
	cert, err := ParseCertificatePEM(isrgRootX1PEM)
	if err != nil {
		panic(fmt.Sprintf("embedded ISRG Root X1: %v", err))
	}
	return cert
})

// ISRGRootX1 returns the Let's Encrypt root that issues the Moat service certificate. Older
// platforms do not ship it, which is what the fallback validation is for.
func ISRGRootX1() *x509.Certificate {
	return isrgRootX1()
}

// ParseCertificatePEM parses the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no CERTIFICATE block found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}
