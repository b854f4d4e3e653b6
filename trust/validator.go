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
Package trust decides whether a server certificate chain is acceptable.

A [FallbackValidator] runs the platform verification first and, only when that fails, checks the
chain against a single pinned root with [AnchorValidator]. Use [ClientConfig] to plug a
[Validator] into a TLS client.
*/
package trust

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Validator accepts or rejects a certificate chain presented by a server, leaf first.
type Validator interface {
	Validate(chain []*x509.Certificate) error
}

// ValidatorFunc is a [Validator] implemented by a function.
type ValidatorFunc func(chain []*x509.Certificate) error

func (f ValidatorFunc) Validate(chain []*x509.Certificate) error {
	return f(chain)
}

// IssuerLister is implemented by validators that can enumerate the roots they accept.
type IssuerLister interface {
	AcceptedIssuers() []*x509.Certificate
}

// AcceptedIssuers returns the roots v accepts, or nil if v cannot enumerate them.
func AcceptedIssuers(v Validator) []*x509.Certificate {
	if lister, ok := v.(IssuerLister); ok {
		return lister.AcceptedIssuers()
	}
	return nil
}

// SystemValidator builds a path to a trusted root with [x509.Certificate.Verify].
type SystemValidator struct {
	// Roots replaces the system roots when not empty.
	Roots []*x509.Certificate
	// DNSName, if set, must match the leaf.
	DNSName string
	// Now returns the validation time. Nil means [time.Now].
	Now func() time.Time
}

var _ Validator = (*SystemValidator)(nil)

func (v *SystemValidator) Validate(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return errors.New("empty certificate chain")
	}
	opts := x509.VerifyOptions{
		DNSName:       v.DNSName,
		Intermediates: x509.NewCertPool(),
	}
	if v.Now != nil {
		opts.CurrentTime = v.Now()
	}
	if len(v.Roots) > 0 {
		opts.Roots = x509.NewCertPool()
		for _, root := range v.Roots {
			opts.Roots.AddCert(root)
		}
	}
	for _, cert := range chain[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := chain[0].Verify(opts)
	return err
}

// AcceptedIssuers returns the configured roots. The system pool cannot be enumerated, so it
// returns nil when Roots is empty.
func (v *SystemValidator) AcceptedIssuers() []*x509.Certificate {
	return append([]*x509.Certificate(nil), v.Roots...)
}

// TrustValidationError is returned when both the default and the fallback validation reject a chain.
type TrustValidationError struct {
	Default  error
	Fallback error
}

func (e *TrustValidationError) Error() string {
	return fmt.Sprintf("certificate chain rejected: default validation: %v; fallback validation: %v", e.Default, e.Fallback)
}

func (e *TrustValidationError) Unwrap() []error {
	return []error{e.Default, e.Fallback}
}

// FallbackValidator tries Default and, only if it fails, Fallback.
type FallbackValidator struct {
	Default  Validator
	Fallback Validator
	// Logger receives a Debug record when the fallback is used. Nil means [slog.Default].
	Logger *slog.Logger
}

var _ Validator = (*FallbackValidator)(nil)

func (v *FallbackValidator) Validate(chain []*x509.Certificate) error {
	defaultErr := v.Default.Validate(chain)
	if defaultErr == nil {
		return nil
	}
	if v.Fallback == nil {
		return defaultErr
	}
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fallbackErr := v.Fallback.Validate(chain)
	if fallbackErr != nil {
		return &TrustValidationError{Default: defaultErr, Fallback: fallbackErr}
	}
	logger.Debug("certificate chain accepted by fallback validation", "default_err", defaultErr)
	return nil
}

// AcceptedIssuers returns the issuers of Default followed by those of Fallback.
func (v *FallbackValidator) AcceptedIssuers() []*x509.Certificate {
	issuers := AcceptedIssuers(v.Default)
	if v.Fallback != nil {
		issuers = append(issuers, AcceptedIssuers(v.Fallback)...)
	}
	return issuers
}
