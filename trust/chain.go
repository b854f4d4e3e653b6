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
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Reason says why [AnchorValidator] rejected a certificate.
type Reason int

const (
	EmptyChain Reason = iota + 1
	Expired
	NotYetValid
	IssuerMismatch
	MissingDigitalSignature
	NonCAIntermediate
	CALeaf
	PathLengthExceeded
	BadSignature
	Malformed
)

func (r Reason) String() string {
	switch r {
	case EmptyChain:
		return "empty chain"
	case Expired:
		return "expired"
	case NotYetValid:
		return "not yet valid"
	case IssuerMismatch:
		return "issuer does not match"
	case MissingDigitalSignature:
		return "digital signature key usage missing"
	case NonCAIntermediate:
		return "non-CA certificate above the leaf"
	case CALeaf:
		return "CA certificate as leaf"
	case PathLengthExceeded:
		return "path length constraint exceeded"
	case BadSignature:
		return "bad signature"
	case Malformed:
		return "malformed certificate"
	default:
		return "reason " + strconv.Itoa(int(r))
	}
}

// ChainError reports the certificate at chain position Index (0 is the leaf) that failed.
type ChainError struct {
	Index  int
	Reason Reason
	Err    error
}

func (e *ChainError) Error() string {
	msg := fmt.Sprintf("certificate %v rejected: %v", e.Index, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// AnchorValidator checks a chain against a single pinned root. The anchor itself is not expected
// in the chain; copies of it at the end of the chain are ignored.
type AnchorValidator struct {
	Anchor *x509.Certificate
	// Now returns the validation time. Nil means [time.Now].
	Now func() time.Time

	// checkSignature verifies child under parent's key. Nil means [defaultCheckSignature].
	checkSignature func(parent, child *x509.Certificate) error
}

var _ Validator = (*AnchorValidator)(nil)

func defaultCheckSignature(parent, child *x509.Certificate) error {
	return parent.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature)
}

// Validate walks the chain from the certificate nearest the anchor down to the leaf. Each
// certificate must be currently valid, be issued by the previous one, carry the digital signature
// key usage, sit in a position allowed by its basic constraints and be signed by the previous one.
func (v *AnchorValidator) Validate(chain []*x509.Certificate) error {
	if v.Anchor == nil {
		return errors.New("no trust anchor")
	}
	chain = trimAnchor(chain, v.Anchor)
	if len(chain) == 0 {
		return &ChainError{Index: 0, Reason: EmptyChain}
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	checkSignature := v.checkSignature
	if checkSignature == nil {
		checkSignature = defaultCheckSignature
	}

	prev := v.Anchor
	for i := len(chain) - 1; i >= 0; i-- {
		curr := chain[i]
		if now.After(curr.NotAfter) {
			return &ChainError{Index: i, Reason: Expired}
		}
		if now.Before(curr.NotBefore) {
			return &ChainError{Index: i, Reason: NotYetValid}
		}
		if err := checkIssuer(prev, curr); err != nil {
			return &ChainError{Index: i, Reason: IssuerMismatch, Err: err}
		}
		if curr.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
			return &ChainError{Index: i, Reason: MissingDigitalSignature}
		}
		isCA := curr.BasicConstraintsValid && curr.IsCA
		if !isCA && i != 0 {
			return &ChainError{Index: i, Reason: NonCAIntermediate}
		}
		if isCA && i == 0 {
			return &ChainError{Index: i, Reason: CALeaf}
		}
		if isCA && hasPathLen(curr) && curr.MaxPathLen < i-1 {
			return &ChainError{Index: i, Reason: PathLengthExceeded,
				Err: fmt.Errorf("max path length %v, %v CA certificates follow", curr.MaxPathLen, i-1)}
		}
		if err := checkSignature(prev, curr); err != nil {
			return &ChainError{Index: i, Reason: BadSignature, Err: err}
		}
		prev = curr
	}
	return nil
}

// AcceptedIssuers returns the anchor.
func (v *AnchorValidator) AcceptedIssuers() []*x509.Certificate {
	if v.Anchor == nil {
		return nil
	}
	return []*x509.Certificate{v.Anchor}
}

func hasPathLen(cert *x509.Certificate) bool {
	return cert.MaxPathLen > 0 || (cert.MaxPathLen == 0 && cert.MaxPathLenZero)
}

// checkIssuer requires curr's issuer name and optional issuer unique ID to match prev's subject.
// Unique IDs absent on both sides match.
func checkIssuer(prev, curr *x509.Certificate) error {
	if !bytes.Equal(curr.RawIssuer, prev.RawSubject) {
		return fmt.Errorf("issuer %q is not %q", curr.Issuer, prev.Subject)
	}
	issuerID, _, err := uniqueIDs(curr)
	if err != nil {
		return err
	}
	_, subjectID, err := uniqueIDs(prev)
	if err != nil {
		return err
	}
	if (issuerID == nil) != (subjectID == nil) || !bytes.Equal(issuerID, subjectID) {
		return errors.New("issuer unique ID does not match")
	}
	return nil
}

// trimAnchor drops trailing certificates that carry the anchor's subject and key.
func trimAnchor(chain []*x509.Certificate, anchor *x509.Certificate) []*x509.Certificate {
	for len(chain) > 0 {
		last := chain[len(chain)-1]
		if !bytes.Equal(last.RawSubject, anchor.RawSubject) ||
			!bytes.Equal(last.RawSubjectPublicKeyInfo, anchor.RawSubjectPublicKeyInfo) {
			break
		}
		chain = chain[:len(chain)-1]
	}
	return chain
}
