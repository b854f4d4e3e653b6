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
	"errors"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var errMalformedTBS = errors.New("malformed TBS certificate")

// uniqueIDs returns the raw issuerUniqueID and subjectUniqueID of cert, nil when absent.
// crypto/x509 does not expose these fields, so they are read from the TBS certificate:
//
//	TBSCertificate ::= SEQUENCE {
//	    version         [0] EXPLICIT Version DEFAULT v1,
//	    serialNumber        CertificateSerialNumber,
//	    signature           AlgorithmIdentifier,
//	    issuer              Name,
//	    validity            Validity,
//	    subject             Name,
//	    subjectPublicKeyInfo SubjectPublicKeyInfo,
//	    issuerUniqueID  [1] IMPLICIT UniqueIdentifier OPTIONAL,
//	    subjectUniqueID [2] IMPLICIT UniqueIdentifier OPTIONAL,
//	    extensions      [3] EXPLICIT Extensions OPTIONAL }
func uniqueIDs(cert *x509.Certificate) (issuerID, subjectID []byte, err error) {
	input := cryptobyte.String(cert.RawTBSCertificate)
	var tbs cryptobyte.String
	if !input.ReadASN1(&tbs, cryptobyte_asn1.SEQUENCE) {
		return nil, nil, errMalformedTBS
	}
	if !tbs.SkipOptionalASN1(cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()) {
		return nil, nil, errMalformedTBS
	}
	if !tbs.SkipASN1(cryptobyte_asn1.INTEGER) {
		return nil, nil, errMalformedTBS
	}
	// signature, issuer, validity, subject, subjectPublicKeyInfo
	for range 5 {
		if !tbs.SkipASN1(cryptobyte_asn1.SEQUENCE) {
			return nil, nil, errMalformedTBS
		}
	}
	var id cryptobyte.String
	var present bool
	if !tbs.ReadOptionalASN1(&id, &present, cryptobyte_asn1.Tag(1).ContextSpecific()) {
		return nil, nil, errMalformedTBS
	}
	if present {
		issuerID = append([]byte{}, id...)
	}
	if !tbs.ReadOptionalASN1(&id, &present, cryptobyte_asn1.Tag(2).ContextSpecific()) {
		return nil, nil, errMalformedTBS
	}
	if present {
		subjectID = append([]byte{}, id...)
	}
	return issuerID, subjectID, nil
}
