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

package moat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// BridgeDescriptor is one group of bridges recommended by the service.
type BridgeDescriptor struct {
	// Type is the pluggable transport, such as "obfs4" or "snowflake".
	Type string
	// Source tells where the bridges come from, such as "builtin" or "bridgedb".
	Source string
	// BridgeLines are the torrc bridge lines in service order. Never nil.
	BridgeLines []string
}

var (
	errMissing    = errors.New("missing")
	errNotArray   = errors.New("not an array")
	errNotObject  = errors.New("not an object")
	errNotAString = errors.New("not a string")
)

type object = map[string]json.RawMessage

// ParseSettings decodes a circumvention settings response. The settings array and each element's
// bridges object with its type and source are required. A missing or malformed bridge_strings is
// read as no bridge lines. Number and boolean entries of bridge_strings are kept as their JSON
// text; null, object and array entries are dropped.
//
// A response carrying the service's errors array is returned as a [*RequestError].
func ParseSettings(body []byte) ([]BridgeDescriptor, error) {
	var top object
	if err := decodeObject(body, &top); err != nil {
		return nil, &ResponseFormatError{Index: -1, Err: err}
	}
	if err := serviceError(top["errors"]); err != nil {
		return nil, err
	}
	rawSettings, ok := top["settings"]
	if !ok {
		return nil, &ResponseFormatError{Field: "settings", Index: -1, Err: errMissing}
	}
	var elements []json.RawMessage
	if err := decodeArray(rawSettings, &elements); err != nil {
		return nil, &ResponseFormatError{Field: "settings", Index: -1, Err: err}
	}
	descriptors := make([]BridgeDescriptor, 0, len(elements))
	for i, element := range elements {
		d, err := parseDescriptor(element)
		if err != nil {
			err.Index = i
			return nil, err
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

func parseDescriptor(element json.RawMessage) (BridgeDescriptor, *ResponseFormatError) {
	var setting object
	if err := decodeObject(element, &setting); err != nil {
		return BridgeDescriptor{}, &ResponseFormatError{Err: err}
	}
	rawBridges, ok := setting["bridges"]
	if !ok {
		return BridgeDescriptor{}, &ResponseFormatError{Field: "bridges", Err: errMissing}
	}
	var bridges object
	if err := decodeObject(rawBridges, &bridges); err != nil {
		return BridgeDescriptor{}, &ResponseFormatError{Field: "bridges", Err: err}
	}
	var d BridgeDescriptor
	var err error
	if d.Type, err = requiredString(bridges, "type"); err != nil {
		return BridgeDescriptor{}, &ResponseFormatError{Field: "bridges.type", Err: err}
	}
	if d.Source, err = requiredString(bridges, "source"); err != nil {
		return BridgeDescriptor{}, &ResponseFormatError{Field: "bridges.source", Err: err}
	}
	d.BridgeLines = bridgeLines(bridges["bridge_strings"])
	return d, nil
}

// bridgeLines returns the scalar entries of raw as text, in order.
func bridgeLines(raw json.RawMessage) []string {
	lines := make([]string, 0)
	var entries []json.RawMessage
	if decodeArray(raw, &entries) != nil {
		return lines
	}
	for _, entry := range entries {
		switch kind(entry) {
		case '"':
			var line string
			if json.Unmarshal(entry, &line) == nil {
				lines = append(lines, line)
			}
		case 't', 'f', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			lines = append(lines, string(bytes.TrimSpace(entry)))
		}
	}
	return lines
}

func requiredString(obj object, name string) (string, error) {
	raw, ok := obj[name]
	if !ok {
		return "", errMissing
	}
	if kind(raw) != '"' {
		return "", errNotAString
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

type apiError struct {
	Code   int    `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// serviceError converts the first entry of an errors array into a [*RequestError].
func serviceError(raw json.RawMessage) error {
	var errs []apiError
	if kind(raw) != '[' || json.Unmarshal(raw, &errs) != nil || len(errs) == 0 {
		return nil
	}
	detail := errs[0].Detail
	if detail == "" {
		detail = errs[0].Status
	}
	return &RequestError{Code: errs[0].Code, Detail: detail}
}

// kind returns the first significant byte of a JSON value, or 0 for an empty one.
func kind(raw json.RawMessage) byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func decodeObject(raw json.RawMessage, obj *object) error {
	if kind(raw) != '{' {
		if len(raw) == 0 {
			return errMissing
		}
		return errNotObject
	}
	return json.Unmarshal(raw, obj)
}

func decodeArray(raw json.RawMessage, elements *[]json.RawMessage) error {
	if kind(raw) != '[' {
		if len(raw) == 0 {
			return errMissing
		}
		return errNotArray
	}
	return json.Unmarshal(raw, elements)
}

// normalizeCountry lowercases country and checks it is two ASCII letters. The empty string means
// no country.
func normalizeCountry(country string) (string, error) {
	if country == "" {
		return "", nil
	}
	code := strings.ToLower(country)
	if len(code) != 2 || !isLower(code[0]) || !isLower(code[1]) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCountry, country)
	}
	return code, nil
}

func isLower(b byte) bool {
	return 'a' <= b && b <= 'z'
}

type settingsRequest struct {
	Country string `json:"country,omitempty"`
}

// requestBody is {} without a country and {"country":"cn"} with one.
func requestBody(country string) ([]byte, error) {
	code, err := normalizeCountry(country)
	if err != nil {
		return nil, err
	}
	return json.Marshal(settingsRequest{Country: code})
}
