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
	"errors"
	"fmt"
)

var (
	// ErrInvalidCountry is returned for country codes that are not two ASCII letters.
	ErrInvalidCountry = errors.New("country code must be two ASCII letters")
	// ErrEmptyBody is wrapped by a [RequestError] for a successful status with no content.
	ErrEmptyBody = errors.New("empty response body")
)

// RequestError reports a failed exchange with the settings endpoint.
type RequestError struct {
	// StatusCode is the HTTP status, or 0 if no response was received.
	StatusCode int
	// Code and Detail come from the service's error object, when it sent one.
	Code   int
	Detail string
	Err    error
}

func (e *RequestError) Error() string {
	msg := "settings request failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with HTTP status %d", e.StatusCode)
	}
	if e.Detail != "" {
		msg += fmt.Sprintf(": service error %d: %v", e.Code, e.Detail)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ResponseFormatError reports a response that does not have the expected shape.
type ResponseFormatError struct {
	// Field is the offending JSON field, relative to the settings element when Index >= 0.
	Field string
	// Index is the position in the settings array, or -1 for top-level problems.
	Index int
	Err   error
}

func (e *ResponseFormatError) Error() string {
	field := e.Field
	if e.Index >= 0 {
		field = fmt.Sprintf("settings[%d].%v", e.Index, e.Field)
	}
	if field == "" {
		return "malformed settings response: " + e.Err.Error()
	}
	return fmt.Sprintf("malformed settings response: field %v: %v", field, e.Err)
}

func (e *ResponseFormatError) Unwrap() error {
	return e.Err
}
