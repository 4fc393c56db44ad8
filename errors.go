// Copyright 2024-2025 The httpinvoke Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpinvoke

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is reported to acquisition callbacks when the
	// connection pool has been closed.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrAuthenticationFailed is delivered to the failure handler when a
	// request is rejected with an authentication challenge and the single
	// transparent retry has been exhausted or is not applicable.
	ErrAuthenticationFailed = errors.New("authentication failed")

	errConnectionReused = errors.New("physical connection cannot be re-dialed")
)

// InvalidResponseCodeError is delivered when the server responds with an
// unexpected status of 400 or greater that carried no typed exception.
type InvalidResponseCodeError struct {
	Code int
}

func (e *InvalidResponseCodeError) Error() string {
	return fmt.Sprintf("invalid response code %d", e.Code)
}

// InvalidResponseTypeError is delivered when the response content type
// matches neither the expectation nor the typed-exception marker.
type InvalidResponseTypeError struct {
	ContentType string
}

func (e *InvalidResponseTypeError) Error() string {
	if e.ContentType == "" {
		return "response had no content type"
	}
	return fmt.Sprintf("invalid response type %q", e.ContentType)
}

// ExceptionError wraps a typed exception deserialized from a response
// payload: the server deliberately failed the operation and serialized the
// cause. If the reconstructed value implements error, Unwrap exposes it
// for errors.As matching.
type ExceptionError struct {
	Value       any
	Attachments map[string]string
}

func (e *ExceptionError) Error() string {
	if err, ok := e.Value.(error); ok {
		return "remote exception: " + err.Error()
	}
	return fmt.Sprintf("remote exception: %v", e.Value)
}

func (e *ExceptionError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
