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

package codec

import (
	"mime"
	"strconv"
)

// ExceptionContentType is the reserved media type that marks a response
// body as a typed exception payload rather than a normal result.
const ExceptionContentType = "application/x-inv-exception"

// ContentType identifies a payload kind on the wire: a media type name
// plus a protocol version carried as a media type parameter.
type ContentType struct {
	Name    string
	Version int
}

// ParseContentType parses a Content-Type header value. A missing version
// parameter is treated as version zero.
func ParseContentType(header string) (ContentType, error) {
	name, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ContentType{}, err
	}
	result := ContentType{Name: name}
	if v, ok := params["version"]; ok {
		version, err := strconv.Atoi(v)
		if err != nil {
			return ContentType{}, err
		}
		result.Version = version
	}
	return result, nil
}

// String renders the content type with its version parameter.
func (c ContentType) String() string {
	return mime.FormatMediaType(c.Name, map[string]string{
		"version": strconv.Itoa(c.Version),
	})
}

// Accepts reports whether a response with content type other satisfies an
// expectation of c: the names must match and the response version must be
// at least the expected version.
func (c ContentType) Accepts(other ContentType) bool {
	return c.Name == other.Name && other.Version >= c.Version
}

// IsException reports whether the content type carries the reserved
// typed-exception marker.
func (c ContentType) IsException() bool {
	return c.Name == ExceptionContentType
}
