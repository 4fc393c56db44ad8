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
	"errors"
	"fmt"
	"io"
	"sort"
)

// exceptionEndMarker terminates an exception payload. A reader that does
// not observe it must treat the payload as corrupt.
const exceptionEndMarker = 0

var errBadExceptionMarker = errors.New("exception payload missing end marker")

// Exception is the decoded form of a typed exception payload: the
// serialized exception value plus an optional attachment map.
type Exception struct {
	Value       any
	Attachments map[string]string
}

// WriteException writes a typed exception payload: the serialized value,
// a count-prefixed key/value attachment map, and a zero end marker.
// Attachments are written in sorted key order so payloads are stable.
func WriteException(w io.Writer, m Marshaller, value any, attachments map[string]string) error {
	if err := m.Marshal(w, value); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(len(attachments))); err != nil {
		return err
	}
	keys := make([]string, 0, len(attachments))
	for key := range attachments {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := writeString(w, key); err != nil {
			return err
		}
		if err := writeString(w, attachments[key]); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte{exceptionEndMarker})
	return err
}

// ReadException reads a typed exception payload written by WriteException.
// It consumes exactly the bytes of the payload; callers can verify that
// the stream is exhausted afterwards.
func ReadException(r io.Reader, u Unmarshaller) (*Exception, error) {
	value, err := u.Unmarshal(r)
	if err != nil {
		return nil, fmt.Errorf("exception value: %w", err)
	}
	count, err := readUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("attachment count: %w", err)
	}
	var attachments map[string]string
	if count > 0 {
		attachments = make(map[string]string, count)
		for i := uint64(0); i < count; i++ {
			key, err := readString(r, maxNameLen)
			if err != nil {
				return nil, fmt.Errorf("attachment key: %w", err)
			}
			val, err := readString(r, maxBlobLen)
			if err != nil {
				return nil, fmt.Errorf("attachment value: %w", err)
			}
			attachments[key] = val
		}
	}
	var marker [1]byte
	if _, err := io.ReadFull(r, marker[:]); err != nil {
		return nil, errBadExceptionMarker
	}
	if marker[0] != exceptionEndMarker {
		return nil, errBadExceptionMarker
	}
	return &Exception{Value: value, Attachments: attachments}, nil
}
