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
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type order struct {
	ID    string
	Total int
}

type receipt struct {
	OrderID string
	Paid    bool
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.Register("jakartaee/shop.Order", order{})
	reg.Register("jakartaee/shop.Receipt", receipt{})
	return reg
}

func TestPlainRoundTrip(t *testing.T) {
	t.Parallel()

	factory := Plain(newTestRegistry(t))
	var buf bytes.Buffer
	err := factory.Marshaller().Marshal(&buf, order{ID: "o-17", Total: 250})
	require.NoError(t, err)

	got, err := factory.Unmarshaller().Unmarshal(&buf)
	require.NoError(t, err)
	require.Equal(t, order{ID: "o-17", Total: 250}, got)
	require.Zero(t, buf.Len(), "unmarshal must consume exactly the payload")
}

func TestTranslatingRewritesNames(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	translating := Translating(reg, PrefixTranslation("jakartaee/", "javaee/"))

	var buf bytes.Buffer
	err := translating.Marshaller().Marshal(&buf, order{ID: "o-3", Total: 9})
	require.NoError(t, err)

	// The wire carries the legacy name.
	wire := buf.Bytes()
	require.Contains(t, string(wire), "javaee/shop.Order")
	require.NotContains(t, string(wire), "jakartaee/")

	// The translating unmarshaller maps it back to the canonical type.
	got, err := translating.Unmarshaller().Unmarshal(bytes.NewReader(wire))
	require.NoError(t, err)
	require.Equal(t, order{ID: "o-3", Total: 9}, got)
}

func TestUnmarshalUnknownName(t *testing.T) {
	t.Parallel()

	factory := Plain(newTestRegistry(t))
	other := NewRegistry()
	other.Register("elsewhere.Thing", order{})
	var buf bytes.Buffer
	err := Plain(other).Marshaller().Marshal(&buf, order{ID: "x"})
	require.NoError(t, err)

	_, err = factory.Unmarshaller().Unmarshal(&buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "elsewhere.Thing")
}

func TestMarshalUnregisteredType(t *testing.T) {
	t.Parallel()

	factory := Plain(NewRegistry())
	err := factory.Marshaller().Marshal(io.Discard, order{ID: "x"})
	require.Error(t, err)
}

func TestUnmarshalDoesNotOverread(t *testing.T) {
	t.Parallel()

	factory := Plain(newTestRegistry(t))
	var buf bytes.Buffer
	require.NoError(t, factory.Marshaller().Marshal(&buf, order{ID: "a"}))
	trailing := []byte("extra bytes after the payload")
	buf.Write(trailing)

	_, err := factory.Unmarshaller().Unmarshal(&buf)
	require.NoError(t, err)
	require.Equal(t, trailing, buf.Bytes())
}

func TestExceptionRoundTrip(t *testing.T) {
	t.Parallel()

	factory := Plain(newTestRegistry(t))
	var buf bytes.Buffer
	attachments := map[string]string{
		"txn":  "tx-41",
		"node": "backend-2",
	}
	err := WriteException(&buf, factory.Marshaller(), order{ID: "failed"}, attachments)
	require.NoError(t, err)

	got, err := ReadException(&buf, factory.Unmarshaller())
	require.NoError(t, err)
	require.Equal(t, order{ID: "failed"}, got.Value)
	require.Equal(t, attachments, got.Attachments)
	require.Zero(t, buf.Len())
}

func TestExceptionNoAttachments(t *testing.T) {
	t.Parallel()

	factory := Plain(newTestRegistry(t))
	var buf bytes.Buffer
	err := WriteException(&buf, factory.Marshaller(), order{ID: "e"}, nil)
	require.NoError(t, err)

	got, err := ReadException(&buf, factory.Unmarshaller())
	require.NoError(t, err)
	require.Empty(t, got.Attachments)
}

func TestExceptionMissingEndMarker(t *testing.T) {
	t.Parallel()

	factory := Plain(newTestRegistry(t))
	var buf bytes.Buffer
	err := WriteException(&buf, factory.Marshaller(), order{ID: "e"}, nil)
	require.NoError(t, err)
	truncated := buf.Bytes()[:buf.Len()-1]

	_, err = ReadException(bytes.NewReader(truncated), factory.Unmarshaller())
	require.Error(t, err)
}

func TestParseContentType(t *testing.T) {
	t.Parallel()

	parsed, err := ParseContentType("application/x-inv-payload; version=3")
	require.NoError(t, err)
	require.Equal(t, ContentType{Name: "application/x-inv-payload", Version: 3}, parsed)

	parsed, err = ParseContentType("application/x-inv-payload")
	require.NoError(t, err)
	require.Equal(t, ContentType{Name: "application/x-inv-payload"}, parsed)

	_, err = ParseContentType(";;;")
	require.Error(t, err)
}

func TestContentTypeAccepts(t *testing.T) {
	t.Parallel()

	expect := ContentType{Name: "application/x-inv-payload", Version: 2}
	require.True(t, expect.Accepts(ContentType{Name: "application/x-inv-payload", Version: 2}))
	require.True(t, expect.Accepts(ContentType{Name: "application/x-inv-payload", Version: 5}))
	require.False(t, expect.Accepts(ContentType{Name: "application/x-inv-payload", Version: 1}))
	require.False(t, expect.Accepts(ContentType{Name: "application/other", Version: 2}))
}

func TestContentTypeIsException(t *testing.T) {
	t.Parallel()

	parsed, err := ParseContentType(ExceptionContentType)
	require.NoError(t, err)
	require.True(t, parsed.IsException())
	require.False(t, ContentType{Name: "application/x-inv-payload"}.IsException())
}
