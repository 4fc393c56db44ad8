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

// Package codec provides the marshalling contract used by the transport
// layer. The transport treats serialization as an opaque byte-stream
// concern: it only decides, per exchange, which Factory to use. The
// factories here implement a small self-describing format (a wire type
// name followed by a gob-encoded payload) so that values, including
// serialized exceptions, can be reconstructed by the peer. A translating
// factory rewrites wire type names between namespace conventions for
// cross-namespace interoperability.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
)

var (
	errNameTooLong = errors.New("wire type name exceeds length limit")
	errBlobTooBig  = errors.New("encoded value exceeds length limit")
)

const (
	maxNameLen = 1 << 10
	maxBlobLen = 1 << 26
)

// Marshaller writes a single value to a stream.
type Marshaller interface {
	Marshal(w io.Writer, v any) error
}

// Unmarshaller reads a single value from a stream. It must not read past
// the bytes that belong to the value, so that callers can verify stream
// boundaries (for example, that an exception payload has no trailing
// garbage).
type Unmarshaller interface {
	Unmarshal(r io.Reader) (any, error)
}

// Factory produces the marshaller and unmarshaller for one exchange. The
// transport re-derives the factory for every request from the connection's
// negotiated protocol state; factories must be safe for concurrent use.
type Factory interface {
	Marshaller() Marshaller
	Unmarshaller() Unmarshaller
}

// Registry maps wire type names to Go types. Both peers must agree on the
// canonical names; the translating factory handles peers that use a legacy
// naming convention.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	names  map[reflect.Type]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: map[string]reflect.Type{},
		names:  map[reflect.Type]string{},
	}
}

// Register associates the dynamic type of v with the given wire name.
// Passing a pointer registers the pointer type; values marshal and
// unmarshal as whichever form was registered.
func (r *Registry) Register(name string, v any) {
	t := reflect.TypeOf(v)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = t
	r.names[t] = name
}

func (r *Registry) typeFor(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

func (r *Registry) nameFor(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[t]
	return name, ok
}

// Translation rewrites wire type names between the canonical namespace and
// a legacy one. Outbound is applied when writing for a legacy peer;
// Inbound is applied to names read from a legacy peer.
type Translation interface {
	Outbound(name string) string
	Inbound(name string) string
}

// PrefixTranslation returns a Translation that swaps a leading namespace
// prefix. Names that do not carry either prefix pass through unchanged.
func PrefixTranslation(canonical, legacy string) Translation {
	return prefixTranslation{canonical: canonical, legacy: legacy}
}

type prefixTranslation struct {
	canonical, legacy string
}

func (p prefixTranslation) Outbound(name string) string {
	if rest, ok := cutPrefix(name, p.canonical); ok {
		return p.legacy + rest
	}
	return name
}

func (p prefixTranslation) Inbound(name string) string {
	if rest, ok := cutPrefix(name, p.legacy); ok {
		return p.canonical + rest
	}
	return name
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return s, false
	}
	return s[len(prefix):], true
}

// Plain returns the factory that writes and reads canonical wire names.
func Plain(reg *Registry) Factory {
	return &factory{reg: reg}
}

// Translating returns a factory that rewrites wire names through the given
// translation. It is the factory used while a connection's protocol state
// is still unresolved and for peers that only speak the legacy namespace.
func Translating(reg *Registry, names Translation) Factory {
	return &factory{reg: reg, names: names}
}

type factory struct {
	reg   *Registry
	names Translation
}

func (f *factory) Marshaller() Marshaller     { return (*marshaller)(f) }
func (f *factory) Unmarshaller() Unmarshaller { return (*unmarshaller)(f) }

type marshaller factory

func (m *marshaller) Marshal(w io.Writer, v any) error {
	if v == nil {
		return writeString(w, "")
	}
	name, ok := m.reg.nameFor(reflect.TypeOf(v))
	if !ok {
		return fmt.Errorf("type %T is not registered", v)
	}
	if m.names != nil {
		name = m.names.Outbound(name)
	}
	if err := writeString(w, name); err != nil {
		return err
	}
	var blob bytes.Buffer
	if err := gob.NewEncoder(&blob).Encode(v); err != nil {
		return fmt.Errorf("encode %q: %w", name, err)
	}
	if blob.Len() > maxBlobLen {
		return errBlobTooBig
	}
	if err := writeUvarint(w, uint64(blob.Len())); err != nil {
		return err
	}
	_, err := w.Write(blob.Bytes())
	return err
}

type unmarshaller factory

func (u *unmarshaller) Unmarshal(r io.Reader) (any, error) {
	name, err := readString(r, maxNameLen)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	if u.names != nil {
		name = u.names.Inbound(name)
	}
	typ, ok := u.reg.typeFor(name)
	if !ok {
		return nil, fmt.Errorf("wire type %q is not registered", name)
	}
	size, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > maxBlobLen {
		return nil, errBlobTooBig
	}
	blob := make([]byte, size)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}
	dec := gob.NewDecoder(bytes.NewReader(blob))
	if typ.Kind() == reflect.Pointer {
		target := reflect.New(typ.Elem())
		if err := dec.Decode(target.Interface()); err != nil {
			return nil, fmt.Errorf("decode %q: %w", name, err)
		}
		return target.Interface(), nil
	}
	target := reflect.New(typ)
	if err := dec.Decode(target.Interface()); err != nil {
		return nil, fmt.Errorf("decode %q: %w", name, err)
	}
	return target.Elem().Interface(), nil
}

// The framing below deliberately avoids buffered readers: an unmarshaller
// must never consume bytes beyond the value it decodes.

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readUvarint(r io.Reader) (uint64, error) {
	return binary.ReadUvarint(oneByteReader{r})
}

func writeString(w io.Writer, s string) error {
	if len(s) > maxNameLen {
		return errNameTooLong
	}
	if err := writeUvarint(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader, limit int) (string, error) {
	size, err := readUvarint(r)
	if err != nil {
		return "", err
	}
	if size > uint64(limit) {
		return "", errNameTooLong
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(o.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
