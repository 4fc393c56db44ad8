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

package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/httpinvoke/httpinvoke/codec"
	"github.com/httpinvoke/httpinvoke/protocol"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, codec.Factory, codec.Factory) {
	t.Helper()
	reg := codec.NewRegistry()
	plain := codec.Plain(reg)
	interop := codec.Translating(reg, codec.PrefixTranslation("jakartaee/", "javaee/"))
	return New(plain, interop), plain, interop
}

func TestRouterSelectsFactoryByPrefix(t *testing.T) {
	t.Parallel()

	rt, plain, interop := newTestRouter(t)
	var got codec.Factory
	rt.HandleFunc("/op", func(w http.ResponseWriter, r *http.Request) {
		got = ExchangeFactory(r)
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v2/op", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, plain, got)

	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/op", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, interop, got)
}

func TestRouterConfirmsAdvertisedCapability(t *testing.T) {
	t.Parallel()

	rt, _, _ := newTestRouter(t)
	rt.HandleFunc("/op", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Legacy path with advertisement: response confirms.
	req := httptest.NewRequest(http.MethodPost, "/v1/op", nil)
	req.Header.Set(protocol.VersionHeader, "2")
	req.Header.Set(protocol.NamespaceHeader, string(protocol.NamespaceLatest))
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	require.True(t, protocol.Confirmed(rec.Header()))

	// Legacy path without advertisement: no confirmation.
	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/op", nil))
	require.False(t, protocol.Confirmed(rec.Header()))

	// Latest path never inspects the handshake headers.
	req = httptest.NewRequest(http.MethodPost, "/v2/op", nil)
	req.Header.Set(protocol.VersionHeader, "2")
	req.Header.Set(protocol.NamespaceHeader, string(protocol.NamespaceLatest))
	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	require.False(t, protocol.Confirmed(rec.Header()))
}

func TestRouterNotFound(t *testing.T) {
	t.Parallel()

	rt, _, _ := newTestRouter(t)
	rt.HandleFunc("/op", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for _, path := range []string{"/op", "/v3/op", "/v1/missing", "/v1", "/"} {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code, "path %s", path)
	}
}
