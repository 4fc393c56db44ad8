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

// Package router is the server-side counterpart to the client transport:
// it serves operation handlers under both version path prefixes, answers
// the capability handshake, and selects the codec factory each handler
// must use for the request's path space.
package router

import (
	"context"
	"net/http"
	"strings"

	"github.com/httpinvoke/httpinvoke/codec"
	"github.com/httpinvoke/httpinvoke/protocol"
	"go.uber.org/zap"
)

type contextKey int

const factoryKey contextKey = iota

// ExchangeFactory returns the codec factory negotiated for the request.
// It is set for every request dispatched by a [Router].
func ExchangeFactory(r *http.Request) codec.Factory {
	factory, _ := r.Context().Value(factoryKey).(codec.Factory)
	return factory
}

// Router dispatches requests under the versioned path prefixes. Requests
// under the latest prefix always use the plain codec factory; requests
// under the legacy prefix use the interoperable factory and, when the
// client advertises the latest capability, the response confirms it.
type Router struct {
	plain    codec.Factory
	interop  codec.Factory
	handlers map[string]http.Handler
	logger   *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger. The default discards logs.
func WithLogger(logger *zap.Logger) Option {
	return func(rt *Router) {
		rt.logger = logger
	}
}

// New creates a router serving the given codec factories.
func New(plain, interop codec.Factory, options ...Option) *Router {
	rt := &Router{
		plain:    plain,
		interop:  interop,
		handlers: map[string]http.Handler{},
		logger:   zap.NewNop(),
	}
	for _, opt := range options {
		opt(rt)
	}
	return rt
}

// Handle registers an operation handler for the given sub-path. The
// sub-path must start with a slash and is served under both version
// prefixes.
func (rt *Router) Handle(path string, handler http.Handler) {
	rt.handlers[path] = handler
}

// HandleFunc registers an operation handler function for the given
// sub-path.
func (rt *Router) HandleFunc(path string, handler func(http.ResponseWriter, *http.Request)) {
	rt.Handle(path, http.HandlerFunc(handler))
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var factory codec.Factory
	var subPath string
	switch {
	case strings.HasPrefix(r.URL.Path, protocol.LatestPathPrefix+"/"):
		factory = rt.plain
		subPath = strings.TrimPrefix(r.URL.Path, protocol.LatestPathPrefix)
	case strings.HasPrefix(r.URL.Path, protocol.LegacyPathPrefix+"/"):
		// The legacy path space stays interoperable even for upgraded
		// clients; the confirmation only steers their next connection
		// state, not this request's codec.
		factory = rt.interop
		subPath = strings.TrimPrefix(r.URL.Path, protocol.LegacyPathPrefix)
		if protocol.Advertised(r.Header) {
			protocol.Confirm(w.Header())
		}
	default:
		http.NotFound(w, r)
		return
	}
	handler, ok := rt.handlers[subPath]
	if !ok {
		rt.logger.Debug("no handler for operation", zap.String("path", subPath))
		http.NotFound(w, r)
		return
	}
	r = r.WithContext(context.WithValue(r.Context(), factoryKey, factory))
	handler.ServeHTTP(w, r)
}

// WriteResult marshals value as the response body with the given content
// type and a 200 status.
func WriteResult(w http.ResponseWriter, r *http.Request, contentType codec.ContentType, value any) error {
	w.Header().Set("Content-Type", contentType.String())
	w.WriteHeader(http.StatusOK)
	return ExchangeFactory(r).Marshaller().Marshal(w, value)
}

// WriteException writes a typed exception payload. Clients surface it as
// a reconstructed error value regardless of what they expected.
func WriteException(w http.ResponseWriter, r *http.Request, status int, exception *codec.Exception) error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", codec.ExceptionContentType)
	w.WriteHeader(status)
	return codec.WriteException(w, ExchangeFactory(r).Marshaller(), exception.Value, exception.Attachments)
}
