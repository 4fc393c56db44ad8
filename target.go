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
	"compress/gzip"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/httpinvoke/httpinvoke/codec"
	"github.com/httpinvoke/httpinvoke/protocol"
	"go.uber.org/zap"
)

// Stickiness observes responses and annotates requests for session
// affinity bookkeeping. Affinity is a best-effort hint, not a correctness
// property; implementations must tolerate concurrent use.
type Stickiness interface {
	PrepareRequest(target *url.URL, req *http.Request)
	Observe(target *url.URL, resp *http.Response)
}

// TargetContext drives the full request lifecycle against one logical
// target: acquire a connection, send, await the response, classify it,
// invoke the result or failure callback, and release the connection.
type TargetContext struct {
	uri    *url.URL
	pool   *ConnectionPool
	logger *zap.Logger
}

// NewTargetContext creates a target context, including its connection
// pool, for the given target URI.
func NewTargetContext(uri *url.URL, options ...ClientOption) *TargetContext {
	pool := NewConnectionPool(uri, options...)
	return &TargetContext{
		uri:    uri,
		pool:   pool,
		logger: pool.logger,
	}
}

// URI returns the logical target URI.
func (t *TargetContext) URI() *url.URL {
	return t.uri
}

// Pool returns the underlying connection pool.
func (t *TargetContext) Pool() *ConnectionPool {
	return t.pool
}

// Close closes the underlying connection pool.
func (t *TargetContext) Close() error {
	return t.pool.Close()
}

// Exchange describes one request/response exchange. The request URL path
// is the service operation's sub-path; the negotiated version prefix and
// the resolved backend authority are filled in per attempt.
type Exchange struct {
	// Request is the template for the exchange. It is cloned per attempt;
	// its context governs the whole exchange including the single
	// authentication retry.
	Request *http.Request

	// TLSConfig selects the pool's idle-connection key for this exchange.
	// Nil uses the pool's configured TLS config.
	TLSConfig *tls.Config

	// Auth prepares credentials and gates the transparent retry.
	// Optional.
	Auth Authenticator

	// MarshalBody, if non-nil, produces the request body through the
	// exchange's negotiated marshaller. It runs on its own goroutine so
	// a slow marshaller never blocks response dispatch, and its presence
	// forces chunked transfer encoding.
	MarshalBody func(m codec.Marshaller, w io.Writer) error

	// Stickiness observes the exchange for affinity bookkeeping.
	// Optional.
	Stickiness Stickiness

	// Expect is the content type (including minimum version) of a
	// successful response. The zero value means no content is expected.
	Expect codec.ContentType

	// AllowNoContent accepts a "204 No Content" response without a
	// content type even when Expect is set.
	AllowNoContent bool

	// OnResult receives the (possibly empty, already content-decoded)
	// response body on success, along with a done callback that must be
	// invoked once the body has been consumed.
	OnResult func(body io.Reader, done func())

	// OnFailure receives every terminal failure, including reconstructed
	// typed exceptions (as *ExceptionError).
	OnFailure func(err error)

	// OnComplete, if non-nil, runs after a successful exchange has been
	// fully consumed and its connection released.
	OnComplete func()
}

// SendRequest runs the exchange asynchronously. Exactly one of OnResult
// and OnFailure is invoked, exactly once.
func (t *TargetContext) SendRequest(ex *Exchange) {
	state := &exchangeState{target: t, ex: ex}
	state.acquireAndSend(false)
}

// exchangeState is the per-exchange state machine: it holds the handlers
// and the completion flag and is advanced by pool and transport events.
type exchangeState struct {
	target    *TargetContext
	ex        *Exchange
	completed atomic.Bool
}

func (s *exchangeState) acquireAndSend(retried bool) {
	s.target.pool.GetConnection(
		func(h *Handle) {
			go s.attempt(h, retried)
		},
		func(err error) {
			s.deliverFailure(err)
		},
		false,
		s.ex.TLSConfig,
	)
}

func (s *exchangeState) attempt(h *Handle, retried bool) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(h, fmt.Errorf("exchange panicked: %v", r))
		}
	}()

	req := s.ex.Request.Clone(s.ex.Request.Context())
	mode := h.Negotiation().Prepare(req)
	req.URL.Path = mode.PathPrefix + req.URL.Path
	if req.Host == "" {
		// Synthesize a Host header from the connection's target URI so
		// the backend sees the logical authority, not the resolved one.
		req.Host = s.target.uri.Host
	}
	if s.ex.Auth != nil {
		if err := s.ex.Auth.PrepareRequest(s.target.uri, req); err != nil {
			s.fail(h, fmt.Errorf("prepare credentials: %w", err))
			return
		}
	}
	if s.ex.Stickiness != nil {
		s.ex.Stickiness.PrepareRequest(s.target.uri, req)
	}
	if s.ex.MarshalBody != nil {
		pipeReader, pipeWriter := io.Pipe()
		req.Body = pipeReader
		// A body of unknown length forces chunked transfer encoding.
		req.ContentLength = -1
		marshaller := mode.Codecs.Marshaller()
		go func() {
			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("marshal body panicked: %v", r)
					}
				}()
				return s.ex.MarshalBody(marshaller, pipeWriter)
			}()
			// A marshalling error propagates through the transport as a
			// body read failure and surfaces on the send path.
			pipeWriter.CloseWithError(err)
		}()
	}

	resp, err := h.RoundTrip(req)
	if err != nil {
		s.fail(h, fmt.Errorf("send request: %w", err))
		return
	}
	s.receive(h, resp, mode, retried)
}

func (s *exchangeState) receive(h *Handle, resp *http.Response, mode protocol.Mode, retried bool) {
	h.Negotiation().Observe(resp)

	if resp.StatusCode == http.StatusUnauthorized && !retried &&
		s.ex.Auth != nil && s.ex.Auth.Stale(resp) {
		// Transparent single retry: drain and discard the challenge,
		// release the connection without closing it, and re-run the
		// exchange on a fresh acquisition.
		drainAndClose(resp.Body)
		h.Release()
		s.acquireAndSend(true)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	var parsed codec.ContentType
	if contentType != "" {
		var err error
		parsed, err = codec.ParseContentType(contentType)
		if err != nil {
			drainAndClose(resp.Body)
			s.fail(h, &InvalidResponseTypeError{ContentType: contentType})
			return
		}
	}

	// A typed exception payload trumps whatever was expected.
	if contentType != "" && parsed.IsException() {
		s.receiveException(h, resp, mode)
		return
	}

	acceptable := false
	if contentType == "" {
		acceptable = s.ex.Expect.Name == "" ||
			(resp.StatusCode == http.StatusNoContent && s.ex.AllowNoContent)
	} else if s.ex.Expect.Name != "" {
		acceptable = s.ex.Expect.Accepts(parsed)
	}
	if !acceptable {
		drainAndClose(resp.Body)
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			s.fail(h, ErrAuthenticationFailed)
		case resp.StatusCode >= 400:
			s.fail(h, &InvalidResponseCodeError{Code: resp.StatusCode})
		default:
			s.fail(h, &InvalidResponseTypeError{ContentType: contentType})
		}
		return
	}
	if resp.StatusCode >= 400 {
		drainAndClose(resp.Body)
		s.fail(h, &InvalidResponseCodeError{Code: resp.StatusCode})
		return
	}

	if s.ex.Stickiness != nil {
		s.ex.Stickiness.Observe(s.target.uri, resp)
	}
	body, err := decodeBody(resp)
	if err != nil {
		drainAndClose(resp.Body)
		s.fail(h, err)
		return
	}
	s.succeed(h, resp, body)
}

func (s *exchangeState) receiveException(h *Handle, resp *http.Response, mode protocol.Mode) {
	body, err := decodeBody(resp)
	if err != nil {
		drainAndClose(resp.Body)
		s.fail(h, err)
		return
	}
	exception, err := codec.ReadException(body, mode.Codecs.Unmarshaller())
	if err != nil {
		drainAndClose(resp.Body)
		s.fail(h, fmt.Errorf("unmarshal exception: %w", err))
		return
	}
	var one [1]byte
	n, _ := body.Read(one[:])
	_ = resp.Body.Close()
	if n > 0 {
		s.target.logger.Warn("trailing bytes after exception payload",
			zap.String("target", s.target.uri.Host))
		h.Discard()
	} else {
		h.Release()
	}
	s.deliverFailure(&ExceptionError{
		Value:       exception.Value,
		Attachments: exception.Attachments,
	})
}

func (s *exchangeState) succeed(h *Handle, resp *http.Response, body io.Reader) {
	if !s.completed.CompareAndSwap(false, true) {
		h.Release()
		return
	}
	done := func() {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			_ = resp.Body.Close()
			h.Discard()
		} else {
			_ = resp.Body.Close()
			h.Release()
		}
		if s.ex.OnComplete != nil {
			s.ex.OnComplete()
		}
	}
	defer func() {
		if r := recover(); r != nil {
			// A result handler that panics forfeits the connection and is
			// reported through the failure channel.
			h.Discard()
			s.invokeFailureHandler(fmt.Errorf("result handler panicked: %v", r))
		}
	}()
	s.ex.OnResult(body, done)
}

// fail force-closes the connection and delivers a terminal failure. The
// close happens before the handler runs so the connection is returned even
// if the handler itself misbehaves.
func (s *exchangeState) fail(h *Handle, err error) {
	h.Discard()
	s.deliverFailure(err)
}

func (s *exchangeState) deliverFailure(err error) {
	if !s.completed.CompareAndSwap(false, true) {
		return
	}
	s.invokeFailureHandler(err)
}

func (s *exchangeState) invokeFailureHandler(err error) {
	defer func() {
		if r := recover(); r != nil {
			s.target.logger.Warn("failure handler panicked",
				zap.Any("panic", r))
		}
	}()
	if s.ex.OnFailure != nil {
		s.ex.OnFailure(err)
	}
}

// decodeBody applies the response's declared content encoding. Only gzip
// and identity are understood.
func decodeBody(resp *http.Response) (io.Reader, error) {
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip response: %w", err)
		}
		return reader, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
