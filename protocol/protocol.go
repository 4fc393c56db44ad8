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

// Package protocol implements the per-connection capability negotiation
// shared by the client transport and the server-side router: wire protocol
// version and serialization namespace are agreed once per physical
// connection via sentinel headers, and the result selects the path prefix
// and codec factory used for every subsequent request on that connection.
package protocol

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/httpinvoke/httpinvoke/codec"
	"go.uber.org/zap"
)

// Sentinel headers used for the one-time-per-connection handshake.
const (
	VersionHeader   = "X-Inv-Version"
	NamespaceHeader = "X-Inv-Namespace"
)

// LatestVersion is the most recent wire protocol version this package
// speaks. Peers that confirm it are addressed under LatestPathPrefix with
// the plain codec; everyone else stays on the interoperable path.
const LatestVersion = 2

// Version-prefixed path spaces. Service sub-paths are appended by
// service-specific request builders.
const (
	LegacyPathPrefix = "/v1"
	LatestPathPrefix = "/v2"
)

// Namespace identifies the serialization namespace convention of a peer.
type Namespace string

const (
	NamespaceLegacy Namespace = "javaee"
	NamespaceLatest Namespace = "jakartaee"
)

// State is the negotiation state of one physical connection.
type State int32

const (
	// StateUnknown means no response has been observed yet: requests
	// advertise the latest capability but still use the interoperable
	// path and codec.
	StateUnknown State = iota
	// StateLegacy means the peer did not confirm the latest capability.
	StateLegacy
	// StateLatest means the peer confirmed the latest capability.
	StateLatest
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateLegacy:
		return "legacy"
	case StateLatest:
		return "latest"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Mode is the negotiated (or provisional) addressing for one request: the
// path prefix to send under and the codec factory for its payloads. It is
// re-derived from the connection state on every request, never stored.
type Mode struct {
	PathPrefix string
	Codecs     codec.Factory
}

// Negotiation tracks the handshake state of a single physical connection.
// Implementations must be safe for concurrent use, though a connection
// carries at most one in-flight request at a time.
type Negotiation interface {
	// Prepare stamps capability headers on req as the current state
	// requires and returns the mode to use for this attempt.
	Prepare(req *http.Request) Mode
	// Observe transitions the state based on a received response. An
	// authentication-challenge response must not transition the state:
	// negotiation is deferred, not consumed.
	Observe(resp *http.Response)
	// State reports the current negotiation state.
	State() State
}

// Factory creates the per-connection negotiation instances injected into
// the connection pool.
type Factory interface {
	New() Negotiation
}

// NewFactory returns the default negotiation factory. Connections start
// unknown with the interoperable (translating) factory and resolve to
// plain once the peer confirms the latest version and namespace.
func NewFactory(plain, interop codec.Factory, logger *zap.Logger) Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &factory{plain: plain, interop: interop, logger: logger}
}

type factory struct {
	plain, interop codec.Factory
	logger         *zap.Logger
}

func (f *factory) New() Negotiation {
	return &negotiation{factory: f}
}

type negotiation struct {
	*factory
	state atomic.Int32
}

func (n *negotiation) State() State {
	return State(n.state.Load())
}

func (n *negotiation) Prepare(req *http.Request) Mode {
	switch n.State() {
	case StateLatest:
		// Re-sent on every request; idempotent.
		advertise(req.Header)
		return Mode{PathPrefix: LatestPathPrefix, Codecs: n.plain}
	case StateLegacy:
		return Mode{PathPrefix: LegacyPathPrefix, Codecs: n.interop}
	default:
		advertise(req.Header)
		return Mode{PathPrefix: LegacyPathPrefix, Codecs: n.interop}
	}
}

func (n *negotiation) Observe(resp *http.Response) {
	if n.State() != StateUnknown {
		return
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Negotiation is deferred across auth challenges: the next
		// attempt negotiates again as if it were the first request.
		return
	}
	next := StateLegacy
	if Confirmed(resp.Header) {
		next = StateLatest
	}
	if n.state.CompareAndSwap(int32(StateUnknown), int32(next)) {
		n.logger.Debug("connection protocol negotiated",
			zap.Stringer("state", next))
	}
}

func advertise(h http.Header) {
	h.Set(VersionHeader, strconv.Itoa(LatestVersion))
	h.Set(NamespaceHeader, string(NamespaceLatest))
}

// Advertised reports whether the given request headers advertise the
// latest capability. The server-side legacy path handler uses this to
// decide whether to confirm.
func Advertised(h http.Header) bool {
	version, err := strconv.Atoi(h.Get(VersionHeader))
	if err != nil || version < LatestVersion {
		return false
	}
	return Namespace(h.Get(NamespaceHeader)) == NamespaceLatest
}

// Confirm stamps the response headers that acknowledge the latest
// capability.
func Confirm(h http.Header) {
	advertise(h)
}

// Confirmed reports whether response headers confirm the latest
// capability.
func Confirmed(h http.Header) bool {
	return Advertised(h)
}
