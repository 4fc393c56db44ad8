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

// Package affinity tracks session routes announced by backends so that
// subsequent invocations carrying state land on the same node. Routes are
// advisory hints; a backend may ignore or re-home them at any time.
package affinity

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

const (
	// SessionHeader carries the client's session token on requests.
	SessionHeader = "X-Inv-Session"
	// NodeHeader carries the preferred node on requests and the serving
	// node on responses.
	NodeHeader = "X-Inv-Node"
)

// Tracker remembers, per logical target, which backend node last served
// this client's session. It is safe for concurrent use.
type Tracker struct {
	session string
	routes  sync.Map // target host -> node name
}

// NewTracker creates a tracker with a freshly minted session token.
func NewTracker() *Tracker {
	return &Tracker{session: uuid.NewString()}
}

// Session returns the tracker's session token.
func (t *Tracker) Session() string {
	return t.session
}

// PrepareRequest attaches the session token and, when a route is known
// for the target, the preferred node.
func (t *Tracker) PrepareRequest(target *url.URL, req *http.Request) {
	req.Header.Set(SessionHeader, t.session)
	if node, ok := t.routes.Load(target.Host); ok {
		req.Header.Set(NodeHeader, node.(string))
	}
}

// Observe records the serving node announced in the response, if any.
// Concurrent observations race benignly; the last writer wins.
func (t *Tracker) Observe(target *url.URL, resp *http.Response) {
	if node := resp.Header.Get(NodeHeader); node != "" {
		t.routes.Store(target.Host, node)
	}
}

// Route returns the node last observed for the target, if any.
func (t *Tracker) Route(target *url.URL) (string, bool) {
	node, ok := t.routes.Load(target.Host)
	if !ok {
		return "", false
	}
	return node.(string), true
}

// Forget drops the route for the target, forcing the next request to go
// unpinned.
func (t *Tracker) Forget(target *url.URL) {
	t.routes.Delete(target.Host)
}
