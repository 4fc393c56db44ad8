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

package affinity

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	uri, err := url.Parse(raw)
	require.NoError(t, err)
	return uri
}

func TestTrackerPinsObservedNode(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	target := mustParse(t, "http://cluster.example.com:8080")

	req := httptest.NewRequest(http.MethodPost, "/invoke", nil)
	tracker.PrepareRequest(target, req)
	require.Equal(t, tracker.Session(), req.Header.Get(SessionHeader))
	require.Empty(t, req.Header.Get(NodeHeader), "no route known before the first response")

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set(NodeHeader, "backend-3")
	tracker.Observe(target, resp)

	node, ok := tracker.Route(target)
	require.True(t, ok)
	require.Equal(t, "backend-3", node)

	req = httptest.NewRequest(http.MethodPost, "/invoke", nil)
	tracker.PrepareRequest(target, req)
	require.Equal(t, "backend-3", req.Header.Get(NodeHeader))
}

func TestTrackerRoutesPerTarget(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	first := mustParse(t, "http://a.example.com")
	second := mustParse(t, "http://b.example.com")

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set(NodeHeader, "node-a")
	tracker.Observe(first, resp)

	_, ok := tracker.Route(second)
	require.False(t, ok, "routes must not leak across targets")
}

func TestTrackerLastWriterWins(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	target := mustParse(t, "http://a.example.com")

	for _, node := range []string{"node-1", "node-2"} {
		resp := &http.Response{Header: http.Header{}}
		resp.Header.Set(NodeHeader, node)
		tracker.Observe(target, resp)
	}
	node, ok := tracker.Route(target)
	require.True(t, ok)
	require.Equal(t, "node-2", node)
}

func TestTrackerForget(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	target := mustParse(t, "http://a.example.com")

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set(NodeHeader, "node-1")
	tracker.Observe(target, resp)
	tracker.Forget(target)

	_, ok := tracker.Route(target)
	require.False(t, ok)

	// An observation without a node header is a no-op, not an unpin.
	tracker.Observe(target, &http.Response{Header: http.Header{}})
	_, ok = tracker.Route(target)
	require.False(t, ok)
}

func TestTrackerSessionsAreDistinct(t *testing.T) {
	t.Parallel()

	require.NotEqual(t, NewTracker().Session(), NewTracker().Session())
}
