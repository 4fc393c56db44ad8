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
	"crypto/tls"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httpinvoke/httpinvoke/hostpool"
	"github.com/httpinvoke/httpinvoke/internal"
	"github.com/httpinvoke/httpinvoke/protocol"
)

// Handle states. Transitions happen only through compare-and-swap and are
// monotonic with respect to handleClosed: once closed, a handle can never
// become idle or in-use again.
const (
	handleIdle int32 = iota
	handleInUse
	handleClosed
)

// Handle is a lease on one physical connection. The pool owns handles
// exclusively; callers hold a borrowed reference for the duration of one
// request and must end the lease with exactly one call to Release or
// Discard.
type Handle struct {
	pool   *ConnectionPool
	phys   *physicalConn
	tlsKey *tls.Config
	neg    protocol.Negotiation

	state  atomic.Int32
	leased atomic.Bool

	idleDeadline atomic.Int64 // unix nanos

	timerMu sync.Mutex
	// +checklocks:timerMu
	idleTimer internal.Timer
}

func newHandle(pool *ConnectionPool, phys *physicalConn, tlsKey *tls.Config) *Handle {
	h := &Handle{
		pool:   pool,
		phys:   phys,
		tlsKey: tlsKey,
		neg:    pool.negotiation.New(),
	}
	phys.setOnClose(h.transportClosed)
	return h
}

// RoundTrip sends one request over this connection. The request URL's
// scheme and host are rewritten to the resolved backend address.
func (h *Handle) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = h.phys.scheme
	req.URL.Host = h.phys.addr.HostPort
	return h.phys.rt.RoundTrip(req)
}

// Address is the resolved backend address this handle is connected to.
func (h *Handle) Address() hostpool.Address {
	return h.phys.addr
}

// Negotiation exposes the per-connection protocol negotiation state.
func (h *Handle) Negotiation() protocol.Negotiation {
	return h.neg
}

// Closed reports whether the handle has been closed. Closing is terminal.
func (h *Handle) Closed() bool {
	return h.state.Load() == handleClosed
}

// Release ends the lease and returns the connection to the pool's idle set
// if it is still usable; otherwise the connection is closed.
func (h *Handle) Release() {
	if h.state.CompareAndSwap(handleInUse, handleIdle) {
		h.endLease(false)
		return
	}
	// Closed underneath us while leased; the lease still ends.
	h.endLease(true)
}

// Discard ends the lease and force-closes the connection. Used on every
// failure path where connection state is no longer trustworthy.
func (h *Handle) Discard() {
	h.closeNow()
	h.endLease(true)
}

// tryAcquire transitions idle -> in-use. It fails if the handle was closed
// (or already acquired, which cannot happen while it sits in the idle set).
func (h *Handle) tryAcquire() bool {
	if !h.state.CompareAndSwap(handleIdle, handleInUse) {
		return false
	}
	h.stopIdleTimer()
	h.leased.Store(true)
	return true
}

// markAcquired marks a brand-new handle as leased; this always succeeds.
func (h *Handle) markAcquired() {
	h.state.Store(handleInUse)
	h.leased.Store(true)
}

// closeNow transitions to closed from any state and closes the physical
// connection. Reports whether this call performed the transition.
func (h *Handle) closeNow() bool {
	for {
		state := h.state.Load()
		if state == handleClosed {
			return false
		}
		if h.state.CompareAndSwap(state, handleClosed) {
			h.stopIdleTimer()
			h.phys.close()
			return true
		}
	}
}

// endLease performs the exactly-once bookkeeping for the end of a lease:
// the active count is decremented once no matter how many of Release,
// Discard, and transport-close race.
func (h *Handle) endLease(closed bool) {
	if h.leased.CompareAndSwap(true, false) {
		h.pool.leaseEnded(h, closed)
	}
}

// transportClosed is invoked when the underlying transport observes the
// connection closing. Any in-flight operation will see failure on its next
// interaction; an idle handle is removed from the pool's tracking.
func (h *Handle) transportClosed() {
	wasIdle := h.state.Load() == handleIdle
	h.closeNow()
	if wasIdle {
		h.pool.dropIdle(h)
	}
}

// armIdleTimer (re)schedules the idle-timeout close after a release.
func (h *Handle) armIdleTimer(timeout time.Duration) {
	h.idleDeadline.Store(h.pool.clock.Now().Add(timeout).UnixNano())
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	if h.idleTimer == nil {
		h.idleTimer = h.pool.clock.AfterFunc(timeout, h.idleExpired)
	} else {
		h.idleTimer.Reset(timeout)
	}
}

func (h *Handle) stopIdleTimer() {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
}

func (h *Handle) idleExpired() {
	deadline := time.Unix(0, h.idleDeadline.Load())
	now := h.pool.clock.Now()
	if now.Before(deadline) {
		// Deadline was extended by a later use; reschedule instead of
		// closing.
		h.timerMu.Lock()
		if h.idleTimer != nil {
			h.idleTimer.Reset(deadline.Sub(now))
		}
		h.timerMu.Unlock()
		return
	}
	if h.state.CompareAndSwap(handleIdle, handleClosed) {
		h.phys.close()
		h.pool.idleReclaimed(h)
	}
}
