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
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httpinvoke/httpinvoke/hostpool"
	"github.com/httpinvoke/httpinvoke/internal"
	"github.com/httpinvoke/httpinvoke/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConnectionPool owns the physical connections to one logical target URI.
// It bounds the number of concurrently active connections, queues
// acquisition requests beyond the bound, reuses idle connections keyed by
// TLS config, and reclaims idle connections after a timeout.
//
// Acquisition never blocks: completion is always via callback, invoked
// exactly once, possibly synchronously on the calling goroutine.
type ConnectionPool struct {
	uri         *url.URL
	opts        clientOptions
	hosts       *hostpool.Pool
	clock       internal.Clock
	logger      *zap.Logger
	negotiation protocol.Factory

	maxConns    int
	idleTimeout time.Duration

	// active counts leased handles plus connections being established.
	// Mutated only through compare-and-swap so concurrent acquisition and
	// release never lose updates.
	active atomic.Int64

	mu sync.Mutex
	// Most-recently-returned handles sit at the tail and are reused
	// first. TLS configs key by identity; nil is the no-TLS key.
	// +checklocks:mu
	idle map[*tls.Config][]*Handle
	// +checklocks:mu
	pending []*pendingRequest
	// +checklocks:mu
	closed bool
}

// pendingRequest captures a caller's acquisition intent until it is
// matched to a handle or failed.
type pendingRequest struct {
	onReady     func(*Handle)
	onError     func(error)
	ignoreLimit bool
	tlsConf     *tls.Config
	completed   atomic.Bool
}

func (r *pendingRequest) ready(h *Handle) {
	if r.completed.CompareAndSwap(false, true) {
		r.onReady(h)
	}
}

func (r *pendingRequest) fail(err error) {
	if r.completed.CompareAndSwap(false, true) {
		r.onError(err)
	}
}

// NewConnectionPool creates a pool for the given target URI.
func NewConnectionPool(uri *url.URL, options ...ClientOption) *ConnectionPool {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	hostOpts := append([]hostpool.Option{hostpool.WithLogger(opts.logger)}, opts.hostOptions...)
	return &ConnectionPool{
		uri:         uri,
		opts:        opts,
		hosts:       hostpool.New(uri, hostOpts...),
		clock:       opts.clock,
		logger:      opts.logger,
		negotiation: opts.negotiation,
		maxConns:    opts.maxConnections,
		idleTimeout: opts.idleConnTimeout,
		idle:        map[*tls.Config][]*Handle{},
	}
}

// URI returns the logical target URI this pool connects to.
func (p *ConnectionPool) URI() *url.URL {
	return p.uri
}

// Active returns the number of leased or in-establishment connections.
func (p *ConnectionPool) Active() int {
	return int(p.active.Load())
}

// GetConnection acquires a connection handle. Exactly one of onReady and
// onError is eventually invoked, exactly once; either may run
// synchronously on the calling goroutine. A nil tlsConf uses the pool's
// configured TLS config (which may itself be nil for plain-text targets).
// When ignoreLimit is set, the request bypasses the connection-count bound
// but is still counted by it.
func (p *ConnectionPool) GetConnection(onReady func(*Handle), onError func(error), ignoreLimit bool, tlsConf *tls.Config) {
	if tlsConf == nil {
		tlsConf = p.opts.tlsConfig
	}
	req := &pendingRequest{
		onReady:     onReady,
		onError:     onError,
		ignoreLimit: ignoreLimit,
		tlsConf:     tlsConf,
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		req.fail(ErrPoolClosed)
		return
	}
	if req.ignoreLimit {
		// Counted but not bounded, and never queued behind requests that
		// are waiting for capacity.
		p.incrementActive()
		p.mu.Unlock()
		if h := p.reuseIdle(req.tlsConf); h != nil {
			req.ready(h)
			return
		}
		go p.establish(req)
		return
	}
	p.pending = append(p.pending, req)
	p.mu.Unlock()
	p.servicePending()
}

// servicePending matches queued acquisition requests to capacity. It is
// re-run after every event that may free capacity: a release, a close, an
// idle reclamation, a failed establishment.
func (p *ConnectionPool) servicePending() {
	for {
		req := p.takePending()
		if req == nil {
			return
		}
		if h := p.reuseIdle(req.tlsConf); h != nil {
			req.ready(h)
			continue
		}
		go p.establish(req)
	}
}

// takePending claims capacity and dequeues the oldest pending request, or
// returns nil if the queue is empty or the pool is at its bound. The
// claimed capacity stands until the eventual release or failure path
// relinquishes it.
func (p *ConnectionPool) takePending() *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	if !p.tryIncrementActive() {
		// At capacity; the next release or close retries the queue.
		return nil
	}
	head := p.pending[0]
	p.pending = p.pending[1:]
	return head
}

func (p *ConnectionPool) tryIncrementActive() bool {
	for {
		current := p.active.Load()
		if current >= int64(p.maxConns) {
			return false
		}
		if p.active.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (p *ConnectionPool) incrementActive() {
	for {
		current := p.active.Load()
		if p.active.CompareAndSwap(current, current+1) {
			return
		}
	}
}

func (p *ConnectionPool) decrementActive() {
	for {
		current := p.active.Load()
		if p.active.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// reuseIdle pops idle handles for the given TLS key until one survives
// acquisition. Handles whose underlying connection reports closed are
// dropped on the way.
func (p *ConnectionPool) reuseIdle(key *tls.Config) *Handle {
	for {
		p.mu.Lock()
		deque := p.idle[key]
		if len(deque) == 0 {
			p.mu.Unlock()
			return nil
		}
		h := deque[len(deque)-1]
		p.idle[key] = deque[:len(deque)-1]
		p.mu.Unlock()
		if !h.phys.isOpen() {
			continue
		}
		if h.tryAcquire() {
			return h
		}
	}
}

// establish resolves a backend address and dials a new physical
// connection for the given request. Runs on its own goroutine.
func (p *ConnectionPool) establish(req *pendingRequest) {
	ctx := p.opts.rootCtx
	addr, err := p.hosts.Next(ctx)
	if err != nil {
		p.decrementActive()
		req.fail(fmt.Errorf("resolve %q: %w", p.uri.Host, err))
		p.servicePending()
		return
	}
	phys, err := dialPhysical(ctx, p.uri.Scheme, addr, req.tlsConf, &p.opts)
	if err != nil {
		p.hosts.ReportFailure(addr)
		p.decrementActive()
		p.logger.Debug("connect failed",
			zap.String("address", addr.HostPort), zap.Error(err))
		req.fail(err)
		p.servicePending()
		return
	}
	p.hosts.ReportSuccess(addr)
	h := newHandle(p, phys, req.tlsConf)
	h.markAcquired()
	req.ready(h)
}

// leaseEnded is called exactly once per lease, from Handle.endLease.
func (p *ConnectionPool) leaseEnded(h *Handle, closedByHolder bool) {
	p.decrementActive()
	if !closedByHolder && h.state.Load() == handleIdle && h.phys.isOpen() {
		p.mu.Lock()
		poolClosed := p.closed
		if !poolClosed {
			p.idle[h.tlsKey] = append(p.idle[h.tlsKey], h)
		}
		p.mu.Unlock()
		if poolClosed {
			h.closeNow()
		} else if p.idleTimeout > 0 {
			h.armIdleTimer(p.idleTimeout)
		}
	} else {
		h.closeNow()
	}
	p.servicePending()
}

// idleReclaimed is called after an idle timeout closed h. Closing may have
// freed capacity a queued request is waiting for.
func (p *ConnectionPool) idleReclaimed(h *Handle) {
	p.dropIdle(h)
	p.logger.Debug("idle connection reclaimed",
		zap.String("address", h.phys.addr.HostPort))
	p.servicePending()
}

func (p *ConnectionPool) dropIdle(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	deque := p.idle[h.tlsKey]
	for i, candidate := range deque {
		if candidate == h {
			p.idle[h.tlsKey] = append(deque[:i:i], deque[i+1:]...)
			return
		}
	}
}

// Close terminates the pool: queued acquisitions fail with ErrPoolClosed
// and idle connections are closed. Leased connections are not forcibly
// interrupted; they are closed when their holders release them.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	var idle []*Handle
	for _, deque := range p.idle {
		idle = append(idle, deque...)
	}
	p.idle = map[*tls.Config][]*Handle{}
	p.mu.Unlock()

	for _, req := range pending {
		req.fail(ErrPoolClosed)
	}
	grp, _ := errgroup.WithContext(context.Background())
	for _, h := range idle {
		h := h
		grp.Go(func() error {
			h.closeNow()
			return nil
		})
	}
	return grp.Wait()
}
