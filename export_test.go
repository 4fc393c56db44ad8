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
	"github.com/httpinvoke/httpinvoke/internal"
)

// WithClock swaps the wall clock so tests can control idle timers
// deterministically.
func WithClock(clock internal.Clock) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.clock = clock
	})
}

// ActiveConnections reports the pool's current active count.
func (p *ConnectionPool) ActiveConnections() int64 {
	return p.active.Load()
}

// IdleConnections reports the number of idle connections across all
// TLS-config keys.
func (p *ConnectionPool) IdleConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, deque := range p.idle {
		total += len(deque)
	}
	return total
}

// PendingRequests reports the number of queued acquisitions.
func (p *ConnectionPool) PendingRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
