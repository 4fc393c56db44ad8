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
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httpinvoke/httpinvoke/hostpool"
	"golang.org/x/net/http2"
)

// physicalConn wraps one dialed connection together with the round tripper
// that speaks HTTP over it. The socket is established eagerly so that
// connect failures surface at acquisition time, then handed to the round
// tripper exactly once; a physical connection is never re-dialed.
type physicalConn struct {
	scheme string
	addr   hostpool.Address
	rt     http.RoundTripper

	closed    atomic.Bool
	closeOnce sync.Once
	closeFunc func()

	// onClose is invoked at most once when the underlying transport
	// observes the connection closing (peer reset, EOF, local close).
	onClose atomic.Pointer[func()]
}

func dialPhysical(ctx context.Context, scheme string, addr hostpool.Address, tlsConf *tls.Config, opts *clientOptions) (*physicalConn, error) {
	netConn, err := opts.dialFunc(ctx, "tcp", addr.HostPort)
	if err != nil {
		return nil, err
	}
	pc := &physicalConn{scheme: scheme, addr: addr}
	watched := &notifyConn{Conn: netConn, notify: pc.notifyClosed}
	dialer := &singleConnDialer{conn: watched}

	if scheme == "h2c" {
		transport := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialer.dial(ctx, network, addr)
			},
			StrictMaxConcurrentStreams: opts.maxStreamsPerConn > 0,
		}
		pc.scheme = "http"
		pc.rt = transport
		pc.closeFunc = func() {
			transport.CloseIdleConnections()
			_ = watched.Close()
		}
		return pc, nil
	}

	transport := &http.Transport{
		DialContext:            dialer.dial,
		MaxIdleConns:           1,
		MaxIdleConnsPerHost:    1,
		MaxConnsPerHost:        1,
		TLSClientConfig:        tlsConf,
		TLSHandshakeTimeout:    opts.tlsHandshakeTimeout,
		MaxResponseHeaderBytes: opts.maxResponseHeaderBytes,
		ExpectContinueTimeout:  1 * time.Second,
		// Responses are classified on their declared Content-Encoding;
		// the transport must not transparently decompress.
		DisableCompression: true,
	}
	pc.rt = transport
	pc.closeFunc = func() {
		transport.CloseIdleConnections()
		_ = watched.Close()
	}
	return pc, nil
}

func (pc *physicalConn) isOpen() bool {
	return !pc.closed.Load()
}

func (pc *physicalConn) close() {
	pc.closed.Store(true)
	pc.closeOnce.Do(pc.closeFunc)
}

func (pc *physicalConn) setOnClose(f func()) {
	pc.onClose.Store(&f)
}

func (pc *physicalConn) notifyClosed() {
	pc.closed.Store(true)
	if f := pc.onClose.Load(); f != nil {
		(*f)()
	}
}

// singleConnDialer hands out its pre-established connection to the round
// tripper's first dial and refuses every dial after that: a broken
// physical connection is an unrecoverable signal, never a silent redial.
type singleConnDialer struct {
	conn net.Conn
	used atomic.Bool
}

func (d *singleConnDialer) dial(context.Context, string, string) (net.Conn, error) {
	if d.used.CompareAndSwap(false, true) {
		return d.conn, nil
	}
	return nil, errConnectionReused
}

// notifyConn observes the lifecycle of the wrapped connection so the pool
// learns about transport-initiated closes (a read error on a keep-alive
// connection, or the round tripper closing it).
type notifyConn struct {
	net.Conn
	notify func()
	once   sync.Once
}

func (c *notifyConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.fire()
	}
	return n, err
}

func (c *notifyConn) Close() error {
	c.fire()
	return c.Conn.Close()
}

func (c *notifyConn) fire() {
	c.once.Do(c.notify)
}
