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

// Package httpinvoke provides a client-side transport for remote
// invocation over HTTP. It multiplexes logical invocations over a bounded
// pool of physical connections per backend, negotiates the wire protocol
// version and payload namespace per connection, and reconstructs typed
// exception payloads sent by the backend.
//
// To talk to a backend, create a [TargetContext] with [NewTargetContext]
// and submit exchanges through [TargetContext.SendRequest]. Each exchange
// acquires a connection from the pool (waiting in FIFO order when the
// configured limit is reached), sends the request with the negotiated
// version prefix, classifies the response, and invokes exactly one of
// the exchange's result and failure callbacks.
//
// The pool has a notion of "closing", via its Close method. Pending
// acquisitions fail immediately, idle connections are torn down in
// parallel, and leased connections are closed as they are returned. The
// pool cannot be used after it has been closed.
//
// # Default Behavior
//
// Without any options, the transport behaves as follows:
//
//  1. At most ten concurrent connections are opened per backend.
//     Additional acquisitions queue in arrival order.
//
//  2. Returned connections are kept idle for up to one minute, keyed
//     by their TLS configuration, and reused most-recently-returned
//     first. Use [WithIdleConnectionTimeout] to change the timeout;
//     an explicit zero keeps idle connections indefinitely.
//
//  3. Each new connection advertises the latest protocol version and
//     namespace on its first request and downgrades permanently if the
//     backend does not echo the version header. Responses with status
//     401 defer the decision to the next request.
//
//  4. Payload type names are translated between the current and legacy
//     namespaces at the codec boundary, so callers only ever see
//     canonical names.
//
// Connections to "h2c" targets use HTTP/2 over plaintext and can carry
// multiple concurrent streams subject to [WithMaxStreamsPerConnection].
package httpinvoke
