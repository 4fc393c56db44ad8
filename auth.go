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
	"net/http"
	"net/url"
)

// Authenticator prepares request credentials for a target host and
// decides whether a challenge response means previously-prepared
// credentials were stale. When Stale reports true, the orchestrator
// transparently retries the exchange exactly once on a freshly acquired
// connection; a second challenge becomes a terminal
// ErrAuthenticationFailed.
type Authenticator interface {
	PrepareRequest(target *url.URL, req *http.Request) error
	Stale(resp *http.Response) bool
}

// BasicAuth authenticates with a static username and password. Static
// credentials can never be refreshed, so a challenge is always terminal.
type BasicAuth struct {
	Username string
	Password string
}

func (a *BasicAuth) PrepareRequest(_ *url.URL, req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

func (a *BasicAuth) Stale(*http.Response) bool {
	return false
}
