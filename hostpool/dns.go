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

package hostpool

import (
	"context"
	"net"
	"time"
)

// Prober is an interface for types that provide single-shot name
// resolution.
type Prober interface {
	// ResolveOnce resolves the given target name once, returning a slice
	// of addresses corresponding to the provided scheme and hostname. The
	// second return value specifies the TTL of the result, or 0 if there
	// is no known TTL value.
	//
	// The resolved addresses carry ports: if the provided hostPort string
	// does not contain a port, a default is added based on the scheme.
	ResolveOnce(ctx context.Context, scheme, hostPort string) ([]Address, time.Duration, error)
}

// NewDNSProber creates a prober that resolves DNS names. The network must
// be one of "ip", "ip4" or "ip6". A nil resolver uses net.DefaultResolver.
func NewDNSProber(resolver *net.Resolver, network string) Prober {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &dnsProber{resolver: resolver, network: network}
}

type dnsProber struct {
	resolver *net.Resolver
	network  string
}

func (d *dnsProber) ResolveOnce(ctx context.Context, scheme, hostPort string) ([]Address, time.Duration, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		// Assume this is not a host:port pair.
		// There is no possible better heuristic for this, unfortunately.
		host = hostPort
		switch scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	addresses, err := d.resolver.LookupNetIP(ctx, d.network, host)
	if err != nil {
		return nil, 0, err
	}
	result := make([]Address, len(addresses))
	for i, address := range addresses {
		result[i].HostPort = net.JoinHostPort(address.Unmap().String(), port)
	}
	return result, 0, nil
}

// StaticProber returns a prober that always resolves to the given
// addresses, bypassing DNS. Useful for fixed backends and tests.
func StaticProber(addrs ...Address) Prober {
	return staticProber(addrs)
}

type staticProber []Address

func (s staticProber) ResolveOnce(context.Context, string, string) ([]Address, time.Duration, error) {
	return s, 0, nil
}
