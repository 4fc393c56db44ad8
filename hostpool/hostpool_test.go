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
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testURL(t *testing.T) *url.URL {
	t.Helper()
	uri, err := url.Parse("http://backend.example.com:8080")
	require.NoError(t, err)
	return uri
}

func TestNextRotates(t *testing.T) {
	t.Parallel()

	addrs := []Address{
		{HostPort: "10.0.0.1:8080"},
		{HostPort: "10.0.0.2:8080"},
		{HostPort: "10.0.0.3:8080"},
	}
	pool := New(testURL(t), WithProber(StaticProber(addrs...)))
	ctx := context.Background()

	var got []string
	for i := 0; i < 6; i++ {
		addr, err := pool.Next(ctx)
		require.NoError(t, err)
		got = append(got, addr.HostPort)
	}
	require.Equal(t, []string{
		"10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080",
		"10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080",
	}, got)
}

func TestNextPrefersUnfailedAddresses(t *testing.T) {
	t.Parallel()

	addrs := []Address{
		{HostPort: "10.0.0.1:8080"},
		{HostPort: "10.0.0.2:8080"},
	}
	pool := New(testURL(t), WithProber(StaticProber(addrs...)))
	ctx := context.Background()

	pool.ReportFailure(addrs[0])
	for i := 0; i < 4; i++ {
		addr, err := pool.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, "10.0.0.2:8080", addr.HostPort)
	}

	// A success clears the failure state and rotation resumes.
	pool.ReportSuccess(addrs[0])
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		addr, err := pool.Next(ctx)
		require.NoError(t, err)
		seen[addr.HostPort] = true
	}
	require.Len(t, seen, 2)
}

func TestNextThrottlesRedials(t *testing.T) {
	t.Parallel()

	addrs := []Address{{HostPort: "10.0.0.1:8080"}}
	pool := New(testURL(t),
		WithProber(StaticProber(addrs...)),
		WithRedialInterval(50*time.Millisecond))
	ctx := context.Background()

	pool.ReportFailure(addrs[0])
	_, err := pool.Next(ctx)
	require.ErrorIs(t, err, ErrNoUsableAddress)

	// After the redial interval the failed address is handed out again,
	// exactly once per interval.
	require.Eventually(t, func() bool {
		_, err := pool.Next(ctx)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	_, err = pool.Next(ctx)
	require.ErrorIs(t, err, ErrNoUsableAddress)
}

type countingProber struct {
	calls int
	addrs []Address
	err   error
}

func (c *countingProber) ResolveOnce(context.Context, string, string) ([]Address, time.Duration, error) {
	c.calls++
	if c.err != nil {
		return nil, 0, c.err
	}
	return c.addrs, 0, nil
}

func TestResolutionCachedUntilTTL(t *testing.T) {
	t.Parallel()

	prober := &countingProber{addrs: []Address{{HostPort: "10.0.0.1:80"}}}
	pool := New(testURL(t), WithProber(prober), WithTTL(time.Hour))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := pool.Next(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 1, prober.calls)
}

func TestStaleAddressesReusedOnResolutionError(t *testing.T) {
	t.Parallel()

	prober := &countingProber{addrs: []Address{{HostPort: "10.0.0.1:80"}}}
	pool := New(testURL(t), WithProber(prober), WithTTL(0))

	ctx := context.Background()
	addr, err := pool.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:80", addr.HostPort)

	prober.err = errors.New("resolver down")
	addr, err = pool.Next(ctx)
	require.NoError(t, err, "stale addresses carry the pool through resolver outages")
	require.Equal(t, "10.0.0.1:80", addr.HostPort)
}

func TestResolutionErrorWithNoAddresses(t *testing.T) {
	t.Parallel()

	prober := &countingProber{err: errors.New("resolver down")}
	pool := New(testURL(t), WithProber(prober))

	_, err := pool.Next(context.Background())
	require.ErrorContains(t, err, "resolver down")
}
