// Copyright 2026 The Proxycap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNSCacheMemoizes(t *testing.T) {
	c := newDNSCache()
	var calls int
	c.lookup = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		calls++
		return []net.IPAddr{{IP: net.ParseIP("192.0.2.7")}}, nil
	}

	for i := 0; i < 3; i++ {
		addr, err := c.Resolve(context.Background(), "example.com")
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.7", addr)
	}
	assert.Equal(t, 1, calls)
}

func TestDNSCacheExpiry(t *testing.T) {
	c := newDNSCache()
	c.ttl = -1 // every entry born expired
	var calls int
	c.lookup = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		calls++
		return []net.IPAddr{{IP: net.ParseIP("192.0.2.8")}}, nil
	}

	c.Resolve(context.Background(), "example.com")
	c.Resolve(context.Background(), "example.com")
	assert.Equal(t, 2, calls)
}

func TestDNSFailureNotCached(t *testing.T) {
	c := newDNSCache()
	var calls int
	c.lookup = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("servfail")
		}
		return []net.IPAddr{{IP: net.ParseIP("192.0.2.9")}}, nil
	}

	_, err := c.Resolve(context.Background(), "example.com")
	require.Error(t, err)
	addr, err := c.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.9", addr)
}

func TestDNSIPLiteralPassthrough(t *testing.T) {
	c := newDNSCache()
	c.lookup = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		t.Fatal("IP literals must not hit the resolver")
		return nil, nil
	}
	addr, err := c.Resolve(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", addr)
}
