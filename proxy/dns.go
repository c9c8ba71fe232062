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
	"net"
	"sync"
	"time"
)

const dnsCacheTTL = 5 * time.Minute

// unknownDestination stamps transactions whose upstream never resolved.
const unknownDestination = "unknown"

type dnsEntry struct {
	addr    string
	expires time.Time
}

// dnsCache memoizes hostname -> first-address lookups with a TTL. A
// lookup failure is not cached; the next request retries.
type dnsCache struct {
	mu      sync.RWMutex
	entries map[string]dnsEntry
	ttl     time.Duration

	// lookup is swappable for tests.
	lookup func(ctx context.Context, host string) ([]net.IPAddr, error)
}

func newDNSCache() *dnsCache {
	return &dnsCache{
		entries: make(map[string]dnsEntry),
		ttl:     dnsCacheTTL,
		lookup: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return net.DefaultResolver.LookupIPAddr(ctx, host)
		},
	}
}

// Resolve returns the first resolved address for host. IP literals pass
// through untouched.
func (c *dnsCache) Resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	c.mu.RLock()
	entry, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.addr, nil
	}

	addrs, err := c.lookup(ctx, host)
	if err != nil || len(addrs) == 0 {
		if err == nil {
			err = &net.DNSError{Err: "no addresses", Name: host}
		}
		return "", err
	}

	addr := addrs[0].IP.String()
	c.mu.Lock()
	c.entries[host] = dnsEntry{addr: addr, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return addr, nil
}
