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
	"sync"
	"time"
)

// pendingRequest ties an in-flight exchange back to its stored row.
type pendingRequest struct {
	internalID string
	startedAt  time.Time
}

// correlationTable pairs responses with their request rows. Primary key
// is the exchange id minted at request time; resolving removes the
// entry so the table stays bounded by in-flight work.
type correlationTable struct {
	mu      sync.Mutex
	pending map[string]pendingRequest
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{pending: make(map[string]pendingRequest)}
}

func (t *correlationTable) Track(exchangeID, internalID string, startedAt time.Time) {
	t.mu.Lock()
	t.pending[exchangeID] = pendingRequest{internalID: internalID, startedAt: startedAt}
	t.mu.Unlock()
}

// Resolve looks up the primary exchange id, falling back to the
// secondary key stashed on the request. Both misses mean the response
// cannot be paired and must be dropped. A hit removes the entry.
func (t *correlationTable) Resolve(exchangeID, fallbackID string) (pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[exchangeID]; ok {
		delete(t.pending, exchangeID)
		return p, true
	}
	if p, ok := t.pending[fallbackID]; ok {
		delete(t.pending, fallbackID)
		return p, true
	}
	return pendingRequest{}, false
}

// Release drops an entry without pairing, used when a leg fails.
func (t *correlationTable) Release(exchangeID string) {
	t.mu.Lock()
	delete(t.pending, exchangeID)
	t.mu.Unlock()
}

func (t *correlationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Clear empties the table, returning the rows that never got a
// response so the caller can mark them aborted.
func (t *correlationTable) Clear() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.pending))
	for _, p := range t.pending {
		ids = append(ids, p.internalID)
	}
	t.pending = make(map[string]pendingRequest)
	return ids
}
