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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationPrimaryKey(t *testing.T) {
	ct := newCorrelationTable()
	ct.Track("ex-1", "row-1", time.Now())

	p, ok := ct.Resolve("ex-1", "row-1")
	require.True(t, ok)
	assert.Equal(t, "row-1", p.internalID)
	assert.Equal(t, 0, ct.Len(), "resolving removes the entry")
}

func TestCorrelationFallbackKey(t *testing.T) {
	ct := newCorrelationTable()
	ct.Track("row-2", "row-2", time.Now())

	p, ok := ct.Resolve("missing-primary", "row-2")
	require.True(t, ok)
	assert.Equal(t, "row-2", p.internalID)
}

func TestCorrelationBothMissDrops(t *testing.T) {
	ct := newCorrelationTable()
	_, ok := ct.Resolve("nope", "also-nope")
	assert.False(t, ok)
}

func TestCorrelationResolveIsSingleShot(t *testing.T) {
	ct := newCorrelationTable()
	ct.Track("ex", "row", time.Now())
	_, ok := ct.Resolve("ex", "")
	require.True(t, ok)
	_, ok = ct.Resolve("ex", "")
	assert.False(t, ok)
}

func TestCorrelationClear(t *testing.T) {
	ct := newCorrelationTable()
	ct.Track("a", "row-a", time.Now())
	ct.Track("b", "row-b", time.Now())

	ids := ct.Clear()
	assert.ElementsMatch(t, []string{"row-a", "row-b"}, ids)
	assert.Equal(t, 0, ct.Len())
}

func TestCorrelationRelease(t *testing.T) {
	ct := newCorrelationTable()
	ct.Track("a", "row-a", time.Now())
	ct.Release("a")
	_, ok := ct.Resolve("a", "")
	assert.False(t, ok)
	assert.Equal(t, 0, ct.Len())
}
