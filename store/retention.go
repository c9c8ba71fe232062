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

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"
)

// defaultSweepInterval spaces the scheduled cleanups: one sweep per day,
// plus the immediate sweep Run performs on start.
const defaultSweepInterval = 24 * time.Hour

// Sweeper periodically removes rows past the retention window and trims
// the corpus toward the advisory entry cap.
type Sweeper struct {
	store         *Store
	logger        *zap.Logger
	interval      time.Duration
	retentionDays int
	maxEntries    int
}

// NewSweeper builds a sweeper; Run starts it. A non-positive interval
// takes the default.
func NewSweeper(s *Store, retentionDays, maxEntries int, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		store:         s,
		logger:        logger,
		interval:      interval,
		retentionDays: retentionDays,
		maxEntries:    maxEntries,
	}
}

// Run sweeps on a ticker until the context is cancelled. One sweep runs
// immediately on start.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.SweepOnce(ctx)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce applies the retention window, then the entry cap.
func (sw *Sweeper) SweepOnce(ctx context.Context) {
	if sw.retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -sw.retentionDays).UnixMilli()
		counts, err := sw.store.DeleteBefore(ctx, cutoff)
		if err != nil {
			sw.logger.Warn("retention sweep failed", zap.Error(err))
		} else if counts.Transactions+counts.Connections > 0 {
			sw.logger.Info("retention sweep",
				zap.Int("days", sw.retentionDays),
				zap.Int64("transactions", counts.Transactions),
				zap.Int64("connections", counts.Connections))
		}
	}

	if sw.maxEntries > 0 {
		if err := sw.trimToCap(ctx); err != nil {
			sw.logger.Warn("entry-cap trim failed", zap.Error(err))
		}
	}
}

// trimToCap drops the oldest rows once the HTTP table exceeds the
// advisory cap. The cut is by timestamp, so WebSocket rows of the same
// age go with them.
func (sw *Sweeper) trimToCap(ctx context.Context) error {
	var cutoff int64
	err := sw.store.db.QueryRowContext(ctx,
		`SELECT timestamp FROM http_traffic
		 ORDER BY timestamp DESC LIMIT 1 OFFSET ?`, sw.maxEntries).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // under the cap
	}
	if err != nil {
		return classify(err)
	}

	counts, err := sw.store.DeleteBefore(ctx, cutoff+1)
	if err != nil {
		return err
	}
	sw.logger.Info("trimmed to entry cap",
		zap.Int("maxEntries", sw.maxEntries),
		zap.Int64("transactions", counts.Transactions))
	return nil
}
