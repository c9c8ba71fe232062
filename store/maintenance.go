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
	"fmt"

	"go.uber.org/zap"
)

// DeletedCounts reports what a maintenance deletion removed.
type DeletedCounts struct {
	Transactions int64 `json:"transactions"`
	Connections  int64 `json:"connections"`
	Messages     int64 `json:"messages"`
}

// DeleteBefore removes all rows captured strictly before cutoffMS.
// Messages cascade first, then connections, then HTTP rows; FTS entries
// follow via the delete triggers.
func (s *Store) DeleteBefore(ctx context.Context, cutoffMS int64) (DeletedCounts, error) {
	return s.deleteWindow(ctx, 0, cutoffMS-1)
}

// DeleteRange removes rows captured inside [startMS, endMS]. This is a
// real ranged deletion, not the legacy delete-everything-before-end
// behavior.
func (s *Store) DeleteRange(ctx context.Context, startMS, endMS int64) (DeletedCounts, error) {
	return s.deleteWindow(ctx, startMS, endMS)
}

func (s *Store) deleteWindow(ctx context.Context, startMS, endMS int64) (DeletedCounts, error) {
	var counts DeletedCounts
	w, args := windowClause("timestamp", startMS, endMS)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, classify(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM websocket_messages WHERE connection_id IN
		 (SELECT id FROM websocket_connections WHERE 1=1`+w+`)`, args...)
	if err != nil {
		return counts, classify(err)
	}
	counts.Messages, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM websocket_connections WHERE 1=1`+w, args...)
	if err != nil {
		return counts, classify(err)
	}
	counts.Connections, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM http_traffic WHERE 1=1`+w, args...)
	if err != nil {
		return counts, classify(err)
	}
	counts.Transactions, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return counts, classify(err)
	}
	s.logger.Info("deleted captured rows",
		zap.Int64("transactions", counts.Transactions),
		zap.Int64("connections", counts.Connections),
		zap.Int64("messages", counts.Messages))
	return counts, nil
}

// ClearAll wipes the captured corpus.
func (s *Store) ClearAll(ctx context.Context) (DeletedCounts, error) {
	return s.deleteWindow(ctx, 0, 0)
}

// Vacuum compacts database pages. Must run outside a transaction.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("%w: vacuum: %v", ErrStorageUnavailable, err)
	}
	return nil
}
