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
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// The store surfaces exactly three error kinds. Retries are the caller's
// policy; the store never retries internally.
var (
	// ErrNotFound: an id lookup returned no row.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity: a foreign key or unique constraint was violated.
	ErrIntegrity = errors.New("integrity violation")

	// ErrStorageUnavailable: disk I/O failure, corruption, or the
	// database cannot be opened.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// classify maps driver errors onto the store's error kinds. Unrecognized
// errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		case sqlite3.ErrIoErr, sqlite3.ErrCorrupt, sqlite3.ErrNotADB,
			sqlite3.ErrCantOpen, sqlite3.ErrFull, sqlite3.ErrReadonly:
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	return err
}
