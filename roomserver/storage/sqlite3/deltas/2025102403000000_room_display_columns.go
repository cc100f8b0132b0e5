// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpRoomDisplayColumns adds the columns filled from resolved room state to
// roomserver_rooms. Databases created before they existed only stored the
// creator and room version.
func UpRoomDisplayColumns(ctx context.Context, tx *sql.Tx) error {
	columns := []struct{ name, definition string }{
		{"visibility", "TEXT NOT NULL DEFAULT 'private'"},
		{"name", "TEXT NOT NULL DEFAULT ''"},
		{"topic", "TEXT NOT NULL DEFAULT ''"},
		{"is_direct", "BOOLEAN NOT NULL DEFAULT FALSE"},
	}
	for _, column := range columns {
		if err := addColumnIfMissing(ctx, tx, "roomserver_rooms", column.name, column.definition); err != nil {
			return err
		}
	}
	return nil
}

func DownRoomDisplayColumns(ctx context.Context, tx *sql.Tx) error {
	// SQLite doesn't support DROP COLUMN in older versions, so we just leave the columns
	return nil
}

// SQLite doesn't support IF NOT EXISTS for ADD COLUMN, so we need to check first
func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, definition string) error {
	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info($1) WHERE name = $2`, table, column).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, definition))
	if err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	return nil
}
