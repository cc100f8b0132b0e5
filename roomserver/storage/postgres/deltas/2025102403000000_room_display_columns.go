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
	_, err := tx.ExecContext(ctx, `
ALTER TABLE roomserver_rooms ADD COLUMN IF NOT EXISTS visibility TEXT NOT NULL DEFAULT 'private';
ALTER TABLE roomserver_rooms ADD COLUMN IF NOT EXISTS name TEXT NOT NULL DEFAULT '';
ALTER TABLE roomserver_rooms ADD COLUMN IF NOT EXISTS topic TEXT NOT NULL DEFAULT '';
ALTER TABLE roomserver_rooms ADD COLUMN IF NOT EXISTS is_direct BOOLEAN NOT NULL DEFAULT FALSE;`)
	if err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	return nil
}

func DownRoomDisplayColumns(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
ALTER TABLE roomserver_rooms DROP COLUMN IF EXISTS visibility;
ALTER TABLE roomserver_rooms DROP COLUMN IF EXISTS name;
ALTER TABLE roomserver_rooms DROP COLUMN IF EXISTS topic;
ALTER TABLE roomserver_rooms DROP COLUMN IF EXISTS is_direct;`)
	if err != nil {
		return fmt.Errorf("failed to execute downgrade: %w", err)
	}
	return nil
}
