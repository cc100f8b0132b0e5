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

// UpEventFlags adds the soft_failed and outlier flags to roomserver_events.
// They are the only columns of an event that change after it is stored.
func UpEventFlags(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
ALTER TABLE roomserver_events ADD COLUMN IF NOT EXISTS soft_failed BOOLEAN NOT NULL DEFAULT FALSE;
ALTER TABLE roomserver_events ADD COLUMN IF NOT EXISTS outlier BOOLEAN NOT NULL DEFAULT FALSE;`)
	if err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	return nil
}

func DownEventFlags(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
ALTER TABLE roomserver_events DROP COLUMN IF EXISTS soft_failed;
ALTER TABLE roomserver_events DROP COLUMN IF EXISTS outlier;`)
	if err != nil {
		return fmt.Errorf("failed to execute downgrade: %w", err)
	}
	return nil
}
