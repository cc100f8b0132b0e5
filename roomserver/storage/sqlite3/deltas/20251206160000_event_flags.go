// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
)

// UpEventFlags adds the soft_failed and outlier flags to roomserver_events.
// They are the only columns of an event that change after it is stored.
func UpEventFlags(ctx context.Context, tx *sql.Tx) error {
	if err := addColumnIfMissing(ctx, tx, "roomserver_events", "soft_failed", "BOOLEAN NOT NULL DEFAULT FALSE"); err != nil {
		return err
	}
	return addColumnIfMissing(ctx, tx, "roomserver_events", "outlier", "BOOLEAN NOT NULL DEFAULT FALSE")
}

func DownEventFlags(ctx context.Context, tx *sql.Tx) error {
	return nil
}
