// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
)

// UpJoinedRoomsUserID records which local user performed the join, so that
// the join can be attributed after a restart.
func UpJoinedRoomsUserID(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "roomserver_joined_rooms", "user_id", "TEXT NOT NULL DEFAULT ''")
}

func DownJoinedRoomsUserID(ctx context.Context, tx *sql.Tx) error {
	return nil
}
