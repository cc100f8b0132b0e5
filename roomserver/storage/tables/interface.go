// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/roomserver/types"
)

// EventRow is an event as stored, before it has been parsed back into a
// types.Event for its room version.
type EventRow struct {
	EventID     string
	RoomID      string
	RoomVersion roomversion.RoomVersion
	JSON        []byte
	Flags       types.EventFlags
}

type Events interface {
	// InsertEvent stores the event unless one with the same ID exists and
	// reports whether a row was written.
	InsertEvent(ctx context.Context, txn *sql.Tx, event *types.Event, eventJSON []byte) (bool, error)
	// SelectEvent returns sql.ErrNoRows if the event is not in the room.
	SelectEvent(ctx context.Context, txn *sql.Tx, roomID, eventID string) (*EventRow, error)
	// SelectRoomEvents returns every event of a room in insertion order.
	SelectRoomEvents(ctx context.Context, txn *sql.Tx, roomID string) ([]EventRow, error)
	UpdateEventFlags(ctx context.Context, txn *sql.Tx, eventID string, flags types.EventFlags) (bool, error)
}

type Rooms interface {
	// InsertRoom stores the room unless it already exists and reports
	// whether a row was written.
	InsertRoom(ctx context.Context, txn *sql.Tx, room *types.Room) (bool, error)
	// SelectRoom returns sql.ErrNoRows if the room is unknown.
	SelectRoom(ctx context.Context, txn *sql.Tx, roomID string) (*types.Room, error)
}

// JoinedRooms tracks rooms this server joined over federation, along with
// the servers known to be in the room at the time.
type JoinedRooms interface {
	InsertJoinedRoom(ctx context.Context, txn *sql.Tx, roomID, joinEventID, userID string, joinedVia spec.ServerName, serversInRoom []spec.ServerName) error
	SelectJoinedRoom(ctx context.Context, txn *sql.Tx, roomID string) (bool, error)
	SelectJoinedRoomServers(ctx context.Context, txn *sql.Tx, roomID string) ([]spec.ServerName, error)
	SelectAllJoinedRooms(ctx context.Context, txn *sql.Tx) ([]string, error)
	DeleteJoinedRoom(ctx context.Context, txn *sql.Tx, roomID string) error
}
