// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/roomserver/types"
)

// Database is the persistence contract of the room server. Inserts are
// idempotent and lookups of missing rows return nil without an error.
type Database interface {
	InsertEventIfAbsent(ctx context.Context, event *types.Event) (bool, error)
	InsertEventsIfAbsent(ctx context.Context, events []*types.Event) (int, error)
	// GetEvent returns nil if the event is not stored in the room.
	GetEvent(ctx context.Context, roomID, eventID string) (*types.Event, error)
	// ListEvents returns the events of a room in the order they were stored.
	ListEvents(ctx context.Context, roomID string) ([]*types.Event, error)
	SetEventFlags(ctx context.Context, eventID string, flags types.EventFlags) error

	InsertRoomIfAbsent(ctx context.Context, room *types.Room) (bool, error)
	// GetRoom returns nil if the room is unknown.
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	GetRoomVersion(ctx context.Context, roomID string) (roomversion.RoomVersion, error)

	RecordJoin(ctx context.Context, roomID, joinEventID, userID string, joinedVia spec.ServerName, serversInRoom []spec.ServerName) error
	JoinedServers(ctx context.Context, roomID string) ([]spec.ServerName, error)
	IsJoinedRoom(ctx context.Context, roomID string) (bool, error)
	JoinedRoomIDs(ctx context.Context) ([]string, error)
	ForgetJoinedRoom(ctx context.Context, roomID string) error
}
