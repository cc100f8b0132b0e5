// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"

	"github.com/element-hq/roomfed/roomserver/types"
)

// InputRoomEventsAPI stores events and keeps the resolved state of their
// rooms current.
type InputRoomEventsAPI interface {
	InputRoomEvents(
		ctx context.Context,
		req *InputRoomEventsRequest,
		res *InputRoomEventsResponse,
	)
}

// QueryStateAPI answers questions about the current state of rooms.
type QueryStateAPI interface {
	// CurrentState returns the last resolved state of a room. The state is
	// resolved from storage when it is not cached.
	CurrentState(ctx context.Context, roomID string) (types.StateMap, error)
	// AwaitStateUpdate blocks until the state of the room changes next.
	AwaitStateUpdate(ctx context.Context, roomID string) error
}

// RoomserverInternalAPI is everything the federation API needs from the
// roomserver.
type RoomserverInternalAPI interface {
	InputRoomEventsAPI
	QueryStateAPI
	// ResyncRooms resolves the state of every joined room from storage
	// again. It is run on startup to warm the state cache.
	ResyncRooms(ctx context.Context) error
}
