// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/roomserver/types"
)

// RoomServerCaches contains the subset of functions needed for
// the room server storage layer.
type RoomServerCaches interface {
	RoomVersionCache
	RoomServerEventsCache
	RoomInfoCache
}

// RoomVersionCache contains the subset of functions needed for
// a room version cache.
type RoomVersionCache interface {
	GetRoomVersion(roomID string) (roomVersion roomversion.RoomVersion, ok bool)
	StoreRoomVersion(roomID string, roomVersion roomversion.RoomVersion)
}

// RoomServerEventsCache contains the subset of functions needed for
// a roomserver event cache.
type RoomServerEventsCache interface {
	GetRoomServerEvent(eventID string) (*types.Event, bool)
	StoreRoomServerEvent(event *types.Event)
	InvalidateRoomServerEvent(eventID string)
}

// RoomInfoCache contains the subset of functions needed for
// a room record cache.
type RoomInfoCache interface {
	GetRoomInfo(roomID string) (*types.Room, bool)
	StoreRoomInfo(room *types.Room)
}

func (c Caches) GetRoomVersion(roomID string) (roomversion.RoomVersion, bool) {
	return c.RoomVersions.Get(roomID)
}

func (c Caches) StoreRoomVersion(roomID string, roomVersion roomversion.RoomVersion) {
	c.RoomVersions.Set(roomID, roomVersion)
}

func (c Caches) GetRoomServerEvent(eventID string) (*types.Event, bool) {
	return c.RoomServerEvents.Get(eventID)
}

func (c Caches) StoreRoomServerEvent(event *types.Event) {
	c.RoomServerEvents.Set(event.EventID(), event)
}

func (c Caches) InvalidateRoomServerEvent(eventID string) {
	c.RoomServerEvents.Unset(eventID)
}

func (c Caches) GetRoomInfo(roomID string) (*types.Room, bool) {
	return c.RoomInfos.Get(roomID)
}

func (c Caches) StoreRoomInfo(room *types.Room) {
	c.RoomInfos.Set(room.RoomID, room)
}
