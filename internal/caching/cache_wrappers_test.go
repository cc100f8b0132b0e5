// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/roomserver/types"
)

func TestCaches_RoomServerEvent_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	event := createTestEvents(t)[0]

	cache.StoreRoomServerEvent(event)
	waitForCacheProcessing(t)

	retrieved, ok := cache.GetRoomServerEvent(event.EventID())

	assert.True(t, ok)
	assert.Equal(t, event.EventID(), retrieved.EventID())
}

func TestCaches_RoomServerEvent_InvalidateRemovesEvent(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	event := createTestEvents(t)[0]

	cache.StoreRoomServerEvent(event)
	waitForCacheProcessing(t)

	_, ok := cache.GetRoomServerEvent(event.EventID())
	assert.True(t, ok)

	cache.InvalidateRoomServerEvent(event.EventID())
	waitForCacheProcessing(t)

	_, ok = cache.GetRoomServerEvent(event.EventID())
	assert.False(t, ok)
}

func TestCaches_RoomVersion_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StoreRoomVersion("!room:server", roomversion.V11)
	waitForCacheProcessing(t)

	version, ok := cache.GetRoomVersion("!room:server")
	assert.True(t, ok)
	assert.Equal(t, roomversion.V11, version)
}

func TestCaches_RoomInfo_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	room := &types.Room{
		RoomID:     "!room:server",
		Creator:    "@alice:server",
		Version:    roomversion.V10,
		Visibility: types.VisibilityPublic,
	}

	cache.StoreRoomInfo(room)
	waitForCacheProcessing(t)

	retrieved, ok := cache.GetRoomInfo("!room:server")
	assert.True(t, ok)
	assert.Equal(t, room, retrieved)

	_, ok = cache.GetRoomInfo("!other:server")
	assert.False(t, ok)
}
