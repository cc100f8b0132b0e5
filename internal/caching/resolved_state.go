// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"

	"github.com/element-hq/roomfed/roomserver/types"
)

// ResolvedStateCache holds the most recently resolved state of each room.
// Entries are replaced wholesale under a per-room lock, so readers see either
// the previous state or the new one and never a mixture. Readers may see a
// state that is about to be replaced.
type ResolvedStateCache struct {
	mu    sync.Mutex
	rooms map[string]*resolvedStateEntry
}

type resolvedStateEntry struct {
	sync.RWMutex
	state types.StateMap
}

func NewResolvedStateCache() *ResolvedStateCache {
	return &ResolvedStateCache{
		rooms: make(map[string]*resolvedStateEntry),
	}
}

func (c *ResolvedStateCache) entry(roomID string, create bool) *resolvedStateEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.rooms[roomID]
	if !ok && create {
		e = &resolvedStateEntry{}
		c.rooms[roomID] = e
	}
	return e
}

// Get returns a copy of the cached state of a room.
func (c *ResolvedStateCache) Get(roomID string) (types.StateMap, bool) {
	e := c.entry(roomID, false)
	if e == nil {
		return nil, false
	}
	e.RLock()
	defer e.RUnlock()
	if e.state == nil {
		return nil, false
	}
	return e.state.Clone(), true
}

// Set replaces the cached state of a room.
func (c *ResolvedStateCache) Set(roomID string, state types.StateMap) {
	e := c.entry(roomID, true)
	snapshot := state.Clone()
	e.Lock()
	e.state = snapshot
	e.Unlock()
}

// Update runs fn against the current state of a room while holding that
// room's write lock and stores the result.
func (c *ResolvedStateCache) Update(roomID string, fn func(current types.StateMap) (types.StateMap, error)) error {
	e := c.entry(roomID, true)
	e.Lock()
	defer e.Unlock()
	next, err := fn(e.state.Clone())
	if err != nil {
		return err
	}
	e.state = next.Clone()
	return nil
}

// Unset forgets the cached state of a room.
func (c *ResolvedStateCache) Unset(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}
