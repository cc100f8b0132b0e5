// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAwaitTimeout is the default timeout for awaiting a state update
const DefaultAwaitTimeout = 5 * time.Minute

// StateUpdateTracker lets callers of asynchronous input wait until the
// resolved state of a room has been recomputed. Every room carries a
// generation that increases with each update, so a caller that reads the
// generation before queueing events cannot miss the update they caused.
type StateUpdateTracker struct {
	mu    sync.Mutex
	rooms map[string]*roomUpdates
}

type roomUpdates struct {
	generation uint64
	// observers are closed on the next update
	observers []chan struct{}
}

// NewStateUpdateTracker creates a new StateUpdateTracker
func NewStateUpdateTracker() *StateUpdateTracker {
	return &StateUpdateTracker{
		rooms: make(map[string]*roomUpdates),
	}
}

func (t *StateUpdateTracker) room(roomID string) *roomUpdates {
	r, ok := t.rooms[roomID]
	if !ok {
		r = &roomUpdates{}
		t.rooms[roomID] = r
	}
	return r
}

// Generation returns how many times the state of the room has been updated.
func (t *StateUpdateTracker) Generation(roomID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.rooms[roomID]; ok {
		return r.generation
	}
	return 0
}

// Await blocks until the next update of the room or until the context is
// done.
func (t *StateUpdateTracker) Await(ctx context.Context, roomID string) error {
	return t.AwaitSince(ctx, roomID, t.Generation(roomID))
}

// AwaitSince blocks until the room has moved past the given generation. It
// returns immediately if that has already happened.
func (t *StateUpdateTracker) AwaitSince(ctx context.Context, roomID string, generation uint64) error {
	ch := make(chan struct{})

	t.mu.Lock()
	r := t.room(roomID)
	if r.generation > generation {
		t.mu.Unlock()
		return nil
	}
	r.observers = append(r.observers, ch)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		r, ok := t.rooms[roomID]
		if !ok {
			return
		}
		for i, observer := range r.observers {
			if observer == ch {
				r.observers = append(r.observers[:i], r.observers[i+1:]...)
				break
			}
		}
	}()

	logrus.WithField("room_id", roomID).Debug("Awaiting state update for room")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// AwaitWithTimeout is a convenience wrapper that adds a timeout to the context
func (t *StateUpdateTracker) AwaitWithTimeout(ctx context.Context, roomID string, generation uint64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.AwaitSince(ctx, roomID, generation)
}

// Notify is called once the resolved state of a room has been stored. It
// wakes up every caller waiting on the room.
func (t *StateUpdateTracker) Notify(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.room(roomID)
	r.generation++
	if len(r.observers) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"room_id":        roomID,
		"observer_count": len(r.observers),
	}).Debug("Notifying observers of state update")

	for _, ch := range r.observers {
		close(ch)
	}
	r.observers = nil
}

// HasObservers returns true if there are any observers waiting for this room
func (t *StateUpdateTracker) HasObservers(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rooms[roomID]
	return ok && len(r.observers) > 0
}
