// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateUpdateTracker_NotifyWakesWaiters(t *testing.T) {
	t.Parallel()
	tracker := NewStateUpdateTracker()
	roomID := "!room:test"

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- tracker.AwaitWithTimeout(context.Background(), roomID, 0, 5*time.Second)
		}()
	}
	require.Eventually(t, func() bool {
		tracker.mu.Lock()
		defer tracker.mu.Unlock()
		r, ok := tracker.rooms[roomID]
		return ok && len(r.observers) == 2
	}, 5*time.Second, 10*time.Millisecond)

	tracker.Notify(roomID)
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-done)
	}
	assert.False(t, tracker.HasObservers(roomID))
	assert.Equal(t, uint64(1), tracker.Generation(roomID))
}

func TestStateUpdateTracker_PastGenerationReturnsImmediately(t *testing.T) {
	t.Parallel()
	tracker := NewStateUpdateTracker()
	roomID := "!room:test"

	before := tracker.Generation(roomID)
	tracker.Notify(roomID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, tracker.AwaitSince(ctx, roomID, before))
}

func TestStateUpdateTracker_ContextCancelled(t *testing.T) {
	t.Parallel()
	tracker := NewStateUpdateTracker()

	err := tracker.AwaitWithTimeout(context.Background(), "!room:test", 0, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, tracker.HasObservers("!room:test"))
}

func TestStateUpdateTracker_RoomsAreIndependent(t *testing.T) {
	t.Parallel()
	tracker := NewStateUpdateTracker()

	tracker.Notify("!a:test")
	assert.Equal(t, uint64(1), tracker.Generation("!a:test"))
	assert.Equal(t, uint64(0), tracker.Generation("!b:test"))
}
