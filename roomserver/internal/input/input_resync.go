// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/roomserver/types"
)

// ResyncState resolves the state of a room from storage again and replaces
// the cached state. Nothing is published. It is used to warm the cache on
// startup and after events were changed behind the roomserver's back.
func (r *Inputer) ResyncState(ctx context.Context, roomID string) (types.StateMap, error) {
	var (
		current types.StateMap
		err     error
	)
	phony.Block(r.workerForRoom(roomID), func() {
		current, err = r.resyncState(ctx, roomID)
	})
	return current, err
}

// ResyncRooms resyncs every room this server has joined.
func (r *Inputer) ResyncRooms(ctx context.Context) error {
	roomIDs, err := r.DB.JoinedRoomIDs(ctx)
	if err != nil {
		return fmt.Errorf("r.DB.JoinedRoomIDs: %w", err)
	}
	for _, roomID := range roomIDs {
		if _, err = r.ResyncState(ctx, roomID); err != nil {
			return fmt.Errorf("r.ResyncState(%s): %w", roomID, err)
		}
	}
	logrus.WithField("rooms", len(roomIDs)).Info("Resynced state of joined rooms")
	return nil
}

// resyncState must only be called on the room's worker.
func (r *Inputer) resyncState(ctx context.Context, roomID string) (types.StateMap, error) {
	logger := logrus.WithField("room_id", roomID)

	room, err := r.DB.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.GetRoom: %w", err)
	}
	if room == nil {
		return nil, &internal.ParamError{Param: "room_id", Message: fmt.Sprintf("room %s not found", roomID)}
	}

	res, err := r.resolveStored(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("r.resolveStored: %w", err)
	}
	r.Resolver.UpdateResolvedState(roomID, res.State)
	if r.Tracker != nil {
		r.Tracker.Notify(roomID)
	}

	logger.WithFields(logrus.Fields{
		"state_events": len(res.State),
		"conflicted":   len(res.Conflicted),
		"rejected":     len(res.Rejected),
	}).Debug("Resynced room state from storage")
	return res.State, nil
}
