// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/roomserver/types"
)

type Kind int

const (
	// KindOutlier events fall outside the contiguous event graph.
	// We do not have the state for these events.
	// These events are state events used to authenticate other events.
	// They can become part of the contiguous event graph via backfill.
	KindOutlier Kind = iota + 1
	// KindNew events extend the contiguous graph going forwards.
	// They are checked against the current state of the room and
	// soft-failed if that state does not allow them.
	KindNew
	// KindOld events extend the graph backwards, or fill gaps in
	// history. They are checked the same way as new events.
	KindOld
)

func (k Kind) String() string {
	switch k {
	case KindOutlier:
		return "KindOutlier"
	case KindNew:
		return "KindNew"
	case KindOld:
		return "KindOld"
	default:
		return "(unknown)"
	}
}

// InputRoomEvent is a matrix room event to add to the room server database.
type InputRoomEvent struct {
	// Whether this event is new, backfilled or an outlier.
	Kind Kind `json:"kind"`
	// The event itself.
	Event *types.Event `json:"-"`
	// Which server told us about this event.
	Origin spec.ServerName `json:"origin"`
}

// InputRoomEventsRequest is a request to InputRoomEvents
type InputRoomEventsRequest struct {
	InputRoomEvents []InputRoomEvent `json:"input_room_events"`
	// Asynchronous requests return once the events are queued. Callers can
	// wait for the resulting state with the state update tracker.
	Asynchronous bool `json:"async"`
}

// InputRoomEventsResponse is a response to InputRoomEvents
type InputRoomEventsResponse struct {
	ErrMsg     string `json:"error_msg,omitempty"`
	NotAllowed bool   `json:"not_allowed,omitempty"`
}

func (r *InputRoomEventsResponse) Err() error {
	if r.ErrMsg == "" {
		return nil
	}
	if r.NotAllowed {
		return &ErrNotAllowed{
			Err: fmt.Errorf("%s", r.ErrMsg),
		}
	}
	return fmt.Errorf("InputRoomEventsResponse: %s", r.ErrMsg)
}

// ErrNotAllowed is returned when every event of a request failed
// authorisation against the current state of its room.
type ErrNotAllowed struct {
	Err error
}

func (e *ErrNotAllowed) Error() string {
	return "Not allowed: " + e.Err.Error()
}

func (e *ErrNotAllowed) Unwrap() error { return e.Err }
