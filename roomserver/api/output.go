// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"github.com/element-hq/roomfed/internal/roomversion"
)

// An OutputType is a type of roomserver output.
type OutputType string

const (
	// OutputTypeNewRoomState indicates that the resolved state of a room changed.
	OutputTypeNewRoomState OutputType = "new_room_state"
)

// An OutputEvent is an entry in the roomserver output stream.
type OutputEvent struct {
	// What sort of event this is.
	Type OutputType `json:"type"`
	// The content of event with type OutputTypeNewRoomState
	NewRoomState *OutputNewRoomState `json:"new_room_state,omitempty"`
}

// StateEntry names the winner of one state slot.
type StateEntry struct {
	EventType string `json:"type"`
	StateKey  string `json:"state_key"`
	EventID   string `json:"event_id"`
}

// OutputNewRoomState is written whenever resolution produced a state that
// differs from the previous one. Consumers apply AddsState and RemovesState
// to the state they last saw.
type OutputNewRoomState struct {
	RoomID      string                  `json:"room_id"`
	RoomVersion roomversion.RoomVersion `json:"room_version"`
	// The events that were stored by the request that caused this output.
	EventIDs []string `json:"event_ids"`
	// Slots whose winner changed or that did not exist before.
	AddsState []StateEntry `json:"adds_state,omitempty"`
	// Slots that no longer have a winner, with the event that used to win.
	RemovesState []StateEntry `json:"removes_state,omitempty"`
	// The event IDs rejected during resolution.
	Rejected []string `json:"rejected,omitempty"`
}
