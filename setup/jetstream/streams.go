// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	RoomID        = "room_id"
	EventID       = "event_id"
	RoomEventType = "output_room_event_type"
)

var (
	OutputRoomEvent = "OutputRoomEvent"
)

var safeCharacters = regexp.MustCompile("[^A-Za-z0-9$]+")

// Tokenise turns an arbitrary identifier into a string safe for use in a
// NATS subject token.
func Tokenise(str string) string {
	return safeCharacters.ReplaceAllString(str, "_")
}

// OutputRoomEventSubject returns the subject room state notifications for
// the given room are published on.
func OutputRoomEventSubject(prefix, roomID string) string {
	return fmt.Sprintf("%s.%s", prefix+OutputRoomEvent, Tokenise(roomID))
}

var streams = []*nats.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    time.Hour * 24,
	},
}
