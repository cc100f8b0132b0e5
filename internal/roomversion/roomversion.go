// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomversion

import (
	"fmt"
	"sort"
	"strconv"
)

// RoomVersion names a versioned rule set, fixed when a room is created.
type RoomVersion string

const (
	V1  RoomVersion = "1"
	V2  RoomVersion = "2"
	V3  RoomVersion = "3"
	V4  RoomVersion = "4"
	V5  RoomVersion = "5"
	V6  RoomVersion = "6"
	V7  RoomVersion = "7"
	V8  RoomVersion = "8"
	V9  RoomVersion = "9"
	V10 RoomVersion = "10"
	V11 RoomVersion = "11"
)

// Default is the version assumed for new rooms.
const Default = V10

// EventIDFormat decides how event IDs are produced.
type EventIDFormat int

const (
	// EventIDFormatV1 IDs are chosen by the origin server as $localpart:origin.
	EventIDFormatV1 EventIDFormat = iota + 1
	// EventIDFormatV2 IDs are the standard base64 reference hash.
	EventIDFormatV2
	// EventIDFormatV3 IDs are the URL-safe base64 reference hash.
	EventIDFormatV3
)

// StateResAlgorithm selects the state resolution variant.
type StateResAlgorithm int

const (
	StateResV1 StateResAlgorithm = iota + 1
	StateResV2
)

// RedactionAlgorithm selects which keys survive redaction.
type RedactionAlgorithm int

const (
	// RedactionV1 applies to versions 1-5.
	RedactionV1 RedactionAlgorithm = iota + 1
	// RedactionV2 drops m.room.aliases content (v6, v7).
	RedactionV2
	// RedactionV3 keeps join_rules "allow" (v8).
	RedactionV3
	// RedactionV4 keeps join_authorised_via_users_server (v9, v10).
	RedactionV4
	// RedactionV5 is the v11 rule set.
	RedactionV5
)

// Impl describes the behaviour of one room version.
type Impl struct {
	Version   RoomVersion
	EventID   EventIDFormat
	StateRes  StateResAlgorithm
	Redaction RedactionAlgorithm
	Stable    bool
}

var versions = map[RoomVersion]Impl{
	V1:  {V1, EventIDFormatV1, StateResV1, RedactionV1, true},
	V2:  {V2, EventIDFormatV1, StateResV2, RedactionV1, true},
	V3:  {V3, EventIDFormatV2, StateResV2, RedactionV1, true},
	V4:  {V4, EventIDFormatV3, StateResV2, RedactionV1, true},
	V5:  {V5, EventIDFormatV3, StateResV2, RedactionV1, true},
	V6:  {V6, EventIDFormatV3, StateResV2, RedactionV2, true},
	V7:  {V7, EventIDFormatV3, StateResV2, RedactionV2, true},
	V8:  {V8, EventIDFormatV3, StateResV2, RedactionV3, true},
	V9:  {V9, EventIDFormatV3, StateResV2, RedactionV4, true},
	V10: {V10, EventIDFormatV3, StateResV2, RedactionV4, true},
	V11: {V11, EventIDFormatV3, StateResV2, RedactionV5, true},
}

// UnsupportedRoomVersionError is returned for versions this server does not understand.
type UnsupportedRoomVersionError struct {
	Version RoomVersion
}

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("unsupported room version %q", string(e.Version))
}

// Get returns the implementation of a room version.
func Get(v RoomVersion) (Impl, error) {
	impl, ok := versions[v]
	if !ok {
		return Impl{}, UnsupportedRoomVersionError{Version: v}
	}
	return impl, nil
}

// MustGet is Get for versions known at compile time.
func MustGet(v RoomVersion) Impl {
	impl, err := Get(v)
	if err != nil {
		panic(err)
	}
	return impl
}

// Supported lists every version this server understands, in numeric order.
// This is the list advertised with ver= during make_join.
func Supported() []RoomVersion {
	out := make([]RoomVersion, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(string(out[i]))
		b, _ := strconv.Atoi(string(out[j]))
		return a < b
	})
	return out
}

// EventIDFromHash reports whether event IDs are derived from the reference hash.
func (i Impl) EventIDFromHash() bool {
	return i.EventID != EventIDFormatV1
}
