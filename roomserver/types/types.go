// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types contains the room event graph data model shared by the
// roomserver and federation API.
package types

import (
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/internal/roomversion"
)

const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// StateKeyTuple identifies one slot of room state.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

func (t StateKeyTuple) String() string {
	return fmt.Sprintf("(%s, %q)", t.EventType, t.StateKey)
}

// Less orders tuples by event type, then state key.
func (t StateKeyTuple) Less(other StateKeyTuple) bool {
	if t.EventType != other.EventType {
		return t.EventType < other.EventType
	}
	return t.StateKey < other.StateKey
}

// TupleOf returns the state slot of a state event.
func TupleOf(e *Event) (StateKeyTuple, bool) {
	if e == nil || e.stateKey == nil {
		return StateKeyTuple{}, false
	}
	return StateKeyTuple{EventType: e.evType, StateKey: *e.stateKey}, true
}

// StateMap is a resolved room state: one winning event per slot.
type StateMap map[StateKeyTuple]*Event

// Tuples returns the slots in deterministic order.
func (m StateMap) Tuples() []StateKeyTuple {
	tuples := make([]StateKeyTuple, 0, len(m))
	for t := range m {
		tuples = append(tuples, t)
	}
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].Less(tuples[j]) })
	return tuples
}

// Events returns the winning events ordered by slot.
func (m StateMap) Events() []*Event {
	events := make([]*Event, 0, len(m))
	for _, t := range m.Tuples() {
		events = append(events, m[t])
	}
	return events
}

// Lookup returns the winning event for a slot, if any.
func (m StateMap) Lookup(eventType, stateKey string) *Event {
	return m[StateKeyTuple{EventType: eventType, StateKey: stateKey}]
}

// EventIDs maps each slot onto the ID of its winning event.
func (m StateMap) EventIDs() map[StateKeyTuple]string {
	ids := make(map[StateKeyTuple]string, len(m))
	for t, e := range m {
		ids[t] = e.EventID()
	}
	return ids
}

// Equal compares two states by winning event ID per slot.
func (m StateMap) Equal(other StateMap) bool {
	if len(m) != len(other) {
		return false
	}
	for t, e := range m {
		o, ok := other[t]
		if !ok || o.EventID() != e.EventID() {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy; events are immutable so they are shared.
func (m StateMap) Clone() StateMap {
	c := make(StateMap, len(m))
	for t, e := range m {
		c[t] = e
	}
	return c
}

// AuthChain is the transitive closure of auth_events for a set of events,
// keyed by event ID.
type AuthChain map[string]*Event

// IDs returns the sorted event IDs in the chain.
func (c AuthChain) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c AuthChain) Contains(eventID string) bool {
	_, ok := c[eventID]
	return ok
}

// Room is the stored record for a room.
type Room struct {
	RoomID     string
	Creator    string
	Version    roomversion.RoomVersion
	Visibility string
	Name       string
	Topic      string
	IsDirect   bool
}

// RoomFromCreateEvent builds the room record implied by an m.room.create
// event. Older room versions name the creator in the content; from v11 the
// sender is the creator.
func RoomFromCreateEvent(create *Event) (*Room, error) {
	if create == nil || create.Type() != spec.MRoomCreate || !create.StateKeyEquals("") {
		return nil, &internal.ParamError{Param: "event", Message: "not an m.room.create event"}
	}
	content := create.Content()
	version := roomversion.V1
	if v, ok := content.Get("room_version"); ok && v.Kind() == canonicaljson.String {
		version = roomversion.RoomVersion(v.Str())
	}
	creator := create.Sender()
	if c, ok := content.Get("creator"); ok && c.Str() != "" {
		creator = c.Str()
	}
	return &Room{
		RoomID:     create.RoomID(),
		Creator:    creator,
		Version:    version,
		Visibility: VisibilityPrivate,
	}, nil
}

// ApplyState fills the denormalised room fields from resolved state.
func (r *Room) ApplyState(state StateMap) {
	if ev := state.Lookup(spec.MRoomName, ""); ev != nil {
		name, _ := ev.Content().Get("name")
		r.Name = name.Str()
	}
	if ev := state.Lookup(spec.MRoomTopic, ""); ev != nil {
		topic, _ := ev.Content().Get("topic")
		r.Topic = topic.Str()
	}
	if ev := state.Lookup(spec.MRoomJoinRules, ""); ev != nil {
		if rule, ok := ev.Content().Get("join_rule"); ok && rule.Str() == "public" {
			r.Visibility = VisibilityPublic
		}
	}
}
