// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/internal/signing"
)

// EventFlags are the only parts of a stored event that may change after it
// has been inserted.
type EventFlags struct {
	SoftFailed bool
	Outlier    bool
}

// Event is a signed room event. The JSON it was built from is never modified;
// the fields below are extracted once when the event is parsed.
type Event struct {
	json     canonicaljson.Value
	version  roomversion.Impl
	eventID  string
	roomID   string
	evType   string
	sender   string
	stateKey *string
	depth    int64
	ts       spec.Timestamp
	prev     []string
	auth     []string
	flags    EventFlags
	size     int
}

// NewEventFromJSON parses an event received from a client or another server.
func NewEventFromJSON(raw []byte, impl roomversion.Impl) (*Event, error) {
	v, err := canonicaljson.Parse(raw)
	if err != nil {
		return nil, err
	}
	e, err := NewEvent(v, impl)
	if err != nil {
		return nil, err
	}
	e.size = len(raw)
	return e, nil
}

// NewEvent wraps an already parsed event. The event ID is derived according
// to the room version, so callers cannot supply a mismatching one.
func NewEvent(v canonicaljson.Value, impl roomversion.Impl) (*Event, error) {
	if !v.IsObject() {
		return nil, &internal.ParamError{Param: "event", Message: "not a JSON object"}
	}
	e := &Event{json: v, version: impl}

	var err error
	if e.eventID, err = signing.EventID(v, impl); err != nil {
		return nil, err
	}
	if e.roomID, err = requiredString(v, "room_id"); err != nil {
		return nil, err
	}
	if e.evType, err = requiredString(v, "type"); err != nil {
		return nil, err
	}
	if e.sender, err = requiredString(v, "sender"); err != nil {
		return nil, err
	}
	if sk, ok := v.Get("state_key"); ok && sk.Kind() == canonicaljson.String {
		s := sk.Str()
		e.stateKey = &s
	}
	if depth, ok := v.Get("depth"); ok {
		if depth.Kind() != canonicaljson.Number {
			return nil, &internal.ParamError{Param: "depth", Message: "not an integer"}
		}
		e.depth = depth.Int()
	}
	if ts, ok := v.Get("origin_server_ts"); ok && ts.Int() > 0 {
		e.ts = spec.Timestamp(ts.Int())
	}
	if e.prev, err = referenceIDs(v, "prev_events"); err != nil {
		return nil, err
	}
	if e.auth, err = referenceIDs(v, "auth_events"); err != nil {
		return nil, err
	}
	return e, nil
}

func requiredString(v canonicaljson.Value, key string) (string, error) {
	field, ok := v.Get(key)
	if !ok || field.Kind() != canonicaljson.String || field.Str() == "" {
		return "", &internal.ParamError{Param: key, Message: "missing or not a string"}
	}
	return field.Str(), nil
}

// referenceIDs accepts both reference forms: ["$id", {"sha256": ".."}] pairs
// used by room versions 1 and 2, and bare "$id" strings used from version 3.
func referenceIDs(v canonicaljson.Value, key string) ([]string, error) {
	field, ok := v.Get(key)
	if !ok || field.IsNull() {
		return nil, nil
	}
	if !field.IsArray() {
		return nil, &internal.ParamError{Param: key, Message: "not an array"}
	}
	ids := make([]string, 0, field.Len())
	for i, ref := range field.Elems() {
		switch ref.Kind() {
		case canonicaljson.String:
			ids = append(ids, ref.Str())
		case canonicaljson.Array:
			if ref.Len() == 0 || ref.Elems()[0].Kind() != canonicaljson.String {
				return nil, &internal.ParamError{Param: fmt.Sprintf("%s[%d]", key, i), Message: "malformed event reference"}
			}
			ids = append(ids, ref.Elems()[0].Str())
		default:
			return nil, &internal.ParamError{Param: fmt.Sprintf("%s[%d]", key, i), Message: "malformed event reference"}
		}
	}
	return ids, nil
}

func (e *Event) EventID() string { return e.eventID }
func (e *Event) RoomID() string { return e.roomID }
func (e *Event) Type() string { return e.evType }
func (e *Event) Sender() string { return e.sender }
func (e *Event) Depth() int64 { return e.depth }
func (e *Event) OriginServerTS() spec.Timestamp { return e.ts }
func (e *Event) Version() roomversion.Impl { return e.version }
func (e *Event) RoomVersion() roomversion.RoomVersion { return e.version.Version }
func (e *Event) Flags() EventFlags { return e.flags }

// StateKey is nil for message events.
func (e *Event) StateKey() *string { return e.stateKey }

// StateKeyEquals reports whether this is a state event with the given key.
func (e *Event) StateKeyEquals(key string) bool {
	return e.stateKey != nil && *e.stateKey == key
}

func (e *Event) IsState() bool { return e.stateKey != nil }

// PrevEventIDs returns the IDs of the events this one directly follows.
func (e *Event) PrevEventIDs() []string { return append([]string(nil), e.prev...) }

// AuthEventIDs returns the IDs of the events that authorise this one.
func (e *Event) AuthEventIDs() []string { return append([]string(nil), e.auth...) }

// Content returns the event content, or an empty object.
func (e *Event) Content() canonicaljson.Value {
	content, ok := e.json.Get("content")
	if !ok || !content.IsObject() {
		return canonicaljson.NewObject(nil)
	}
	return content
}

// JSON returns the event as a value, exactly as it was received.
func (e *Event) JSON() canonicaljson.Value { return e.json }

// CanonicalJSON returns the canonical encoding of the event.
func (e *Event) CanonicalJSON() ([]byte, error) { return canonicaljson.Marshal(e.json) }

// Origin is the server the sender belongs to.
func (e *Event) Origin() spec.ServerName {
	_, domain, err := gomatrixserverlib.SplitID('@', e.sender)
	if err != nil {
		return ""
	}
	return domain
}

// Membership returns content.membership of an m.room.member event.
func (e *Event) Membership() (string, error) {
	if e.evType != spec.MRoomMember {
		return "", fmt.Errorf("%s is not a membership event", e.eventID)
	}
	m, ok := e.Content().Get("membership")
	if !ok || m.Kind() != canonicaljson.String {
		return "", fmt.Errorf("%s has no membership", e.eventID)
	}
	return m.Str(), nil
}

// CacheCost is the approximate memory footprint of the event.
func (e *Event) CacheCost() int {
	if e.size > 0 {
		return e.size
	}
	return 512 + 64*(len(e.prev)+len(e.auth))
}

// WithFlags returns a copy of the event carrying different storage flags.
func (e *Event) WithFlags(flags EventFlags) *Event {
	c := *e
	c.flags = flags
	return &c
}

// CheckContentHash verifies the sha256 hash the event carries.
func (e *Event) CheckContentHash() error {
	return signing.CheckContentHash(e.json, e.version)
}

// CheckDepth makes sure the event is deeper than every predecessor that is
// known. Unknown predecessors are not an error.
func CheckDepth(e *Event, known map[string]*Event) error {
	for _, id := range e.prev {
		prev, ok := known[id]
		if !ok || prev == nil {
			continue
		}
		if e.depth <= prev.depth {
			return &internal.ParamError{
				Param:   "depth",
				Message: fmt.Sprintf("%s has depth %d, not above %s at %d", e.eventID, e.depth, id, prev.depth),
			}
		}
	}
	return nil
}
