// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/internal/signing"
	"github.com/element-hq/roomfed/roomserver/types"
)

type Preset int

const (
	PresetNone Preset = iota
	PresetPrivateChat
	PresetPublicChat
	PresetTrustedPrivateChat
)

var roomIDCounter int64

// BaseTimestamp is the origin_server_ts of the first event of every test room.
const BaseTimestamp = spec.Timestamp(1700000000000)

type Room struct {
	ID       string
	Version  roomversion.RoomVersion
	preset   Preset
	creator  *User
	hostedOn spec.ServerName

	mu           sync.Mutex
	authEvents   types.StateMap
	currentState types.StateMap
	events       []*types.Event
	latest       []string
	depth        int64
	ts           spec.Timestamp
}

type roomModifier func(t *testing.T, r *Room)

func RoomPreset(p Preset) roomModifier {
	return func(t *testing.T, r *Room) {
		r.preset = p
	}
}

func RoomVersion(rv roomversion.RoomVersion) roomModifier {
	return func(t *testing.T, r *Room) {
		r.Version = rv
	}
}

// RoomHostedOn changes the server in the room ID. Events are still signed by
// their senders' servers.
func RoomHostedOn(serverName spec.ServerName) roomModifier {
	return func(t *testing.T, r *Room) {
		r.hostedOn = serverName
	}
}

// NewRoom creates a room with the usual creation events, all sent by creator.
func NewRoom(t *testing.T, creator *User, modifiers ...roomModifier) *Room {
	t.Helper()
	counter := atomic.AddInt64(&roomIDCounter, 1)
	r := &Room{
		Version:      roomversion.Default,
		preset:       PresetPublicChat,
		creator:      creator,
		hostedOn:     creator.ServerName,
		authEvents:   types.StateMap{},
		currentState: types.StateMap{},
		ts:           BaseTimestamp,
	}
	for _, m := range modifiers {
		m(t, r)
	}
	r.ID = fmt.Sprintf("!%d:%s", counter, r.hostedOn)
	r.insertCreateEvents(t)
	return r
}

func (r *Room) insertCreateEvents(t *testing.T) {
	t.Helper()
	joinRule := "invite"
	if r.preset == PresetPublicChat {
		joinRule = "public"
	}

	r.CreateAndInsert(t, r.creator, spec.MRoomCreate, map[string]interface{}{
		"creator":      r.creator.ID,
		"room_version": string(r.Version),
	}, WithStateKey(""))
	r.CreateAndInsert(t, r.creator, spec.MRoomMember, map[string]interface{}{
		"membership": spec.Join,
	}, WithStateKey(r.creator.ID))
	r.CreateAndInsert(t, r.creator, spec.MRoomPowerLevels, map[string]interface{}{
		"users":          map[string]int64{r.creator.ID: 100},
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
	}, WithStateKey(""))
	r.CreateAndInsert(t, r.creator, spec.MRoomJoinRules, map[string]interface{}{
		"join_rule": joinRule,
	}, WithStateKey(""))
	r.CreateAndInsert(t, r.creator, spec.MRoomHistoryVisibility, map[string]interface{}{
		"history_visibility": "shared",
	}, WithStateKey(""))
}

type eventMods struct {
	stateKey *string
	unsigned interface{}
	origin   spec.ServerName
	ts       spec.Timestamp
	depth    int64
	prevIDs  []string
	authIDs  []string
}

type eventModifier func(e *eventMods)

func WithStateKey(skey string) eventModifier {
	return func(e *eventMods) {
		e.stateKey = &skey
	}
}

func WithUnsigned(unsigned interface{}) eventModifier {
	return func(e *eventMods) {
		e.unsigned = unsigned
	}
}

func WithTimestamp(ts spec.Timestamp) eventModifier {
	return func(e *eventMods) {
		e.ts = ts
	}
}

func WithDepth(depth int64) eventModifier {
	return func(e *eventMods) {
		e.depth = depth
	}
}

func WithPrevIDs(prevIDs []string) eventModifier {
	return func(e *eventMods) {
		e.prevIDs = prevIDs
	}
}

func WithAuthIDs(authIDs []string) eventModifier {
	return func(e *eventMods) {
		e.authIDs = authIDs
	}
}

// CreateEvent creates and signs an event without adding it to the room. It
// references the room's current forward extremities unless WithPrevIDs is
// given, and picks auth events from the current state unless WithAuthIDs is.
func (r *Room) CreateEvent(t *testing.T, creator *User, eventType string, content interface{}, mods ...eventModifier) *types.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &eventMods{
		origin: creator.ServerName,
		depth:  r.depth + 1,
		ts:     r.ts + 1,
	}
	for _, mod := range mods {
		mod(m)
	}
	if m.prevIDs == nil {
		m.prevIDs = append([]string{}, r.latest...)
	}
	if m.authIDs == nil {
		m.authIDs = r.selectAuthEvents(creator, eventType, m.stateKey)
	}
	if m.ts > r.ts {
		r.ts = m.ts
	}

	contentValue, err := canonicaljson.FromNative(content)
	if err != nil {
		t.Fatalf("CreateEvent: content: %s", err)
	}
	fields := map[string]canonicaljson.Value{
		"type":             canonicaljson.NewString(eventType),
		"room_id":          canonicaljson.NewString(r.ID),
		"sender":           canonicaljson.NewString(creator.ID),
		"origin":           canonicaljson.NewString(string(m.origin)),
		"origin_server_ts": canonicaljson.NewInt(int64(m.ts)),
		"depth":            canonicaljson.NewInt(m.depth),
		"content":          contentValue,
		"prev_events":      canonicaljson.NewStringArray(m.prevIDs...),
		"auth_events":      canonicaljson.NewStringArray(m.authIDs...),
	}
	if m.stateKey != nil {
		fields["state_key"] = canonicaljson.NewString(*m.stateKey)
	}
	if m.unsigned != nil {
		unsigned, err := canonicaljson.FromNative(m.unsigned)
		if err != nil {
			t.Fatalf("CreateEvent: unsigned: %s", err)
		}
		fields["unsigned"] = unsigned
	}

	impl, err := roomversion.Get(r.Version)
	if err != nil {
		t.Fatalf("CreateEvent: %s", err)
	}
	signed, _, err := signing.HashAndSign(canonicaljson.NewObject(fields), impl, creator.Keys(t))
	if err != nil {
		t.Fatalf("CreateEvent: failed to sign event: %s", err)
	}
	ev, err := types.NewEvent(signed, impl)
	if err != nil {
		t.Fatalf("CreateEvent: failed to parse event: %s", err)
	}
	return ev
}

func (r *Room) selectAuthEvents(sender *User, eventType string, stateKey *string) []string {
	var ids []string
	add := func(evType, skey string) {
		if ev := r.authEvents.Lookup(evType, skey); ev != nil {
			ids = append(ids, ev.EventID())
		}
	}
	if eventType == spec.MRoomCreate {
		return []string{}
	}
	add(spec.MRoomCreate, "")
	add(spec.MRoomPowerLevels, "")
	add(spec.MRoomMember, sender.ID)
	if eventType == spec.MRoomMember {
		add(spec.MRoomJoinRules, "")
		if stateKey != nil && *stateKey != sender.ID {
			add(spec.MRoomMember, *stateKey)
		}
	}
	return ids
}

// InsertEvent adds an event to the room, moving the forward extremity and
// current state along with it.
func (r *Room) InsertEvent(t *testing.T, ev *types.Event) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.latest = []string{ev.EventID()}
	if ev.Depth() > r.depth {
		r.depth = ev.Depth()
	}
	if ts := ev.OriginServerTS(); ts > r.ts {
		r.ts = ts
	}
	if tuple, ok := types.TupleOf(ev); ok {
		r.currentState[tuple] = ev
		switch ev.Type() {
		case spec.MRoomCreate, spec.MRoomPowerLevels, spec.MRoomJoinRules, spec.MRoomMember:
			r.authEvents[tuple] = ev
		}
	}
}

func (r *Room) CreateAndInsert(t *testing.T, creator *User, eventType string, content interface{}, mods ...eventModifier) *types.Event {
	t.Helper()
	ev := r.CreateEvent(t, creator, eventType, content, mods...)
	r.InsertEvent(t, ev)
	return ev
}

// Events returns every inserted event in insertion order.
func (r *Room) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Event(nil), r.events...)
}

// CurrentState returns the state implied by the inserted events, ignoring
// any conflicts.
func (r *Room) CurrentState() types.StateMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentState.Clone()
}

// Latest returns the current forward extremities.
func (r *Room) Latest() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.latest...)
}
