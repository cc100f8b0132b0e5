// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"fmt"
	"strconv"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/roomserver/types"
)

const (
	joinRulePublic  = "public"
	membershipKnock = "knock"
)

// powerLevels is the subset of m.room.power_levels needed to authorise
// state events during resolution.
type powerLevels struct {
	users         map[string]int64
	usersDefault  int64
	events        map[string]int64
	stateDefault  int64
	eventsDefault int64
	invite        int64
	kick          int64
	ban           int64
}

// powerLevelsFrom reads the power levels out of resolved state. Without a
// power levels event the creator has 100 and everybody else 0.
func powerLevelsFrom(state types.StateMap) powerLevels {
	pl := powerLevels{
		users:  map[string]int64{},
		events: map[string]int64{},
	}
	ev := state.Lookup(spec.MRoomPowerLevels, "")
	if ev == nil {
		if creator := creatorOf(state); creator != "" {
			pl.users[creator] = 100
		}
		return pl
	}
	content := ev.Content()
	pl.usersDefault = levelOf(content, "users_default", 0)
	pl.eventsDefault = levelOf(content, "events_default", 0)
	pl.stateDefault = levelOf(content, "state_default", 50)
	pl.invite = levelOf(content, "invite", 0)
	pl.kick = levelOf(content, "kick", 50)
	pl.ban = levelOf(content, "ban", 50)
	if users, ok := content.Get("users"); ok && users.IsObject() {
		for _, userID := range users.Keys() {
			v, _ := users.Get(userID)
			if level, ok := toLevel(v); ok {
				pl.users[userID] = level
			}
		}
	}
	if events, ok := content.Get("events"); ok && events.IsObject() {
		for _, evType := range events.Keys() {
			v, _ := events.Get(evType)
			if level, ok := toLevel(v); ok {
				pl.events[evType] = level
			}
		}
	}
	return pl
}

func levelOf(content canonicaljson.Value, key string, def int64) int64 {
	v, ok := content.Get(key)
	if !ok {
		return def
	}
	if level, ok := toLevel(v); ok {
		return level
	}
	return def
}

// toLevel accepts integers and, as older rooms contain them, integer strings.
func toLevel(v canonicaljson.Value) (int64, bool) {
	switch v.Kind() {
	case canonicaljson.Number:
		return v.Int(), true
	case canonicaljson.String:
		n, err := strconv.ParseInt(v.Str(), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (pl powerLevels) userLevel(userID string) int64 {
	if level, ok := pl.users[userID]; ok {
		return level
	}
	return pl.usersDefault
}

func (pl powerLevels) requiredForState(evType string) int64 {
	if level, ok := pl.events[evType]; ok {
		return level
	}
	return pl.stateDefault
}

func (pl powerLevels) requiredForMessage(evType string) int64 {
	if level, ok := pl.events[evType]; ok {
		return level
	}
	return pl.eventsDefault
}

// creatorOf names the room creator. From room version 11 the creator is the
// sender of the create event, before that it is in the content.
func creatorOf(state types.StateMap) string {
	create := state.Lookup(spec.MRoomCreate, "")
	if create == nil {
		return ""
	}
	if creator, ok := create.Content().Get("creator"); ok && creator.Str() != "" {
		return creator.Str()
	}
	return create.Sender()
}

func membershipOf(state types.StateMap, userID string) string {
	ev := state.Lookup(spec.MRoomMember, userID)
	if ev == nil {
		return spec.Leave
	}
	membership, err := ev.Membership()
	if err != nil {
		return spec.Leave
	}
	return membership
}

func joinRuleOf(state types.StateMap) string {
	ev := state.Lookup(spec.MRoomJoinRules, "")
	if ev == nil {
		return spec.Invite
	}
	rule, _ := ev.Content().Get("join_rule")
	return rule.Str()
}

// Allowed reports whether an event is authorised by the given room state.
func Allowed(ev *types.Event, state types.StateMap) error {
	if ev == nil {
		return fmt.Errorf("no event")
	}
	return checkAllowed(ev, state)
}

// checkAllowed authorises an event against the given state.
// It covers the create event, the sender's membership and the sender's power
// level, which is what resolution needs to reject candidates.
func checkAllowed(ev *types.Event, state types.StateMap) error {
	if ev.Type() == spec.MRoomCreate {
		if len(ev.PrevEventIDs()) > 0 {
			return fmt.Errorf("create event %s has prev_events", ev.EventID())
		}
		return nil
	}
	create := state.Lookup(spec.MRoomCreate, "")
	if create == nil {
		return fmt.Errorf("no create event in state for %s", ev.EventID())
	}
	if create.RoomID() != ev.RoomID() {
		return fmt.Errorf("%s belongs to %s, not %s", ev.EventID(), ev.RoomID(), create.RoomID())
	}

	pl := powerLevelsFrom(state)
	if ev.Type() == spec.MRoomMember {
		return checkMembership(ev, state, pl)
	}

	if membershipOf(state, ev.Sender()) != spec.Join {
		return fmt.Errorf("sender %s of %s is not joined", ev.Sender(), ev.EventID())
	}
	if !ev.IsState() {
		if have, need := pl.userLevel(ev.Sender()), pl.requiredForMessage(ev.Type()); have < need {
			return fmt.Errorf("sender %s has power %d, %s needs %d", ev.Sender(), have, ev.Type(), need)
		}
		return nil
	}
	if have, need := pl.userLevel(ev.Sender()), pl.requiredForState(ev.Type()); have < need {
		return fmt.Errorf("sender %s has power %d, %s needs %d", ev.Sender(), have, ev.Type(), need)
	}
	if ev.Type() == spec.MRoomPowerLevels {
		return checkPowerLevelsChange(ev, pl)
	}
	return nil
}

func checkMembership(ev *types.Event, state types.StateMap, pl powerLevels) error {
	target := ev.StateKey()
	membership, err := ev.Membership()
	if err != nil || target == nil {
		return fmt.Errorf("malformed membership event %s", ev.EventID())
	}
	senderMembership := membershipOf(state, ev.Sender())
	targetMembership := membershipOf(state, *target)

	if *target == ev.Sender() {
		switch membership {
		case spec.Join:
			if targetMembership == spec.Ban {
				return fmt.Errorf("%s is banned", ev.Sender())
			}
			// The first join of the creator follows the create event directly.
			if ev.Sender() == creatorOf(state) || targetMembership == spec.Join || targetMembership == spec.Invite {
				return nil
			}
			if joinRuleOf(state) == joinRulePublic {
				return nil
			}
			return fmt.Errorf("%s may not join a room with join rule %q", ev.Sender(), joinRuleOf(state))
		case spec.Leave:
			if targetMembership == spec.Ban {
				return fmt.Errorf("%s is banned", ev.Sender())
			}
			return nil
		case membershipKnock:
			return nil
		}
	}

	if senderMembership != spec.Join {
		return fmt.Errorf("sender %s of %s is not joined", ev.Sender(), ev.EventID())
	}
	senderLevel := pl.userLevel(ev.Sender())
	switch membership {
	case spec.Invite:
		if targetMembership == spec.Join || targetMembership == spec.Ban {
			return fmt.Errorf("cannot invite %s who is %s", *target, targetMembership)
		}
		if senderLevel < pl.invite {
			return fmt.Errorf("sender %s has power %d, invite needs %d", ev.Sender(), senderLevel, pl.invite)
		}
	case spec.Leave:
		need := pl.kick
		if targetMembership == spec.Ban {
			need = pl.ban
		}
		if senderLevel < need || senderLevel <= pl.userLevel(*target) {
			return fmt.Errorf("sender %s may not remove %s", ev.Sender(), *target)
		}
	case spec.Ban:
		if senderLevel < pl.ban || senderLevel <= pl.userLevel(*target) {
			return fmt.Errorf("sender %s may not ban %s", ev.Sender(), *target)
		}
	default:
		return fmt.Errorf("%s may not set membership %q for %s", ev.Sender(), membership, *target)
	}
	return nil
}

// checkPowerLevelsChange stops a sender from granting more power than they
// have, or from changing the level of a user at or above their own.
func checkPowerLevelsChange(ev *types.Event, current powerLevels) error {
	senderLevel := current.userLevel(ev.Sender())
	next := powerLevelsFrom(types.StateMap{
		{EventType: spec.MRoomPowerLevels}: ev,
	})
	for userID, level := range next.users {
		old, existed := current.users[userID]
		if existed && old == level {
			continue
		}
		if level > senderLevel {
			return fmt.Errorf("%s cannot grant %s power %d above their own %d", ev.Sender(), userID, level, senderLevel)
		}
		if existed && userID != ev.Sender() && old >= senderLevel {
			return fmt.Errorf("%s cannot change the power of %s", ev.Sender(), userID)
		}
	}
	return nil
}
