// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/roomserver/types"
)

// AuthChain returns the transitive closure of auth_events of the given
// events, following only events present in eventsByID. The starting events
// are not part of the chain unless another event authorises through them.
func AuthChain(eventsByID map[string]*types.Event, eventIDs ...string) types.AuthChain {
	chain := types.AuthChain{}
	var queue []string
	for _, id := range eventIDs {
		if ev, ok := eventsByID[id]; ok && ev != nil {
			queue = append(queue, ev.AuthEventIDs()...)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if chain.Contains(id) {
			continue
		}
		ev, ok := eventsByID[id]
		if !ok || ev == nil {
			continue
		}
		chain[id] = ev
		queue = append(queue, ev.AuthEventIDs()...)
	}
	return chain
}

// authDifference is the union of the candidates' auth chains minus their
// intersection, as sorted event IDs.
func authDifference(eventsByID map[string]*types.Event, candidates []*types.Event) []string {
	if len(candidates) < 2 {
		return nil
	}
	counts := map[string]int{}
	for _, ev := range candidates {
		for id := range AuthChain(eventsByID, ev.EventID()) {
			counts[id]++
		}
	}
	var diff []string
	for id, n := range counts {
		if n < len(candidates) {
			diff = append(diff, id)
		}
	}
	sort.Strings(diff)
	return diff
}

// authStateFor returns the state named by the auth_events of ev. An auth
// event that was rejected is left out. When some auth event is not in the
// set at all, the slots ev depends on are filled from fallback instead,
// except for the slot of ev itself.
func authStateFor(ev *types.Event, eventsByID map[string]*types.Event, rejected map[string]struct{}, fallback types.StateMap) types.StateMap {
	state := types.StateMap{}
	missing := false
	for _, id := range ev.AuthEventIDs() {
		if _, ok := rejected[id]; ok {
			continue
		}
		authEv, ok := eventsByID[id]
		if !ok {
			missing = true
			continue
		}
		tuple, ok := types.TupleOf(authEv)
		if !ok {
			continue
		}
		if have, ok := state[tuple]; ok && !laterThan(authEv, have) {
			continue
		}
		state[tuple] = authEv
	}
	if !missing {
		return state
	}
	own, _ := types.TupleOf(ev)
	for _, tuple := range authSlots(ev) {
		if _, ok := state[tuple]; ok || tuple == own {
			continue
		}
		if fb, ok := fallback[tuple]; ok {
			state[tuple] = fb
		}
	}
	return state
}

// authSlots lists the slots an event is authorised against.
func authSlots(ev *types.Event) []types.StateKeyTuple {
	slots := []types.StateKeyTuple{
		{EventType: spec.MRoomCreate},
		{EventType: spec.MRoomPowerLevels},
		{EventType: spec.MRoomMember, StateKey: ev.Sender()},
	}
	if ev.Type() == spec.MRoomMember {
		slots = append(slots, types.StateKeyTuple{EventType: spec.MRoomJoinRules})
		if target := ev.StateKey(); target != nil && *target != ev.Sender() {
			slots = append(slots, types.StateKeyTuple{EventType: spec.MRoomMember, StateKey: *target})
		}
	}
	return slots
}

func laterThan(a, b *types.Event) bool {
	if a.Depth() != b.Depth() {
		return a.Depth() > b.Depth()
	}
	return a.EventID() < b.EventID()
}

// dropSuperseded removes candidates that another candidate descends from
// through prev_events or auth_events. Only genuinely forked candidates are
// left to be ranked against each other.
func dropSuperseded(candidates []*types.Event, eventsByID map[string]*types.Event) []*types.Event {
	if len(candidates) < 2 {
		return candidates
	}
	superseded := map[string]struct{}{}
	for _, ev := range candidates {
		for id := range ancestorsOf(eventsByID, ev) {
			superseded[id] = struct{}{}
		}
	}
	kept := make([]*types.Event, 0, len(candidates))
	for _, ev := range candidates {
		if _, ok := superseded[ev.EventID()]; !ok {
			kept = append(kept, ev)
		}
	}
	// Only forged edges can make every candidate an ancestor of another.
	if len(kept) == 0 {
		return candidates
	}
	return kept
}

// ancestorsOf returns the IDs of the events in eventsByID reachable from ev
// through prev_events and auth_events.
func ancestorsOf(eventsByID map[string]*types.Event, ev *types.Event) map[string]struct{} {
	seen := map[string]struct{}{}
	queue := append(append([]string(nil), ev.PrevEventIDs()...), ev.AuthEventIDs()...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		parent, ok := eventsByID[id]
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		queue = append(queue, parent.PrevEventIDs()...)
		queue = append(queue, parent.AuthEventIDs()...)
	}
	return seen
}
