// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/roomserver/types"
)

// slotPriority orders conflicted slots so that the events other events are
// authorised against are resolved first.
func slotPriority(t types.StateKeyTuple) int {
	switch t.EventType {
	case spec.MRoomCreate:
		return 0
	case spec.MRoomPowerLevels:
		return 1
	case spec.MRoomJoinRules:
		return 2
	case spec.MRoomMember:
		return 3
	}
	return 4
}

func sortSlots(slots []types.StateKeyTuple) {
	sort.Slice(slots, func(i, j int) bool {
		pi, pj := slotPriority(slots[i]), slotPriority(slots[j])
		if pi != pj {
			return pi < pj
		}
		return slots[i].Less(slots[j])
	})
}

// loses reports whether a ranks below b, so that after sorting with it the
// winner of a slot is the last candidate.
type loses func(a, b *types.Event) bool

// byPower ranks by the power level each sender had when sending, then
// origin_server_ts. Between otherwise equal candidates the lexically smaller
// event ID wins.
func byPower(levels map[string]int64) loses {
	return func(a, b *types.Event) bool {
		pa, pb := levels[a.EventID()], levels[b.EventID()]
		if pa != pb {
			return pa < pb
		}
		if a.OriginServerTS() != b.OriginServerTS() {
			return a.OriginServerTS() < b.OriginServerTS()
		}
		return a.EventID() > b.EventID()
	}
}

// byDepth ranks deeper events higher. Between equal depths the lexically
// smaller event ID wins.
func byDepth(a, b *types.Event) bool {
	if a.Depth() != b.Depth() {
		return a.Depth() < b.Depth()
	}
	return a.EventID() > b.EventID()
}

func rankerFor(algorithm roomversion.StateResAlgorithm, levels map[string]int64) loses {
	if algorithm == roomversion.StateResV1 {
		return byDepth
	}
	return byPower(levels)
}

func pickWinner(candidates []*types.Event, rank loses) *types.Event {
	if len(candidates) == 0 {
		return nil
	}
	sorted := append([]*types.Event(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return rank(sorted[i], sorted[j]) })
	return sorted[len(sorted)-1]
}

// topologicalOrder sorts events so that every event comes after those of
// its prev_events that are in the set. Events that become ready at the same
// time are ordered by origin_server_ts, then event ID.
func topologicalOrder(events []*types.Event) []*types.Event {
	byID := make(map[string]*types.Event, len(events))
	for _, ev := range events {
		byID[ev.EventID()] = ev
	}
	inDegree := make(map[string]int, len(events))
	children := make(map[string][]string, len(events))
	for _, ev := range events {
		seen := map[string]struct{}{}
		for _, prev := range ev.PrevEventIDs() {
			if _, ok := byID[prev]; !ok {
				continue
			}
			if _, dup := seen[prev]; dup {
				continue
			}
			seen[prev] = struct{}{}
			inDegree[ev.EventID()]++
			children[prev] = append(children[prev], ev.EventID())
		}
	}

	earlier := func(a, b *types.Event) bool {
		if a.OriginServerTS() != b.OriginServerTS() {
			return a.OriginServerTS() < b.OriginServerTS()
		}
		return a.EventID() < b.EventID()
	}

	var ready []*types.Event
	for _, ev := range events {
		if inDegree[ev.EventID()] == 0 {
			ready = append(ready, ev)
		}
	}
	ordered := make([]*types.Event, 0, len(events))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return earlier(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)
		for _, child := range children[next.EventID()] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, byID[child])
			}
		}
	}

	// A cycle can only come from forged prev_events. Whatever is left is
	// appended in timestamp order so that nothing is lost.
	if len(ordered) < len(events) {
		placed := make(map[string]struct{}, len(ordered))
		for _, ev := range ordered {
			placed[ev.EventID()] = struct{}{}
		}
		var rest []*types.Event
		for _, ev := range events {
			if _, ok := placed[ev.EventID()]; !ok {
				rest = append(rest, ev)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return earlier(rest[i], rest[j]) })
		ordered = append(ordered, rest...)
	}
	return ordered
}
