// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state computes the current state of a room from its events.
package state

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/caching"
	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/roomserver/types"
)

var (
	resolutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roomfed",
			Subsystem: "roomserver",
			Name:      "state_resolution_duration_seconds",
			Help:      "Time spent resolving the state of a room",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
		[]string{"algorithm"},
	)
	conflictedSlots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomfed",
			Subsystem: "roomserver",
			Name:      "state_resolution_conflicted_slots_total",
			Help:      "Number of state slots that had more than one candidate",
		},
		[]string{"algorithm"},
	)
)

// Metrics returns the collectors of this package so that the caller can
// register them.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{resolutionDuration, conflictedSlots}
}

// Resolution is the full outcome of resolving a set of events.
type Resolution struct {
	// State holds the winning event of every slot.
	State types.StateMap
	// Ordered holds the winning events, each after the prev_events it
	// references.
	Ordered []*types.Event
	// Conflicted lists the slots that had more than one candidate.
	Conflicted []types.StateKeyTuple
	// AuthDifference holds the IDs of the events in the auth chain of some
	// but not all candidates of a conflicted slot.
	AuthDifference []string
	// Rejected holds the IDs of events that were malformed or failed
	// authorisation.
	Rejected []string
}

// Resolver resolves room state and keeps the last result for every room.
type Resolver struct {
	cache *caching.ResolvedStateCache
}

func NewResolver(cache *caching.ResolvedStateCache) *Resolver {
	if cache == nil {
		cache = caching.NewResolvedStateCache()
	}
	return &Resolver{cache: cache}
}

// ResolveState returns the winning event for every state slot of the events.
func (r *Resolver) ResolveState(events []*types.Event, roomVersion roomversion.RoomVersion) (types.StateMap, error) {
	res, err := r.Resolve(events, roomVersion)
	if err != nil {
		return nil, err
	}
	return res.State, nil
}

// Resolve runs state resolution for the algorithm of the room version.
// Malformed events are left out rather than failing the whole resolution.
// Resolving the resulting state again yields the same state.
func (r *Resolver) Resolve(events []*types.Event, roomVersion roomversion.RoomVersion) (*Resolution, error) {
	impl, err := roomversion.Get(roomVersion)
	if err != nil {
		return nil, &internal.ParamError{Param: "room_version", Message: err.Error()}
	}
	algorithm := algorithmName(impl.StateRes)
	start := time.Now()
	defer func() {
		resolutionDuration.WithLabelValues(algorithm).Observe(time.Since(start).Seconds())
	}()

	res := &Resolution{State: types.StateMap{}}
	valid, malformed := wellFormed(events)
	res.Rejected = append(res.Rejected, malformed...)

	eventsByID := make(map[string]*types.Event, len(valid))
	candidates := map[types.StateKeyTuple][]*types.Event{}
	for _, ev := range valid {
		eventsByID[ev.EventID()] = ev
		if tuple, ok := types.TupleOf(ev); ok {
			candidates[tuple] = append(candidates[tuple], ev)
		}
	}

	// Unconflicted slots win outright. Conflicted candidates are authorised
	// against the state their own auth_events name.
	for tuple, evs := range candidates {
		if len(evs) == 1 {
			res.State[tuple] = evs[0]
		} else {
			res.Conflicted = append(res.Conflicted, tuple)
		}
	}
	sortSlots(res.Conflicted)
	conflictedSlots.WithLabelValues(algorithm).Add(float64(len(res.Conflicted)))

	diff := map[string]struct{}{}
	for _, tuple := range res.Conflicted {
		for _, id := range authDifference(eventsByID, candidates[tuple]) {
			diff[id] = struct{}{}
		}
	}
	for id := range diff {
		res.AuthDifference = append(res.AuthDifference, id)
	}
	sort.Strings(res.AuthDifference)

	rejected := make(map[string]struct{}, len(res.Rejected))
	for _, id := range res.Rejected {
		rejected[id] = struct{}{}
	}
	for _, tuple := range res.Conflicted {
		evs := candidates[tuple]
		sort.Slice(evs, func(i, j int) bool {
			if evs[i].Depth() != evs[j].Depth() {
				return evs[i].Depth() < evs[j].Depth()
			}
			return evs[i].EventID() < evs[j].EventID()
		})
		var survivors []*types.Event
		levels := make(map[string]int64, len(evs))
		for _, ev := range evs {
			authState := authStateFor(ev, eventsByID, rejected, res.State)
			if err := checkAllowed(ev, authState); err != nil {
				logrus.WithFields(logrus.Fields{
					"room_id":  ev.RoomID(),
					"event_id": ev.EventID(),
				}).WithError(err).Debug("Dropping state candidate that failed authorisation")
				res.Rejected = append(res.Rejected, ev.EventID())
				rejected[ev.EventID()] = struct{}{}
				continue
			}
			levels[ev.EventID()] = powerLevelsFrom(authState).userLevel(ev.Sender())
			survivors = append(survivors, ev)
		}
		survivors = dropSuperseded(survivors, eventsByID)
		if winner := pickWinner(survivors, rankerFor(impl.StateRes, levels)); winner != nil {
			res.State[tuple] = winner
		}
	}

	res.Ordered = topologicalOrder(res.State.Events())
	sort.Strings(res.Rejected)
	return res, nil
}

func algorithmName(a roomversion.StateResAlgorithm) string {
	if a == roomversion.StateResV1 {
		return "v1"
	}
	return "v2"
}

// wellFormed drops events that cannot take part in resolution: nil events,
// events without an ID, type or sender, events with a depth below 1 and
// events that belong to a different room than most of the set. Repeated
// event IDs collapse into one.
func wellFormed(events []*types.Event) (valid []*types.Event, rejected []string) {
	rooms := map[string]int{}
	for _, ev := range events {
		if ev != nil && ev.RoomID() != "" {
			rooms[ev.RoomID()]++
		}
	}
	var roomID string
	for id, n := range rooms {
		if n > rooms[roomID] || (n == rooms[roomID] && id < roomID) {
			roomID = id
		}
	}

	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.EventID() == "" || ev.Type() == "" || ev.Sender() == "" || ev.Depth() < 1 || ev.RoomID() != roomID {
			if ev.EventID() != "" {
				rejected = append(rejected, ev.EventID())
			}
			continue
		}
		if _, ok := seen[ev.EventID()]; ok {
			continue
		}
		seen[ev.EventID()] = struct{}{}
		valid = append(valid, ev)
	}
	return valid, rejected
}

// GetResolvedState returns the last resolved state stored for a room.
func (r *Resolver) GetResolvedState(roomID string) (types.StateMap, bool) {
	return r.cache.Get(roomID)
}

// UpdateResolvedState replaces the stored state of a room.
func (r *Resolver) UpdateResolvedState(roomID string, state types.StateMap) {
	r.cache.Set(roomID, state)
}

// SwapResolvedState stores the state of a room and returns the state it
// replaced. Concurrent swaps of one room are serialised.
func (r *Resolver) SwapResolvedState(roomID string, state types.StateMap) types.StateMap {
	var previous types.StateMap
	_ = r.cache.Update(roomID, func(current types.StateMap) (types.StateMap, error) {
		previous = current
		return state, nil
	})
	return previous
}
