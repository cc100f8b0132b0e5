// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input contains the code processes new room events
package input

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/roomserver/api"
	rsinternal "github.com/element-hq/roomfed/roomserver/internal"
	"github.com/element-hq/roomfed/roomserver/state"
	"github.com/element-hq/roomfed/roomserver/storage"
	"github.com/element-hq/roomfed/roomserver/types"
	"github.com/element-hq/roomfed/setup/config"
	"github.com/element-hq/roomfed/setup/process"
)

var (
	processRoomEventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roomfed",
			Subsystem: "roomserver",
			Name:      "processroomevent_duration_millis",
			Help:      "How long it takes the roomserver to process an event",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"kind"},
	)
	softFailedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "roomfed",
			Subsystem: "roomserver",
			Name:      "soft_failed_events_total",
			Help:      "Number of events stored as soft-failed because the room state did not allow them",
		},
	)
	queuedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "roomfed",
			Subsystem: "roomserver",
			Name:      "input_queued_events",
			Help:      "Number of events waiting for their room to process them",
		},
	)
)

// Metrics returns the collectors of this package.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{processRoomEventDuration, softFailedEvents, queuedEvents}
}

// OutputProducer publishes state changes. A nil producer publishes nothing.
type OutputProducer interface {
	ProduceRoomEvents(ctx context.Context, roomID string, updates []api.OutputEvent) error
}

// Inputer stores room events and recomputes the state of their rooms. All
// writes to one room happen on that room's worker, one batch at a time,
// while different rooms proceed in parallel.
type Inputer struct {
	Cfg            *config.RoomServer
	ProcessContext *process.ProcessContext
	DB             storage.Database
	Resolver       *state.Resolver
	Producer       OutputProducer
	Tracker        *rsinternal.StateUpdateTracker
	workers        sync.Map // room ID -> *worker
}

type worker struct {
	phony.Inbox
	r       *Inputer
	roomID  string
	pending *atomic.Int64
}

func (r *Inputer) workerForRoom(roomID string) *worker {
	w, _ := r.workers.LoadOrStore(roomID, &worker{
		r:       r,
		roomID:  roomID,
		pending: atomic.NewInt64(0),
	})
	return w.(*worker)
}

// Pending returns the number of events queued for a room but not processed yet.
func (r *Inputer) Pending(roomID string) int64 {
	w, ok := r.workers.Load(roomID)
	if !ok {
		return 0
	}
	return w.(*worker).pending.Load()
}

func (r *Inputer) backgroundContext() context.Context {
	if r.ProcessContext != nil {
		return r.ProcessContext.Context()
	}
	return context.Background()
}

// InputRoomEvents stores the events of the request. Events are grouped by
// room and each room's events are processed in request order. Synchronous
// requests wait for every room, asynchronous ones return once queued.
func (r *Inputer) InputRoomEvents(
	ctx context.Context,
	req *api.InputRoomEventsRequest,
	res *api.InputRoomEventsResponse,
) {
	rooms, byRoom, err := groupByRoom(req.InputRoomEvents)
	if err != nil {
		res.ErrMsg = err.Error()
		return
	}

	var errs []string
	allNotAllowed := true
	for _, roomID := range rooms {
		w := r.workerForRoom(roomID)
		inputs := byRoom[roomID]
		w.pending.Add(int64(len(inputs)))
		queuedEvents.Add(float64(len(inputs)))

		if req.Asynchronous {
			w.Act(nil, func() {
				if err := w.processRoomEvents(r.backgroundContext(), inputs); err != nil {
					logrus.WithField("room_id", w.roomID).WithError(err).Warn("Failed to process asynchronous room events")
				}
			})
			continue
		}

		var processErr error
		phony.Block(w, func() {
			processErr = w.processRoomEvents(ctx, inputs)
		})
		if processErr != nil {
			errs = append(errs, processErr.Error())
			if _, ok := processErr.(*api.ErrNotAllowed); !ok {
				allNotAllowed = false
			}
		}
	}
	if len(errs) > 0 {
		res.ErrMsg = strings.Join(errs, "; ")
		res.NotAllowed = allNotAllowed
	}
}

func groupByRoom(inputs []api.InputRoomEvent) ([]string, map[string][]api.InputRoomEvent, error) {
	var rooms []string
	byRoom := map[string][]api.InputRoomEvent{}
	for i, input := range inputs {
		if input.Event == nil {
			return nil, nil, &internal.ParamError{Param: fmt.Sprintf("input_room_events[%d]", i), Message: "no event"}
		}
		switch input.Kind {
		case api.KindOutlier, api.KindNew, api.KindOld:
		default:
			return nil, nil, &internal.ParamError{Param: fmt.Sprintf("input_room_events[%d]", i), Message: fmt.Sprintf("unknown kind %d", input.Kind)}
		}
		roomID := input.Event.RoomID()
		if _, ok := byRoom[roomID]; !ok {
			rooms = append(rooms, roomID)
		}
		byRoom[roomID] = append(byRoom[roomID], input)
	}
	return rooms, byRoom, nil
}

// processRoomEvents must only be called on the room's worker.
func (w *worker) processRoomEvents(ctx context.Context, inputs []api.InputRoomEvent) (err error) {
	defer func() {
		w.pending.Sub(int64(len(inputs)))
		queuedEvents.Sub(float64(len(inputs)))
	}()
	trace, ctx := internal.StartRegion(ctx, "processRoomEvents")
	trace.SetTag("room_id", w.roomID)
	defer func() {
		trace.SetError(err)
		trace.EndRegion()
	}()
	logger := logrus.WithField("room_id", w.roomID)

	room, err := w.r.ensureRoom(ctx, w.roomID, inputs)
	if err != nil {
		return err
	}

	var (
		current    types.StateMap
		fresh      bool
		stored     []string
		rejected   []string
		softFailed []string
	)
	for _, input := range inputs {
		start := time.Now()
		ev := input.Event
		evLogger := logger.WithFields(logrus.Fields{
			"event_id": ev.EventID(),
			"kind":     input.Kind,
			"origin":   input.Origin,
		})
		if ev.RoomVersion() != room.Version {
			evLogger.Warnf("Rejecting event for room version %s in a room of version %s", ev.RoomVersion(), room.Version)
			rejected = append(rejected, ev.EventID())
			continue
		}
		if err = ev.CheckContentHash(); err != nil {
			evLogger.WithError(err).Warn("Rejecting event with a bad content hash")
			rejected = append(rejected, ev.EventID())
			continue
		}

		var flags types.EventFlags
		if input.Kind == api.KindOutlier {
			flags.Outlier = true
		} else {
			if err = w.checkDepth(ctx, ev); err != nil {
				evLogger.WithError(err).Warn("Rejecting event with an invalid depth")
				rejected = append(rejected, ev.EventID())
				continue
			}
			if current == nil {
				if current, err = w.r.currentState(ctx, room, fresh); err != nil {
					return err
				}
			}
			if err = state.Allowed(ev, current); err != nil {
				evLogger.WithError(err).Info("Event is not allowed by the current state, soft-failing")
				flags.SoftFailed = true
				softFailed = append(softFailed, ev.EventID())
				softFailedEvents.Inc()
			} else if tuple, ok := types.TupleOf(ev); ok {
				current[tuple] = ev
			}
		}

		inserted, insertErr := w.r.DB.InsertEventIfAbsent(ctx, ev.WithFlags(flags))
		if insertErr != nil {
			return insertErr
		}
		if inserted {
			stored = append(stored, ev.EventID())
			if input.Kind == api.KindOutlier {
				// The outlier may take part in resolution, so later events
				// in the batch are checked against state from storage.
				current, fresh = nil, true
			}
		}
		processRoomEventDuration.WithLabelValues(input.Kind.String()).Observe(float64(time.Since(start).Milliseconds()))
	}

	if len(stored) > 0 {
		if err = w.r.updateState(ctx, room, stored); err != nil {
			return err
		}
	}

	switch {
	case len(rejected) > 0:
		return &internal.ParamError{Param: "event", Message: "rejected events: " + strings.Join(rejected, ", ")}
	case len(softFailed) > 0:
		return &api.ErrNotAllowed{Err: fmt.Errorf("events soft-failed: %s", strings.Join(softFailed, ", "))}
	}
	return nil
}

// checkDepth validates the depth of an event against those of its stored
// prev_events.
func (w *worker) checkDepth(ctx context.Context, ev *types.Event) error {
	known := map[string]*types.Event{}
	for _, id := range ev.PrevEventIDs() {
		prev, err := w.r.DB.GetEvent(ctx, w.roomID, id)
		if err != nil {
			return err
		}
		if prev != nil {
			known[id] = prev
		}
	}
	return types.CheckDepth(ev, known)
}

// ensureRoom returns the stored room, creating it from an m.room.create
// event in the batch if the room is new.
func (r *Inputer) ensureRoom(ctx context.Context, roomID string, inputs []api.InputRoomEvent) (*types.Room, error) {
	room, err := r.DB.GetRoom(ctx, roomID)
	if err != nil || room != nil {
		return room, err
	}
	batchState := types.StateMap{}
	for _, input := range inputs {
		if tuple, ok := types.TupleOf(input.Event); ok {
			batchState[tuple] = input.Event
		}
	}
	create := batchState.Lookup(spec.MRoomCreate, "")
	if create == nil {
		return nil, &internal.ParamError{Param: "room_id", Message: fmt.Sprintf("unknown room %s and no create event given", roomID)}
	}
	room, err = types.RoomFromCreateEvent(create)
	if err != nil {
		return nil, err
	}
	room.ApplyState(batchState)
	if _, err = r.DB.InsertRoomIfAbsent(ctx, room); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"room_id":      roomID,
		"room_version": room.Version,
	}).Info("Created room")
	return r.DB.GetRoom(ctx, roomID)
}

// currentState returns the resolved state of the room, from the cache unless
// fresh is set or nothing is cached.
func (r *Inputer) currentState(ctx context.Context, room *types.Room, fresh bool) (types.StateMap, error) {
	if !fresh {
		if current, ok := r.Resolver.GetResolvedState(room.RoomID); ok {
			return current, nil
		}
	}
	res, err := r.resolveStored(ctx, room)
	if err != nil {
		return nil, err
	}
	return res.State, nil
}

// resolveStored resolves the state of a room over every stored event that
// did not soft-fail.
func (r *Inputer) resolveStored(ctx context.Context, room *types.Room) (*state.Resolution, error) {
	events, err := r.DB.ListEvents(ctx, room.RoomID)
	if err != nil {
		return nil, err
	}
	candidates := make([]*types.Event, 0, len(events))
	for _, ev := range events {
		if !ev.Flags().SoftFailed {
			candidates = append(candidates, ev)
		}
	}
	return r.Resolver.Resolve(candidates, room.Version)
}

// updateState recomputes the state of the room, stores it and tells
// everybody who is interested.
func (r *Inputer) updateState(ctx context.Context, room *types.Room, eventIDs []string) error {
	res, err := r.resolveStored(ctx, room)
	if err != nil {
		return err
	}
	previous := r.Resolver.SwapResolvedState(room.RoomID, res.State)
	if r.Tracker != nil {
		defer r.Tracker.Notify(room.RoomID)
	}

	adds, removes := stateDelta(previous, res.State)
	logrus.WithFields(logrus.Fields{
		"room_id":       room.RoomID,
		"events":        len(eventIDs),
		"adds_state":    len(adds),
		"removes_state": len(removes),
		"rejected":      len(res.Rejected),
	}).Debug("Resolved room state")
	if r.Producer == nil || (len(adds) == 0 && len(removes) == 0) {
		return nil
	}
	return r.Producer.ProduceRoomEvents(ctx, room.RoomID, []api.OutputEvent{{
		Type: api.OutputTypeNewRoomState,
		NewRoomState: &api.OutputNewRoomState{
			RoomID:       room.RoomID,
			RoomVersion:  room.Version,
			EventIDs:     eventIDs,
			AddsState:    adds,
			RemovesState: removes,
			Rejected:     res.Rejected,
		},
	}})
}

// stateDelta lists the slots whose winner differs between two states, and
// the slots that lost their winner.
func stateDelta(before, after types.StateMap) (adds, removes []api.StateEntry) {
	for _, tuple := range after.Tuples() {
		ev := after[tuple]
		if old, ok := before[tuple]; ok && old.EventID() == ev.EventID() {
			continue
		}
		adds = append(adds, api.StateEntry{EventType: tuple.EventType, StateKey: tuple.StateKey, EventID: ev.EventID()})
	}
	for _, tuple := range before.Tuples() {
		if _, ok := after[tuple]; !ok {
			removes = append(removes, api.StateEntry{EventType: tuple.EventType, StateKey: tuple.StateKey, EventID: before[tuple].EventID()})
		}
	}
	return adds, removes
}

// CurrentState returns the resolved state of a room. If the state is not
// cached it is resolved from storage on the room's worker.
func (r *Inputer) CurrentState(ctx context.Context, roomID string) (types.StateMap, error) {
	if current, ok := r.Resolver.GetResolvedState(roomID); ok {
		return current, nil
	}
	var (
		current types.StateMap
		err     error
	)
	phony.Block(r.workerForRoom(roomID), func() {
		current, err = r.resyncState(ctx, roomID)
	})
	return current, err
}

// AwaitStateUpdate blocks until the state of the room is next updated.
func (r *Inputer) AwaitStateUpdate(ctx context.Context, roomID string) error {
	if r.Tracker == nil {
		return fmt.Errorf("no state update tracker configured")
	}
	return r.Tracker.Await(ctx, roomID)
}

var _ api.RoomserverInternalAPI = (*Inputer)(nil)
