// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/caching"
	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/internal/sqlutil"
	"github.com/element-hq/roomfed/roomserver/api"
	rsinternal "github.com/element-hq/roomfed/roomserver/internal"
	"github.com/element-hq/roomfed/roomserver/internal/input"
	"github.com/element-hq/roomfed/roomserver/producers"
	"github.com/element-hq/roomfed/roomserver/state"
	"github.com/element-hq/roomfed/roomserver/storage"
	"github.com/element-hq/roomfed/roomserver/types"
	"github.com/element-hq/roomfed/setup/config"
	"github.com/element-hq/roomfed/setup/jetstream"
	"github.com/element-hq/roomfed/test"
)

// testInputerContext holds all dependencies needed for testing the Inputer
type testInputerContext struct {
	ctx     context.Context
	db      storage.Database
	tracker *rsinternal.StateUpdateTracker
	inputer *input.Inputer
}

// setupInputer creates a complete Inputer instance for testing
func setupInputer(t *testing.T, dbType test.DBType) *testInputerContext {
	t.Helper()

	connStr, closeDB := test.PrepareDBConnectionString(t, dbType)
	t.Cleanup(closeDB)
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	cm := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	db, err := storage.Open(cm, &config.DatabaseOptions{
		ConnectionString: config.DataSource(connStr),
	}, caches)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	tracker := rsinternal.NewStateUpdateTracker()
	return &testInputerContext{
		ctx:     ctx,
		db:      db,
		tracker: tracker,
		inputer: &input.Inputer{
			DB:       db,
			Resolver: state.NewResolver(nil),
			Tracker:  tracker,
		},
	}
}

func inputRoomEvents(kind api.Kind, events ...*types.Event) []api.InputRoomEvent {
	inputs := make([]api.InputRoomEvent, 0, len(events))
	for _, ev := range events {
		inputs = append(inputs, api.InputRoomEvent{Kind: kind, Event: ev, Origin: ev.Origin()})
	}
	return inputs
}

func (tc *testInputerContext) input(t *testing.T, async bool, inputs ...api.InputRoomEvent) *api.InputRoomEventsResponse {
	t.Helper()
	res := &api.InputRoomEventsResponse{}
	tc.inputer.InputRoomEvents(tc.ctx, &api.InputRoomEventsRequest{
		InputRoomEvents: inputs,
		Asynchronous:    async,
	}, res)
	return res
}

func TestProcessRoomEvents_CreatesRoomAndResolvesState(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		tc := setupInputer(t, dbType)
		alice := test.NewUser(t)
		room := test.NewRoom(t, alice)
		room.CreateAndInsert(t, alice, spec.MRoomName, map[string]interface{}{"name": "lobby"}, test.WithStateKey(""))

		res := tc.input(t, false, inputRoomEvents(api.KindNew, room.Events()...)...)
		require.NoError(t, res.Err())

		stored, err := tc.db.GetRoom(tc.ctx, room.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, room.Version, stored.Version)
		assert.Equal(t, alice.ID, stored.Creator)
		assert.Equal(t, "lobby", stored.Name)
		assert.Equal(t, types.VisibilityPublic, stored.Visibility)

		current, err := tc.inputer.CurrentState(tc.ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, room.CurrentState().EventIDs(), current.EventIDs())
		assert.Equal(t, uint64(1), tc.tracker.Generation(room.ID))
	})
}

func TestProcessRoomEvents_UnknownRoom(t *testing.T) {
	t.Parallel()
	tc := setupSQLiteInputer(t)
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	msg := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hello"})

	res := tc.input(t, false, inputRoomEvents(api.KindNew, msg)...)
	err := res.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown room")
	assert.False(t, res.NotAllowed)
}

func TestProcessRoomEvents_OutliersAreFlagged(t *testing.T) {
	t.Parallel()
	tc := setupSQLiteInputer(t)
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	require.NoError(t, tc.input(t, false, inputRoomEvents(api.KindNew, room.Events()...)...).Err())

	msg := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "Hello World"})
	require.NoError(t, tc.input(t, false, inputRoomEvents(api.KindOutlier, msg)...).Err())

	stored, err := tc.db.GetEvent(tc.ctx, room.ID, msg.EventID())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.EventFlags{Outlier: true}, stored.Flags())
}

func TestProcessRoomEvents_SoftFailsUnauthorisedEvents(t *testing.T) {
	t.Parallel()
	tc := setupSQLiteInputer(t)
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPrivateChat))
	require.NoError(t, tc.input(t, false, inputRoomEvents(api.KindNew, room.Events()...)...).Err())
	before, err := tc.inputer.CurrentState(tc.ctx, room.ID)
	require.NoError(t, err)

	// bob was never invited into the private room
	join := room.CreateEvent(t, bob, spec.MRoomMember, map[string]interface{}{"membership": spec.Join}, test.WithStateKey(bob.ID))
	res := tc.input(t, false, inputRoomEvents(api.KindNew, join)...)
	err = res.Err()
	require.Error(t, err)
	assert.True(t, res.NotAllowed)
	var notAllowed *api.ErrNotAllowed
	assert.True(t, errors.As(err, &notAllowed))

	stored, err := tc.db.GetEvent(tc.ctx, room.ID, join.EventID())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Flags().SoftFailed)

	after, err := tc.inputer.CurrentState(tc.ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, before.Equal(after), "soft-failed events must not change the state")
	assert.Nil(t, after.Lookup(spec.MRoomMember, bob.ID))
}

func TestProcessRoomEvents_JoinPublicRoom(t *testing.T) {
	t.Parallel()
	tc := setupSQLiteInputer(t)
	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomPreset(test.PresetPublicChat))
	require.NoError(t, tc.input(t, false, inputRoomEvents(api.KindNew, room.Events()...)...).Err())

	join := room.CreateAndInsert(t, bob, spec.MRoomMember, map[string]interface{}{"membership": spec.Join}, test.WithStateKey(bob.ID))
	require.NoError(t, tc.input(t, false, inputRoomEvents(api.KindNew, join)...).Err())

	current, err := tc.inputer.CurrentState(tc.ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, current.Lookup(spec.MRoomMember, bob.ID))
	assert.Equal(t, join.EventID(), current.Lookup(spec.MRoomMember, bob.ID).EventID())
}

func TestProcessRoomEvents_IsIdempotent(t *testing.T) {
	t.Parallel()
	tc := setupSQLiteInputer(t)
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)

	for i := 0; i < 2; i++ {
		require.NoError(t, tc.input(t, false, inputRoomEvents(api.KindNew, room.Events()...)...).Err())
	}
	events, err := tc.db.ListEvents(tc.ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, events, len(room.Events()))
	// Nothing new was stored the second time, so the state was not recomputed.
	assert.Equal(t, uint64(1), tc.tracker.Generation(room.ID))
}

func TestProcessRoomEvents_RejectsBadEvents(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)

	tests := []struct {
		name  string
		event func(t *testing.T, room *test.Room) *types.Event
	}{
		{
			name: "content hash mismatch",
			event: func(t *testing.T, room *test.Room) *types.Event {
				msg := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hello"})
				tampered := msg.JSON().With("content", canonicaljson.NewObject(map[string]canonicaljson.Value{
					"body": canonicaljson.NewString("goodbye"),
				}))
				ev, err := types.NewEvent(tampered, msg.Version())
				require.NoError(t, err)
				return ev
			},
		},
		{
			name: "depth not above prev_events",
			event: func(t *testing.T, room *test.Room) *types.Event {
				return room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hello"}, test.WithDepth(1))
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tc := setupSQLiteInputer(t)
			room := test.NewRoom(t, alice)
			require.NoError(t, tc.input(t, false, inputRoomEvents(api.KindNew, room.Events()...)...).Err())

			ev := tt.event(t, room)
			res := tc.input(t, false, inputRoomEvents(api.KindNew, ev)...)
			err := res.Err()
			require.Error(t, err)
			assert.Contains(t, err.Error(), ev.EventID())
			assert.False(t, res.NotAllowed)

			stored, err := tc.db.GetEvent(tc.ctx, room.ID, ev.EventID())
			require.NoError(t, err)
			assert.Nil(t, stored)
		})
	}
}

func TestInputRoomEvents_InvalidRequests(t *testing.T) {
	t.Parallel()
	tc := setupSQLiteInputer(t)
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)

	tests := []struct {
		name   string
		inputs []api.InputRoomEvent
	}{
		{name: "nil event", inputs: []api.InputRoomEvent{{Kind: api.KindNew}}},
		{name: "unknown kind", inputs: []api.InputRoomEvent{{Kind: api.Kind(42), Event: room.Events()[0]}}},
	}
	for _, tt := range tests {
		res := tc.input(t, false, tt.inputs...)
		assert.Error(t, res.Err(), tt.name)
		assert.Contains(t, res.ErrMsg, "input_room_events[0]", tt.name)
	}
}

func TestInputRoomEvents_AsynchronousNotifiesTracker(t *testing.T) {
	t.Parallel()
	tc := setupSQLiteInputer(t)
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)

	generation := tc.tracker.Generation(room.ID)
	res := tc.input(t, true, inputRoomEvents(api.KindNew, room.Events()...)...)
	require.NoError(t, res.Err())

	require.NoError(t, tc.tracker.AwaitWithTimeout(tc.ctx, room.ID, generation, 10*time.Second))
	current, err := tc.inputer.CurrentState(tc.ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.CurrentState().EventIDs(), current.EventIDs())
	assert.Eventually(t, func() bool {
		return tc.inputer.Pending(room.ID) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInputRoomEvents_RoomsInParallel(t *testing.T) {
	t.Parallel()
	tc := setupSQLiteInputer(t)
	alice := test.NewUser(t)

	rooms := make([]*test.Room, 8)
	for i := range rooms {
		rooms[i] = test.NewRoom(t, alice)
	}
	var wg sync.WaitGroup
	errs := make([]error, len(rooms))
	for i, room := range rooms {
		wg.Add(1)
		go func(i int, room *test.Room) {
			defer wg.Done()
			res := &api.InputRoomEventsResponse{}
			tc.inputer.InputRoomEvents(tc.ctx, &api.InputRoomEventsRequest{
				InputRoomEvents: inputRoomEvents(api.KindNew, room.Events()...),
			}, res)
			errs[i] = res.Err()
		}(i, room)
	}
	wg.Wait()

	for i, room := range rooms {
		require.NoError(t, errs[i], fmt.Sprintf("room %s", room.ID))
		current, err := tc.inputer.CurrentState(tc.ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, room.CurrentState().EventIDs(), current.EventIDs())
	}
}

func TestResyncState(t *testing.T) {
	t.Parallel()
	tc := setupSQLiteInputer(t)
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	require.NoError(t, tc.input(t, false, inputRoomEvents(api.KindNew, room.Events()...)...).Err())
	require.NoError(t, tc.db.RecordJoin(tc.ctx, room.ID, room.Events()[1].EventID(), alice.ID, alice.ServerName, nil))

	// A second inputer over the same database starts with nothing cached.
	restarted := &input.Inputer{
		DB:       tc.db,
		Resolver: state.NewResolver(nil),
		Tracker:  rsinternal.NewStateUpdateTracker(),
	}
	_, ok := restarted.Resolver.GetResolvedState(room.ID)
	require.False(t, ok)

	require.NoError(t, restarted.ResyncRooms(tc.ctx))
	cached, ok := restarted.Resolver.GetResolvedState(room.ID)
	require.True(t, ok)
	assert.Equal(t, room.CurrentState().EventIDs(), cached.EventIDs())

	_, err := restarted.ResyncState(tc.ctx, "!unknown:test")
	var paramErr *internal.ParamError
	assert.True(t, errors.As(err, &paramErr))
}

func TestProcessRoomEvents_PublishesStateChanges(t *testing.T) {
	t.Parallel()
	tc := setupSQLiteInputer(t)
	js, cfg := test.PrepareJetStream(t)
	tc.inputer.Producer = &producers.RoomEventProducer{
		TopicPrefix: cfg.TopicPrefix,
		JetStream:   js,
	}
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)

	sub, err := js.SubscribeSync(jetstream.OutputRoomEventSubject(cfg.TopicPrefix, room.ID))
	require.NoError(t, err)
	defer sub.Unsubscribe() // nolint:errcheck

	require.NoError(t, tc.input(t, false, inputRoomEvents(api.KindNew, room.Events()...)...).Err())

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var output api.OutputEvent
	require.NoError(t, json.Unmarshal(msg.Data, &output))
	require.Equal(t, api.OutputTypeNewRoomState, output.Type)
	require.NotNil(t, output.NewRoomState)
	assert.Equal(t, room.ID, output.NewRoomState.RoomID)
	assert.Len(t, output.NewRoomState.AddsState, len(room.CurrentState()))
	assert.Empty(t, output.NewRoomState.RemovesState)

	// A message changes no state, so nothing is published.
	msgEvent := room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{"body": "hi"})
	require.NoError(t, tc.input(t, false, inputRoomEvents(api.KindNew, msgEvent)...).Err())
	_, err = sub.NextMsg(200 * time.Millisecond)
	assert.Error(t, err)
}

// setupSQLiteInputer is for tests that do not depend on the database engine.
func setupSQLiteInputer(t *testing.T) *testInputerContext {
	t.Helper()
	return setupInputer(t, test.DBTypeSQLite)
}
