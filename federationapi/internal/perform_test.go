// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/poll"

	"github.com/element-hq/roomfed/federationapi/api"
	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/roomserver/types"
	"github.com/element-hq/roomfed/test"
)

func TestPerformJoin_JoinsRoom(t *testing.T) {
	t.Parallel()

	versions := []roomversion.RoomVersion{roomversion.V1, roomversion.V3, roomversion.V4, roomversion.Default}
	for _, version := range versions {
		version := version
		t.Run("room version "+string(version), func(t *testing.T) {
			t.Parallel()
			bob := test.NewUser(t, test.WithServerName("remote.test"))
			room := test.NewRoom(t, bob, test.RoomVersion(version))
			room.CreateAndInsert(t, bob, spec.MRoomName, map[string]interface{}{"name": "lobby"}, test.WithStateKey(""))
			remote := newFakeRemote(t, "remote.test", room)
			tc := setupJoinTest(t, map[spec.ServerName]string{"remote.test": remote.srv.URL})
			alice := test.NewUser(t, test.WithServerName(localServer))

			res := &api.PerformJoinResponse{}
			tc.fedAPI.PerformJoin(tc.ctx, &api.PerformJoinRequest{
				RoomID:      room.ID,
				UserID:      alice.ID,
				ServerNames: []spec.ServerName{"remote.test"},
			}, res)
			require.NoError(t, res.Err)
			require.False(t, res.Failed())
			assert.Equal(t, api.JoinStageDone, res.Stage)
			assert.Equal(t, room.ID, res.RoomID)
			assert.Equal(t, spec.ServerName("remote.test"), res.JoinedVia)
			require.NotNil(t, remote.acceptedJoin())
			assert.Equal(t, remote.acceptedJoin().EventID(), res.EventID)
			assert.Equal(t, int64(1), remote.makeJoins.Load())
			assert.Equal(t, int64(1), remote.sendJoins.Load())
			assert.Equal(t, int64(1), remote.transactions.Load(), "the server joined through is a resident server too")
			assert.Equal(t, []string{res.EventID}, remote.receivedEvents())
			assert.Equal(t, 1, res.Broadcast)

			stored, err := tc.db.GetRoom(tc.ctx, room.ID)
			require.NoError(t, err)
			require.NotNil(t, stored)
			assert.Equal(t, version, stored.Version)
			assert.Equal(t, bob.ID, stored.Creator)
			assert.Equal(t, "lobby", stored.Name)

			join, err := tc.db.GetEvent(tc.ctx, room.ID, res.EventID)
			require.NoError(t, err)
			require.NotNil(t, join)
			assert.Equal(t, types.EventFlags{}, join.Flags())
			for _, ev := range room.Events() {
				got, err := tc.db.GetEvent(tc.ctx, room.ID, ev.EventID())
				require.NoError(t, err)
				require.NotNil(t, got, "event %s was not stored", ev.EventID())
				assert.True(t, got.Flags().Outlier)
			}

			current, err := tc.rsAPI.CurrentState(tc.ctx, room.ID)
			require.NoError(t, err)
			member := current.Lookup(spec.MRoomMember, alice.ID)
			require.NotNil(t, member)
			assert.Equal(t, res.EventID, member.EventID())

			joined, err := tc.db.IsJoinedRoom(tc.ctx, room.ID)
			require.NoError(t, err)
			assert.True(t, joined)
		})
	}
}

func TestPerformJoin_InvalidRequests(t *testing.T) {
	t.Parallel()

	bob := test.NewUser(t, test.WithServerName("remote.test"))
	room := test.NewRoom(t, bob)
	remote := newFakeRemote(t, "remote.test", room)
	tc := setupJoinTest(t, map[spec.ServerName]string{"remote.test": remote.srv.URL})
	alice := test.NewUser(t, test.WithServerName(localServer))

	tests := []struct {
		name string
		req  api.PerformJoinRequest
	}{
		{
			name: "no servers",
			req:  api.PerformJoinRequest{RoomID: room.ID, UserID: alice.ID},
		},
		{
			name: "only this server",
			req:  api.PerformJoinRequest{RoomID: room.ID, UserID: alice.ID, ServerNames: []spec.ServerName{localServer, " LOCAL.test "}},
		},
		{
			name: "invalid room ID",
			req:  api.PerformJoinRequest{RoomID: "lobby", UserID: alice.ID, ServerNames: []spec.ServerName{"remote.test"}},
		},
		{
			name: "invalid user ID",
			req:  api.PerformJoinRequest{RoomID: room.ID, UserID: "alice", ServerNames: []spec.ServerName{"remote.test"}},
		},
		{
			name: "remote user",
			req:  api.PerformJoinRequest{RoomID: room.ID, UserID: bob.ID, ServerNames: []spec.ServerName{"remote.test"}},
		},
		{
			name: "invalid inviter",
			req:  api.PerformJoinRequest{RoomID: room.ID, UserID: alice.ID, Inviter: "bob", ServerNames: []spec.ServerName{"remote.test"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &api.PerformJoinResponse{}
			tc.fedAPI.PerformJoin(tc.ctx, &tt.req, res)
			require.True(t, res.Failed())
			assert.Equal(t, spec.ErrorInvalidParam, res.LastError.ErrCode)
			assert.Equal(t, api.JoinStageFailed, res.Stage)
			assert.Equal(t, api.JoinStageResolved, res.FailedAt)
			var paramErr *internal.ParamError
			assert.True(t, errors.As(res.Err, &paramErr))
		})
	}
	assert.Equal(t, int64(0), remote.makeJoins.Load()+remote.sendJoins.Load()+remote.transactions.Load(), "no request may be made")
}

func TestPerformJoin_UnresolvableServer(t *testing.T) {
	t.Parallel()
	tc := setupJoinTest(t, map[spec.ServerName]string{})
	alice := test.NewUser(t, test.WithServerName(localServer))

	res := &api.PerformJoinResponse{}
	tc.fedAPI.PerformJoin(tc.ctx, &api.PerformJoinRequest{
		RoomID:      "!room:remote.test",
		UserID:      alice.ID,
		ServerNames: []spec.ServerName{"not a server name"},
	}, res)
	require.True(t, res.Failed())
	assert.Equal(t, spec.ErrorUnknown, res.LastError.ErrCode)
	assert.Equal(t, api.JoinStageResolved, res.FailedAt)
}

func TestPerformJoin_MakeJoinForbidden(t *testing.T) {
	t.Parallel()
	bob := test.NewUser(t, test.WithServerName("remote.test"))
	room := test.NewRoom(t, bob, test.RoomPreset(test.PresetPrivateChat))
	remote := newFakeRemote(t, "remote.test", room)
	remote.makeJoinStatus = http.StatusForbidden
	remote.makeJoinBody = `{"errcode":"M_FORBIDDEN","error":"You are not invited to this room"}`
	tc := setupJoinTest(t, map[spec.ServerName]string{"remote.test": remote.srv.URL})
	alice := test.NewUser(t, test.WithServerName(localServer))

	res := &api.PerformJoinResponse{}
	tc.fedAPI.PerformJoin(tc.ctx, &api.PerformJoinRequest{
		RoomID:      room.ID,
		UserID:      alice.ID,
		ServerNames: []spec.ServerName{"remote.test"},
	}, res)
	require.True(t, res.Failed())
	assert.Equal(t, spec.ErrorUnknown, res.LastError.ErrCode)
	assert.Contains(t, res.LastError.Err, "You are not invited to this room")
	assert.Equal(t, api.JoinStageTemplateFetched, res.FailedAt)

	var httpErr gomatrix.HTTPError
	require.True(t, errors.As(res.Err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
	assert.Equal(t, int64(0), remote.sendJoins.Load())

	stored, err := tc.db.GetRoom(tc.ctx, room.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestPerformJoin_SendJoinHashMismatch(t *testing.T) {
	t.Parallel()
	bob := test.NewUser(t, test.WithServerName("remote.test"))
	room := test.NewRoom(t, bob)
	remote := newFakeRemote(t, "remote.test", room)
	remote.corruptEcho = true
	tc := setupJoinTest(t, map[spec.ServerName]string{"remote.test": remote.srv.URL})
	alice := test.NewUser(t, test.WithServerName(localServer))

	res := &api.PerformJoinResponse{}
	tc.fedAPI.PerformJoin(tc.ctx, &api.PerformJoinRequest{
		RoomID:      room.ID,
		UserID:      alice.ID,
		ServerNames: []spec.ServerName{"remote.test"},
	}, res)
	require.True(t, res.Failed())
	assert.Equal(t, api.JoinStageAccepted, res.FailedAt)
	var remoteErr *internal.RemoteProtocolError
	require.True(t, errors.As(res.Err, &remoteErr))
	assert.Equal(t, spec.ServerName("remote.test"), remoteErr.Server)

	join, err := tc.db.GetEvent(tc.ctx, room.ID, res.EventID)
	require.NoError(t, err)
	assert.Nil(t, join, "nothing is stored when send_join cannot be trusted")
}

func TestPerformJoin_BroadcastIsBestEffort(t *testing.T) {
	t.Parallel()
	bob := test.NewUser(t, test.WithServerName("remote.test"))
	room := test.NewRoom(t, bob)
	for _, server := range []spec.ServerName{"one.test", "two.test", "three.test"} {
		member := test.NewUser(t, test.WithServerName(server))
		room.CreateAndInsert(t, member, spec.MRoomMember, map[string]interface{}{"membership": spec.Join}, test.WithStateKey(member.ID))
	}

	remote := newFakeRemote(t, "remote.test", room)
	one := newFakeRemote(t, "one.test", room)
	two := newFakeRemote(t, "two.test", room)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	tc := setupJoinTest(t, map[spec.ServerName]string{
		"remote.test": remote.srv.URL,
		"one.test":    one.srv.URL,
		"two.test":    two.srv.URL,
		"three.test":  dead.URL,
	})
	alice := test.NewUser(t, test.WithServerName(localServer))

	res := &api.PerformJoinResponse{}
	tc.fedAPI.PerformJoin(tc.ctx, &api.PerformJoinRequest{
		RoomID:      room.ID,
		UserID:      alice.ID,
		ServerNames: []spec.ServerName{"remote.test"},
	}, res)
	require.NoError(t, res.Err)
	assert.Equal(t, api.JoinStageDone, res.Stage)
	assert.Equal(t, 4, res.Broadcast)
	assert.Equal(t, 1, res.BroadcastFailed)
	assert.Equal(t, []string{res.EventID}, one.receivedEvents())
	assert.Equal(t, []string{res.EventID}, two.receivedEvents())
	assert.Equal(t, int64(1), remote.transactions.Load())
	assert.Equal(t, []string{res.EventID}, remote.receivedEvents())

	servers, err := tc.db.JoinedServers(tc.ctx, room.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []spec.ServerName{"remote.test", "one.test", "two.test", "three.test"}, servers)
}

func TestPerformJoin_InviterServerFirst(t *testing.T) {
	t.Parallel()
	bob := test.NewUser(t, test.WithServerName("remote.test"))
	room := test.NewRoom(t, bob)
	remote := newFakeRemote(t, "remote.test", room)
	other := newFakeRemote(t, "other.test", room)
	tc := setupJoinTest(t, map[spec.ServerName]string{
		"remote.test": remote.srv.URL,
		"other.test":  other.srv.URL,
	})
	alice := test.NewUser(t, test.WithServerName(localServer))

	res := &api.PerformJoinResponse{}
	tc.fedAPI.PerformJoin(tc.ctx, &api.PerformJoinRequest{
		RoomID:      room.ID,
		UserID:      alice.ID,
		Inviter:     bob.ID,
		ServerNames: []spec.ServerName{"other.test"},
	}, res)
	require.NoError(t, res.Err)
	assert.Equal(t, spec.ServerName("remote.test"), res.JoinedVia)
	assert.Equal(t, int64(0), other.makeJoins.Load())
}

func TestPerformJoin_AcceptsInvite(t *testing.T) {
	t.Parallel()
	bob := test.NewUser(t, test.WithServerName("remote.test"))
	alice := test.NewUser(t, test.WithServerName(localServer))
	room := test.NewRoom(t, bob, test.RoomPreset(test.PresetPrivateChat))
	invite := room.CreateAndInsert(t, bob, spec.MRoomMember, map[string]interface{}{"membership": spec.Invite}, test.WithStateKey(alice.ID))
	remote := newFakeRemote(t, "remote.test", room)
	tc := setupJoinTest(t, map[spec.ServerName]string{"remote.test": remote.srv.URL})

	res := &api.PerformJoinResponse{}
	tc.fedAPI.PerformJoin(tc.ctx, &api.PerformJoinRequest{
		RoomID:  room.ID,
		UserID:  alice.ID,
		Inviter: bob.ID,
	}, res)
	require.NoError(t, res.Err)
	require.Equal(t, api.JoinStageDone, res.Stage)
	require.NotNil(t, remote.acceptedJoin())
	assert.Contains(t, remote.acceptedJoin().AuthEventIDs(), invite.EventID())

	current, err := tc.rsAPI.CurrentState(tc.ctx, room.ID)
	require.NoError(t, err)
	member := current.Lookup(spec.MRoomMember, alice.ID)
	require.NotNil(t, member)
	assert.Equal(t, res.EventID, member.EventID())
	membership, err := member.Membership()
	require.NoError(t, err)
	assert.Equal(t, spec.Join, membership)

	join, err := tc.db.GetEvent(tc.ctx, room.ID, res.EventID)
	require.NoError(t, err)
	require.NotNil(t, join)
	assert.False(t, join.Flags().SoftFailed)
}

func TestPerformJoin_CoalescesIdenticalJoins(t *testing.T) {
	t.Parallel()
	bob := test.NewUser(t, test.WithServerName("remote.test"))
	room := test.NewRoom(t, bob)
	remote := newFakeRemote(t, "remote.test", room)
	remote.gate = make(chan struct{})
	tc := setupJoinTest(t, map[spec.ServerName]string{"remote.test": remote.srv.URL})
	alice := test.NewUser(t, test.WithServerName(localServer))
	req := &api.PerformJoinRequest{
		RoomID:      room.ID,
		UserID:      alice.ID,
		ServerNames: []spec.ServerName{"remote.test"},
	}

	var wg sync.WaitGroup
	results := make([]*api.PerformJoinResponse, 2)
	for i := range results {
		results[i] = &api.PerformJoinResponse{}
		wg.Add(1)
		go func(res *api.PerformJoinResponse) {
			defer wg.Done()
			tc.fedAPI.PerformJoin(tc.ctx, req, res)
		}(results[i])
		if i == 0 {
			<-remote.entered
		}
	}
	// Give the second caller time to queue up behind the first.
	time.Sleep(200 * time.Millisecond)
	close(remote.gate)
	wg.Wait()

	for _, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, results[0].EventID, res.EventID)
	}
	assert.Equal(t, int64(1), remote.makeJoins.Load())
	assert.Equal(t, int64(1), remote.sendJoins.Load())
}

func TestPerformJoin_OutlivesCaller(t *testing.T) {
	t.Parallel()
	bob := test.NewUser(t, test.WithServerName("remote.test"))
	room := test.NewRoom(t, bob)
	remote := newFakeRemote(t, "remote.test", room)
	remote.gate = make(chan struct{})
	tc := setupJoinTest(t, map[spec.ServerName]string{"remote.test": remote.srv.URL})
	alice := test.NewUser(t, test.WithServerName(localServer))

	ctx, cancel := context.WithCancel(tc.ctx)
	go func() {
		<-remote.entered
		cancel()
	}()
	res := &api.PerformJoinResponse{}
	tc.fedAPI.PerformJoin(ctx, &api.PerformJoinRequest{
		RoomID:      room.ID,
		UserID:      alice.ID,
		ServerNames: []spec.ServerName{"remote.test"},
	}, res)
	assert.False(t, res.Failed())
	assert.True(t, res.InProgress())
	assert.Equal(t, api.JoinStageInProgress, res.Stage)
	assert.Equal(t, room.ID, res.RoomID)
	assert.NoError(t, res.Err)

	close(remote.gate)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		joined, err := tc.db.IsJoinedRoom(tc.ctx, room.ID)
		switch {
		case err != nil:
			return poll.Error(err)
		case !joined:
			return poll.Continue("room %s is not joined yet", room.ID)
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(50*time.Millisecond))
}

func TestJoinStageString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "template_fetched", api.JoinStageTemplateFetched.String())
	assert.Equal(t, "done", api.JoinStageDone.String())
	assert.Equal(t, "in_progress", api.JoinStageInProgress.String())
	assert.Equal(t, "unknown", api.JoinStage(100).String())
}
