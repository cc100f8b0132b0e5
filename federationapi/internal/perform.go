// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/roomfed/federationapi/api"
	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/internal/signing"
	internalutil "github.com/element-hq/roomfed/internal/util"
	rsapi "github.com/element-hq/roomfed/roomserver/api"
	"github.com/element-hq/roomfed/roomserver/types"
)

// joinAttempt is everything one join handshake learns along the way. It is
// never persisted.
type joinAttempt struct {
	roomID     string
	userID     string
	candidates []spec.ServerName
	server     spec.ServerName

	roomVersion roomversion.Impl
	template    canonicaljson.Value
	signed      canonicaljson.Value
	eventID     string
	joinEvent   *types.Event

	stateEvents []*types.Event
	authEvents  []*types.Event
}

// PerformJoin implements api.FederationInternalAPI. Identical joins that
// overlap share one handshake. The handshake runs under the configured join
// timeout and keeps going if ctx is cancelled, in which case the caller is
// told the join is still in progress.
func (r *FederationInternalAPI) PerformJoin(
	ctx context.Context,
	req *api.PerformJoinRequest,
	res *api.PerformJoinResponse,
) {
	key := req.RoomID + "|" + req.UserID
	ch := r.joins.DoChan(key, func() (interface{}, error) {
		joinCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.JoinTimeout)
		defer cancel()
		out := &api.PerformJoinResponse{}
		r.performJoin(joinCtx, req, out)
		return out, nil
	})

	select {
	case result := <-ch:
		*res = *result.Val.(*api.PerformJoinResponse)
		if result.Shared {
			util.GetLogger(ctx).WithFields(logrus.Fields{
				"room_id": req.RoomID,
				"user_id": req.UserID,
			}).Debug("Join was shared with a concurrent identical request")
		}
	case <-ctx.Done():
		util.GetLogger(ctx).WithError(ctx.Err()).WithFields(logrus.Fields{
			"room_id": req.RoomID,
			"user_id": req.UserID,
		}).Info("Caller stopped waiting, join continues in the background")
		*res = api.PerformJoinResponse{
			RoomID: req.RoomID,
			Stage:  api.JoinStageInProgress,
		}
	}
}

func (r *FederationInternalAPI) performJoin(
	ctx context.Context,
	req *api.PerformJoinRequest,
	res *api.PerformJoinResponse,
) {
	trace, ctx := internal.StartRegion(ctx, "PerformJoin")
	defer trace.EndRegion()
	trace.SetTag("room_id", req.RoomID)

	start := time.Now()
	res.RoomID = req.RoomID
	res.Stage = api.JoinStageStart
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"room_id": req.RoomID,
		"user_id": req.UserID,
	})

	err := r.join(ctx, req, res, logger)
	if err == nil {
		joinDuration.WithLabelValues("success").Observe(float64(time.Since(start).Milliseconds()))
		logger.WithFields(logrus.Fields{
			"event_id":         res.EventID,
			"joined_via":       res.JoinedVia,
			"broadcast":        res.Broadcast,
			"broadcast_failed": res.BroadcastFailed,
			"duration_ms":      time.Since(start).Milliseconds(),
		}).Info("Joined room over federation")
		return
	}

	res.FailedAt = res.Stage + 1
	res.Stage = api.JoinStageFailed
	matrixErr := internal.MatrixErrorFor(err)
	res.LastError = &matrixErr
	res.Err = err
	trace.SetError(err)
	joinFailures.WithLabelValues(res.FailedAt.String()).Inc()
	joinDuration.WithLabelValues("failure").Observe(float64(time.Since(start).Milliseconds()))
	logger.WithError(err).WithField("failed_at", res.FailedAt.String()).Warn("Failed to join room over federation")
}

// join walks the handshake, recording each stage on res as it completes.
func (r *FederationInternalAPI) join(
	ctx context.Context,
	req *api.PerformJoinRequest,
	res *api.PerformJoinResponse,
	logger *logrus.Entry,
) error {
	attempt, err := r.newJoinAttempt(req)
	if err != nil {
		return err
	}
	if r.cfg.Matrix != nil && r.cfg.Matrix.DisableFederation {
		return fmt.Errorf("federation is disabled")
	}

	attempt.server = attempt.candidates[0]
	if _, err = r.client.Resolve(attempt.server); err != nil {
		return err
	}
	res.Stage = api.JoinStageResolved
	logger = logger.WithField("server", attempt.server)

	if err = r.fetchTemplate(ctx, attempt); err != nil {
		return err
	}
	res.Stage = api.JoinStageTemplateFetched

	if err = r.signTemplate(attempt); err != nil {
		return err
	}
	res.EventID = attempt.eventID
	res.Stage = api.JoinStageSigned

	if err = r.sendJoin(ctx, attempt, logger); err != nil {
		return err
	}
	res.Stage = api.JoinStageAccepted

	if err = r.storeJoin(ctx, attempt, logger); err != nil {
		return err
	}
	res.JoinedVia = attempt.server
	res.Stage = api.JoinStageStored

	res.Broadcast, res.BroadcastFailed = r.broadcast(ctx, attempt, logger)
	res.Stage = api.JoinStageBroadcast

	res.Stage = api.JoinStageDone
	return nil
}

// newJoinAttempt validates the request and works out which servers to ask.
// The inviter's server goes first, followed by the given servers in order.
// This server is never a candidate.
func (r *FederationInternalAPI) newJoinAttempt(req *api.PerformJoinRequest) (*joinAttempt, error) {
	if _, err := spec.NewRoomID(req.RoomID); err != nil {
		return nil, &internal.ParamError{Param: "room_id", Message: fmt.Sprintf("invalid room ID %q", req.RoomID)}
	}
	userID, err := spec.NewUserID(req.UserID, true)
	if err != nil {
		return nil, &internal.ParamError{Param: "user_id", Message: fmt.Sprintf("invalid user ID %q", req.UserID)}
	}
	if internalutil.NormalizeServerName(userID.Domain()) != internalutil.NormalizeServerName(r.keys.ServerName) {
		return nil, &internal.ParamError{Param: "user_id", Message: fmt.Sprintf("user %s does not belong to this server", req.UserID)}
	}

	servers := make([]spec.ServerName, 0, len(req.ServerNames)+1)
	if req.Inviter != "" {
		inviter, err := spec.NewUserID(req.Inviter, true)
		if err != nil {
			return nil, &internal.ParamError{Param: "inviter", Message: fmt.Sprintf("invalid user ID %q", req.Inviter)}
		}
		servers = append(servers, inviter.Domain())
	}
	servers = append(servers, req.ServerNames...)

	self := internalutil.NormalizeServerName(r.keys.ServerName)
	seen := map[spec.ServerName]struct{}{self: {}}
	candidates := make([]spec.ServerName, 0, len(servers))
	for _, server := range servers {
		server = internalutil.NormalizeServerName(server)
		if server == "" {
			continue
		}
		if _, ok := seen[server]; ok {
			continue
		}
		seen[server] = struct{}{}
		candidates = append(candidates, server)
	}
	if len(candidates) == 0 {
		return nil, &internal.ParamError{Param: "server_names", Message: "no remote servers to join through"}
	}
	return &joinAttempt{
		roomID:     req.RoomID,
		userID:     req.UserID,
		candidates: candidates,
	}, nil
}

// fetchTemplate asks the remote server for a join event template. The
// template must be a join of our user into the room we asked about.
func (r *FederationInternalAPI) fetchTemplate(ctx context.Context, attempt *joinAttempt) error {
	region, ctx := internal.StartRegion(ctx, "MakeJoin")
	defer region.EndRegion()

	mj, err := r.client.MakeJoin(ctx, attempt.server, attempt.roomID, attempt.userID, roomversion.Supported())
	if err != nil {
		return err
	}
	impl, err := roomversion.Get(mj.RoomVersion)
	if err != nil {
		return err
	}
	region.SetTag("room_version", string(mj.RoomVersion))

	checks := []struct {
		path string
		want string
	}{
		{"type", spec.MRoomMember},
		{"state_key", attempt.userID},
		{"sender", attempt.userID},
		{"room_id", attempt.roomID},
		{"content.membership", spec.Join},
	}
	for _, check := range checks {
		if got := gjson.GetBytes(mj.Event, check.path); got.Type != gjson.String || got.Str != check.want {
			return &internal.RemoteProtocolError{
				Server:  attempt.server,
				Message: fmt.Sprintf("make_join template has %s %q, expected %q", check.path, got.Str, check.want),
				Body:    mj.Event,
			}
		}
	}

	// The ID is derived while signing, the remote's suggestion is not part
	// of what gets signed.
	raw, err := sjson.DeleteBytes(mj.Event, "event_id")
	if err != nil {
		return &internal.RemoteProtocolError{Server: attempt.server, Message: "malformed make_join template", Body: mj.Event, Err: err}
	}
	template, err := canonicaljson.Parse(raw)
	if err != nil {
		return err
	}
	attempt.roomVersion = impl
	attempt.template = template
	return nil
}

func (r *FederationInternalAPI) signTemplate(attempt *joinAttempt) error {
	signed, eventID, err := signing.HashAndSign(attempt.template, attempt.roomVersion, r.keys)
	if err != nil {
		return err
	}
	joinEvent, err := types.NewEvent(signed, attempt.roomVersion)
	if err != nil {
		return err
	}
	attempt.signed = signed
	attempt.eventID = eventID
	attempt.joinEvent = joinEvent
	return nil
}

// sendJoin hands the signed event to the remote server and checks what comes
// back. A returned join event must be the one we sent; state and auth chain
// events that fail to parse or whose content hash is wrong are dropped.
func (r *FederationInternalAPI) sendJoin(ctx context.Context, attempt *joinAttempt, logger *logrus.Entry) error {
	region, ctx := internal.StartRegion(ctx, "SendJoin")
	defer region.EndRegion()

	sj, err := r.client.SendJoin(ctx, attempt.server, attempt.roomID, attempt.eventID, attempt.signed)
	if err != nil {
		return err
	}

	if len(sj.Event) > 0 {
		echoed, err := types.NewEventFromJSON(sj.Event, attempt.roomVersion)
		if err == nil && echoed.EventID() != attempt.eventID {
			err = fmt.Errorf("event ID %s does not match %s", echoed.EventID(), attempt.eventID)
		}
		if err == nil {
			err = echoed.CheckContentHash()
		}
		if err != nil {
			return &internal.RemoteProtocolError{
				Server:  attempt.server,
				Message: "send_join returned a different join event",
				Body:    sj.Event,
				Err:     err,
			}
		}
		attempt.joinEvent = echoed
	}

	seen := map[string]struct{}{attempt.eventID: {}}
	parse := func(raws [][]byte, kind string) []*types.Event {
		events := make([]*types.Event, 0, len(raws))
		for _, raw := range raws {
			ev, err := types.NewEventFromJSON(raw, attempt.roomVersion)
			if err == nil && ev.RoomID() != attempt.roomID {
				err = fmt.Errorf("event belongs to room %s", ev.RoomID())
			}
			if err == nil {
				err = ev.CheckContentHash()
			}
			if err != nil {
				skippedJoinEvents.Inc()
				logger.WithError(err).WithField("kind", kind).Warn("Dropping bad event from send_join response")
				continue
			}
			if _, ok := seen[ev.EventID()]; ok {
				continue
			}
			seen[ev.EventID()] = struct{}{}
			events = append(events, ev)
		}
		return events
	}
	attempt.stateEvents = parse(sj.StateEvents, "state")
	attempt.authEvents = parse(sj.AuthEvents, "auth_chain")
	region.SetTag("state_events", len(attempt.stateEvents))
	region.SetTag("auth_events", len(attempt.authEvents))
	return nil
}

// storeJoin stores the room, then feeds the auth chain and state through the
// roomserver as outliers followed by the join event itself, so that the
// state of the room is resolved once everything is in. The join comes last
// because a new event is authorised against the stored room state, and
// before the outliers there is none: it would be soft-failed and left out
// of the room state.
func (r *FederationInternalAPI) storeJoin(ctx context.Context, attempt *joinAttempt, logger *logrus.Entry) error {
	region, ctx := internal.StartRegion(ctx, "StoreJoin")
	defer region.EndRegion()

	stateMap := types.StateMap{}
	for _, ev := range attempt.stateEvents {
		if tuple, ok := types.TupleOf(ev); ok {
			stateMap[tuple] = ev
		}
	}
	room := &types.Room{
		RoomID:     attempt.roomID,
		Version:    attempt.roomVersion.Version,
		Visibility: types.VisibilityPrivate,
	}
	if create := stateMap.Lookup(spec.MRoomCreate, ""); create != nil {
		fromCreate, err := types.RoomFromCreateEvent(create)
		if err != nil {
			return err
		}
		if fromCreate.Version != room.Version {
			return &internal.RemoteProtocolError{
				Server:  attempt.server,
				Message: fmt.Sprintf("room is version %s but make_join offered version %s", fromCreate.Version, room.Version),
			}
		}
		room = fromCreate
	}
	room.ApplyState(stateMap)
	if _, err := r.db.InsertRoomIfAbsent(ctx, room); err != nil {
		return err
	}

	outliers := make([]*types.Event, 0, len(attempt.authEvents)+len(attempt.stateEvents))
	outliers = append(outliers, attempt.authEvents...)
	outliers = append(outliers, attempt.stateEvents...)
	sort.SliceStable(outliers, func(i, j int) bool {
		return outliers[i].Depth() < outliers[j].Depth()
	})
	inputs := make([]rsapi.InputRoomEvent, 0, len(outliers)+1)
	for _, ev := range outliers {
		inputs = append(inputs, rsapi.InputRoomEvent{Kind: rsapi.KindOutlier, Event: ev, Origin: attempt.server})
	}
	inputs = append(inputs, rsapi.InputRoomEvent{Kind: rsapi.KindNew, Event: attempt.joinEvent, Origin: r.keys.ServerName})

	inputRes := &rsapi.InputRoomEventsResponse{}
	r.rsAPI.InputRoomEvents(ctx, &rsapi.InputRoomEventsRequest{InputRoomEvents: inputs}, inputRes)
	if err := inputRes.Err(); err != nil {
		var notAllowed *rsapi.ErrNotAllowed
		if !errors.As(err, &notAllowed) {
			return &internal.PersistenceError{Op: "InputRoomEvents", Err: err}
		}
		// The resident server accepted the join, so it stands even if the
		// state we were given does not allow it.
		logger.WithError(err).Warn("Join event was soft-failed against the returned room state")
	}

	if err := r.db.RecordJoin(ctx, attempt.roomID, attempt.eventID, attempt.userID, attempt.server, attempt.residentServers()); err != nil {
		return err
	}
	return nil
}

// residentServers are the servers that sent the state events of the room.
func (a *joinAttempt) residentServers() []spec.ServerName {
	servers := make([]spec.ServerName, 0, len(a.stateEvents))
	for _, ev := range a.stateEvents {
		servers = append(servers, ev.Origin())
	}
	return internalutil.DistinctServers(servers)
}

// broadcast sends the join event to every resident server except ourselves,
// the server we joined through included. It never fails: unreachable servers
// are logged and counted.
func (r *FederationInternalAPI) broadcast(ctx context.Context, attempt *joinAttempt, logger *logrus.Entry) (sent, failed int) {
	region, ctx := internal.StartRegion(ctx, "BroadcastJoin")
	defer region.EndRegion()

	destinations := internalutil.DistinctServers(attempt.residentServers(), r.keys.ServerName)
	region.SetTag("destinations", len(destinations))
	if len(destinations) == 0 {
		return 0, 0
	}

	pdus := []canonicaljson.Value{attempt.joinEvent.JSON()}
	failures := atomic.NewInt64(0)
	var g errgroup.Group
	g.SetLimit(max(r.cfg.BroadcastConcurrency, 1))
	for _, destination := range destinations {
		destination := destination
		g.Go(func() error {
			txnID := uuid.NewString()
			if err := r.client.SendTransaction(ctx, destination, txnID, pdus); err != nil {
				failures.Inc()
				joinBroadcasts.WithLabelValues("failure").Inc()
				logger.WithError(err).WithFields(logrus.Fields{
					"destination": destination,
					"txn_id":      txnID,
				}).Warn("Failed to send join event to resident server")
				return nil
			}
			joinBroadcasts.WithLabelValues("success").Inc()
			return nil
		})
	}
	_ = g.Wait()
	return len(destinations), int(failures.Load())
}
