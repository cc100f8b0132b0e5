// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"errors"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/roomfed/clientapi/httputil"
	"github.com/element-hq/roomfed/federationapi/api"
	"github.com/element-hq/roomfed/internal"
)

// joinRoomRequest is the optional body of a join request.
type joinRoomRequest struct {
	// Inviter is the user who invited the joining user, if any. Their
	// server is asked first.
	Inviter string `json:"inviter,omitempty"`
}

type joinRoomResponse struct {
	RoomID    string          `json:"room_id"`
	EventID   string          `json:"event_id"`
	JoinedVia spec.ServerName `json:"joined_via"`
}

// JoinRoomByID joins userID to a room on another server, asking the servers
// named in the server_name query parameters.
//
// Implements POST /_matrix/client/v3/join/{roomID}
func JoinRoomByID(req *http.Request, userID, roomID string, fedAPI api.FederationInternalAPI) util.JSONResponse {
	body := joinRoomRequest{}
	if resErr := httputil.UnmarshalOptionalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}

	joinReq := api.PerformJoinRequest{
		RoomID:  roomID,
		UserID:  userID,
		Inviter: body.Inviter,
	}
	for _, name := range req.URL.Query()["server_name"] {
		joinReq.ServerNames = append(joinReq.ServerNames, spec.ServerName(name))
	}
	// The server part of the room ID is a good guess when nothing else is given.
	if roomIDParsed, err := spec.NewRoomID(roomID); err == nil && len(joinReq.ServerNames) == 0 && body.Inviter == "" {
		joinReq.ServerNames = append(joinReq.ServerNames, roomIDParsed.Domain())
	}

	joinRes := api.PerformJoinResponse{}
	fedAPI.PerformJoin(req.Context(), &joinReq, &joinRes)
	if joinRes.InProgress() {
		return util.JSONResponse{
			Code: http.StatusAccepted,
			JSON: joinRoomResponse{RoomID: joinRes.RoomID},
		}
	}
	if !joinRes.Failed() {
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: joinRoomResponse{
				RoomID:    joinRes.RoomID,
				EventID:   joinRes.EventID,
				JoinedVia: joinRes.JoinedVia,
			},
		}
	}

	util.GetLogger(req.Context()).WithFields(logrus.Fields{
		"room_id":   roomID,
		"failed_at": joinRes.FailedAt.String(),
	}).WithError(joinRes.Err).Debug("Join failed")
	return joinErrorResponse(&joinRes)
}

// joinErrorResponse picks the status code for a failed join. Bad requests
// are the caller's fault, problems talking to other servers are reported as
// a bad gateway.
func joinErrorResponse(res *api.PerformJoinResponse) util.JSONResponse {
	if res.LastError.ErrCode == spec.ErrorInvalidParam {
		return *httputil.MatrixErrorResponse(*res.LastError)
	}
	var remoteErr *internal.RemoteProtocolError
	if errors.As(res.Err, &remoteErr) {
		return util.JSONResponse{
			Code: http.StatusBadGateway,
			JSON: *res.LastError,
		}
	}
	return util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: *res.LastError,
	}
}
