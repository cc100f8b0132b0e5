// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// FederationInternalAPI is used to join rooms hosted on other servers.
type FederationInternalAPI interface {
	// PerformJoin runs the make_join/send_join handshake against the first
	// candidate server. Failures are reported on the response, never as a
	// panic, and the stage reached is always set.
	PerformJoin(ctx context.Context, req *PerformJoinRequest, res *PerformJoinResponse)
}

// JoinStage is how far a join handshake got.
type JoinStage int

const (
	JoinStageStart JoinStage = iota
	JoinStageResolved
	JoinStageTemplateFetched
	JoinStageSigned
	JoinStageAccepted
	JoinStageStored
	JoinStageBroadcast
	JoinStageDone
	JoinStageFailed
	// JoinStageInProgress is reported to a caller that stopped waiting while
	// the handshake carries on.
	JoinStageInProgress
)

func (s JoinStage) String() string {
	switch s {
	case JoinStageStart:
		return "start"
	case JoinStageResolved:
		return "resolved"
	case JoinStageTemplateFetched:
		return "template_fetched"
	case JoinStageSigned:
		return "signed"
	case JoinStageAccepted:
		return "accepted"
	case JoinStageStored:
		return "stored"
	case JoinStageBroadcast:
		return "broadcast"
	case JoinStageDone:
		return "done"
	case JoinStageFailed:
		return "failed"
	case JoinStageInProgress:
		return "in_progress"
	}
	return "unknown"
}

type PerformJoinRequest struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	// Candidate servers, tried in order. Only the first one is contacted.
	ServerNames []spec.ServerName `json:"server_names"`
	// The user who invited UserID, if any. Their server is put in front of
	// ServerNames since it is known to be in the room.
	Inviter string `json:"inviter,omitempty"`
}

type PerformJoinResponse struct {
	RoomID    string          `json:"room_id"`
	EventID   string          `json:"event_id"`
	JoinedVia spec.ServerName `json:"joined_via"`
	// The last stage that completed, JoinStageFailed or JoinStageInProgress.
	Stage JoinStage `json:"stage"`
	// FailedAt is the stage that was being attempted when the join failed.
	FailedAt JoinStage `json:"failed_at,omitempty"`
	// How many servers were sent the join event after it was accepted, and
	// how many of those could not be reached.
	Broadcast       int `json:"broadcast"`
	BroadcastFailed int `json:"broadcast_failed"`

	LastError *spec.MatrixError `json:"last_error,omitempty"`
	// Err is the underlying error behind LastError.
	Err error `json:"-"`
}

// Failed reports whether the join did not complete.
func (r *PerformJoinResponse) Failed() bool {
	return r.LastError != nil
}

// InProgress reports whether the caller stopped waiting before the join
// finished. The outcome is unknown to the caller.
func (r *PerformJoinResponse) InProgress() bool {
	return r.Stage == JoinStageInProgress
}
