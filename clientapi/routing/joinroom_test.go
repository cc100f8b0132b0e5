// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/roomfed/federationapi/api"
	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/setup/config"
)

// stubJoiner answers every join with a canned response and remembers the
// request.
type stubJoiner struct {
	mu   sync.Mutex
	last *api.PerformJoinRequest
	res  api.PerformJoinResponse
}

func (s *stubJoiner) PerformJoin(_ context.Context, req *api.PerformJoinRequest, res *api.PerformJoinResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqCopy := *req
	s.last = &reqCopy
	*res = s.res
}

func failedJoin(matrixErr spec.MatrixError, err error) api.PerformJoinResponse {
	return api.PerformJoinResponse{
		Stage:     api.JoinStageFailed,
		FailedAt:  api.JoinStageTemplateFetched,
		LastError: &matrixErr,
		Err:       err,
	}
}

func newTestRouter(joiner api.FederationInternalAPI) *mux.Router {
	cfg := &config.ClientAPI{}
	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	Setup(router, cfg, joiner, nil)
	return router
}

func TestJoinRoomByID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		target      string
		body        string
		res         api.PerformJoinResponse
		wantCode    int
		wantErrCode string
		wantServers []spec.ServerName
		wantInviter string
	}{
		{
			name:   "joined",
			target: "/_matrix/client/v3/join/%21room:remote.test?user_id=@alice:local.test&server_name=a.test&server_name=b.test",
			res: api.PerformJoinResponse{
				RoomID:    "!room:remote.test",
				EventID:   "$join",
				JoinedVia: "a.test",
				Stage:     api.JoinStageDone,
			},
			wantCode:    http.StatusOK,
			wantServers: []spec.ServerName{"a.test", "b.test"},
		},
		{
			name:        "room server is the fallback",
			target:      "/_matrix/client/v3/join/%21room:remote.test?user_id=@alice:local.test",
			res:         api.PerformJoinResponse{RoomID: "!room:remote.test", Stage: api.JoinStageDone},
			wantCode:    http.StatusOK,
			wantServers: []spec.ServerName{"remote.test"},
		},
		{
			name:        "inviter from the body",
			target:      "/_matrix/client/v3/join/%21room:remote.test?user_id=@alice:local.test",
			body:        `{"inviter":"@bob:b.test"}`,
			res:         api.PerformJoinResponse{RoomID: "!room:remote.test", Stage: api.JoinStageDone},
			wantCode:    http.StatusOK,
			wantInviter: "@bob:b.test",
		},
		{
			name:        "still in progress",
			target:      "/_matrix/client/v3/join/%21room:remote.test?user_id=@alice:local.test",
			res:         api.PerformJoinResponse{RoomID: "!room:remote.test", Stage: api.JoinStageInProgress},
			wantCode:    http.StatusAccepted,
			wantServers: []spec.ServerName{"remote.test"},
		},
		{
			name:        "invalid parameter",
			target:      "/_matrix/client/v3/join/%21room:remote.test?user_id=@alice:local.test&server_name=local.test",
			res:         failedJoin(spec.InvalidParam("no remote servers to join through"), &internal.ParamError{Param: "server_names"}),
			wantCode:    http.StatusBadRequest,
			wantErrCode: string(spec.ErrorInvalidParam),
			wantServers: []spec.ServerName{"local.test"},
		},
		{
			name:        "remote refused",
			target:      "/_matrix/client/v3/join/%21room:remote.test?user_id=@alice:local.test",
			res:         failedJoin(spec.Unknown("M_FORBIDDEN: not invited"), &internal.RemoteProtocolError{Server: "remote.test", StatusCode: 403}),
			wantCode:    http.StatusBadGateway,
			wantErrCode: string(spec.ErrorUnknown),
			wantServers: []spec.ServerName{"remote.test"},
		},
		{
			name:        "local failure",
			target:      "/_matrix/client/v3/join/%21room:remote.test?user_id=@alice:local.test",
			res:         failedJoin(spec.Unknown("storage failed"), &internal.PersistenceError{Op: "RecordJoin", Err: errors.New("disk full")}),
			wantCode:    http.StatusInternalServerError,
			wantErrCode: string(spec.ErrorUnknown),
			wantServers: []spec.ServerName{"remote.test"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			joiner := &stubJoiner{res: tt.res}
			router := newTestRouter(joiner)

			req := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			require.NotNil(t, joiner.last)
			assert.Equal(t, "!room:remote.test", joiner.last.RoomID)
			assert.Equal(t, "@alice:local.test", joiner.last.UserID)
			assert.Equal(t, tt.wantServers, joiner.last.ServerNames)
			assert.Equal(t, tt.wantInviter, joiner.last.Inviter)

			body := rec.Body.Bytes()
			if tt.wantErrCode != "" {
				assert.Equal(t, tt.wantErrCode, gjson.GetBytes(body, "errcode").Str)
				return
			}
			assert.Equal(t, tt.res.RoomID, gjson.GetBytes(body, "room_id").Str)
		})
	}
}

func TestJoinRoomByID_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		target   string
		body     string
		wantCode int
	}{
		{"no user", "/_matrix/client/v3/join/%21room:remote.test", "", http.StatusBadRequest},
		{"body is not JSON", "/_matrix/client/v3/join/%21room:remote.test?user_id=@alice:local.test", "{", http.StatusBadRequest},
		{"wrong method", "/_matrix/client/v3/join/%21room:remote.test?user_id=@alice:local.test", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			joiner := &stubJoiner{}
			router := newTestRouter(joiner)

			method := http.MethodPost
			if tt.wantCode == http.StatusMethodNotAllowed {
				method = http.MethodGet
			}
			req := httptest.NewRequest(method, tt.target, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Nil(t, joiner.last, "no join may be attempted")
		})
	}
}
