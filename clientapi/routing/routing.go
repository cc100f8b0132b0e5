// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/roomfed/federationapi/api"
	"github.com/element-hq/roomfed/internal/httputil"
	"github.com/element-hq/roomfed/setup/config"
)

// Setup registers the client API routes on router. The joining user is
// named by the user_id query parameter, as an application service would
// assert it; authenticating that assertion is left to a fronting proxy.
func Setup(router *mux.Router, cfg *config.ClientAPI, fedAPI api.FederationInternalAPI, limits *httputil.RateLimits) {
	v3mux := router.PathPrefix("/_matrix/client/v3").Subrouter()
	enableMetrics := cfg.Matrix != nil && cfg.Matrix.Metrics.Enabled

	v3mux.Handle("/join/{roomID}",
		httputil.MakeJSONAPI("join", limits, enableMetrics, func(req *http.Request) util.JSONResponse {
			roomID, err := url.PathUnescape(mux.Vars(req)["roomID"])
			if err != nil {
				return util.JSONResponse{
					Code: http.StatusBadRequest,
					JSON: spec.InvalidParam("room ID is not correctly escaped"),
				}
			}
			userID := req.URL.Query().Get("user_id")
			if userID == "" {
				return util.JSONResponse{
					Code: http.StatusBadRequest,
					JSON: spec.MissingParam("user_id must be given"),
				}
			}
			return JoinRoomByID(req, userID, roomID, fedAPI)
		}),
	).Methods(http.MethodPost, http.MethodOptions)
}
