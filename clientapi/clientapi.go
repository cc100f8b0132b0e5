// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package clientapi

import (
	"github.com/gorilla/mux"

	"github.com/element-hq/roomfed/clientapi/routing"
	federationAPI "github.com/element-hq/roomfed/federationapi/api"
	"github.com/element-hq/roomfed/internal/httputil"
	"github.com/element-hq/roomfed/setup/config"
)

// AddPublicRoutes sets up and registers HTTP handlers for the client API
// component.
func AddPublicRoutes(router *mux.Router, cfg *config.ClientAPI, fedAPI federationAPI.FederationInternalAPI) {
	routing.Setup(router, cfg, fedAPI, httputil.NewRateLimits(&cfg.RateLimiting))
}
