// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package federationapi

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/roomfed/federationapi/api"
	"github.com/element-hq/roomfed/federationapi/client"
	"github.com/element-hq/roomfed/federationapi/internal"
	"github.com/element-hq/roomfed/internal/httputil"
	"github.com/element-hq/roomfed/internal/signing"
	rsapi "github.com/element-hq/roomfed/roomserver/api"
	"github.com/element-hq/roomfed/roomserver/storage"
	"github.com/element-hq/roomfed/setup/config"
)

// NewFederationClient builds the outbound federation client, with the
// configured address overrides and per-destination rate limits.
func NewFederationClient(cfg *config.FederationAPI, keys *signing.KeyRing) (*client.FederationClient, error) {
	return client.NewFederationClient(
		cfg,
		keys,
		client.NewServerResolver(cfg.ServerAddresses, cfg.ServerAddressTTL),
		httputil.NewDestinationLimits(&cfg.RateLimiting),
	)
}

// NewInternalAPI returns a concrete implementation of the internal API.
func NewInternalAPI(
	cfg *config.FederationAPI,
	keys *signing.KeyRing,
	db storage.Database,
	rsAPI rsapi.InputRoomEventsAPI,
	fedClient internal.FederationClient,
) api.FederationInternalAPI {
	return internal.NewFederationInternalAPI(cfg, keys, db, rsAPI, fedClient)
}

// Metrics returns the collectors of the federation API.
func Metrics() []prometheus.Collector {
	return internal.Metrics()
}
