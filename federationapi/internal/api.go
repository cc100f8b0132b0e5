// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"net/url"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/element-hq/roomfed/federationapi/api"
	"github.com/element-hq/roomfed/federationapi/client"
	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/internal/signing"
	rsapi "github.com/element-hq/roomfed/roomserver/api"
	"github.com/element-hq/roomfed/roomserver/storage"
	"github.com/element-hq/roomfed/setup/config"
)

var (
	joinDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roomfed",
			Subsystem: "federationapi",
			Name:      "join_duration_millis",
			Help:      "How long a join handshake took, from validation to broadcast",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
		[]string{"outcome"},
	)
	joinFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomfed",
			Subsystem: "federationapi",
			Name:      "join_failures_total",
			Help:      "Number of failed joins, by the stage that could not be reached",
		},
		[]string{"stage"},
	)
	joinBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomfed",
			Subsystem: "federationapi",
			Name:      "join_broadcasts_total",
			Help:      "Number of resident servers sent a join event, by result",
		},
		[]string{"result"},
	)
	skippedJoinEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "roomfed",
			Subsystem: "federationapi",
			Name:      "join_skipped_events_total",
			Help:      "Number of state and auth chain events dropped from send_join responses",
		},
	)
)

// Metrics returns the collectors of this package.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{joinDuration, joinFailures, joinBroadcasts, skippedJoinEvents}
}

// FederationClient is the part of the federation client joins need.
type FederationClient interface {
	Resolve(server spec.ServerName) (*url.URL, error)
	MakeJoin(ctx context.Context, s spec.ServerName, roomID, userID string, versions []roomversion.RoomVersion) (client.MakeJoinResponse, error)
	SendJoin(ctx context.Context, s spec.ServerName, roomID, eventID string, event canonicaljson.Value) (client.SendJoinResponse, error)
	SendTransaction(ctx context.Context, destination spec.ServerName, txnID string, pdus []canonicaljson.Value) error
}

// FederationInternalAPI implements api.FederationInternalAPI
type FederationInternalAPI struct {
	cfg    *config.FederationAPI
	keys   *signing.KeyRing
	db     storage.Database
	rsAPI  rsapi.InputRoomEventsAPI
	client FederationClient
	joins  singleflight.Group
}

func NewFederationInternalAPI(
	cfg *config.FederationAPI,
	keys *signing.KeyRing,
	db storage.Database,
	rsAPI rsapi.InputRoomEventsAPI,
	fedClient FederationClient,
) *FederationInternalAPI {
	return &FederationInternalAPI{
		cfg:    cfg,
		keys:   keys,
		db:     db,
		rsAPI:  rsAPI,
		client: fedClient,
	}
}

var _ api.FederationInternalAPI = (*FederationInternalAPI)(nil)
