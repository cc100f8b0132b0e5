// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomserver

import (
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/roomfed/internal/caching"
	"github.com/element-hq/roomfed/roomserver/api"
	rsinternal "github.com/element-hq/roomfed/roomserver/internal"
	"github.com/element-hq/roomfed/roomserver/internal/input"
	"github.com/element-hq/roomfed/roomserver/producers"
	"github.com/element-hq/roomfed/roomserver/state"
	"github.com/element-hq/roomfed/roomserver/storage"
	"github.com/element-hq/roomfed/setup/config"
	"github.com/element-hq/roomfed/setup/process"
)

// NewInternalAPI returns a concrete implementation of the internal API. State
// changes are published to js when it is not nil.
func NewInternalAPI(
	processContext *process.ProcessContext,
	cfg *config.RoomServer,
	db storage.Database,
	js nats.JetStreamContext,
) api.RoomserverInternalAPI {
	inputer := &input.Inputer{
		Cfg:            cfg,
		ProcessContext: processContext,
		DB:             db,
		Resolver:       state.NewResolver(caching.NewResolvedStateCache()),
		Tracker:        rsinternal.NewStateUpdateTracker(),
	}
	if js != nil {
		inputer.Producer = &producers.RoomEventProducer{
			TopicPrefix: cfg.Matrix.JetStream.TopicPrefix,
			JetStream:   js,
		}
	}
	return inputer
}

// Metrics returns the collectors of the roomserver.
func Metrics() []prometheus.Collector {
	return append(state.Metrics(), input.Metrics()...)
}
