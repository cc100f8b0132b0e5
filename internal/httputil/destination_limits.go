// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/roomfed/setup/config"
)

var destinationRateLimitDelays = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "roomfed",
		Subsystem: "federationapi",
		Name:      "destination_rate_limit_delays",
		Help:      "Total number of outbound requests that had to wait for their destination's rate limit",
	},
	[]string{"destination"},
)

// DestinationLimits paces outbound federation requests so that no single
// remote server receives more than the configured burst at once.
type DestinationLimits struct {
	enabled bool
	config  limiterConfig
	exempt  map[spec.ServerName]struct{}
	store   *limiterStore
}

func NewDestinationLimits(cfg *config.DestinationRateLimiting) *DestinationLimits {
	l := &DestinationLimits{
		enabled: cfg.Enabled,
		config:  newLimiterConfig(cfg.Threshold, cfg.CooloffMS),
		exempt:  make(map[spec.ServerName]struct{}, len(cfg.ExemptServers)),
		store:   newLimiterStore(),
	}
	for _, server := range cfg.ExemptServers {
		l.exempt[server] = struct{}{}
	}
	return l
}

// Wait blocks until a request to the destination may be made, or the context
// is done. A nil DestinationLimits never waits.
func (l *DestinationLimits) Wait(ctx context.Context, destination spec.ServerName) error {
	if l == nil || !l.enabled || !l.config.active() {
		return nil
	}
	if _, ok := l.exempt[destination]; ok {
		return nil
	}
	limiter := l.store.get(string(destination), l.config)
	if limiter.Allow() {
		return nil
	}
	destinationRateLimitDelays.WithLabelValues(string(destination)).Inc()
	return limiter.Wait(ctx)
}
