// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/element-hq/roomfed/setup/config"
)

// limiterIdleExpiry is how long a caller's limiter is kept after its last
// request. A forgotten limiter starts again with a full burst.
const limiterIdleExpiry = time.Minute

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomfed",
			Subsystem: "clientapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"handler"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomfed",
			Subsystem: "clientapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"handler"},
	)
)

// Metrics returns the rate limiting collectors, for registration by the
// caller.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{rateLimitRejections, rateLimitAllowed, destinationRateLimitDelays}
}

// limiterConfig is a token bucket holding threshold tokens, refilled
// completely over one cooloff.
type limiterConfig struct {
	threshold int64
	cooloff   time.Duration
}

func newLimiterConfig(threshold, cooloffMS int64) limiterConfig {
	return limiterConfig{
		threshold: threshold,
		cooloff:   time.Duration(cooloffMS) * time.Millisecond,
	}
}

func (c limiterConfig) active() bool {
	return c.threshold > 0 && c.cooloff > 0
}

func (c limiterConfig) newLimiter() *rate.Limiter {
	perSecond := float64(c.threshold) * float64(time.Second) / float64(c.cooloff)
	return rate.NewLimiter(rate.Limit(perSecond), int(c.threshold))
}

// limiterStore holds one limiter per key and forgets the ones that have
// been idle for limiterIdleExpiry.
type limiterStore struct {
	limiters *cache.Cache
}

func newLimiterStore() *limiterStore {
	return &limiterStore{
		limiters: cache.New(limiterIdleExpiry, limiterIdleExpiry/2),
	}
}

func (s *limiterStore) get(key string, cfg limiterConfig) *rate.Limiter {
	if v, ok := s.limiters.Get(key); ok {
		s.limiters.SetDefault(key, v)
		return v.(*rate.Limiter)
	}
	limiter := cfg.newLimiter()
	if err := s.limiters.Add(key, limiter, cache.DefaultExpiration); err != nil {
		// Another request for the same key got there first.
		if v, ok := s.limiters.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return limiter
}

func (s *limiterStore) len() int {
	return s.limiters.ItemCount()
}

// RateLimits limits client requests per caller and handler.
type RateLimits struct {
	enabled       bool
	defaultConfig limiterConfig
	perHandler    map[string]limiterConfig
	exemptUserIDs map[string]struct{}
	exemptNets    []*net.IPNet
	store         *limiterStore
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		enabled:       cfg.Enabled,
		defaultConfig: newLimiterConfig(cfg.Threshold, cfg.CooloffMS),
		perHandler:    make(map[string]limiterConfig, len(cfg.PerHandlerOverrides)),
		exemptUserIDs: make(map[string]struct{}, len(cfg.ExemptUserIDs)),
		store:         newLimiterStore(),
	}
	for _, userID := range cfg.ExemptUserIDs {
		l.exemptUserIDs[userID] = struct{}{}
	}
	for handler, override := range cfg.PerHandlerOverrides {
		l.perHandler[handler] = newLimiterConfig(override.Threshold, override.CooloffMS)
	}
	for _, addr := range cfg.ExemptIPAddresses {
		if network := exemptNetwork(addr); network != nil {
			l.exemptNets = append(l.exemptNets, network)
		}
	}
	return l
}

// exemptNetwork parses a single address or a CIDR range. A single address
// becomes a network holding only that address.
func exemptNetwork(addr string) *net.IPNet {
	if ip := net.ParseIP(addr); ip != nil {
		bits := 8 * net.IPv6len
		if ip4 := ip.To4(); ip4 != nil {
			ip, bits = ip4, 8*net.IPv4len
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
	}
	if _, network, err := net.ParseCIDR(addr); err == nil {
		return network
	}
	logrus.WithField("address", addr).Warn("Ignoring invalid rate limiting exemption")
	return nil
}

// Limit returns a 429 response if the caller has used the handler too
// often. The caller is the user if one is known, otherwise the client
// address. Handlers with an override are limited separately from the rest.
func (l *RateLimits) Limit(req *http.Request, handler, userID string) *util.JSONResponse {
	if !l.enabled || l.exempt(req, userID) {
		rateLimitAllowed.WithLabelValues(handler).Inc()
		return nil
	}

	caller := userID
	if caller == "" {
		if ip := requestIP(req); ip != nil {
			caller = ip.String()
		} else {
			caller = req.RemoteAddr
		}
	}
	cfg, key := l.defaultConfig, caller
	if override, ok := l.perHandler[handler]; ok {
		cfg, key = override, handler+"|"+caller
	}

	if cfg.active() && !l.store.get(key, cfg).Allow() {
		rateLimitRejections.WithLabelValues(handler).Inc()
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: spec.LimitExceeded("You are sending too many requests too quickly!", cfg.cooloff.Milliseconds()),
		}
	}
	rateLimitAllowed.WithLabelValues(handler).Inc()
	return nil
}

func (l *RateLimits) exempt(req *http.Request, userID string) bool {
	if _, ok := l.exemptUserIDs[userID]; ok && userID != "" {
		return true
	}
	ip := requestIP(req)
	if ip == nil {
		return false
	}
	for _, network := range l.exemptNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// requestIP returns the address of the client. X-Forwarded-For is only
// honoured when the connection comes from loopback, i.e. from a reverse
// proxy on the same host. Its first non-loopback entry is used.
func requestIP(req *http.Request) net.IP {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remoteIP := net.ParseIP(strings.TrimSpace(host))
	if remoteIP == nil || !remoteIP.IsLoopback() {
		return remoteIP
	}
	for _, part := range strings.Split(req.Header.Get("X-Forwarded-For"), ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil && !ip.IsLoopback() {
			return ip
		}
	}
	return remoteIP
}
