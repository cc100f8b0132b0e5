// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var clientAPIRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "roomfed",
		Subsystem: "clientapi",
		Name:      "request_duration_seconds",
		Help:      "Time spent serving client API requests",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
	[]string{"handler", "method", "code"},
)

// MakeHTTPAPI adds rate limiting, logging and, optionally, request metrics
// to a handler. A nil limiter disables rate limiting. Callers naming a user
// in the user_id query parameter are limited as that user.
func MakeHTTPAPI(metricsName string, limits *RateLimits, enableMetrics bool, f http.HandlerFunc) http.Handler {
	withLimits := func(w http.ResponseWriter, req *http.Request) {
		logger := util.GetLogger(req.Context()).WithFields(logrus.Fields{
			"handler": metricsName,
			"method":  req.Method,
		})
		req = req.WithContext(util.ContextWithLogger(req.Context(), logger))
		if limits != nil {
			if res := limits.Limit(req, metricsName, req.URL.Query().Get("user_id")); res != nil {
				writeJSONResponse(w, req, res)
				return
			}
		}
		f(w, req)
	}
	if !enableMetrics {
		return http.HandlerFunc(withLimits)
	}
	return promhttp.InstrumentHandlerDuration(
		clientAPIRequestDuration.MustCurryWith(prometheus.Labels{"handler": metricsName}),
		http.HandlerFunc(withLimits),
	)
}

// MakeJSONAPI turns a function returning a util.JSONResponse into a handler.
func MakeJSONAPI(metricsName string, limits *RateLimits, enableMetrics bool, f func(*http.Request) util.JSONResponse) http.Handler {
	return MakeHTTPAPI(metricsName, limits, enableMetrics, func(w http.ResponseWriter, req *http.Request) {
		res := f(req)
		writeJSONResponse(w, req, &res)
	})
}

func writeJSONResponse(w http.ResponseWriter, req *http.Request, res *util.JSONResponse) {
	util.MakeJSONAPI(util.NewJSONRequestHandler(func(*http.Request) util.JSONResponse {
		return *res
	})).ServeHTTP(w, req)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()

		if !ok || user != b.Username || pass != b.Password {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}
