// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net"
)

type ClientAPI struct {
	Matrix *Global `yaml:"-"`

	// Rate-limiting options
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

func (c *ClientAPI) Defaults(opts DefaultOpts) {
	c.RateLimiting.Defaults()
}

func (c *ClientAPI) Verify(configErrs *ConfigErrors) {
	c.RateLimiting.Verify(configErrs)
}

// RateLimiting limits how often one caller may use a handler. Callers are
// told apart by user ID when a request names one, otherwise by address.
type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many requests a caller may make in a burst.
	Threshold int64 `yaml:"threshold"`

	// The period in milliseconds after which the whole burst is available
	// again.
	CooloffMS int64 `yaml:"cooloff_ms"`

	// Users that are never limited, i.e. bridges or other bots.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`

	// IP addresses or CIDR ranges that are never limited.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Limits for single handlers, by handler name, such as "join".
	PerHandlerOverrides map[string]RateLimitOverride `yaml:"per_handler_overrides"`
}

type RateLimitOverride struct {
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	r.Threshold = 5
	r.CooloffMS = 500
	r.PerHandlerOverrides = map[string]RateLimitOverride{
		// Every join makes several requests to other servers.
		"join": {Threshold: 3, CooloffMS: 10000},
	}
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add("client_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled")
	}
	for name, override := range r.PerHandlerOverrides {
		if override.Threshold <= 0 || override.CooloffMS <= 0 {
			configErrs.Add(fmt.Sprintf("client_api.rate_limiting.per_handler_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name))
		}
	}
	for _, addr := range r.ExemptIPAddresses {
		if net.ParseIP(addr) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(addr); err != nil {
			configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "client_api.rate_limiting.exempt_ip_addresses", addr))
		}
	}
}
