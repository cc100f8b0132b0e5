// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	// How long a whole join handshake may take, including the post-join broadcast.
	// The handshake keeps running for this long even if the caller goes away.
	JoinTimeout time.Duration `yaml:"join_timeout"`

	// Timeout for each individual request to a remote server.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// How many servers are sent the join event at once after a successful join.
	BroadcastConcurrency int `yaml:"broadcast_concurrency"`

	// How long resolved server addresses are remembered for.
	ServerAddressTTL time.Duration `yaml:"server_address_ttl"`

	// Static address overrides, from server name to "host:port" or a full
	// base URL. Servers not listed are contacted on https://<server name>.
	ServerAddresses map[spec.ServerName]string `yaml:"server_addresses"`

	// Disable the validation of TLS certificates of remote federated homeservers. Do not
	// enable this option in production as it presents a security risk!
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// Disable HTTP keepalives for federation requests.
	DisableHTTPKeepalives bool `yaml:"disable_http_keepalives"`

	// Networks outbound federation requests may connect to. Denied networks
	// take precedence.
	AllowNetworkCIDRs []string `yaml:"allow_network_cidrs"`
	DenyNetworkCIDRs  []string `yaml:"deny_network_cidrs"`

	// Limits on how quickly requests are made to any single destination.
	RateLimiting DestinationRateLimiting `yaml:"rate_limiting"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.JoinTimeout = 2 * time.Minute
	c.RequestTimeout = 30 * time.Second
	c.BroadcastConcurrency = 8
	c.ServerAddressTTL = 10 * time.Minute
	c.ServerAddresses = map[spec.ServerName]string{}
	c.AllowNetworkCIDRs = []string{"0.0.0.0/0", "::/0"}
	c.DenyNetworkCIDRs = []string{
		"127.0.0.1/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"192.0.0.0/24",
		"169.254.0.0/16",
		"198.18.0.0/15",
		"192.0.2.0/24",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	c.RateLimiting.Defaults()
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "federation_api.join_timeout", int64(c.JoinTimeout))
	checkPositive(configErrs, "federation_api.request_timeout", int64(c.RequestTimeout))
	checkPositive(configErrs, "federation_api.server_address_ttl", int64(c.ServerAddressTTL))
	if c.BroadcastConcurrency < 1 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", "federation_api.broadcast_concurrency", c.BroadcastConcurrency))
	}
	if c.JoinTimeout > 0 && c.RequestTimeout > c.JoinTimeout {
		configErrs.Add("federation_api.request_timeout must not be longer than federation_api.join_timeout")
	}
	for server, addr := range c.ServerAddresses {
		if addr == "" {
			configErrs.Add(fmt.Sprintf("federation_api.server_addresses.%s must not be empty", server))
		}
	}
	c.RateLimiting.Verify(configErrs)
}

// DestinationRateLimiting limits outbound requests per remote server.
type DestinationRateLimiting struct {
	Enabled bool `yaml:"enabled"`

	// How many requests may be made to one destination in a burst.
	Threshold int64 `yaml:"threshold"`

	// The period in milliseconds after which one slot is freed again.
	CooloffMS int64 `yaml:"cooloff_ms"`

	// Destinations that are never limited.
	ExemptServers []spec.ServerName `yaml:"exempt_servers"`
}

func (r *DestinationRateLimiting) Defaults() {
	r.Enabled = true
	r.Threshold = 20
	r.CooloffMS = 100
}

func (r *DestinationRateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add(
			"federation_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled",
		)
	}
}
