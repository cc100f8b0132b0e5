// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/patrickmn/go-cache"

	"github.com/element-hq/roomfed/internal/util"
)

// ServerResolver turns server names into base URLs. Addresses configured
// statically win; any other server is reached on https://<server name>.
// Server discovery through .well-known and SRV records is not done.
type ServerResolver struct {
	static map[spec.ServerName]string
	cache  *cache.Cache
}

func NewServerResolver(static map[spec.ServerName]string, ttl time.Duration) *ServerResolver {
	normalised := make(map[spec.ServerName]string, len(static))
	for server, addr := range static {
		normalised[util.NormalizeServerName(server)] = addr
	}
	return &ServerResolver{
		static: normalised,
		cache:  cache.New(ttl, 2*ttl),
	}
}

// Resolve returns the base URL requests to server are sent to.
func (r *ServerResolver) Resolve(server spec.ServerName) (*url.URL, error) {
	server = util.NormalizeServerName(server)
	if cached, ok := r.cache.Get(string(server)); ok {
		u := *cached.(*url.URL)
		return &u, nil
	}
	if _, _, valid := spec.ParseAndValidateServerName(server); !valid {
		return nil, fmt.Errorf("cannot resolve %q: not a valid server name", server)
	}
	addr, ok := r.static[server]
	switch {
	case !ok:
		addr = "https://" + string(server)
	case !strings.Contains(addr, "://"):
		addr = "https://" + addr
	}
	u, err := url.Parse(strings.TrimSuffix(addr, "/"))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %q: %w", server, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("cannot resolve %q: address %q has no host", server, addr)
	}
	r.cache.SetDefault(string(server), u)
	c := *u
	return &c, nil
}

// Forget drops a cached address so the next request resolves it again.
func (r *ServerResolver) Forget(server spec.ServerName) {
	r.cache.Delete(string(util.NormalizeServerName(server)))
}
