// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"sort"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// NormalizeServerName trims whitespace and lowercases a server name so that
// comparisons and lookups remain case-insensitive. Domain names are defined as
// case-insensitive by RFC 1035, so this canonical form is safe to store.
func NormalizeServerName(name spec.ServerName) spec.ServerName {
	return spec.ServerName(strings.ToLower(strings.TrimSpace(string(name))))
}

// DistinctServers normalises the given server names and returns each one
// once, sorted, leaving out empty names and any listed in exclude.
func DistinctServers(names []spec.ServerName, exclude ...spec.ServerName) []spec.ServerName {
	skip := make(map[spec.ServerName]struct{}, len(exclude))
	for _, name := range exclude {
		skip[NormalizeServerName(name)] = struct{}{}
	}
	seen := make(map[spec.ServerName]struct{}, len(names))
	out := make([]spec.ServerName, 0, len(names))
	for _, name := range names {
		name = NormalizeServerName(name)
		if name == "" {
			continue
		}
		if _, ok := skip[name]; ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
