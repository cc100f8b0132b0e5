// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	"github.com/element-hq/roomfed/internal/roomversion"
	"github.com/element-hq/roomfed/roomserver/types"
)

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	RoomVersions     Cache[string, roomversion.RoomVersion] // room ID -> room version
	RoomServerEvents Cache[string, *types.Event]            // event ID -> event
	RoomInfos        Cache[string, *types.Room]             // room ID -> room record
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
}

type keyable interface {
	// from https://github.com/dgraph-io/ristretto/blob/8e850b710d6df0383c375ec6a7beae4ce48fc8d5/z/z.go#L34
	~uint64 | ~string | []byte | byte | ~int | ~int32 | ~uint32 | ~int64
}

type costable interface {
	CacheCost() int
}

const (
	// DisableMetrics and EnableMetrics control whether the caches
	// register their Prometheus gauges.
	DisableMetrics = false
	EnableMetrics  = true
)

// lesserOf returns the shorter of two cache lifetimes.
func lesserOf(time1, time2 time.Duration) time.Duration {
	if time1 < time2 {
		return time1
	}
	return time2
}
