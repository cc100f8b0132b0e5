// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerResolver_Resolve(t *testing.T) {
	t.Parallel()
	resolver := NewServerResolver(map[spec.ServerName]string{
		"Static.test": "http://127.0.0.1:8008/",
		"bare.test":   "10.0.0.1:8448",
	}, time.Minute)

	tests := []struct {
		name    string
		server  spec.ServerName
		want    string
		wantErr bool
	}{
		{name: "static address", server: "static.test", want: "http://127.0.0.1:8008"},
		{name: "static address is case insensitive", server: " STATIC.test ", want: "http://127.0.0.1:8008"},
		{name: "static address without scheme", server: "bare.test", want: "https://10.0.0.1:8448"},
		{name: "server name", server: "matrix.test", want: "https://matrix.test"},
		{name: "server name with port", server: "matrix.test:8448", want: "https://matrix.test:8448"},
		{name: "invalid server name", server: "not a server", wantErr: true},
		{name: "empty server name", server: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u, err := resolver.Resolve(tt.server)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestServerResolver_ReturnsCopies(t *testing.T) {
	t.Parallel()
	resolver := NewServerResolver(nil, time.Minute)

	first, err := resolver.Resolve("matrix.test")
	require.NoError(t, err)
	first.Host = "elsewhere.test"

	second, err := resolver.Resolve("matrix.test")
	require.NoError(t, err)
	assert.Equal(t, "matrix.test", second.Host)

	resolver.Forget("MATRIX.test")
	_, cached := resolver.cache.Get("matrix.test")
	assert.False(t, cached)
	third, err := resolver.Resolve("matrix.test")
	require.NoError(t, err)
	assert.Equal(t, "https://matrix.test", third.String())
}
