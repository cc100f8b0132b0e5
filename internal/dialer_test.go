// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkPolicy(t *testing.T) {
	t.Parallel()
	policy, err := NewNetworkPolicy(
		[]string{"0.0.0.0/0", "::/0"},
		[]string{"127.0.0.1/8", "10.0.0.0/8", "fc00::/7"},
	)
	require.NoError(t, err)

	tests := []struct {
		ip      string
		allowed bool
	}{
		{ip: "1.1.1.1", allowed: true},
		{ip: "127.0.0.1", allowed: false},
		{ip: "10.20.30.40", allowed: false},
		{ip: "2001:db8::1", allowed: true},
		{ip: "fd00::1", allowed: false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.allowed, policy.Allowed(net.ParseIP(tc.ip)), tc.ip)
	}

	ctx := context.Background()
	err = policy.control(ctx, "tcp4", "127.0.0.1:8448", nil)
	assert.ErrorIs(t, err, ErrDeniedAddress)
	assert.NoError(t, policy.control(ctx, "tcp4", "1.1.1.1:8448", nil))
	assert.Error(t, policy.control(ctx, "udp", "1.1.1.1:8448", nil))   
	assert.NotNil(t, policy.Dialer(time.Second).ControlContext)
}

func TestNetworkPolicyUnrestricted(t *testing.T) {
	t.Parallel()
	policy, err := NewNetworkPolicy(nil, nil)
	require.NoError(t, err)
	assert.True(t, policy.Unrestricted())
	assert.True(t, policy.Allowed(net.ParseIP("127.0.0.1")))
	assert.Nil(t, policy.Dialer(time.Second).ControlContext)

	_, err = NewNetworkPolicy([]string{"not-a-cidr"}, nil)
	assert.Error(t, err)
}
