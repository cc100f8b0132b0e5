// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal/signing"
)

var userIDCounter int64

const (
	// ServerName is the default server test users live on.
	ServerName = spec.ServerName("test")
	// KeyID is the key ID every test server signs with.
	KeyID = "ed25519:test"
)

type User struct {
	ID         string
	Localpart  string
	ServerName spec.ServerName
}

type UserOpt func(*User)

func WithServerName(serverName spec.ServerName) UserOpt {
	return func(u *User) {
		u.ServerName = serverName
	}
}

func WithLocalpart(localpart string) UserOpt {
	return func(u *User) {
		u.Localpart = localpart
	}
}

// NewUser creates a new user with a unique ID on ServerName, unless an
// option says otherwise.
func NewUser(t *testing.T, opts ...UserOpt) *User {
	counter := atomic.AddInt64(&userIDCounter, 1)
	u := &User{
		Localpart:  fmt.Sprintf("user_%d", counter),
		ServerName: ServerName,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.ID = fmt.Sprintf("@%s:%s", u.Localpart, u.ServerName)
	t.Logf("NewUser: created user %s", u.ID)
	return u
}

// Keys returns the signing keys of the user's server.
func (u *User) Keys(t *testing.T) *signing.KeyRing {
	return KeyRing(t, u.ServerName)
}

// PrivateKey derives a stable key for a server name, so that independently
// constructed helpers agree on each server's identity.
func PrivateKey(serverName spec.ServerName) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte("signing key for " + serverName))
	return ed25519.NewKeyFromSeed(seed[:])
}

// KeyRing returns the signing identity of a test server.
func KeyRing(t *testing.T, serverName spec.ServerName) *signing.KeyRing {
	t.Helper()
	keys, err := signing.NewKeyRing(serverName, KeyID, PrivateKey(serverName))
	if err != nil {
		t.Fatalf("KeyRing: %s", err)
	}
	return keys
}
