// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package signing

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal"
)

// KeyRing holds the identity this server signs with.
type KeyRing struct {
	ServerName spec.ServerName
	KeyID      gomatrixserverlib.KeyID
	PrivateKey ed25519.PrivateKey
}

// NewKeyRing checks the key material and returns a KeyRing. A missing or
// malformed key is a configuration problem and yields a KeyError.
func NewKeyRing(serverName spec.ServerName, keyID gomatrixserverlib.KeyID, key ed25519.PrivateKey) (*KeyRing, error) {
	k := &KeyRing{ServerName: serverName, KeyID: keyID, PrivateKey: key}
	if err := k.check(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *KeyRing) check() error {
	switch {
	case k == nil:
		return &internal.KeyError{Message: "no signing key configured"}
	case k.ServerName == "":
		return &internal.KeyError{Message: "no server name configured"}
	case k.KeyID == "":
		return &internal.KeyError{Message: "no key ID configured"}
	case len(k.PrivateKey) != ed25519.PrivateKeySize:
		return &internal.KeyError{Message: "private key is missing or has the wrong length"}
	}
	return nil
}

// PublicKey returns the verify key matching PrivateKey.
func (k *KeyRing) PublicKey() ed25519.PublicKey {
	return k.PrivateKey.Public().(ed25519.PublicKey)
}

// PublicKeyBase64 is the verify key in the unpadded form published under /_matrix/key.
func (k *KeyRing) PublicKeyBase64() string {
	return base64.RawStdEncoding.EncodeToString(k.PublicKey())
}

func (k *KeyRing) sign(message []byte) string {
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(k.PrivateKey, message))
}
