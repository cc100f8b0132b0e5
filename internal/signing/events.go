// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/internal/roomversion"
)

// stripForHash removes the keys that never take part in hashing. event_id is
// only part of the payload for room versions that let the origin choose it.
func stripForHash(event canonicaljson.Value, impl roomversion.Impl, extra ...string) canonicaljson.Value {
	keys := append([]string{"signatures", "unsigned"}, extra...)
	if impl.EventIDFromHash() {
		keys = append(keys, "event_id")
	}
	return event.Without(keys...)
}

// ContentHash is the SHA-256 of the canonical event without signatures,
// unsigned data and existing hashes.
func ContentHash(event canonicaljson.Value, impl roomversion.Impl) ([]byte, error) {
	if !event.IsObject() {
		return nil, &internal.EncodingError{Message: "event is not a JSON object"}
	}
	raw, err := canonicaljson.Marshal(stripForHash(event, impl, "hashes"))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// ReferenceHash is the SHA-256 of the redacted canonical event without
// signatures and unsigned data. Hash-derived event IDs encode it.
func ReferenceHash(event canonicaljson.Value, impl roomversion.Impl) ([]byte, error) {
	if !event.IsObject() {
		return nil, &internal.EncodingError{Message: "event is not a JSON object"}
	}
	redacted := stripForHash(impl.Redact(event), impl)
	raw, err := canonicaljson.Marshal(redacted)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// EventID returns the ID of the event under the rules of its room version.
func EventID(event canonicaljson.Value, impl roomversion.Impl) (string, error) {
	switch impl.EventID {
	case roomversion.EventIDFormatV1:
		id, ok := event.Get("event_id")
		if !ok || id.Str() == "" {
			return "", &internal.ParamError{Param: "event_id", Message: "missing for room version " + string(impl.Version)}
		}
		return id.Str(), nil
	case roomversion.EventIDFormatV2:
		hash, err := ReferenceHash(event, impl)
		if err != nil {
			return "", err
		}
		return "$" + base64.RawStdEncoding.EncodeToString(hash), nil
	case roomversion.EventIDFormatV3:
		hash, err := ReferenceHash(event, impl)
		if err != nil {
			return "", err
		}
		return "$" + base64.RawURLEncoding.EncodeToString(hash), nil
	}
	return "", fmt.Errorf("room version %q has no event ID format", impl.Version)
}

// HashAndSign produces the signed form of an event template. It only adds
// hashes and signatures: content, timestamps and every other field the caller
// supplied are carried over untouched. For hash-derived room versions the
// event_id key is removed, since it is not part of the signed payload.
func HashAndSign(template canonicaljson.Value, impl roomversion.Impl, keys *KeyRing) (canonicaljson.Value, string, error) {
	if err := keys.check(); err != nil {
		return canonicaljson.Value{}, "", err
	}
	if !template.IsObject() {
		return canonicaljson.Value{}, "", &internal.EncodingError{Message: "event template is not a JSON object"}
	}

	event := template
	if impl.EventIDFromHash() {
		event = event.Without("event_id")
	} else if id, ok := event.Get("event_id"); !ok || id.Str() == "" {
		event = event.With("event_id", canonicaljson.NewString(fmt.Sprintf("$%s:%s", util.RandomString(16), keys.ServerName)))
	}

	contentHash, err := ContentHash(event, impl)
	if err != nil {
		return canonicaljson.Value{}, "", err
	}
	hashes, _ := event.Get("hashes")
	event = event.With("hashes", hashes.With("sha256", canonicaljson.NewString(base64.RawStdEncoding.EncodeToString(contentHash))))

	eventID, err := EventID(event, impl)
	if err != nil {
		return canonicaljson.Value{}, "", err
	}

	payload, err := canonicaljson.Marshal(stripForHash(impl.Redact(event), impl))
	if err != nil {
		return canonicaljson.Value{}, "", err
	}
	event = withSignature(event, keys.ServerName, keys.KeyID, keys.sign(payload))
	return event, eventID, nil
}

func withSignature(v canonicaljson.Value, server spec.ServerName, keyID gomatrixserverlib.KeyID, sig string) canonicaljson.Value {
	sigs, _ := v.Get("signatures")
	serverSigs, _ := sigs.Get(string(server))
	serverSigs = serverSigs.With(string(keyID), canonicaljson.NewString(sig))
	return v.With("signatures", sigs.With(string(server), serverSigs))
}

// CheckContentHash verifies hashes.sha256 against the event body.
func CheckContentHash(event canonicaljson.Value, impl roomversion.Impl) error {
	claimed, ok := event.Path("hashes", "sha256")
	if !ok || claimed.Kind() != canonicaljson.String {
		return fmt.Errorf("event has no sha256 content hash")
	}
	want, err := base64.RawStdEncoding.DecodeString(claimed.Str())
	if err != nil {
		return fmt.Errorf("content hash is not valid base64: %w", err)
	}
	got, err := ContentHash(event, impl)
	if err != nil {
		return err
	}
	if string(got) != string(want) {
		return fmt.Errorf("content hash mismatch")
	}
	return nil
}

// VerifyEventSignature checks the signature a server made over an event.
func VerifyEventSignature(event canonicaljson.Value, impl roomversion.Impl, server spec.ServerName, keyID gomatrixserverlib.KeyID, key ed25519.PublicKey) error {
	sig, ok := event.Path("signatures", string(server), string(keyID))
	if !ok {
		return fmt.Errorf("event is not signed by %s with %s", server, keyID)
	}
	payload, err := canonicaljson.Marshal(stripForHash(impl.Redact(event), impl))
	if err != nil {
		return err
	}
	return verify(payload, sig.Str(), key)
}

func verify(payload []byte, sig string, key ed25519.PublicKey) error {
	raw, err := base64.RawStdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("signature is not valid base64: %w", err)
	}
	if len(key) != ed25519.PublicKeySize || !ed25519.Verify(key, payload, raw) {
		return fmt.Errorf("bad signature")
	}
	return nil
}
