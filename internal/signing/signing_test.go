// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package signing

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/canonicaljson"
	"github.com/element-hq/roomfed/internal/roomversion"
)

const joinTemplate = `{
	"type": "m.room.member",
	"state_key": "@alice:local.test",
	"sender": "@alice:local.test",
	"room_id": "!room:remote.test",
	"origin": "local.test",
	"origin_server_ts": 1700000000000,
	"depth": 7,
	"content": {"membership": "join", "displayname": "Alice"},
	"prev_events": ["$prev"],
	"auth_events": ["$create", "$power", "$rules"],
	"event_id": "$ignored-by-hash-versions"
}`

func testKeyRing(t *testing.T, server string) *KeyRing {
	t.Helper()
	seed := bytes.Repeat([]byte{byte(len(server))}, ed25519.SeedSize)
	k, err := NewKeyRing(spec.ServerName(server), "ed25519:test", ed25519.NewKeyFromSeed(seed))
	require.NoError(t, err)
	return k
}

func parse(t *testing.T, raw string) canonicaljson.Value {
	t.Helper()
	v, err := canonicaljson.Parse([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestHashAndSign_IsDeterministic(t *testing.T) {
	t.Parallel()

	keys := testKeyRing(t, "local.test")
	impl := roomversion.MustGet(roomversion.V10)
	template := parse(t, joinTemplate)

	first, firstID, err := HashAndSign(template, impl, keys)
	require.NoError(t, err)
	second, secondID, err := HashAndSign(template, impl, keys)
	require.NoError(t, err)

	assert.Equal(t, firstID, secondID)
	firstHash, _ := first.Path("hashes", "sha256")
	secondHash, _ := second.Path("hashes", "sha256")
	assert.Equal(t, firstHash.Str(), secondHash.Str())
	assert.True(t, strings.HasPrefix(firstID, "$"))
	assert.NotContains(t, firstID, "+", "v4+ event IDs are URL-safe")
}

func TestHashAndSign_DoesNotAlterTemplate(t *testing.T) {
	t.Parallel()

	keys := testKeyRing(t, "local.test")
	template := parse(t, joinTemplate)

	signed, _, err := HashAndSign(template, roomversion.MustGet(roomversion.V10), keys)
	require.NoError(t, err)

	_, stillHasID := template.Get("event_id")
	assert.True(t, stillHasID, "template must not be mutated")
	_, signedHasID := signed.Get("event_id")
	assert.False(t, signedHasID, "event_id is not part of the signed payload")

	for _, key := range []string{"content", "origin_server_ts", "depth", "prev_events", "auth_events", "sender"} {
		want, _ := template.Get(key)
		got, _ := signed.Get(key)
		assert.True(t, want.Equal(got), "field %s changed", key)
	}
	require.NoError(t, CheckContentHash(signed, roomversion.MustGet(roomversion.V10)))
}

func TestHashAndSign_EventIDMatchesGomatrixserverlib(t *testing.T) {
	t.Parallel()

	keys := testKeyRing(t, "local.test")
	signed, eventID, err := HashAndSign(parse(t, joinTemplate), roomversion.MustGet(roomversion.V10), keys)
	require.NoError(t, err)

	raw, err := canonicaljson.Marshal(signed)
	require.NoError(t, err)
	ev, err := gomatrixserverlib.MustGetRoomVersion(gomatrixserverlib.RoomVersionV10).NewEventFromTrustedJSON(raw, false)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID(), eventID)
}

func TestHashAndSign_SignatureVerifies(t *testing.T) {
	t.Parallel()

	keys := testKeyRing(t, "local.test")
	impl := roomversion.MustGet(roomversion.V10)
	signed, _, err := HashAndSign(parse(t, joinTemplate), impl, keys)
	require.NoError(t, err)

	require.NoError(t, VerifyEventSignature(signed, impl, keys.ServerName, keys.KeyID, keys.PublicKey()))

	// The signature covers the redacted form, which gomatrixserverlib can check independently.
	redacted, err := canonicaljson.Marshal(impl.Redact(signed))
	require.NoError(t, err)
	require.NoError(t, gomatrixserverlib.VerifyJSON(string(keys.ServerName), keys.KeyID, keys.PublicKey(), redacted))

	// Redactable content can change without invalidating the signature, but not the hash.
	tampered := signed.With("content", parse(t, `{"membership":"join","displayname":"Mallory"}`))
	assert.NoError(t, VerifyEventSignature(tampered, impl, keys.ServerName, keys.KeyID, keys.PublicKey()))
	assert.Error(t, CheckContentHash(tampered, impl))
}

func TestHashAndSign_RoomVersionEventIDFormats(t *testing.T) {
	t.Parallel()

	keys := testKeyRing(t, "local.test")

	signed, v1ID, err := HashAndSign(parse(t, joinTemplate).Without("event_id"), roomversion.MustGet(roomversion.V1), keys)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(v1ID, ":local.test"), "v1 IDs are origin-scoped, got %s", v1ID)
	embedded, ok := signed.Get("event_id")
	require.True(t, ok, "v1 events carry their ID")
	assert.Equal(t, v1ID, embedded.Str())

	_, v3ID, err := HashAndSign(parse(t, joinTemplate), roomversion.MustGet(roomversion.V3), keys)
	require.NoError(t, err)
	_, v4ID, err := HashAndSign(parse(t, joinTemplate), roomversion.MustGet(roomversion.V4), keys)
	require.NoError(t, err)
	assert.Len(t, v3ID, len(v4ID))
	assert.NotContains(t, v4ID, "/")
}

func TestHashAndSign_MissingKey(t *testing.T) {
	t.Parallel()

	_, _, err := HashAndSign(parse(t, joinTemplate), roomversion.MustGet(roomversion.V10), nil)
	var keyErr *internal.KeyError
	require.True(t, errors.As(err, &keyErr))

	_, err = NewKeyRing("local.test", "ed25519:x", nil)
	require.True(t, errors.As(err, &keyErr))
}

func TestAuthHeader_RoundTrip(t *testing.T) {
	t.Parallel()

	keys := testKeyRing(t, "local.test")
	content := parse(t, `{"pdus":[],"edus":[]}`)
	uri := "/_matrix/federation/v1/send/txn1"

	header, err := BuildAuthHeader(keys, "PUT", uri, keys.ServerName, "remote.test", &content)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(header, `X-Matrix origin="local.test",destination="remote.test",key="ed25519:test",sig="`))

	lookup := func(server spec.ServerName, keyID gomatrixserverlib.KeyID) (ed25519.PublicKey, error) {
		require.Equal(t, keys.ServerName, server)
		require.Equal(t, keys.KeyID, keyID)
		return keys.PublicKey(), nil
	}

	origin, err := VerifyAuthHeader(header, "PUT", uri, "remote.test", &content, lookup)
	require.NoError(t, err)
	assert.Equal(t, keys.ServerName, origin)

	_, err = VerifyAuthHeader(header, "PUT", uri+"x", "remote.test", &content, lookup)
	assert.Error(t, err, "changed URI must not verify")
	_, err = VerifyAuthHeader(header, "PUT", uri, "other.test", &content, lookup)
	assert.Error(t, err, "wrong destination must not verify")
	_, err = VerifyAuthHeader(header, "PUT", uri, "remote.test", nil, lookup)
	assert.Error(t, err, "missing content must not verify")
}

func TestAuthHeader_VerifiesWithGomatrixserverlib(t *testing.T) {
	t.Parallel()

	keys := testKeyRing(t, "local.test")
	uri := "/_matrix/federation/v1/make_join/%21room:remote.test/@alice:local.test?ver=1&ver=2"

	header, err := BuildAuthHeader(keys, "GET", uri, keys.ServerName, "remote.test", nil)
	require.NoError(t, err)
	parsed, err := ParseAuthHeader(header)
	require.NoError(t, err)

	signedRequest := requestJSON("GET", uri, keys.ServerName, "remote.test", nil).
		With("signatures", canonicaljson.NewObject(map[string]canonicaljson.Value{
			"local.test": canonicaljson.NewObject(map[string]canonicaljson.Value{
				string(parsed.KeyID): canonicaljson.NewString(parsed.Signature),
			}),
		}))
	raw, err := canonicaljson.Marshal(signedRequest)
	require.NoError(t, err)
	require.NoError(t, gomatrixserverlib.VerifyJSON("local.test", parsed.KeyID, keys.PublicKey(), raw))
}

func TestSignJSON_PreservesOtherSignatures(t *testing.T) {
	t.Parallel()

	local := testKeyRing(t, "local.test")
	remote := testKeyRing(t, "far.away.test")

	doc := parse(t, `{"hello":"world","unsigned":{"age":5}}`)
	signedByRemote, err := SignJSON(doc, remote)
	require.NoError(t, err)
	signedByBoth, err := SignJSON(signedByRemote, local)
	require.NoError(t, err)

	require.NoError(t, VerifyJSON(signedByBoth, remote.ServerName, remote.KeyID, remote.PublicKey()))
	require.NoError(t, VerifyJSON(signedByBoth, local.ServerName, local.KeyID, local.PublicKey()))
	assert.Error(t, VerifyJSON(signedByBoth.With("hello", canonicaljson.NewString("mars")), local.ServerName, local.KeyID, local.PublicKey()))
}

func TestParseAuthHeader_Rejects(t *testing.T) {
	t.Parallel()

	for _, header := range []string{
		"",
		"Bearer abc",
		`X-Matrix origin="a"`,
		`X-Matrix key="ed25519:1",sig="x"`,
	} {
		_, err := ParseAuthHeader(header)
		assert.Error(t, err, "header %q", header)
	}
}
