// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package signing

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/roomfed/internal"
	"github.com/element-hq/roomfed/internal/canonicaljson"
)

// SignJSON adds this server's signature to an arbitrary JSON object. The
// signature covers the canonical object without "signatures" and "unsigned";
// signatures already present from other servers are preserved.
func SignJSON(v canonicaljson.Value, keys *KeyRing) (canonicaljson.Value, error) {
	if err := keys.check(); err != nil {
		return canonicaljson.Value{}, err
	}
	if !v.IsObject() {
		return canonicaljson.Value{}, &internal.EncodingError{Message: "can only sign JSON objects"}
	}
	payload, err := canonicaljson.Marshal(v.Without("signatures", "unsigned"))
	if err != nil {
		return canonicaljson.Value{}, err
	}
	return withSignature(v, keys.ServerName, keys.KeyID, keys.sign(payload)), nil
}

// VerifyJSON checks a signature produced by SignJSON.
func VerifyJSON(v canonicaljson.Value, server spec.ServerName, keyID gomatrixserverlib.KeyID, key ed25519.PublicKey) error {
	sig, ok := v.Path("signatures", string(server), string(keyID))
	if !ok {
		return fmt.Errorf("no signature from %s with %s", server, keyID)
	}
	payload, err := canonicaljson.Marshal(v.Without("signatures", "unsigned"))
	if err != nil {
		return err
	}
	return verify(payload, sig.Str(), key)
}

// AuthHeader is the parsed form of an X-Matrix Authorization value.
type AuthHeader struct {
	Origin      spec.ServerName
	Destination spec.ServerName
	KeyID       gomatrixserverlib.KeyID
	Signature   string
}

func requestJSON(method, uri string, origin, destination spec.ServerName, content *canonicaljson.Value) canonicaljson.Value {
	fields := map[string]canonicaljson.Value{
		"method":      canonicaljson.NewString(method),
		"uri":         canonicaljson.NewString(uri),
		"origin":      canonicaljson.NewString(string(origin)),
		"destination": canonicaljson.NewString(string(destination)),
	}
	if content != nil {
		fields["content"] = *content
	}
	return canonicaljson.NewObject(fields)
}

// BuildAuthHeader signs a federation request and formats the result as an
// X-Matrix Authorization header value. content is nil for requests without a body.
func BuildAuthHeader(keys *KeyRing, method, uri string, origin, destination spec.ServerName, content *canonicaljson.Value) (string, error) {
	if err := keys.check(); err != nil {
		return "", err
	}
	payload, err := canonicaljson.Marshal(requestJSON(method, uri, origin, destination, content))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		origin, destination, keys.KeyID, keys.sign(payload),
	), nil
}

// ParseAuthHeader splits an X-Matrix Authorization value into its parameters.
func ParseAuthHeader(header string) (AuthHeader, error) {
	scheme, params, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || scheme != "X-Matrix" {
		return AuthHeader{}, fmt.Errorf("authorization scheme is not X-Matrix")
	}
	var h AuthHeader
	for _, param := range strings.Split(params, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch name {
		case "origin":
			h.Origin = spec.ServerName(value)
		case "destination":
			h.Destination = spec.ServerName(value)
		case "key":
			h.KeyID = gomatrixserverlib.KeyID(value)
		case "sig":
			h.Signature = value
		}
	}
	if h.Origin == "" || h.KeyID == "" || h.Signature == "" {
		return AuthHeader{}, fmt.Errorf("authorization header is missing origin, key or sig")
	}
	return h, nil
}

// KeyLookup finds the verify key a server published under a key ID.
type KeyLookup func(server spec.ServerName, keyID gomatrixserverlib.KeyID) (ed25519.PublicKey, error)

// VerifyAuthHeader checks an inbound request signature, canonicalising the
// request exactly as BuildAuthHeader does. It returns the authenticated origin.
func VerifyAuthHeader(header, method, uri string, destination spec.ServerName, content *canonicaljson.Value, lookup KeyLookup) (spec.ServerName, error) {
	h, err := ParseAuthHeader(header)
	if err != nil {
		return "", err
	}
	if h.Destination != "" && h.Destination != destination {
		return "", fmt.Errorf("request is addressed to %q, not %q", h.Destination, destination)
	}
	key, err := lookup(h.Origin, h.KeyID)
	if err != nil {
		return "", fmt.Errorf("fetching key %s for %s: %w", h.KeyID, h.Origin, err)
	}
	payload, err := canonicaljson.Marshal(requestJSON(method, uri, h.Origin, destination, content))
	if err != nil {
		return "", err
	}
	if err = verify(payload, h.Signature, key); err != nil {
		return "", err
	}
	return h.Origin, nil
}
