// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomversion

import (
	"github.com/element-hq/roomfed/internal/canonicaljson"
)

var topLevelV1 = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content", "hashes",
	"signatures", "depth", "prev_events", "prev_state", "auth_events", "origin",
	"origin_server_ts", "membership",
}

var topLevelV11 = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content", "hashes",
	"signatures", "depth", "prev_events", "auth_events", "origin_server_ts",
}

// Redact strips an event down to the keys that survive redaction under this
// room version. Signatures and reference hashes are computed over this form.
func (i Impl) Redact(event canonicaljson.Value) canonicaljson.Value {
	keep := topLevelV1
	if i.Redaction == RedactionV5 {
		keep = topLevelV11
	}
	out := event.Only(keep...)

	evType, _ := event.Get("type")
	content, _ := event.Get("content")
	return out.With("content", i.redactContent(evType.Str(), content))
}

func (i Impl) redactContent(evType string, content canonicaljson.Value) canonicaljson.Value {
	var keep []string
	switch evType {
	case "m.room.member":
		keep = []string{"membership"}
		if i.Redaction >= RedactionV4 {
			keep = append(keep, "join_authorised_via_users_server")
		}
		if i.Redaction >= RedactionV5 {
			out := content.Only(keep...)
			if signed, ok := content.Path("third_party_invite", "signed"); ok {
				out = out.With("third_party_invite", canonicaljson.NewObject(map[string]canonicaljson.Value{
					"signed": signed,
				}))
			}
			return out
		}
	case "m.room.create":
		if i.Redaction >= RedactionV5 {
			if content.IsObject() {
				return content
			}
			return canonicaljson.NewObject(nil)
		}
		keep = []string{"creator"}
	case "m.room.join_rules":
		keep = []string{"join_rule"}
		if i.Redaction >= RedactionV3 {
			keep = append(keep, "allow")
		}
	case "m.room.power_levels":
		keep = []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if i.Redaction >= RedactionV5 {
			keep = append(keep, "invite")
		}
	case "m.room.aliases":
		if i.Redaction == RedactionV1 {
			keep = []string{"aliases"}
		}
	case "m.room.history_visibility":
		keep = []string{"history_visibility"}
	case "m.room.redaction":
		if i.Redaction >= RedactionV5 {
			keep = []string{"redacts"}
		}
	}
	return content.Only(keep...)
}
