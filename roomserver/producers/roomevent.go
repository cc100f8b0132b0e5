// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/roomfed/roomserver/api"
	"github.com/element-hq/roomfed/setup/jetstream"
)

// RoomEventProducer publishes the output of the roomserver to JetStream.
type RoomEventProducer struct {
	TopicPrefix string
	JetStream   nats.JetStreamContext
}

// ProduceRoomEvents publishes the updates of one room, in order.
func (r *RoomEventProducer) ProduceRoomEvents(ctx context.Context, roomID string, updates []api.OutputEvent) error {
	for _, update := range updates {
		msg := nats.NewMsg(jetstream.OutputRoomEventSubject(r.TopicPrefix, roomID))
		msg.Header.Set(jetstream.RoomEventType, string(update.Type))
		msg.Header.Set(jetstream.RoomID, roomID)
		data, err := json.Marshal(update)
		if err != nil {
			return fmt.Errorf("json.Marshal: %w", err)
		}
		msg.Data = data

		logger := log.WithFields(log.Fields{
			"room_id": roomID,
			"type":    update.Type,
		})
		if update.NewRoomState != nil {
			logger = logger.WithFields(log.Fields{
				"adds_state":    len(update.NewRoomState.AddsState),
				"removes_state": len(update.NewRoomState.RemovesState),
			})
		}
		logger.Tracef("Producing to topic '%s'", msg.Subject)
		if _, err = r.JetStream.PublishMsg(msg, nats.Context(ctx)); err != nil {
			logger.WithError(err).Errorf("Failed to produce to topic '%s'", msg.Subject)
			return err
		}
	}
	return nil
}
