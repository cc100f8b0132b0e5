// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"testing"

	natsclient "github.com/nats-io/nats.go"

	"github.com/element-hq/roomfed/setup/config"
	"github.com/element-hq/roomfed/setup/jetstream"
	"github.com/element-hq/roomfed/setup/process"
)

// PrepareJetStream starts an in-memory embedded NATS server that lives as
// long as the test.
func PrepareJetStream(t *testing.T) (natsclient.JetStreamContext, *config.JetStream) {
	t.Helper()
	cfg := &config.JetStream{
		StoragePath: config.Path(t.TempDir()),
		TopicPrefix: "Test",
		InMemory:    true,
		NoLog:       true,
	}
	processCtx := process.NewProcessContext()
	natsInstance := &jetstream.NATSInstance{}
	js, nc, err := natsInstance.Prepare(processCtx, cfg)
	if err != nil {
		t.Fatalf("failed to prepare NATS: %s", err)
	}
	t.Cleanup(func() {
		nc.Close()
		processCtx.ShutdownDendrite()
		processCtx.WaitForComponentsToFinish()
	})
	return js, cfg
}
