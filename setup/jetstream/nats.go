// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/element-hq/roomfed/setup/config"
	"github.com/element-hq/roomfed/setup/process"
	"github.com/sirupsen/logrus"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
)

type NATSInstance struct {
	*natsserver.Server
	nc *natsclient.Conn
	js natsclient.JetStreamContext
}

var natsLock sync.Mutex

// Prepare connects to the configured NATS servers, or starts an embedded
// server with JetStream enabled when none are configured, and makes sure
// every stream exists.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn, error) {
	natsLock.Lock()
	defer natsLock.Unlock()
	// check if we need an in-process NATS Server
	if len(cfg.Addresses) != 0 {
		// reuse existing connections
		if s.nc != nil {
			return s.js, s.nc, nil
		}
		js, nc, err := setupNATS(cfg, nil)
		if err != nil {
			return nil, nil, err
		}
		s.js, s.nc = js, nc
		return js, nc, nil
	}
	if s.Server == nil {
		var err error
		opts := &natsserver.Options{
			ServerName:      "monolith",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           cfg.NoLog,
			SyncAlways:      !cfg.InMemory,
		}
		s.Server, err = natsserver.NewServer(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create NATS server: %w", err)
		}
		s.ConfigureLogger()
		process.ComponentStarted()
		go s.Start()
		go func() {
			<-process.WaitForShutdown()
			s.Shutdown()
			s.WaitForShutdown()
			process.ComponentFinished()
		}()
	}
	if !s.ReadyForConnections(time.Second * 60) {
		return nil, nil, fmt.Errorf("NATS did not start in time")
	}
	// reuse existing connections
	if s.nc != nil {
		return s.js, s.nc, nil
	}
	nc, err := natsclient.Connect("", natsclient.InProcessServer(s))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create NATS client: %w", err)
	}
	js, nc, err := setupNATS(cfg, nc)
	if err != nil {
		return nil, nil, err
	}
	s.js, s.nc = js, nc
	return js, nc, nil
}

func setupNATS(cfg *config.JetStream, nc *natsclient.Conn) (natsclient.JetStreamContext, *natsclient.Conn, error) {
	var err error
	if nc == nil {
		nc, err = natsclient.Connect(strings.Join(cfg.Addresses, ","))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
	}

	s, err := nc.JetStream()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	for _, stream := range streams { // streams are defined in streams.go
		name := cfg.Prefixed(stream.Name)
		info, err := s.StreamInfo(name)
		if err != nil && !errors.Is(err, natsclient.ErrStreamNotFound) {
			return nil, nil, fmt.Errorf("unable to get stream info: %w", err)
		}
		subjects := []string{name, name + ".>"}
		if info != nil {
			// If the stream config doesn't match what we expect, try to update
			// it. If that doesn't work then try to blow it away and we'll then
			// recreate it in the next section.
			if info.Config.MaxAge != stream.MaxAge || len(info.Config.Subjects) != len(subjects) {
				logrus.Warnf("Stream %q configuration changed, updating", name)
				cfgCopy := *stream
				cfgCopy.Name = name
				cfgCopy.Subjects = subjects
				if cfg.InMemory {
					cfgCopy.Storage = natsclient.MemoryStorage
				}
				if _, err = s.UpdateStream(&cfgCopy); err != nil {
					logrus.WithError(err).Warnf("Unable to update stream %q, recreating...", name)
					if err = s.DeleteStream(name); err != nil {
						return nil, nil, fmt.Errorf("unable to delete stream %q: %w", name, err)
					}
					info = nil
				}
			}
		}
		if info == nil {
			// Namespace the streams without modifying the original streams
			// array, otherwise we end up with namespaces on namespaces.
			namespaced := *stream
			namespaced.Name = name
			namespaced.Subjects = subjects
			if cfg.InMemory {
				namespaced.Storage = natsclient.MemoryStorage
			}
			if _, err = s.AddStream(&namespaced); err != nil {
				return nil, nil, fmt.Errorf("unable to add stream %q: %w", name, err)
			}
			logrus.Infof("Stream %q created", name)
		}
	}

	return s, nc, nil
}
