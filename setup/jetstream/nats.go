// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/element-hq/syncrooms/setup/config"
	"github.com/getsentry/sentry-go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

type NATSInstance struct {
	*natsserver.Server
	mu sync.Mutex
}

// Prepare connects to the configured NATS addresses, or starts an in-process
// NATS server when there are none, and makes sure every stream exists.
func (s *NATSInstance) Prepare(cfg *config.JetStream) (nats.JetStreamContext, *nats.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// check if we need an in-process NATS Server
	if len(cfg.Addresses) != 0 {
		return setupNATS(cfg, nil)
	}
	if s.Server == nil {
		var err error
		s.Server, err = natsserver.NewServer(&natsserver.Options{
			ServerName:      "syncrooms",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           cfg.NoLog,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("natsserver.NewServer: %w", err)
		}
		s.ConfigureLogger()
		go s.Start()
		if !s.ReadyForConnections(time.Second * 60) {
			return nil, nil, fmt.Errorf("NATS did not start in time")
		}
	}
	nc, err := nats.Connect("", nats.InProcessServer(s))
	if err != nil {
		return nil, nil, fmt.Errorf("nats.Connect: %w", err)
	}
	return setupNATS(cfg, nc)
}

func setupNATS(cfg *config.JetStream, nc *nats.Conn) (nats.JetStreamContext, *nats.Conn, error) {
	if nc == nil {
		var err error
		nc, err = nats.Connect(strings.Join(cfg.Addresses, ","))
		if err != nil {
			return nil, nil, fmt.Errorf("nats.Connect: %w", err)
		}
	}

	s, err := nc.JetStream()
	if err != nil {
		return nil, nil, fmt.Errorf("nc.JetStream: %w", err)
	}

	for _, stream := range streams { // streams are defined in streams.go
		name := cfg.Prefixed(stream.Name)
		info, err := s.StreamInfo(name)
		if err != nil && err != nats.ErrStreamNotFound {
			return nil, nil, fmt.Errorf("s.StreamInfo: %w", err)
		}
		subjects := stream.Subjects
		if len(subjects) == 0 {
			// By default we want each stream to listen for the subjects
			// that are either an exact match for the stream name, or where
			// the first part of the subject is the stream name.
			subjects = []string{name, name + ".>"}
		}
		if info != nil {
			continue
		}

		// Namespace the streams without modifying the original streams
		// array, otherwise we end up with namespaces on namespaces.
		namespaced := *stream
		namespaced.Name = name
		namespaced.Subjects = subjects
		if cfg.InMemory {
			namespaced.Storage = nats.MemoryStorage
		}
		if _, err = s.AddStream(&namespaced); err != nil {
			logrus.WithError(err).WithField("stream", name).Error("Unable to add stream")
			sentry.CaptureException(err)
			return nil, nil, fmt.Errorf("s.AddStream: %w", err)
		}
		logrus.WithField("stream", name).Info("Created JetStream stream")
	}

	return s, nc, nil
}
