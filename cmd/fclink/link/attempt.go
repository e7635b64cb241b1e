// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package link

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultHandshakeRounds = 10

type activeLink struct {
	port      string
	baud      int
	transport Transport
	handle    Handle
	session   uuid.UUID
}

func (l *activeLink) close() error {
	var err error
	if l.handle != nil {
		err = multierr.Append(err, l.handle.Close())
	}
	if l.transport != nil {
		err = multierr.Append(err, l.transport.Close())
	}
	return err
}

// connectPort tries the baud rates in order until one of them opens the
// port and completes a handshake with a board that has the script
// component. Anything opened on the way is closed again unless it is
// returned.
func connectPort(ctx context.Context, engine Engine, port string, bauds []int, rounds int, report func(Status), log *zap.SugaredLogger) (*activeLink, error) {
	if rounds <= 0 {
		rounds = defaultHandshakeRounds
	}
	var transport Transport
	closeTransport := func() {
		if transport == nil {
			return
		}
		if err := transport.Close(); err != nil {
			log.Debugw("Closing transport failed", "port", port, "error", err)
		}
		transport = nil
	}
	defer closeTransport()

	for _, baud := range bauds {
		closeTransport()
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		report(Probing)
		t, err := engine.Open(port, baud)
		if err != nil {
			log.Debugw("Failed to open port", "port", port, "baud", baud, "error", err)
			continue
		}
		transport = t

		report(Handshaking)
		handle, err := handshake(ctx, engine, transport, rounds, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debugw("Handshake failed", "port", port, "baud", baud, "error", err)
			continue
		}

		l := &activeLink{
			port:      port,
			baud:      baud,
			transport: transport,
			handle:    handle,
			session:   uuid.New(),
		}
		transport = nil
		return l, nil
	}
	return nil, ErrHandshakeFailed
}

func handshake(ctx context.Context, engine Engine, transport Transport, rounds int, log *zap.SugaredLogger) (Handle, error) {
	var lastErr error = ErrCapabilityAbsent
	for i := 0; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := engine.Handshake(ctx, transport)
		if err != nil {
			lastErr = err
			continue
		}
		if _, ok := h.Component(ScriptComponent); ok {
			return h, nil
		}
		if err := h.Close(); err != nil {
			log.Debugw("Closing handle without script component failed", "error", err)
		}
		lastErr = ErrCapabilityAbsent
	}
	return nil, lastErr
}
