// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

// Package engine speaks the board's packet protocol over a serial port. It
// implements the link.Engine and link.Handle contracts.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pioneershow/fclink/cmd/fclink/link"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	DefaultSyncTimeout     = 200 * time.Millisecond
	DefaultResponseTimeout = 1 * time.Second
	DefaultCloseGrace      = 250 * time.Millisecond
)

var (
	ErrClosed   = errors.New("engine: port closed")
	ErrTimeout  = errors.New("engine: board did not answer in time")
	ErrRejected = errors.New("engine: board rejected the request")
	ErrBadReply = errors.New("engine: malformed reply")
)

// OpenFunc opens a port at a baud rate.
type OpenFunc func(port string, baud int) (io.ReadWriteCloser, error)

type Config struct {
	// Open defaults to OpenSerial.
	Open            OpenFunc
	SyncTimeout     time.Duration
	ResponseTimeout time.Duration
	// CloseGrace is how long closing a handle waits for outstanding command
	// replies.
	CloseGrace time.Duration
	// CacheDir, if set, receives the component list of every identified
	// board.
	CacheDir string
	Logger   *zap.SugaredLogger
}

type Engine struct {
	cfg    Config
	log    *zap.SugaredLogger
	syncId atomic.Uint32
}

func New(cfg Config) *Engine {
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Engine{cfg: cfg, log: cfg.Logger}
}

func (e *Engine) Open(port string, baud int) (link.Transport, error) {
	rw, err := e.cfg.Open(port, baud)
	if err != nil {
		return nil, err
	}
	return newStream(port, baud, rw, e.log), nil
}

// Handshake runs one sync and identify round.
func (e *Engine) Handshake(ctx context.Context, t link.Transport) (link.Handle, error) {
	s, ok := t.(*Stream)
	if !ok {
		return nil, fmt.Errorf("engine: foreign transport %T", t)
	}
	if err := e.sync(ctx, s); err != nil {
		return nil, err
	}

	reply, err := s.request(ctx, commandIdentify, nil, e.cfg.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	components, err := decodeComponents(reply)
	if err != nil {
		return nil, err
	}
	if e.cfg.CacheDir != "" {
		if err := saveComponents(e.cfg.CacheDir, reply); err != nil {
			e.log.Debugw("Failed to cache component list", "error", err)
		}
	}
	e.log.Debugw("Board identified", "port", s.port, "baud", s.baud, "components", len(components))
	return newBoard(s, components, e.cfg, e.log), nil
}

// sync sends a sync request and waits for the board to echo its id.
func (e *Engine) sync(ctx context.Context, s *Stream) error {
	id := uint16(e.syncId.Inc())
	reply, err := s.request(ctx, commandSync, buildSyncBody(id), e.cfg.SyncTimeout)
	if err != nil {
		return err
	}
	if len(reply) != 2 || binary.LittleEndian.Uint16(reply) != id {
		return fmt.Errorf("%w: stale sync reply", ErrBadReply)
	}
	return nil
}

func resultError(reply []byte) error {
	if len(reply) != 1 {
		return fmt.Errorf("%w: expected a result byte, got %d bytes", ErrBadReply, len(reply))
	}
	if reply[0] != 0 {
		return fmt.Errorf("%w: code %d", ErrRejected, reply[0])
	}
	return nil
}

var (
	_ link.Engine = (*Engine)(nil)
	_ link.Handle = (*Board)(nil)
)
