// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/pioneershow/fclink/cmd/fclink/link"
	"github.com/toitware/ubjson"
	"go.uber.org/zap"
)

// commandTable is the fixed table of system commands every board knows.
var commandTable = map[uint16]string{
	0: link.RestartLabel,
	1: "Reset params",
	2: "Calibrate accel",
	3: "Calibrate gyro",
	4: "Calibrate mag",
	5: "Start LPS",
}

// Board is a handshaken board on an open Stream.
type Board struct {
	stream     *Stream
	components []link.Component
	log        *zap.SugaredLogger
	timeout    time.Duration
	grace      time.Duration

	// Outstanding asynchronous command replies.
	pending sync.WaitGroup
}

func newBoard(s *Stream, components []link.Component, cfg Config, log *zap.SugaredLogger) *Board {
	return &Board{
		stream:     s,
		components: components,
		log:        log,
		timeout:    cfg.ResponseTimeout,
		grace:      cfg.CloseGrace,
	}
}

func (b *Board) Component(name string) (link.Component, bool) {
	for _, c := range b.components {
		if c.Name == name {
			return c, true
		}
	}
	return link.Component{}, false
}

func (b *Board) Components() []link.Component {
	return append([]link.Component(nil), b.components...)
}

func (b *Board) CommandTable() map[uint16]string {
	res := make(map[uint16]string, len(commandTable))
	for id, label := range commandTable {
		res[id] = label
	}
	return res
}

func (b *Board) Ping(ctx context.Context) error {
	reply, err := b.stream.request(ctx, commandPing, nil, b.timeout)
	if err != nil {
		return err
	}
	if len(reply) != 0 {
		return fmt.Errorf("%w: invalid ping reply", ErrBadReply)
	}
	return nil
}

// SendCommand sends a system command. It returns once the command is
// written; done receives the board's answer later.
func (b *Board) SendCommand(ctx context.Context, id uint16, done func(error)) error {
	if _, ok := commandTable[id]; !ok {
		return fmt.Errorf("%w: %d", link.ErrCommandUnknown, id)
	}
	w, err := b.stream.expect(commandSystem)
	if err != nil {
		return err
	}
	if err := b.stream.send(w, binary.LittleEndian.AppendUint16(nil, id)); err != nil {
		b.stream.forget(w)
		return err
	}

	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		reply, err := b.stream.wait(ctx, w, b.timeout)
		if err == nil {
			err = resultError(reply)
		}
		if done != nil {
			done(err)
		}
	}()
	return nil
}

type paramPayload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func (b *Board) SetParam(ctx context.Context, name string, value float64) error {
	body, err := ubjson.Marshal(paramPayload{Name: name, Value: value})
	if err != nil {
		return err
	}
	reply, err := b.stream.request(ctx, commandSetParam, body, b.timeout)
	if err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}
	if err := resultError(reply); err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}
	return nil
}

// WriteFile streams w.Data into a file slot. At most w.Burst chunks are
// unacknowledged at any time.
func (b *Board) WriteFile(ctx context.Context, w link.FileWrite) error {
	chunkSize := w.ChunkSize
	if chunkSize <= 0 {
		chunkSize = link.FirmwareChunkSize
	}
	burst := w.Burst
	if burst <= 0 {
		burst = 1
	}

	open := []byte{0}
	if w.Append {
		open[0] = 1
	}
	open = binary.LittleEndian.AppendUint32(open, uint32(len(w.Data)))
	open = append(open, w.Slot...)
	reply, err := b.stream.request(ctx, commandFileOpen, open, b.timeout)
	if err != nil {
		return fmt.Errorf("opening slot %s: %w", w.Slot, err)
	}
	if err := resultError(reply); err != nil {
		return fmt.Errorf("opening slot %s: %w", w.Slot, err)
	}

	type inflight struct {
		offset int
		end    int
		w      *waiter
	}
	var window []inflight
	acked := 0
	awaitOldest := func() error {
		head := window[0]
		window = window[1:]
		reply, err := b.stream.wait(ctx, head.w, b.timeout)
		if err != nil {
			return fmt.Errorf("chunk at %d: %w", head.offset, err)
		}
		if len(reply) != 4 || int(binary.LittleEndian.Uint32(reply)) != head.offset {
			return fmt.Errorf("%w: bad acknowledgement for chunk at %d", ErrBadReply, head.offset)
		}
		acked = head.end
		if w.Progress != nil {
			w.Progress(acked)
		}
		return nil
	}
	abandon := func() {
		for _, f := range window {
			b.stream.forget(f.w)
		}
	}

	for offset := 0; offset < len(w.Data); offset += chunkSize {
		if len(window) == burst {
			if err := awaitOldest(); err != nil {
				abandon()
				return err
			}
		}
		end := offset + chunkSize
		if end > len(w.Data) {
			end = len(w.Data)
		}
		cw, err := b.stream.expect(commandFileChunk)
		if err != nil {
			abandon()
			return err
		}
		body := binary.LittleEndian.AppendUint32(nil, uint32(offset))
		body = append(body, w.Data[offset:end]...)
		if err := b.stream.send(cw, body); err != nil {
			b.stream.forget(cw)
			abandon()
			return fmt.Errorf("chunk at %d: %w", offset, err)
		}
		window = append(window, inflight{offset: offset, end: end, w: cw})
	}
	for len(window) > 0 {
		if err := awaitOldest(); err != nil {
			abandon()
			return err
		}
	}

	if !w.Verify {
		return nil
	}
	crc := binary.LittleEndian.AppendUint32(nil, crc32.ChecksumIEEE(w.Data))
	reply, err = b.stream.request(ctx, commandFileVerify, crc, b.timeout)
	if err != nil {
		return fmt.Errorf("verifying slot %s: %w", w.Slot, err)
	}
	if err := resultError(reply); err != nil {
		return fmt.Errorf("verifying slot %s: %w", w.Slot, err)
	}
	b.log.Debugw("File written", "slot", w.Slot, "bytes", acked)
	return nil
}

// Close waits a little for outstanding command replies. It leaves the
// stream open; the stream is closed by its owner.
func (b *Board) Close() error {
	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()
	timer := time.NewTimer(b.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		b.log.Debugw("Closing board with command replies outstanding", "port", b.stream.port)
	}
	return nil
}
