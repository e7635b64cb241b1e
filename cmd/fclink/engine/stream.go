// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package engine

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stream is an open port. It owns the goroutine that reads packets from the
// port and hands them to whoever is waiting for that command.
//
// Every request carries a sequence number that the board echoes in its
// reply, so a reply that arrives after its request gave up is dropped
// instead of answering a later request.
type Stream struct {
	port string
	baud int
	rw   io.ReadWriteCloser
	log  *zap.SugaredLogger

	writeLock sync.Mutex

	lock    sync.Mutex
	seq     uint16
	waiters map[waiterKey]*waiter
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

type waiterKey struct {
	command byte
	seq     uint16
}

// waiter is a registered interest in the reply to one request.
type waiter struct {
	key waiterKey
	ch  chan []byte
}

func newStream(port string, baud int, rw io.ReadWriteCloser, log *zap.SugaredLogger) *Stream {
	s := &Stream{
		port:    port,
		baud:    baud,
		rw:      rw,
		log:     log,
		waiters: map[waiterKey]*waiter{},
		done:    make(chan struct{}),
	}
	go s.receive()
	return s
}

func (s *Stream) Port() string { return s.port }
func (s *Stream) Baud() int    { return s.baud }

// Close closes the port and fails every pending request.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.rw.Close()
		<-s.done
	})
	return err
}

func (s *Stream) receive() {
	defer close(s.done)
	defer s.shutdown()

	reader := bufio.NewReader(s.rw)
	for {
		payload, err := readFrame(reader)
		if errors.Is(err, errChecksum) {
			s.log.Debugw("Dropping damaged packet", "port", s.port)
			continue
		}
		if errors.Is(err, errMisaligned) {
			// Use the '\n' of packets to align the reader again.
			if _, err := reader.ReadBytes('\n'); err != nil {
				return
			}
			continue
		}
		if err != nil {
			s.log.Debugw("Stopped reading port", "port", s.port, "error", err)
			return
		}
		if len(payload) < 3 {
			s.log.Debugw("Dropping short packet", "port", s.port, "length", len(payload))
			continue
		}
		key := waiterKey{command: payload[0], seq: binary.LittleEndian.Uint16(payload[1:3])}
		s.deliver(key, payload[3:])
	}
}

func (s *Stream) deliver(key waiterKey, reply []byte) {
	s.lock.Lock()
	w, ok := s.waiters[key]
	delete(s.waiters, key)
	s.lock.Unlock()
	if !ok {
		s.log.Debugw("Dropping unexpected packet", "port", s.port, "command", key.command, "seq", key.seq)
		return
	}
	w.ch <- reply
}

func (s *Stream) shutdown() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	for key, w := range s.waiters {
		close(w.ch)
		delete(s.waiters, key)
	}
}

// expect registers interest in the reply to the next request for command.
func (s *Stream) expect(command byte) (*waiter, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.seq++
	w := &waiter{
		key: waiterKey{command: command, seq: s.seq},
		ch:  make(chan []byte, 1),
	}
	s.waiters[w.key] = w
	return w, nil
}

func (s *Stream) forget(w *waiter) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.waiters[w.key] == w {
		delete(s.waiters, w.key)
	}
}

// send writes the request w waits for.
func (s *Stream) send(w *waiter, body []byte) error {
	payload := binary.LittleEndian.AppendUint16(nil, w.key.seq)
	payload = append(payload, body...)
	frame, err := buildFrame(w.key.command, payload)
	if err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	for len(frame) > 0 {
		n, err := s.rw.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// wait blocks until the reply for w arrives.
func (s *Stream) wait(ctx context.Context, w *waiter, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-w.ch:
		if !ok {
			return nil, ErrClosed
		}
		return reply, nil
	case <-timer.C:
		s.forget(w)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.forget(w)
		return nil, ctx.Err()
	}
}

// request sends a packet and waits for the reply to it.
func (s *Stream) request(ctx context.Context, command byte, body []byte, timeout time.Duration) ([]byte, error) {
	w, err := s.expect(command)
	if err != nil {
		return nil, err
	}
	if err := s.send(w, body); err != nil {
		s.forget(w)
		return nil, err
	}
	return s.wait(ctx, w, timeout)
}
