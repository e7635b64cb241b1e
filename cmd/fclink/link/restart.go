// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package link

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ticketGate admits one restart at a time.
type ticketGate struct {
	slot chan struct{}
}

func newTicketGate() *ticketGate {
	return &ticketGate{slot: make(chan struct{}, 1)}
}

// acquire waits at most wait for the ticket. The returned release is safe to
// call more than once; the ticket is released after ttl regardless.
func (g *ticketGate) acquire(ctx context.Context, wait time.Duration, ttl time.Duration) (func(), error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case g.slot <- struct{}{}:
	case <-timer.C:
		return nil, ErrRestartInProgress
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-g.slot })
	}
	safety := time.AfterFunc(ttl, release)
	return func() {
		safety.Stop()
		release()
	}, nil
}

func lookupCommand(table map[uint16]string, label string) (uint16, bool) {
	for id, l := range table {
		if l == label {
			return id, true
		}
	}
	return 0, false
}

// RestartDevice restarts the board and reconnects on the same port and baud
// rate without rediscovering ports.
//
// The returned channel delivers the board's answer to the restart command.
// A failed answer does not stop the reconnect. If the fast reconnect fails
// the next watch tick rediscovers the board.
func (m *Manager) RestartDevice(ctx context.Context) (<-chan error, error) {
	if m.Status() != Connected {
		return nil, ErrNotConnected
	}
	release, err := m.restarts.acquire(ctx, m.cfg.RestartWait, m.cfg.RestartTicketTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.Lock()
	l := m.active
	if l == nil || m.Status() != Connected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	id, ok := lookupCommand(l.handle.CommandTable(), RestartLabel)
	if !ok {
		m.mu.Unlock()
		return nil, ErrCommandUnknown
	}
	m.setStatusLocked(Restarting)
	m.mu.Unlock()

	m.log.Infow("Restarting board", "port", l.port, "baud", l.baud, "session", l.session)
	result := make(chan error, 1)
	sendErr := l.handle.SendCommand(ctx, id, func(err error) {
		if err != nil {
			m.log.Warnw("Board reported a failed restart", "port", l.port, "error", err)
		}
		result <- err
	})
	release()

	m.reconnect(l)
	if sendErr != nil {
		return nil, fmt.Errorf("link: sending restart command: %w", sendErr)
	}
	return result, nil
}

// reconnect drops l and probes its port again with only its baud rate.
func (m *Manager) reconnect(l *activeLink) {
	m.mu.Lock()
	owned := m.active == l
	if owned {
		m.active = nil
		m.gen++
	}
	m.mu.Unlock()
	if !owned {
		// Someone else replaced or dropped the link in the meantime.
		return
	}

	if err := l.close(); err != nil {
		m.log.Debugw("Closing link before reconnect failed", "port", l.port, "error", err)
	}
	m.fireDisconnected()
	m.startAttempt(l.port, []int{l.baud}, attemptRestart, 0)
}
