// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval     = 250 * time.Millisecond
	DefaultRestartWait      = 1 * time.Second
	DefaultRestartTicketTTL = 5 * time.Second
)

// Config configures a Manager. Zero values fall back to the defaults.
type Config struct {
	BaudRates       []int
	PollInterval    time.Duration
	HandshakeRounds int
	// AutoConnect makes the manager connect to the first available port.
	AutoConnect bool
	// RestartWait bounds how long a restart waits for another one to finish.
	RestartWait time.Duration
	// RestartTicketTTL releases a stuck restart so that later callers are
	// not locked out forever.
	RestartTicketTTL time.Duration
	UnknownFormat    FormatPolicy
	// Wake, if set, makes the watch loop poll immediately. It is fed by a
	// hot-plug watcher.
	Wake   <-chan struct{}
	Logger *zap.SugaredLogger
}

type attemptKind int

const (
	attemptAuto attemptKind = iota
	attemptManual
	attemptRestart
)

type attempt struct {
	port   string
	kind   attemptKind
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the link to the board.
type Manager struct {
	enum   Enumerator
	engine Engine
	cfg    Config
	log    *zap.SugaredLogger

	status      atomic.Int32
	autoConnect atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	restarts *ticketGate

	// mu guards everything below. Whoever holds it is the only one allowed to
	// publish, replace or drop the active link.
	mu         sync.Mutex
	started    bool
	closed     bool
	ports      []string
	selected   string
	bauds      []int
	stickyPort string
	stickyBaud int
	active     *activeLink
	attempt    *attempt
	changed    chan struct{}
	// gen counts explicit connection requests. An auto attempt chosen before
	// the latest request is dropped.
	gen uint64

	onConnected    []func(firmware int)
	onDisconnected []func()
	onPortsChanged []func(ports []string)
}

// New returns a manager that is not yet watching ports. Call Start to begin
// and Close to tear everything down.
func New(enum Enumerator, engine Engine, cfg Config) *Manager {
	if len(cfg.BaudRates) == 0 {
		cfg.BaudRates = DefaultBaudRates
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HandshakeRounds <= 0 {
		cfg.HandshakeRounds = defaultHandshakeRounds
	}
	if cfg.RestartWait <= 0 {
		cfg.RestartWait = DefaultRestartWait
	}
	if cfg.RestartTicketTTL <= 0 {
		cfg.RestartTicketTTL = DefaultRestartTicketTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		enum:     enum,
		engine:   engine,
		cfg:      cfg,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		restarts: newTicketGate(),
		bauds:    append([]int(nil), cfg.BaudRates...),
		changed:  make(chan struct{}),
	}
	m.autoConnect.Store(cfg.AutoConnect)
	return m
}

// Start takes the first port snapshot and launches the watch loop. It fails
// only when the host platform cannot enumerate serial ports.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	ports, err := m.enum.ListPorts()
	if err != nil {
		if errors.Is(err, ErrUnsupportedPlatform) {
			return err
		}
		m.log.Warnw("Failed to list serial ports", "error", err)
		ports = nil
	}

	m.wg.Add(1)
	go m.watch(ports)
	return nil
}

// Close stops the watch loop, cancels any connection attempt and closes the
// active link.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	old := m.active
	m.active = nil
	m.attempt = nil
	m.setStatusLocked(Disconnected)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	if old == nil {
		return nil
	}
	err := old.close()
	m.fireDisconnected()
	return err
}

func (m *Manager) watch(initial []string) {
	defer m.wg.Done()
	m.tick(initial)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		case <-m.cfg.Wake:
		}

		ports, err := m.enum.ListPorts()
		if err != nil {
			m.log.Warnw("Failed to list serial ports", "error", err)
			continue
		}
		m.tick(ports)
	}
}

// tick applies one port snapshot.
func (m *Manager) tick(cur []string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prev := m.ports
	changed := !equalPorts(prev, cur)
	m.ports = cur

	var lost *activeLink
	if changed {
		removed := difference(prev, cur)
		if m.active != nil && contains(removed, m.active.port) {
			lost = m.active
			m.active = nil
			m.setStatusLocked(Disconnected)
		}
		if contains(removed, m.selected) {
			m.selected = ""
		}
		if a := m.attempt; a != nil && contains(removed, a.port) {
			a.cancel()
		}
	}
	target := m.autoTargetLocked(changed, cur)
	gen := m.gen
	m.mu.Unlock()

	if lost != nil {
		m.log.Infow("Port vanished", "port", lost.port, "session", lost.session)
		if err := lost.close(); err != nil {
			m.log.Debugw("Closing vanished link failed", "port", lost.port, "error", err)
		}
		m.fireDisconnected()
	}
	if changed {
		m.log.Debugw("Ports changed", "ports", cur)
		m.firePortsChanged(cur)
	}
	if target != "" {
		m.startAttempt(target, nil, attemptAuto, gen)
	}
}

// autoTargetLocked returns the port the watch loop should probe next, if any.
func (m *Manager) autoTargetLocked(changed bool, cur []string) string {
	if !m.autoConnect.Load() || m.active != nil || len(cur) == 0 {
		return ""
	}
	first := cur[0]
	if first == m.selected {
		return ""
	}
	if a := m.attempt; a != nil {
		if a.port == first || a.kind != attemptAuto || !changed {
			return ""
		}
	}
	return first
}

// startAttempt supersedes any attempt in flight with a new one on port. A
// nil bauds means the candidate list for that port. An auto attempt is only
// started if nothing was requested explicitly since gen was read and the
// manager is still free to pick a port.
func (m *Manager) startAttempt(port string, bauds []int, kind attemptKind, gen uint64) {
	ctx, cancel := context.WithCancel(m.ctx)
	a := &attempt{
		port:   port,
		kind:   kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	if kind == attemptAuto && (gen != m.gen || !m.autoConnect.Load() || m.active != nil) {
		m.mu.Unlock()
		cancel()
		m.log.Debugw("Dropping stale auto-connect attempt", "port", port)
		return
	}
	prev := m.attempt
	m.attempt = a
	m.selected = port
	if bauds == nil {
		bauds = m.candidatesLocked(port)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	m.log.Debugw("Starting connection attempt", "port", port, "bauds", bauds)
	go m.runAttempt(ctx, a, bauds)
}

func (m *Manager) candidatesLocked(port string) []int {
	if port != m.stickyPort || m.stickyBaud == 0 {
		return append([]int(nil), m.bauds...)
	}
	res := []int{m.stickyBaud}
	for _, b := range m.bauds {
		if b != m.stickyBaud {
			res = append(res, b)
		}
	}
	return res
}

func (m *Manager) runAttempt(ctx context.Context, a *attempt, bauds []int) {
	defer m.wg.Done()
	defer close(a.done)
	defer a.cancel()

	report := func(s Status) {
		m.mu.Lock()
		if m.attempt == a && m.active == nil && ctx.Err() == nil {
			m.setStatusLocked(s)
		}
		m.mu.Unlock()
	}
	l, err := connectPort(ctx, m.engine, a.port, bauds, m.cfg.HandshakeRounds, report, m.log)

	m.mu.Lock()
	current := m.attempt == a
	if current {
		m.attempt = nil
	}
	if err != nil {
		if current && m.active == nil {
			m.setStatusLocked(Disconnected)
			if a.kind == attemptRestart {
				// Let the next tick rediscover the board; it may have come
				// back under a different name.
				m.selected = ""
			}
		}
		m.mu.Unlock()
		if errors.Is(err, context.Canceled) {
			m.log.Debugw("Connection attempt cancelled", "port", a.port)
		} else {
			m.log.Warnw("Connection attempt failed", "port", a.port, "error", err)
		}
		return
	}
	if !current || m.closed || ctx.Err() != nil {
		m.mu.Unlock()
		if err := l.close(); err != nil {
			m.log.Debugw("Closing superseded link failed", "port", l.port, "error", err)
		}
		return
	}
	old := m.active
	m.active = l
	m.stickyPort = l.port
	m.stickyBaud = l.baud
	m.setStatusLocked(Connected)
	m.mu.Unlock()

	if old != nil {
		if err := old.close(); err != nil {
			m.log.Debugw("Closing replaced link failed", "port", old.port, "error", err)
		}
		m.fireDisconnected()
	}

	firmware, err := FirmwareVersion(l.handle)
	if err != nil {
		m.log.Warnw("Connected board did not report its firmware version", "port", l.port)
	}
	m.log.Infow("Connected", "port", l.port, "baud", l.baud, "firmware", firmware, "session", l.session)
	m.fireConnected(firmware)
}

// ConnectTo connects to exactly port. It turns auto-connect off.
func (m *Manager) ConnectTo(port string) error {
	if port == "" {
		return fmt.Errorf("link: no port given")
	}
	m.autoConnect.Store(false)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.gen++
	if m.active != nil && m.active.port == port {
		m.mu.Unlock()
		return nil
	}
	old := m.active
	m.active = nil
	if old != nil {
		m.setStatusLocked(Disconnected)
	}
	m.mu.Unlock()

	if old != nil {
		m.log.Infow("Switching port", "from", old.port, "to", port)
		if err := old.close(); err != nil {
			m.log.Debugw("Closing link before switching failed", "port", old.port, "error", err)
		}
		m.fireDisconnected()
	}
	m.startAttempt(port, nil, attemptManual, 0)
	return nil
}

// EnableAutoConnect lets the watch loop pick the first available port.
func (m *Manager) EnableAutoConnect() {
	m.autoConnect.Store(true)
	m.poke()
}

func (m *Manager) DisableAutoConnect() {
	m.autoConnect.Store(false)
}

func (m *Manager) AutoConnect() bool {
	return m.autoConnect.Load()
}

// Disconnect closes the link and forgets the selected port. Auto-connect is
// turned off so that the board is not picked up again on the next tick.
func (m *Manager) Disconnect() error {
	m.autoConnect.Store(false)

	m.mu.Lock()
	m.gen++
	old := m.active
	a := m.attempt
	m.active = nil
	m.attempt = nil
	m.selected = ""
	m.stickyPort = ""
	m.stickyBaud = 0
	m.setStatusLocked(Disconnected)
	m.mu.Unlock()

	if a != nil {
		a.cancel()
		<-a.done
	}
	if old == nil {
		return nil
	}
	m.log.Infow("Disconnected", "port", old.port, "session", old.session)
	err := old.close()
	m.fireDisconnected()
	return err
}

// SetBaudRates replaces the baud candidates and forgets the sticky baud.
func (m *Manager) SetBaudRates(bauds []int) error {
	if len(bauds) == 0 {
		return fmt.Errorf("link: empty baud rate list")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bauds = append([]int(nil), bauds...)
	m.stickyPort = ""
	m.stickyBaud = 0
	return nil
}

func (m *Manager) Status() Status {
	return Status(m.status.Load())
}

// WaitStatus blocks until the link reaches want or ctx is done.
func (m *Manager) WaitStatus(ctx context.Context, want Status) error {
	for {
		m.mu.Lock()
		if m.Status() == want {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ports returns the last port snapshot.
func (m *Manager) Ports() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ports...)
}

// Active returns the port and baud rate of the current link.
func (m *Manager) Active() (port string, baud int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", 0, false
	}
	return m.active.port, m.active.baud, true
}

// Session returns the id of the current link, which changes on every
// (re)connect.
func (m *Manager) Session() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.session.String(), true
}

func (m *Manager) OnConnected(fn func(firmware int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

func (m *Manager) OnDisconnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = append(m.onDisconnected, fn)
}

func (m *Manager) OnPortsChanged(fn func(ports []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPortsChanged = append(m.onPortsChanged, fn)
}

// borrow returns the handle of the current link. The handle must not be
// kept beyond the call that borrowed it.
func (m *Manager) borrow() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.Status() != Connected {
		return nil, ErrNotConnected
	}
	return m.active.handle, nil
}

// FirmwareVersion returns the firmware build of the connected board.
func (m *Manager) FirmwareVersion() (int, error) {
	h, err := m.borrow()
	if err != nil {
		return 0, err
	}
	return FirmwareVersion(h)
}

// Components lists the components of the connected board.
func (m *Manager) Components() ([]Component, error) {
	h, err := m.borrow()
	if err != nil {
		return nil, err
	}
	return h.Components(), nil
}

// Ping checks that the connected board still answers.
func (m *Manager) Ping(ctx context.Context) error {
	h, err := m.borrow()
	if err != nil {
		return err
	}
	return h.Ping(ctx)
}

// SetParam writes a parameter on the connected board.
func (m *Manager) SetParam(ctx context.Context, name string, value float64) error {
	h, err := m.borrow()
	if err != nil {
		return err
	}
	return h.SetParam(ctx, name, value)
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) setStatusLocked(s Status) {
	if Status(m.status.Swap(int32(s))) == s {
		return
	}
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) fireConnected(firmware int) {
	m.mu.Lock()
	fns := append(([]func(int))(nil), m.onConnected...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(firmware)
	}
}

func (m *Manager) fireDisconnected() {
	m.mu.Lock()
	fns := append(([]func())(nil), m.onDisconnected...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (m *Manager) firePortsChanged(ports []string) {
	m.mu.Lock()
	fns := append(([]func([]string))(nil), m.onPortsChanged...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(append([]string(nil), ports...))
	}
}

func equalPorts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func difference(a, b []string) []string {
	var res []string
	for _, p := range a {
		if !contains(b, p) {
			res = append(res, p)
		}
	}
	return res
}

func contains(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, p := range list {
		if p == s {
			return true
		}
	}
	return false
}
