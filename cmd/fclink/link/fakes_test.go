package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
)

type fakeEnumerator struct {
	mu    sync.Mutex
	ports []string
	err   error
}

func (e *fakeEnumerator) ListPorts() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return append([]string(nil), e.ports...), nil
}

func (e *fakeEnumerator) set(ports ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ports = ports
}

// eventLog records what happened, in order, across fakes and callbacks.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(event string) int {
	for i, e := range l.all() {
		if e == event {
			return i
		}
	}
	return -1
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.all() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	port   string
	baud   int
	engine *fakeEngine
	once   sync.Once
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() {
		t.engine.mu.Lock()
		t.engine.open--
		t.engine.mu.Unlock()
		t.engine.log.add("close %s@%d", t.port, t.baud)
	})
	return nil
}

type fakeEngine struct {
	log *eventLog

	mu         sync.Mutex
	accept     func(port string, baud int) bool
	openErr    func(port string, baud int) error
	block      map[string]bool
	components []Component
	commands   map[uint16]string
	sendDelay  time.Duration
	sendResult error
	writeErr   error

	opens      []string
	handshakes int
	open       int
	maxOpen    int
	sends      int
	handles    []*fakeHandle
}

func defaultComponents(firmware int64) []Component {
	return []Component{
		{Name: ScriptComponent},
		{Name: FileComponent},
		{Name: "UavMonitor", Version: semver.Version{Major: 1, Minor: 2, Patch: firmware}},
	}
}

func newFakeEngine(log *eventLog) *fakeEngine {
	return &fakeEngine{
		log:        log,
		accept:     func(string, int) bool { return true },
		block:      map[string]bool{},
		components: defaultComponents(8100),
		commands:   map[uint16]string{0: RestartLabel, 1: "Reset params"},
	}
}

func (e *fakeEngine) setAccept(fn func(port string, baud int) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accept = fn
}

func (e *fakeEngine) Open(port string, baud int) (Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens = append(e.opens, fmt.Sprintf("%s@%d", port, baud))
	e.log.add("open %s@%d", port, baud)
	if e.openErr != nil {
		if err := e.openErr(port, baud); err != nil {
			return nil, err
		}
	}
	e.open++
	if e.open > e.maxOpen {
		e.maxOpen = e.open
	}
	return &fakeTransport{port: port, baud: baud, engine: e}, nil
}

func (e *fakeEngine) Handshake(ctx context.Context, t Transport) (Handle, error) {
	ft := t.(*fakeTransport)
	e.mu.Lock()
	e.handshakes++
	blocked := e.block[ft.port]
	ok := e.accept(ft.port, ft.baud)
	e.mu.Unlock()

	if blocked {
		e.log.add("blocked %s", ft.port)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, errors.New("no answer")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	h := &fakeHandle{engine: e, components: map[string]Component{}}
	for _, c := range e.components {
		h.components[c.Name] = c
	}
	e.handles = append(e.handles, h)
	return h, nil
}

func (e *fakeEngine) snapshot() (opens []string, open int, maxOpen int, sends int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.opens...), e.open, e.maxOpen, e.sends
}

type fakeHandle struct {
	engine     *fakeEngine
	components map[string]Component

	mu     sync.Mutex
	writes []FileWrite
	params map[string]float64
	closed bool
}

func (h *fakeHandle) Component(name string) (Component, bool) {
	c, ok := h.components[name]
	return c, ok
}

func (h *fakeHandle) Components() []Component {
	var res []Component
	for _, c := range h.components {
		res = append(res, c)
	}
	return res
}

func (h *fakeHandle) CommandTable() map[uint16]string {
	return h.engine.commands
}

func (h *fakeHandle) Ping(ctx context.Context) error {
	return nil
}

func (h *fakeHandle) SendCommand(ctx context.Context, id uint16, done func(error)) error {
	e := h.engine
	e.mu.Lock()
	delay := e.sendDelay
	result := e.sendResult
	e.mu.Unlock()

	time.Sleep(delay)
	e.mu.Lock()
	e.sends++
	e.mu.Unlock()
	e.log.add("send %d", id)
	go done(result)
	return nil
}

func (h *fakeHandle) SetParam(ctx context.Context, name string, value float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.params == nil {
		h.params = map[string]float64{}
	}
	h.params[name] = value
	return nil
}

func (h *fakeHandle) WriteFile(ctx context.Context, w FileWrite) error {
	h.mu.Lock()
	h.writes = append(h.writes, w)
	h.mu.Unlock()
	h.engine.mu.Lock()
	err := h.engine.writeErr
	h.engine.mu.Unlock()
	return err
}

func (h *fakeHandle) fileWrites() []FileWrite {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]FileWrite(nil), h.writes...)
}

func (h *fakeHandle) param(name string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.params[name]
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
