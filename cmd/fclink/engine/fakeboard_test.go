package engine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/pioneershow/fclink/cmd/fclink/link"
	"github.com/stretchr/testify/require"
	"github.com/toitware/ubjson"
)

// fakeBoard answers the packet protocol on the far end of a pipe.
type fakeBoard struct {
	conn net.Conn

	mu            sync.Mutex
	components    []byte
	silent        bool
	damageSync    bool
	commands      []uint16
	commandResult byte
	params        map[string]float64
	slot          string
	appendMode    bool
	file          []byte
	chunks        int
	// lazyAcks holds chunk acknowledgements back until the host stops
	// sending for a moment.
	lazyAcks      bool
	maxUnacked    int
	skipAckAt     int
	corruptVerify bool
	// lateParam delays the next set-param reply and makes it a rejection.
	lateParam time.Duration
}

func testComponents() []link.Component {
	return []link.Component{
		{Name: link.ScriptComponent, Version: semver.Version{Major: 1}},
		{Name: link.FileComponent, Version: semver.Version{Major: 1}},
		{Name: "UavMonitor", Version: semver.Version{Major: 1, Minor: 2, Patch: 8100}, Fields: map[string]interface{}{"serial": "A1"}},
	}
}

func newFakeBoard(t *testing.T) (*fakeBoard, net.Conn) {
	host, board := net.Pipe()
	data, err := encodeComponents(testComponents())
	require.NoError(t, err)
	b := &fakeBoard{
		conn:       board,
		components: data,
		params:     map[string]float64{},
		skipAckAt:  -1,
	}
	go b.serve()
	t.Cleanup(func() { board.Close() })
	return b, host
}

// reply answers the request with sequence number seq.
func (b *fakeBoard) reply(command byte, seq []byte, body []byte) {
	frame, err := buildFrame(command, append(append([]byte(nil), seq...), body...))
	if err != nil {
		panic(err)
	}
	b.conn.Write(frame)
}

func (b *fakeBoard) serve() {
	r := bufio.NewReader(b.conn)
	type ack struct{ seq, body []byte }
	var acks []ack
	flush := func() {
		for _, a := range acks {
			b.reply(commandFileChunk, a.seq, a.body)
		}
		acks = nil
	}
	for {
		if len(acks) > 0 {
			b.conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		} else {
			b.conn.SetReadDeadline(time.Time{})
		}
		payload, err := readFrame(r)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			flush()
			continue
		}
		if err != nil {
			return
		}
		if len(payload) < 3 {
			continue
		}
		command, seq, body := payload[0], payload[1:3], payload[3:]

		b.mu.Lock()
		switch command {
		case commandSync:
			if b.silent {
				break
			}
			if b.damageSync {
				frame, _ := buildFrame(commandSync, append(append([]byte(nil), seq...), body[:2]...))
				frame[len(frame)-2] ^= 0xff
				b.conn.Write(frame)
			}
			b.reply(commandSync, seq, body[:2])
		case commandPing:
			b.reply(commandPing, seq, nil)
		case commandIdentify:
			b.reply(commandIdentify, seq, b.components)
		case commandSystem:
			b.commands = append(b.commands, binary.LittleEndian.Uint16(body))
			b.reply(commandSystem, seq, []byte{b.commandResult})
		case commandSetParam:
			var p paramPayload
			if err := ubjson.Unmarshal(body, &p); err != nil {
				b.reply(commandSetParam, seq, []byte{1})
				break
			}
			if late := b.lateParam; late > 0 {
				b.lateParam = 0
				b.mu.Unlock()
				time.Sleep(late)
				b.mu.Lock()
				b.reply(commandSetParam, seq, []byte{1})
				break
			}
			b.params[p.Name] = p.Value
			b.reply(commandSetParam, seq, []byte{0})
		case commandFileOpen:
			b.appendMode = body[0] == 1
			b.slot = string(body[5:])
			b.file = make([]byte, binary.LittleEndian.Uint32(body[1:5]))
			b.chunks = 0
			b.reply(commandFileOpen, seq, []byte{0})
		case commandFileChunk:
			offset := binary.LittleEndian.Uint32(body)
			copy(b.file[offset:], body[4:])
			b.chunks++
			if int(offset) == b.skipAckAt {
				break
			}
			a := ack{seq: seq, body: body[:4:4]}
			if !b.lazyAcks {
				b.reply(commandFileChunk, a.seq, a.body)
				break
			}
			acks = append(acks, a)
			if len(acks) > b.maxUnacked {
				b.maxUnacked = len(acks)
			}
		case commandFileVerify:
			crc := crc32.ChecksumIEEE(b.file)
			if b.corruptVerify {
				crc++
			}
			if binary.LittleEndian.Uint32(body) == crc {
				b.reply(commandFileVerify, seq, []byte{0})
			} else {
				b.reply(commandFileVerify, seq, []byte{1})
			}
		}
		b.mu.Unlock()
	}
}

func (b *fakeBoard) set(fn func(b *fakeBoard)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBoard) get(fn func(b *fakeBoard)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}
