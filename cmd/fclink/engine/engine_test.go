package engine

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pioneershow/fclink/cmd/fclink/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeEngine(host net.Conn, cfg Config) *Engine {
	cfg.Open = func(port string, baud int) (io.ReadWriteCloser, error) {
		return host, nil
	}
	return New(cfg)
}

func connect(t *testing.T, cfg Config) (*fakeBoard, *Board) {
	t.Helper()
	board, host := newFakeBoard(t)
	e := pipeEngine(host, cfg)
	transport, err := e.Open("/dev/ttyACM0", 115200)
	require.NoError(t, err)
	t.Cleanup(func() { transport.Close() })

	h, err := e.Handshake(context.Background(), transport)
	require.NoError(t, err)
	return board, h.(*Board)
}

func TestHandshake(t *testing.T) {
	cache := t.TempDir()
	_, b := connect(t, Config{CacheDir: cache})

	_, ok := b.Component(link.ScriptComponent)
	assert.True(t, ok)
	fw, err := link.FirmwareVersion(b)
	require.NoError(t, err)
	assert.Equal(t, 8100, fw)
	monitor, ok := b.Component("UavMonitor")
	require.True(t, ok)
	assert.Equal(t, "A1", monitor.Fields["serial"])
	assert.Len(t, b.Components(), 3)
	assert.Equal(t, link.RestartLabel, b.CommandTable()[0])

	cached, err := LoadCachedComponents(cache)
	require.NoError(t, err)
	require.Len(t, cached, 3)
	assert.Equal(t, "UavMonitor", cached[2].Name)
	assert.Equal(t, int64(8100), cached[2].Version.Patch)

	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
}

func TestHandshake_SilentBoard(t *testing.T) {
	board, host := newFakeBoard(t)
	board.set(func(b *fakeBoard) { b.silent = true })
	e := pipeEngine(host, Config{SyncTimeout: 20 * time.Millisecond})
	transport, err := e.Open("/dev/ttyACM0", 57600)
	require.NoError(t, err)
	defer transport.Close()

	_, err = e.Handshake(context.Background(), transport)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHandshake_DamagedPacketIsDropped(t *testing.T) {
	board, host := newFakeBoard(t)
	board.set(func(b *fakeBoard) { b.damageSync = true })
	e := pipeEngine(host, Config{})
	transport, err := e.Open("/dev/ttyACM0", 57600)
	require.NoError(t, err)
	defer transport.Close()

	_, err = e.Handshake(context.Background(), transport)
	assert.NoError(t, err)
}

func TestHandshake_Cancelled(t *testing.T) {
	board, host := newFakeBoard(t)
	board.set(func(b *fakeBoard) { b.silent = true })
	e := pipeEngine(host, Config{SyncTimeout: time.Hour})
	transport, err := e.Open("/dev/ttyACM0", 57600)
	require.NoError(t, err)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Handshake(ctx, transport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendCommand(t *testing.T) {
	board, b := connect(t, Config{})

	result := make(chan error, 1)
	require.NoError(t, b.SendCommand(context.Background(), 0, func(err error) { result <- err }))
	assert.NoError(t, <-result)

	board.set(func(b *fakeBoard) { b.commandResult = 3 })
	require.NoError(t, b.SendCommand(context.Background(), 2, func(err error) { result <- err }))
	assert.ErrorIs(t, <-result, ErrRejected)

	assert.ErrorIs(t, b.SendCommand(context.Background(), 99, nil), link.ErrCommandUnknown)
	board.get(func(b *fakeBoard) { assert.Equal(t, []uint16{0, 2}, b.commands) })
}

func TestSendCommand_CloseWaitsForReply(t *testing.T) {
	board, b := connect(t, Config{CloseGrace: time.Second})

	var got error = io.EOF
	require.NoError(t, b.SendCommand(context.Background(), 0, func(err error) { got = err }))
	require.NoError(t, b.Close())
	assert.NoError(t, got)
	board.get(func(b *fakeBoard) { assert.Equal(t, []uint16{0}, b.commands) })
}

func TestSetParam(t *testing.T) {
	board, b := connect(t, Config{})
	require.NoError(t, b.SetParam(context.Background(), "PSC_POSZ_P", 1.5))
	board.get(func(b *fakeBoard) { assert.Equal(t, 1.5, b.params["PSC_POSZ_P"]) })
}

func TestSetParam_LateReplyIsDropped(t *testing.T) {
	board, b := connect(t, Config{ResponseTimeout: 100 * time.Millisecond})
	board.set(func(b *fakeBoard) { b.lateParam = 150 * time.Millisecond })

	err := b.SetParam(context.Background(), "ATC_RAT_RLL_P", 0.2)
	assert.ErrorIs(t, err, ErrTimeout)

	// The rejection for the first request arrives while this one waits.
	require.NoError(t, b.SetParam(context.Background(), "ATC_RAT_PIT_P", 0.3))
	board.get(func(b *fakeBoard) {
		assert.Equal(t, 0.3, b.params["ATC_RAT_PIT_P"])
		assert.NotContains(t, b.params, "ATC_RAT_RLL_P")
	})
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestWriteFile(t *testing.T) {
	board, b := connect(t, Config{})
	board.set(func(b *fakeBoard) { b.lazyAcks = true })

	data := testData(500)
	var progress []int
	err := b.WriteFile(context.Background(), link.FileWrite{
		Slot:      link.BinarySlot,
		Data:      data,
		ChunkSize: 48,
		Burst:     4,
		Verify:    true,
		Progress:  func(acked int) { progress = append(progress, acked) },
	})
	require.NoError(t, err)

	require.NotEmpty(t, progress)
	assert.Equal(t, 48, progress[0])
	assert.Equal(t, 500, progress[len(progress)-1])
	assert.IsIncreasing(t, progress)
	board.get(func(b *fakeBoard) {
		assert.Equal(t, link.BinarySlot, b.slot)
		assert.False(t, b.appendMode)
		assert.Equal(t, data, b.file)
		assert.Equal(t, 11, b.chunks)
		assert.LessOrEqual(t, b.maxUnacked, 4)
		assert.Greater(t, b.maxUnacked, 0)
	})
}

func TestWriteFile_VerifyFails(t *testing.T) {
	board, b := connect(t, Config{})
	board.set(func(b *fakeBoard) { b.corruptVerify = true })

	err := b.WriteFile(context.Background(), link.FileWrite{Slot: "bin", Data: testData(100), ChunkSize: 48, Burst: 4, Verify: true})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestWriteFile_MissingAck(t *testing.T) {
	board, b := connect(t, Config{ResponseTimeout: 50 * time.Millisecond})
	board.set(func(b *fakeBoard) { b.skipAckAt = 48 })

	var progress []int
	err := b.WriteFile(context.Background(), link.FileWrite{
		Slot:      "bin",
		Data:      testData(96),
		ChunkSize: 48,
		Burst:     4,
		Progress:  func(acked int) { progress = append(progress, acked) },
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, []int{48}, progress)
}

func TestStream_CloseFailsPendingRequests(t *testing.T) {
	board, host := newFakeBoard(t)
	board.set(func(b *fakeBoard) { b.silent = true })
	e := pipeEngine(host, Config{})
	transport, err := e.Open("/dev/ttyACM0", 57600)
	require.NoError(t, err)
	s := transport.(*Stream)
	assert.Equal(t, "/dev/ttyACM0", s.Port())
	assert.Equal(t, 57600, s.Baud())

	errs := make(chan error, 1)
	go func() {
		_, err := s.request(context.Background(), commandSync, buildSyncBody(1), time.Hour)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-errs, ErrClosed)

	_, err = s.request(context.Background(), commandPing, nil, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}
