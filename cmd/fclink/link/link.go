// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

// Package link keeps a single logical connection to a flight-controller
// board that sits behind a serial port which may come and go at any time.
//
// A Manager polls the host's serial ports, probes new candidates over a
// list of baud rates, performs the protocol handshake and republishes the
// link whenever the topology changes. Board restarts and firmware uploads
// are only accepted while the link is up and always go through the Manager,
// which is the sole owner of the open transport.
package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// Status is the state of the link.
type Status int32

const (
	Disconnected Status = iota
	Probing
	Handshaking
	Connected
	Restarting
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Probing:
		return "probing"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Restarting:
		return "restarting"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

var (
	ErrNotConnected        = errors.New("link: not connected")
	ErrRestartInProgress   = errors.New("link: restart already in progress")
	ErrCapabilityAbsent    = errors.New("link: required component is absent on the device")
	ErrCommandUnknown      = errors.New("link: command not found in the command table")
	ErrNoFirmwareVersion   = errors.New("link: device did not report a firmware version")
	ErrHandshakeFailed     = errors.New("link: no baud rate produced a handshake")
	ErrUnsupportedPlatform = errors.New("link: unsupported platform")
	ErrClosed              = errors.New("link: manager closed")
)

// Enumerator lists the serial ports that could hold a board.
//
// An empty list is not an error. Implementations return an error wrapping
// ErrUnsupportedPlatform when the host cannot be enumerated at all.
type Enumerator interface {
	ListPorts() ([]string, error)
}

// Transport is an open byte stream to a port. Only the Engine that created
// it knows what is inside.
type Transport interface {
	Close() error
}

// Engine is the protocol engine that speaks to the board.
type Engine interface {
	// Open opens port at the given baud rate.
	Open(port string, baud int) (Transport, error)
	// Handshake performs one connect round on an open transport.
	Handshake(ctx context.Context, t Transport) (Handle, error)
}

// Component is a named unit exposed by the board.
type Component struct {
	Name    string
	Version semver.Version
	Fields  map[string]interface{}
}

// FileWrite describes a file transfer to the board.
type FileWrite struct {
	Slot      string
	Data      []byte
	ChunkSize int
	// Burst is the maximum number of unacknowledged chunks in flight.
	Burst  int
	Append bool
	Verify bool
	// Progress, if set, is called with the number of acknowledged bytes.
	Progress func(acked int)
}

// Handle is a connected protocol session.
type Handle interface {
	Component(name string) (Component, bool)
	Components() []Component
	// CommandTable maps system command ids to their human readable labels.
	CommandTable() map[uint16]string
	Ping(ctx context.Context) error
	// SendCommand returns once the command is written. done is called
	// asynchronously with the board's result.
	SendCommand(ctx context.Context, id uint16, done func(error)) error
	SetParam(ctx context.Context, name string, value float64) error
	WriteFile(ctx context.Context, w FileWrite) error
	Close() error
}

const (
	// ScriptComponent is always present on a genuine board; it is what
	// distinguishes a handshake from noise on the line.
	ScriptComponent = "LuaScript"
	// FileComponent provides the file transfer capability.
	FileComponent = "FileManager"
	// BinarySlot is the remote file slot reserved for binary uploads.
	BinarySlot = "bin"
	// RestartLabel is the label of the restart entry in the command table.
	RestartLabel = "Restart"
)

// MonitorComponents are the names under which the board reports its
// firmware version.
var MonitorComponents = []string{"UavMonitor", "BaseMonitor"}

// DefaultBaudRates are tried in order for every new connection attempt.
var DefaultBaudRates = []int{57600, 115200, 230400, 1000000, 2000000}

// FirmwareVersion extracts the build number of the board firmware from the
// version triple of the monitor component.
func FirmwareVersion(h Handle) (int, error) {
	for _, name := range MonitorComponents {
		if c, ok := h.Component(name); ok {
			return int(c.Version.Patch), nil
		}
	}
	return 0, ErrNoFirmwareVersion
}
