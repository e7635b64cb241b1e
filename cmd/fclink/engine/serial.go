// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package engine

import (
	"fmt"
	"io"
	"os"

	"go.bug.st/serial"
)

// OpenSerial opens port as 8N1 at the given baud rate.
func OpenSerial(port string, baud int) (io.ReadWriteCloser, error) {
	dev, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("the port '%s' was not found", port)
	}
	if err != nil {
		return nil, err
	}
	// Drop whatever the board sent before we started listening.
	if err := dev.ResetInputBuffer(); err != nil {
		dev.Close()
		return nil, err
	}
	return &serialPort{dev}, nil
}

type serialPort struct {
	serial.Port
}

func (s serialPort) Read(buf []byte) (n int, err error) {
	n, err = s.Port.Read(buf)
	if err == nil && n == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	return n, err
}
