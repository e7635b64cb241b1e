// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package engine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc16"
)

const (
	// Commands.
	commandSync       = 0
	commandPing       = 1
	commandIdentify   = 2
	commandSystem     = 3
	commandSetParam   = 4
	commandFileOpen   = 5
	commandFileChunk  = 6
	commandFileVerify = 7

	maxPayload = 65535
)

// A sequence of random numbers that is used as synchronization token.
var syncMagic = []byte{27, 121, 55, 49, 253, 65, 123, 243}

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

var (
	// errMisaligned means the reader is no longer at a packet boundary.
	errMisaligned = errors.New("packet not terminated")
	// errChecksum means a whole packet was read but its payload is damaged.
	errChecksum = errors.New("packet checksum mismatch")
)

// buildFrame encodes a packet. Packets start with their payload-length,
// followed by the payload and its checksum, and end with a '\n'.
func buildFrame(command byte, body []byte) ([]byte, error) {
	payload := make([]byte, 0, len(body)+1)
	payload = append(payload, command)
	payload = append(payload, body...)
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("payload of %d bytes does not fit in a frame", len(payload))
	}
	frame := make([]byte, 0, len(payload)+5)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint16(frame, crc16.Checksum(payload, crcTable))
	frame = append(frame, '\n')
	return frame, nil
}

// readFrame reads one packet and returns its payload, command byte included.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := int(binary.LittleEndian.Uint16(header[:]))
	if length == 0 {
		return nil, errMisaligned
	}
	payload := make([]byte, length+3)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	trailer := payload[length:]
	payload = payload[:length]
	if trailer[2] != '\n' {
		return nil, errMisaligned
	}
	if binary.LittleEndian.Uint16(trailer) != crc16.Checksum(payload, crcTable) {
		return nil, errChecksum
	}
	return payload, nil
}

func buildSyncBody(syncId uint16) []byte {
	body := binary.LittleEndian.AppendUint16(nil, syncId)
	for _, b := range syncMagic {
		// The magic number is sent with each byte decremented by one to avoid
		// accidental detections.
		body = append(body, b-1)
	}
	return body
}
