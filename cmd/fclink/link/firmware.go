// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package link

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// FirmwareMagic starts every uploadable image. The byte after it is the
// image format version.
var FirmwareMagic = []byte{0xAA, 0xBB, 0xCC, 0xDD}

const (
	FirmwareChunkSize = 48
	FirmwareBurst     = 4

	// Boards newer than this no longer accept format 1 images.
	lastFormat1Firmware = 8123
	// Boards older than this do not understand format 2 images.
	firstFormat2Firmware = 8016
)

var (
	ErrImageTooShort  = errors.New("link: firmware image is too short")
	ErrBadMagic       = errors.New("link: firmware image does not start with AA BB CC DD")
	ErrUnknownFormat  = errors.New("link: unknown firmware image format")
	ErrTransferFailed = errors.New("link: firmware transfer failed")
)

// FormatPolicy decides what happens to images whose format version is
// neither 1 nor 2.
type FormatPolicy int

const (
	AcceptUnknownFormats FormatPolicy = iota
	RejectUnknownFormats
)

func (p FormatPolicy) String() string {
	if p == RejectUnknownFormats {
		return "reject"
	}
	return "accept"
}

func ParseFormatPolicy(s string) (FormatPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accept":
		return AcceptUnknownFormats, nil
	case "reject":
		return RejectUnknownFormats, nil
	default:
		return AcceptUnknownFormats, fmt.Errorf("unknown firmware format policy '%s', must be accept or reject", s)
	}
}

// IncompatibleError is returned for an image whose format the board's
// firmware cannot take.
type IncompatibleError struct {
	Format   uint8
	Firmware int
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("link: image format %d is not supported by board firmware %d", e.Format, e.Firmware)
}

// ImageFormat returns the format version of image after checking its magic.
func ImageFormat(image []byte) (uint8, error) {
	if len(image) < len(FirmwareMagic)+1 {
		return 0, ErrImageTooShort
	}
	if !bytes.Equal(image[:len(FirmwareMagic)], FirmwareMagic) {
		return 0, ErrBadMagic
	}
	return image[len(FirmwareMagic)], nil
}

// ValidateImage checks that image may be uploaded to a board running the
// given firmware build.
func ValidateImage(image []byte, firmware int, policy FormatPolicy) error {
	format, err := ImageFormat(image)
	if err != nil {
		return err
	}
	switch format {
	case 1:
		if firmware > lastFormat1Firmware {
			return &IncompatibleError{Format: format, Firmware: firmware}
		}
	case 2:
		if firmware < firstFormat2Firmware {
			return &IncompatibleError{Format: format, Firmware: firmware}
		}
	default:
		if policy == RejectUnknownFormats {
			return fmt.Errorf("%w: %d", ErrUnknownFormat, format)
		}
	}
	return nil
}
