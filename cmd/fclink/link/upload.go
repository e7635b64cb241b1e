// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package link

import (
	"context"
	"fmt"
)

// UploadFirmware validates image against the connected board and streams it
// into the binary slot. A failed transfer is not rolled back; call again to
// retry.
func (m *Manager) UploadFirmware(ctx context.Context, image []byte, progress func(acked int)) error {
	h, err := m.borrow()
	if err != nil {
		return err
	}
	if _, ok := h.Component(FileComponent); !ok {
		return fmt.Errorf("%w: %s", ErrCapabilityAbsent, FileComponent)
	}
	firmware, err := FirmwareVersion(h)
	if err != nil {
		return err
	}
	if err := ValidateImage(image, firmware, m.cfg.UnknownFormat); err != nil {
		return err
	}

	m.log.Infow("Uploading firmware image", "bytes", len(image), "firmware", firmware)
	err = h.WriteFile(ctx, FileWrite{
		Slot:      BinarySlot,
		Data:      image,
		ChunkSize: FirmwareChunkSize,
		Burst:     FirmwareBurst,
		Append:    false,
		Verify:    true,
		Progress:  progress,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	m.log.Infow("Firmware image uploaded", "bytes", len(image))
	return nil
}
