// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type linkStatus struct {
	Status   string `json:"status" yaml:"status"`
	Port     string `json:"port" yaml:"port"`
	Baud     int    `json:"baud" yaml:"baud"`
	Firmware int    `json:"firmware" yaml:"firmware"`
	Session  string `json:"session" yaml:"session"`
	PingMs   int64  `json:"ping_ms" yaml:"ping_ms"`
}

func (s linkStatus) Elements() []Short { return []Short{s} }

func (s linkStatus) Short() string {
	return fmt.Sprintf("%s to %s at %d baud, firmware %d, ping %dms (session %s)",
		s.Status, s.Port, s.Baud, s.Firmware, s.PingMs, s.Session)
}

func StatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "status",
		Short:        "Connect to the board and show the link",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := parseOutputFlag(cmd)
			if err != nil {
				return err
			}
			s, err := connect(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			m := s.manager
			port, baud, _ := m.Active()
			session, _ := m.Session()
			firmware, err := m.FirmwareVersion()
			if err != nil {
				s.log.Warnw("Board did not report a firmware version", "error", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()
			start := time.Now()
			if err := m.Ping(ctx); err != nil {
				return fmt.Errorf("board on '%s' stopped answering: %w", port, err)
			}

			return enc.Encode(linkStatus{
				Status:   m.Status().String(),
				Port:     port,
				Baud:     baud,
				Firmware: firmware,
				Session:  session,
				PingMs:   time.Since(start).Milliseconds(),
			})
		},
	}
	addConnectFlags(cmd)
	addOutputFlag(cmd)
	return cmd
}
