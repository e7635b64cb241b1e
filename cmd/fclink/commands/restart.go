// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func RestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "restart",
		Short:        "Restart the board and wait until it is back",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return err
			}
			s, err := connect(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := restartAndWait(cmd, s, timeout); err != nil {
				return err
			}
			port, baud, _ := s.manager.Active()
			fmt.Printf("Board is back on '%s' at %d baud.\n", port, baud)
			return nil
		},
	}
	addConnectFlags(cmd)
	return cmd
}

// restartAndWait restarts the board and waits for the link to come back.
func restartAndWait(cmd *cobra.Command, s *session, timeout time.Duration) error {
	result, err := s.manager.RestartDevice(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println("Restarting board ...")

	select {
	case err := <-result:
		if err != nil {
			fmt.Printf("The board reported a problem with the restart: %v\n", err)
		}
	case <-time.After(timeout):
		s.log.Warnw("No answer to the restart command", "timeout", timeout)
	}

	// The old link is already gone, so this waits for the new one.
	return s.waitConnected(cmd.Context(), timeout)
}
