// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pioneershow/fclink/cmd/fclink/link"
	"github.com/spf13/cobra"
)

func MonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "monitor",
		Short:        "Keep the link up and report ports and connections as they change",
		Long:         "Keep the link up and report ports and connections as they change. Stop with Ctrl-C.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := cmd.Flags().GetString("port")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			stamp := func() string { return time.Now().Format("15:04:05") }
			s, err := openSession(cmd, port, func(m *link.Manager) {
				m.OnPortsChanged(func(ports []string) {
					if len(ports) == 0 {
						fmt.Printf("%s  no ports\n", stamp())
						return
					}
					fmt.Printf("%s  ports: %s\n", stamp(), strings.Join(ports, ", "))
				})
				m.OnConnected(func(firmware int) {
					port, baud, _ := m.Active()
					fmt.Printf("%s  connected to %s at %d baud, firmware %d\n", stamp(), port, baud, firmware)
				})
				m.OnDisconnected(func() {
					fmt.Printf("%s  disconnected\n", stamp())
				})
			})
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Printf("Monitoring serial ports (status: %s) ...\n", s.manager.Status())
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringP("port", "p", "", "stay on this port instead of the configured one")
	return cmd
}
