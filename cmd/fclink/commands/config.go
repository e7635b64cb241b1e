// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pioneershow/fclink/cmd/fclink/directory"
	"github.com/pioneershow/fclink/cmd/fclink/link"
	"github.com/spf13/cobra"
)

func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configure fclink",
		Long:  "Configure how fclink finds and talks to the board.",
	}

	cmd.AddCommand(
		ConfigAutoConnectCmd(),
		ConfigBaudRatesCmd(),
		ConfigUnknownFormatCmd(),
	)
	return cmd
}

func ConfigAutoConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto-connect",
		Short: "Configure whether fclink picks a port on its own",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "enable",
			Short: "Connect to the first port that answers when no port is set",
			Args:  cobra.NoArgs,
			RunE:  setConfig(directory.AutoConnectCfgKey, true),
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Only connect to the port set with 'fclink port set'",
			Args:  cobra.NoArgs,
			RunE:  setConfig(directory.AutoConnectCfgKey, false),
		},
	)
	return cmd
}

func ConfigBaudRatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baud-rates <rate,...>",
		Short: "Set the baud rates tried for new connections, in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bauds, err := parseBaudRates(args[0])
			if err != nil {
				return err
			}
			return setConfig(directory.BaudRatesCfgKey, bauds)(cmd, nil)
		},
	}
	return cmd
}

func parseBaudRates(s string) ([]int, error) {
	var res []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		baud, err := strconv.Atoi(field)
		if err != nil || baud <= 0 {
			return nil, fmt.Errorf("invalid baud rate '%s'", field)
		}
		res = append(res, baud)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("at least one baud rate is required")
	}
	return res, nil
}

func ConfigUnknownFormatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unknown-format <accept|reject>",
		Short: "Configure whether firmware images of an unknown format are uploaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := link.ParseFormatPolicy(args[0])
			if err != nil {
				return err
			}
			return setConfig(directory.UnknownFormatCfgKey, policy.String())(cmd, nil)
		},
	}
	return cmd
}

func setConfig(key string, value interface{}) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, _ []string) error {
		cfg, err := directory.GetUserConfig()
		if err != nil {
			return err
		}
		cfg.Set(key, value)
		return directory.WriteConfig(cfg)
	}
}
