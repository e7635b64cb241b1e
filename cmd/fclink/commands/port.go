// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/pioneershow/fclink/cmd/fclink/directory"
	"github.com/pioneershow/fclink/cmd/fclink/ports"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type portList []ports.Port

func (l portList) Elements() []Short {
	var res []Short
	for _, p := range l {
		res = append(res, portEntry(p))
	}
	return res
}

type portEntry ports.Port

func (p portEntry) Short() string {
	if p.VID == "" {
		return p.Name
	}
	if p.Product != "" {
		return fmt.Sprintf("%s\t%s:%s\t%s", p.Name, p.VID, p.PID, p.Product)
	}
	return fmt.Sprintf("%s\t%s:%s", p.Name, p.VID, p.PID)
}

func PortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ports",
		Short:        "List the serial ports a board may be attached to",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := cmd.Flags().GetBool("all")
			if err != nil {
				return err
			}
			enc, err := parseOutputFlag(cmd)
			if err != nil {
				return err
			}
			log, err := loggerFor(cmd)
			if err != nil {
				return err
			}

			list, err := ports.NewEnumerator(all, log).Details()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No serial ports detected.")
				return nil
			}
			return enc.Encode(portList(list))
		},
	}
	cmd.Flags().Bool("all", false, "if set, will show all available ports")
	addOutputFlag(cmd)
	return cmd
}

func PortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Choose the serial port fclink connects to",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(SetPortCmd(), ClearPortCmd())
	return cmd
}

func SetPortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "set [port]",
		Short:        "Select the serial port you want to use",
		Long:         "Select the serial port you want to use. Without an argument you are asked to pick one.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := cmd.Flags().GetBool("all")
			if err != nil {
				return err
			}
			log, err := loggerFor(cmd)
			if err != nil {
				return err
			}

			var selected string
			if len(args) == 1 {
				selected = args[0]
			} else if selected, err = pickPort(all, log); err != nil {
				return err
			}

			cfg, err := directory.GetUserConfig()
			if err != nil {
				return err
			}
			cfg.Set(directory.PortCfgKey, selected)
			if err := directory.WriteConfig(cfg); err != nil {
				return err
			}
			fmt.Printf("fclink will connect to '%s'.\n", selected)
			return nil
		},
	}

	cmd.Flags().Bool("all", false, "if set, will show all available ports")
	return cmd
}

func ClearPortCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "clear",
		Short:        "Forget the selected port and connect to the first available one",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := directory.GetUserConfig()
			if err != nil {
				return err
			}
			cfg.Set(directory.PortCfgKey, "")
			return directory.WriteConfig(cfg)
		},
	}
}

func pickPort(all bool, log *zap.SugaredLogger) (string, error) {
	list, err := ports.NewEnumerator(all, log).ListPorts()
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", fmt.Errorf("no serial ports detected. Is the flight controller plugged in?")
	}

	prompt := promptui.Select{
		Label:     "Choose what serial port you want to use",
		Items:     list,
		Templates: &promptui.SelectTemplates{},
	}

	i, _, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("you didn't select anything")
	}

	return list[i], nil
}
