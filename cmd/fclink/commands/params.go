// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

type param struct {
	Name  string
	Value float64
}

// parseParams reads a YAML mapping of parameter names to numbers. The order
// of the file is kept.
func parseParams(data []byte) ([]param, error) {
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	res := make([]param, 0, len(doc))
	for _, item := range doc {
		name := fmt.Sprint(item.Key)
		var value float64
		switch v := item.Value.(type) {
		case int:
			value = float64(v)
		case float64:
			value = v
		case bool:
			if v {
				value = 1
			}
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("parameter '%s' is not a number: %q", name, v)
			}
			value = f
		default:
			return nil, fmt.Errorf("parameter '%s' has an unsupported value: %v", name, item.Value)
		}
		res = append(res, param{Name: name, Value: value})
	}
	return res, nil
}

func ParamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Change board parameters",
	}

	uploadCmd := &cobra.Command{
		Use:   "upload <file.yaml>",
		Short: "Set every parameter listed in a YAML file",
		Long: "Set every parameter listed in a YAML file.\n" +
			"The file maps parameter names to numbers. Parameters are sent in file order.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			params, err := parseParams(data)
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			restart, err := cmd.Flags().GetBool("restart")
			if err != nil {
				return err
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return err
			}

			s, err := connect(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			for _, p := range params {
				if err := s.manager.SetParam(cmd.Context(), p.Name, p.Value); err != nil {
					return err
				}
				s.log.Debugw("Parameter set", "name", p.Name, "value", p.Value)
			}
			fmt.Printf("Set %d parameters.\n", len(params))

			if !restart {
				return nil
			}
			return restartAndWait(cmd, s, timeout)
		},
	}
	uploadCmd.Flags().Bool("restart", false, "restart the board once all parameters are set")
	addConnectFlags(uploadCmd)
	cmd.AddCommand(uploadCmd)
	return cmd
}
