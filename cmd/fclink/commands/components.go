// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/pioneershow/fclink/cmd/fclink/directory"
	"github.com/pioneershow/fclink/cmd/fclink/engine"
	"github.com/pioneershow/fclink/cmd/fclink/link"
	"github.com/spf13/cobra"
)

type componentList struct {
	Components []componentEntry `json:"components" yaml:"components"`
}

func (l componentList) Elements() []Short {
	res := make([]Short, len(l.Components))
	for i := range l.Components {
		res[i] = l.Components[i]
	}
	return res
}

type componentEntry struct {
	Name    string                 `json:"name" yaml:"name"`
	Version string                 `json:"version" yaml:"version"`
	Fields  map[string]interface{} `json:"fields,omitempty" yaml:"fields,omitempty"`
}

func (c componentEntry) Short() string {
	return fmt.Sprintf("%s\t%s", c.Name, c.Version)
}

func newComponentList(components []link.Component) componentList {
	res := componentList{Components: make([]componentEntry, 0, len(components))}
	for _, c := range components {
		res.Components = append(res.Components, componentEntry{
			Name:    c.Name,
			Version: c.Version.String(),
			Fields:  c.Fields,
		})
	}
	sort.Slice(res.Components, func(i, j int) bool {
		return res.Components[i].Name < res.Components[j].Name
	})
	return res
}

func ComponentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "components",
		Short: "List the components reported by the board",
		Long: "List the components reported by the board.\n" +
			"With --cached the list of the last identified board is shown without connecting.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := parseOutputFlag(cmd)
			if err != nil {
				return err
			}
			cached, err := cmd.Flags().GetBool("cached")
			if err != nil {
				return err
			}

			var components []link.Component
			if cached {
				dir, err := directory.GetCachePath()
				if err != nil {
					return err
				}
				components, err = engine.LoadCachedComponents(dir)
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no board has been identified yet")
				}
				if err != nil {
					return err
				}
			} else {
				s, err := connect(cmd)
				if err != nil {
					return err
				}
				defer s.Close()
				if components, err = s.manager.Components(); err != nil {
					return err
				}
			}
			return enc.Encode(newComponentList(components))
		},
	}
	cmd.Flags().Bool("cached", false, "show the components of the last identified board")
	addConnectFlags(cmd)
	addOutputFlag(cmd)
	return cmd
}
