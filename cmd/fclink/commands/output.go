// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

type encoder interface {
	Encode(interface{}) error
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "short", "output format. Must be either json, yaml or short")
}

func parseOutputFlag(cmd *cobra.Command) (encoder, error) {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return nil, err
	}
	return newEncoder(output, os.Stdout)
}

func newEncoder(format string, w io.Writer) (encoder, error) {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc, nil
	case "yaml":
		return yaml.NewEncoder(w), nil
	case "short":
		return newShortEncoder(w), nil
	default:
		return nil, fmt.Errorf("--output flag '%s' was not recognized. Must be either json, yaml or short", format)
	}
}

type shortEncoder struct {
	w io.Writer
}

func newShortEncoder(w io.Writer) *shortEncoder {
	return &shortEncoder{
		w: w,
	}
}

type Elements interface {
	Elements() []Short
}

type Short interface {
	Short() string
}

func (s *shortEncoder) Encode(v interface{}) error {
	es, ok := v.(Elements)
	if !ok {
		return fmt.Errorf("value type %T was not compatible with the Elements interface", v)
	}
	for _, e := range es.Elements() {
		fmt.Fprintln(s.w, e.Short())
	}
	return nil
}
