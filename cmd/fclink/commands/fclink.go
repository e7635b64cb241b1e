// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	ctxKeyInfo ctxKey = "info"
)

type Info struct {
	Version string `mapstructure:"version" yaml:"version" json:"version"`
	Date    string `mapstructure:"date" yaml:"date" json:"date"`
}

func SetInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKeyInfo, info)
}

func GetInfo(ctx context.Context) Info {
	return ctx.Value(ctxKeyInfo).(Info)
}

func FclinkCmd(info Info, isReleaseBuild bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fclink",
		Short: "Talk to a flight controller over its serial port",
		Long: "fclink finds the flight controller attached to this computer, negotiates a baud rate\n" +
			"and keeps the connection alive across unplugging, replugging and board restarts.\n" +
			"Once connected it can restart the board, upload firmware images and set parameters.",
	}
	cmd.PersistentFlags().BoolP("verbose", "v", false, "log connection details")

	cmd.AddCommand(
		PortsCmd(),
		PortCmd(),
		StatusCmd(),
		MonitorCmd(),
		RestartCmd(),
		UploadCmd(),
		ComponentsCmd(),
		ParamsCmd(),
		ConfigCmd(),
		VersionCmd(info, isReleaseBuild),
	)
	return cmd
}

// newLogger returns a console logger. Only warnings are shown unless
// verbose is set.
func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level.SetLevel(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func loggerFor(cmd *cobra.Command) (*zap.SugaredLogger, error) {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, err
	}
	return newLogger(verbose)
}
