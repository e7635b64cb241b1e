// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/pioneershow/fclink/cmd/fclink/directory"
	"github.com/pioneershow/fclink/cmd/fclink/engine"
	"github.com/pioneershow/fclink/cmd/fclink/link"
	"github.com/pioneershow/fclink/cmd/fclink/ports"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// session is a running link manager for the duration of one command.
type session struct {
	manager  *link.Manager
	watcher  *ports.Watcher
	log      *zap.SugaredLogger
	cacheDir string
}

func addConnectFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("port", "p", "", "connect to this port instead of the configured one")
	cmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for the board")
}

// connect starts a session and waits until a board is connected.
func connect(cmd *cobra.Command) (*session, error) {
	port, err := cmd.Flags().GetString("port")
	if err != nil {
		return nil, err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return nil, err
	}
	s, err := openSession(cmd, port)
	if err != nil {
		return nil, err
	}
	if err := s.waitConnected(cmd.Context(), timeout); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// openSession starts a link manager configured from the user config. A
// non-empty port overrides the configured port; without any port the
// manager connects automatically if that is enabled. hooks run before the
// manager starts.
func openSession(cmd *cobra.Command, port string, hooks ...func(m *link.Manager)) (*session, error) {
	log, err := loggerFor(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := directory.GetUserConfig()
	if err != nil {
		return nil, err
	}
	lc, err := directory.LoadLinkConfig(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := link.ParseFormatPolicy(cfg.GetString(directory.UnknownFormatCfgKey))
	if err != nil {
		return nil, err
	}
	cacheDir, err := directory.GetCachePath()
	if err != nil {
		return nil, err
	}

	if port == "" {
		port = lc.Port
	}
	if port == "" && !lc.AutoConnect {
		return nil, fmt.Errorf("no port configured and auto-connect is disabled. Use 'fclink port set' or 'fclink config auto-connect enable'")
	}

	s := &session{
		log:      log,
		cacheDir: cacheDir,
	}
	var wake <-chan struct{}
	if lc.Hotplug && hasDeviceDir() {
		w, err := ports.NewWatcher(ports.DeviceDir, log)
		if err != nil {
			log.Debugw("Hot-plug notifications unavailable", "error", err)
		} else {
			s.watcher = w
			wake = w.Wake()
		}
	}

	s.manager = link.New(
		ports.NewEnumerator(lc.AllPorts, log),
		engine.New(engine.Config{CacheDir: cacheDir, Logger: log}),
		link.Config{
			BaudRates:        lc.BaudRates,
			PollInterval:     lc.PollInterval,
			HandshakeRounds:  lc.HandshakeRounds,
			AutoConnect:      port == "" && lc.AutoConnect,
			RestartWait:      lc.RestartWait,
			RestartTicketTTL: lc.RestartTicketTTL,
			UnknownFormat:    policy,
			Wake:             wake,
			Logger:           log,
		},
	)
	for _, hook := range hooks {
		hook(s.manager)
	}
	if err := s.manager.Start(); err != nil {
		s.Close()
		return nil, err
	}
	if port != "" {
		if err := s.manager.ConnectTo(port); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func hasDeviceDir() bool {
	return runtime.GOOS == "linux" || runtime.GOOS == "darwin"
}

func (s *session) waitConnected(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.manager.WaitStatus(ctx, link.Connected); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("no board answered within %s (status: %s)", timeout, s.manager.Status())
		}
		return err
	}
	return nil
}

func (s *session) Close() error {
	var err error
	if s.manager != nil {
		err = multierr.Append(err, s.manager.Close())
	}
	if s.watcher != nil {
		err = multierr.Append(err, s.watcher.Close())
	}
	s.log.Sync()
	return err
}
