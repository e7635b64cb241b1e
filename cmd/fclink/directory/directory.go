// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package directory

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// UserConfigPathEnv if set, will load the user config from that path.
	UserConfigPathEnv = "FCLINK_CONFIG_PATH"
	// CachePathEnv if set, is used instead of ~/.cache/fclink.
	CachePathEnv = "FCLINK_CACHE_PATH"

	LinkCfgKey          = "link"
	PortCfgKey          = "link.port"
	AutoConnectCfgKey   = "link.auto-connect"
	BaudRatesCfgKey     = "link.baud-rates"
	PollIntervalCfgKey  = "link.poll-interval"
	HandshakeCfgKey     = "link.handshake-rounds"
	RestartWaitCfgKey   = "link.restart-wait"
	RestartTTLCfgKey    = "link.restart-ticket-ttl"
	AllPortsCfgKey      = "link.all-ports"
	HotplugCfgKey       = "link.hotplug"
	UnknownFormatCfgKey = "firmware.unknown-format"
)

// LinkConfig is the "link" section of the user config.
type LinkConfig struct {
	Port             string        `mapstructure:"port" yaml:"port" json:"port"`
	AutoConnect      bool          `mapstructure:"auto-connect" yaml:"auto-connect" json:"auto-connect"`
	BaudRates        []int         `mapstructure:"baud-rates" yaml:"baud-rates" json:"baud-rates"`
	PollInterval     time.Duration `mapstructure:"poll-interval" yaml:"poll-interval" json:"poll-interval"`
	HandshakeRounds  int           `mapstructure:"handshake-rounds" yaml:"handshake-rounds" json:"handshake-rounds"`
	RestartWait      time.Duration `mapstructure:"restart-wait" yaml:"restart-wait" json:"restart-wait"`
	RestartTicketTTL time.Duration `mapstructure:"restart-ticket-ttl" yaml:"restart-ticket-ttl" json:"restart-ticket-ttl"`
	AllPorts         bool          `mapstructure:"all-ports" yaml:"all-ports" json:"all-ports"`
	Hotplug          bool          `mapstructure:"hotplug" yaml:"hotplug" json:"hotplug"`
}

func GetUserConfigPath() (string, error) {
	if path, ok := os.LookupEnv(UserConfigPathEnv); ok {
		return path, nil
	}

	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".config", "fclink", "config.yaml"), nil
}

// GetCachePath returns the cache directory, creating it if needed.
func GetCachePath() (string, error) {
	if path, ok := os.LookupEnv(CachePathEnv); ok {
		return ensureDirectory(path, nil)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return ensureDirectory(filepath.Join(home, ".cache", "fclink"), nil)
}

func ensureDirectory(dir string, err error) (string, error) {
	if err != nil {
		return dir, err
	}
	return dir, os.MkdirAll(dir, 0755)
}

func setDefaults(cfg *viper.Viper) {
	cfg.SetDefault(AutoConnectCfgKey, true)
	cfg.SetDefault(BaudRatesCfgKey, []int{57600, 115200, 230400, 1000000, 2000000})
	cfg.SetDefault(PollIntervalCfgKey, "250ms")
	cfg.SetDefault(HandshakeCfgKey, 10)
	cfg.SetDefault(RestartWaitCfgKey, "1s")
	cfg.SetDefault(RestartTTLCfgKey, "5s")
	cfg.SetDefault(HotplugCfgKey, true)
	cfg.SetDefault(UnknownFormatCfgKey, "accept")
}

func GetUserConfig() (*viper.Viper, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config path: %w", err)
	}

	cfg := viper.New()
	cfg.SetConfigType("yaml")
	cfg.SetConfigFile(path)
	setDefaults(cfg)
	if _, err := os.Stat(path); err == nil {
		if err := cfg.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read user config: %w", err)
		}
	}
	return cfg, nil
}

// LoadLinkConfig decodes the link section of cfg, defaults included.
// Durations may be written as "250ms" and baud rates as "57600,115200".
func LoadLinkConfig(cfg *viper.Viper) (LinkConfig, error) {
	var res LinkConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &res,
	})
	if err != nil {
		return res, err
	}
	if err := decoder.Decode(cfg.AllSettings()[LinkCfgKey]); err != nil {
		return res, fmt.Errorf("invalid link configuration: %w", err)
	}
	for _, b := range res.BaudRates {
		if b <= 0 {
			return res, fmt.Errorf("invalid baud rate %d", b)
		}
	}
	return res, nil
}

// WriteConfig writes cfg to its file. The file is replaced atomically.
func WriteConfig(cfg *viper.Viper) error {
	file := cfg.ConfigFileUsed()
	dir := filepath.Dir(file)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmpFile := filepath.Join(filepath.Dir(file), ".config.tmp.yaml")
	if err := cfg.WriteConfigAs(tmpFile); err != nil {
		return err
	}
	defer os.Remove(tmpFile)

	return os.Rename(tmpFile, file)
}
