// Package config loads the supervisor's TOML configuration: daemon-level
// settings plus one [[services]] block per supervised service.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/progress"
	"github.com/loykin/vigil/internal/service"
)

// FileConfig represents the top-level TOML structure.
//
//	pid_dir = "/var/run/vigil"
//	listen = ":8970"
//	log_level = "info"
//	history_dsn = "sqlite:///var/lib/vigil/history.db"
//
//	[log]
//	dir = "/var/log/vigil"
//
//	[[services]]
//	name = "etl-stage1"
//	command = "/opt/etl/stage1 --input /data/in"
//	poll_interval = "2s"
//	progress_timeout = "300s"
//	max_restarts = 2
//	[services.monitor]
//	type = "file"
//	path = "/data/out/stage1"
type FileConfig struct {
	PIDDir     string           `toml:"pid_dir" mapstructure:"pid_dir"`
	Listen     string           `toml:"listen" mapstructure:"listen"`
	LogLevel   string           `toml:"log_level" mapstructure:"log_level"`
	HistoryDSN string           `toml:"history_dsn" mapstructure:"history_dsn"`
	Log        *logger.Config   `toml:"log" mapstructure:"log"`
	Services   []ServiceConfig  `toml:"services" mapstructure:"services"`
}

// ServiceConfig is one [[services]] block.
type ServiceConfig struct {
	Name            string          `toml:"name" mapstructure:"name"`
	Command         string          `toml:"command" mapstructure:"command"`
	WorkDir         string          `toml:"workdir" mapstructure:"workdir"`
	Env             []string        `toml:"env" mapstructure:"env"`
	PollInterval    time.Duration   `toml:"poll_interval" mapstructure:"poll_interval"`
	ProgressTimeout time.Duration   `toml:"progress_timeout" mapstructure:"progress_timeout"`
	SampleTimeout   time.Duration   `toml:"sample_timeout" mapstructure:"sample_timeout"`
	MaxRestarts     int             `toml:"max_restarts" mapstructure:"max_restarts"`
	Backoff         service.Backoff `toml:"backoff" mapstructure:"backoff"`
	Limits          service.Limits  `toml:"limits" mapstructure:"limits"`
	StartGrace      time.Duration   `toml:"start_grace" mapstructure:"start_grace"`
	GracePeriod     time.Duration   `toml:"grace_period" mapstructure:"grace_period"`
	AutoStart       bool            `toml:"auto_start" mapstructure:"auto_start"`
	Monitor         progress.Config `toml:"monitor" mapstructure:"monitor"`
	Log             *logger.Config  `toml:"log" mapstructure:"log"`
}

// Load reads and parses the TOML file at path.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, fmt.Errorf("config: %w", err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("config: %w", err)
	}
	return fc, nil
}

// Specs converts the service blocks into validated specs. The top-level log
// config is the fallback stdio destination for services without their own.
func (fc FileConfig) Specs() ([]service.Spec, error) {
	out := make([]service.Spec, 0, len(fc.Services))
	seen := make(map[string]struct{}, len(fc.Services))
	for _, sc := range fc.Services {
		if _, dup := seen[sc.Name]; dup {
			return nil, fmt.Errorf("config: duplicate service name %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}

		sp := service.Spec{
			Name:            sc.Name,
			Command:         sc.Command,
			WorkDir:         sc.WorkDir,
			Env:             sc.Env,
			PollInterval:    sc.PollInterval,
			ProgressTimeout: sc.ProgressTimeout,
			SampleTimeout:   sc.SampleTimeout,
			MaxRestarts:     sc.MaxRestarts,
			Backoff:         sc.Backoff,
			Limits:          sc.Limits,
			StartGrace:      sc.StartGrace,
			GracePeriod:     sc.GracePeriod,
			AutoStart:       sc.AutoStart,
			Monitor:         sc.Monitor,
		}
		if sc.Log != nil {
			sp.Log = *sc.Log
		} else if fc.Log != nil {
			sp.Log = *fc.Log
		}
		if err := sp.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		sp.Normalize()
		out = append(out, sp)
	}
	return out, nil
}
