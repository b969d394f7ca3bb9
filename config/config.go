// Package config holds the daemon's command-line-derived settings (§6) and
// the handful of validation rules that must hold before the supervisor is
// allowed to start.
package config

import (
	"fmt"
	"time"

	"github.com/hreinecke/md-monitor/monitor"
	"github.com/hreinecke/md-monitor/policy"
)

const (
	// DefaultControlSocket is the abstract-namespace Control Socket (C10)
	// address, matching ipc.SocketPath.
	DefaultControlSocket = "/org/kernel/md/md_monitor"

	// DefaultPidFile is where the daemon records its pid for CheckPidFile.
	DefaultPidFile = "/run/mdpathd/mdpathd.pid"

	// DefaultMetricsAddr is the ambient Prometheus endpoint's listen address.
	DefaultMetricsAddr = ":9198"
)

// Config carries every scalar spec.md §6 exposes on the command line, plus
// the ambient daemon knobs (pidfile, log format, metrics) the teacher's own
// main.go wires up the same way.
type Config struct {
	FailfastTimeout time.Duration
	FailfastRetries int
	CheckerTimeout  time.Duration
	StopOnSync      bool
	FailMode        policy.FailMode

	MultipathPollInterval time.Duration
	MultipathTimeout      time.Duration

	ControlSocket string
	PidFile       string
	MetricsAddr   string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Default returns the settings the daemon runs with absent any flag
// overrides.
func Default() Config {
	return Config{
		FailfastTimeout:       5 * time.Second,
		FailfastRetries:       2,
		CheckerTimeout:        1 * time.Second,
		StopOnSync:            true,
		FailMode:              policy.FailModeMirror,
		MultipathPollInterval: 5 * time.Second,
		MultipathTimeout:      2 * time.Second,
		ControlSocket:         DefaultControlSocket,
		PidFile:               DefaultPidFile,
		MetricsAddr:           DefaultMetricsAddr,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// Validate enforces §6's "failfast_retries must be at least 2" invariant
// and rejects a non-positive failfast or checker timeout; with a zero
// checker timeout each monitor task would end after its first probe outcome.
func (c Config) Validate() error {
	if c.FailfastRetries < 2 {
		return fmt.Errorf("config: failfast-retries must be >= 2, got %d", c.FailfastRetries)
	}
	if c.FailfastTimeout <= 0 {
		return fmt.Errorf("config: failfast-timeout must be positive")
	}
	if c.CheckerTimeout <= 0 {
		return fmt.Errorf("config: checker-timeout must be positive")
	}
	return nil
}

// MonitorConfig projects the subset of Config the Member Monitor Task (C5)
// needs.
func (c Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		FailfastTimeout: c.FailfastTimeout,
		FailfastRetries: c.FailfastRetries,
		CheckerTimeout:  c.CheckerTimeout,
		StopOnSync:      c.StopOnSync,
	}
}
