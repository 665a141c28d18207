/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads daemon settings from flags, environment and an
// optional config file.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PVE_WOL_DEBOUNCE
const EnvPrefix = "PVE_WOL"

// Config is the validated daemon configuration
type Config struct {
	Bind          string
	Ports         []int
	Map           string
	MapRequired   bool
	ConfDir       string
	Debounce      time.Duration
	DryRun        bool
	PollInterval  time.Duration
	ReadBuffer    int
	RawInterfaces []string

	Action ActionConfig
	SSH    SSHConfig
	Health HealthConfig
}

// ActionConfig controls how qm is invoked
type ActionConfig struct {
	QMPath     string
	Timeout    time.Duration
	Attempts   int
	RetryDelay time.Duration
}

// SSHConfig selects remote execution when Host is set
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	KeyPath    string
	KnownHosts string
}

// HealthConfig enables the HTTP health server when Address is set
type HealthConfig struct {
	Address string
}

var defaults = map[string]interface{}{
	"bind":               "0.0.0.0",
	"ports":              []int{9, 7},
	"map":                "",
	"map_required":       false,
	"conf_dir":           "/etc/pve/qemu-server",
	"debounce":           5 * time.Second,
	"dry_run":            false,
	"poll_interval":      time.Second,
	"read_buffer":        64 * 1024,
	"raw_interfaces":     []string{},
	"action.qm_path":     "qm",
	"action.timeout":     60 * time.Second,
	"action.attempts":    1,
	"action.retry_delay": 2 * time.Second,
	"ssh.host":           "",
	"ssh.port":           22,
	"ssh.user":           "root",
	"ssh.key_path":       "",
	"ssh.known_hosts":    "",
	"health.address":     "",
}

// flagKeys maps command line flag names to config keys
var flagKeys = map[string]string{
	"bind":            "bind",
	"ports":           "ports",
	"map":             "map",
	"map-required":    "map_required",
	"conf-dir":        "conf_dir",
	"debounce":        "debounce",
	"dry-run":         "dry_run",
	"poll-interval":   "poll_interval",
	"read-buffer":     "read_buffer",
	"raw-interfaces":  "raw_interfaces",
	"qm-path":         "action.qm_path",
	"action-timeout":  "action.timeout",
	"attempts":        "action.attempts",
	"retry-delay":     "action.retry_delay",
	"ssh-host":        "ssh.host",
	"ssh-port":        "ssh.port",
	"ssh-user":        "ssh.user",
	"ssh-key":         "ssh.key_path",
	"ssh-known-hosts": "ssh.known_hosts",
	"health-address":  "health.address",
}

// AddFlags registers the daemon flags on fs
func AddFlags(fs *pflag.FlagSet) {
	fs.String("bind", "0.0.0.0", "IPv4 address to listen on")
	fs.IntSlice("ports", []int{9, 7}, "UDP ports for WOL packets")
	fs.String("map", "", "explicit MAC to VMID mapping file (YAML, JSON or TOML)")
	fs.Bool("map-required", false, "fail startup when the mapping file is missing or invalid")
	fs.String("conf-dir", "/etc/pve/qemu-server", "directory with Proxmox VM config files")
	fs.Duration("debounce", 5*time.Second, "minimum interval between starts of the same VM")
	fs.Bool("dry-run", false, "log the start command instead of running it")
	fs.Duration("poll-interval", time.Second, "socket readiness wait before checking for shutdown")
	fs.Int("read-buffer", 64*1024, "socket receive buffer size in bytes")
	fs.StringSlice("raw-interfaces", nil, "interfaces to also watch for L2 WOL frames (\"auto\" picks candidates)")
	fs.String("qm-path", "qm", "path of the qm command")
	fs.Duration("action-timeout", 60*time.Second, "timeout of each start attempt")
	fs.Int("attempts", 1, "start attempts per accepted packet")
	fs.Duration("retry-delay", 2*time.Second, "delay between start attempts")
	fs.String("ssh-host", "", "run qm on this host over SSH instead of locally")
	fs.Int("ssh-port", 22, "SSH port")
	fs.String("ssh-user", "root", "SSH user")
	fs.String("ssh-key", "", "SSH private key path")
	fs.String("ssh-known-hosts", "", "known_hosts file used to verify the SSH host key")
	fs.String("health-address", "", "address of the health and metrics server, empty to disable")
}

// Loader resolves settings with precedence flags > env > file > defaults
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults and environment overrides
func NewLoader() *Loader {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlags makes the flags registered by AddFlags override other sources
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := l.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// LoadFile reads path, when not empty, and returns the validated config
func (l *Loader) LoadFile(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return l.load()
}

// LoadReader reads config content of the given format (yaml, toml, json)
func (l *Loader) LoadReader(content, format string) (*Config, error) {
	l.v.SetConfigType(format)
	if err := l.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return l.load()
}

func (l *Loader) load() (*Config, error) {
	cfg, err := l.parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) parse() (*Config, error) {
	ports, err := parsePorts(l.v.Get("ports"))
	if err != nil {
		return nil, fmt.Errorf("ports: %w", err)
	}

	cfg := &Config{
		Bind:          strings.TrimSpace(l.v.GetString("bind")),
		Ports:         ports,
		Map:           l.v.GetString("map"),
		MapRequired:   l.v.GetBool("map_required"),
		ConfDir:       l.v.GetString("conf_dir"),
		DryRun:        l.v.GetBool("dry_run"),
		ReadBuffer:    l.v.GetInt("read_buffer"),
		RawInterfaces: l.v.GetStringSlice("raw_interfaces"),
		Action: ActionConfig{
			QMPath:   l.v.GetString("action.qm_path"),
			Attempts: l.v.GetInt("action.attempts"),
		},
		SSH: SSHConfig{
			Host:       l.v.GetString("ssh.host"),
			Port:       l.v.GetInt("ssh.port"),
			User:       l.v.GetString("ssh.user"),
			KeyPath:    l.v.GetString("ssh.key_path"),
			KnownHosts: l.v.GetString("ssh.known_hosts"),
		},
		Health: HealthConfig{
			Address: l.v.GetString("health.address"),
		},
	}

	durations := map[string]*time.Duration{
		"debounce":           &cfg.Debounce,
		"poll_interval":      &cfg.PollInterval,
		"action.timeout":     &cfg.Action.Timeout,
		"action.retry_delay": &cfg.Action.RetryDelay,
	}
	for key, dst := range durations {
		d, err := l.duration(key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	return cfg, nil
}

// duration accepts Go durations ("5s") and bare numbers, which are seconds
func (l *Loader) duration(key string) (time.Duration, error) {
	switch raw := l.v.Get(key).(type) {
	case time.Duration:
		return raw, nil
	case string:
		s := strings.TrimSpace(raw)
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return seconds(secs), nil
		}
		return time.ParseDuration(s)
	default:
		secs, err := cast.ToFloat64E(raw)
		if err != nil {
			return 0, err
		}
		return seconds(secs), nil
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// parsePorts accepts a list or a comma-separated string
func parsePorts(raw interface{}) ([]int, error) {
	var parts []interface{}
	switch val := raw.(type) {
	case string:
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				parts = append(parts, part)
			}
		}
	case []int:
		return append([]int(nil), val...), nil
	default:
		items, err := cast.ToSliceE(raw)
		if err != nil {
			return nil, err
		}
		parts = items
	}

	ports := make([]int, 0, len(parts))
	for _, part := range parts {
		port, err := cast.ToIntE(part)
		if err != nil {
			return nil, fmt.Errorf("invalid port %v: %w", part, err)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// Validate checks value ranges of a loaded configuration
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if ip := net.ParseIP(cfg.Bind); ip == nil || ip.To4() == nil {
		return fmt.Errorf("bind must be an IPv4 address, got %q", cfg.Bind)
	}

	if len(cfg.Ports) == 0 {
		return fmt.Errorf("at least one port is required")
	}
	for _, port := range cfg.Ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port %d out of range (must be 1-65535)", port)
		}
	}

	if cfg.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if cfg.ReadBuffer <= 0 {
		return fmt.Errorf("read_buffer must be positive")
	}

	if cfg.Action.QMPath == "" {
		return fmt.Errorf("action.qm_path is required")
	}
	if cfg.Action.Timeout <= 0 {
		return fmt.Errorf("action.timeout must be positive")
	}
	if cfg.Action.Attempts < 1 {
		return fmt.Errorf("action.attempts must be at least 1")
	}
	if cfg.Action.RetryDelay < 0 {
		return fmt.Errorf("action.retry_delay must not be negative")
	}

	if cfg.SSH.Host != "" {
		if cfg.SSH.Port < 1 || cfg.SSH.Port > 65535 {
			return fmt.Errorf("ssh.port %d out of range (must be 1-65535)", cfg.SSH.Port)
		}
		if cfg.SSH.KeyPath == "" {
			return fmt.Errorf("ssh.key_path is required when ssh.host is configured")
		}
	}

	return nil
}
