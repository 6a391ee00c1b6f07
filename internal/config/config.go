// Package config loads an optional on-disk YAML overlay for
// cmd/uartbridge's flag/env configuration layering, grounded on
// cmd/can-server/config.go's setFlags-precedence technique (a file
// value only applies where neither a flag nor an environment
// variable already set the field).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File mirrors the subset of appConfig fields a deployment may want
// to pin in a checked-in YAML file rather than pass as flags/env.
type File struct {
	UART         string        `yaml:"uart"`
	Baud         int           `yaml:"baud"`
	UARTReadTO   time.Duration `yaml:"uart_read_timeout"`
	TelnetListen string        `yaml:"telnet_listen"`
	VNCListen    string        `yaml:"vnc_listen"`
	VNCPassword  string        `yaml:"vnc_password"`
	MaxConn      int           `yaml:"max_conn"`
	LogFormat    string        `yaml:"log_format"`
	LogLevel     string        `yaml:"log_level"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	MDNSEnable   bool          `yaml:"mdns_enable"`
	MDNSName     string        `yaml:"mdns_name"`
	Watchdog     string        `yaml:"watchdog"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisPass    string        `yaml:"redis_password"`
	RedisDB      int           `yaml:"redis_db"`
	RedisChannel string        `yaml:"redis_channel"`
}

// LoadFile reads and parses a YAML config file. A missing path is an
// error; callers should only invoke LoadFile when a path was given.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}
