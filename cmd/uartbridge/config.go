package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/uartbridge/internal/config"
)

type appConfig struct {
	uartDev         string
	baud            int
	uartReadTO      time.Duration
	telnetListen    string
	vncListen       string
	vncPassword     string
	maxConn         int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	watchdogPath    string
	redisAddr       string
	redisPass       string
	redisDB         int
	redisChannel    string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	uartDev := flag.String("uart", "/dev/ttyUSB0", "UART device path")
	baud := flag.Int("baud", 115200, "UART baud rate")
	uartReadTO := flag.Duration("uart-read-timeout", 50*time.Millisecond, "UART read timeout")
	telnetListen := flag.String("telnet-listen", ":23", "Serial-bridge TCP listen address")
	vncListen := flag.String("vnc-listen", ":5900", "VNC TCP listen address")
	vncPassword := flag.String("vnc-password", "", "RFB shared-secret password (required)")
	maxConn := flag.Int("max-conn", 1, "Maximum simultaneous connections per bridge")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default uartbridge-<hostname>)")
	watchdogPath := flag.String("watchdog", "", "Hardware watchdog device path; empty disables")
	redisAddr := flag.String("redis-addr", "", "Redis console-sink address (host:port); empty disables")
	redisPass := flag.String("redis-password", "", "Redis password")
	redisDB := flag.Int("redis-db", 0, "Redis database index")
	redisChannel := flag.String("redis-channel", "uartbridge", "Redis pub/sub channel prefix")
	configFile := flag.String("config-file", "", "Optional YAML config overlay; flags and env still take precedence")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.uartDev = *uartDev
	cfg.baud = *baud
	cfg.uartReadTO = *uartReadTO
	cfg.telnetListen = *telnetListen
	cfg.vncListen = *vncListen
	cfg.vncPassword = *vncPassword
	cfg.maxConn = *maxConn
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.watchdogPath = *watchdogPath
	cfg.redisAddr = *redisAddr
	cfg.redisPass = *redisPass
	cfg.redisDB = *redisDB
	cfg.redisChannel = *redisChannel

	if *configFile != "" {
		f, err := config.LoadFile(*configFile)
		if err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
		applyFileOverrides(cfg, f, setFlags)
	}

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.uartReadTO <= 0 {
		return fmt.Errorf("uart-read-timeout must be > 0")
	}
	if c.maxConn <= 0 {
		return fmt.Errorf("max-conn must be > 0 (got %d)", c.maxConn)
	}
	if c.vncPassword == "" {
		return errors.New("vnc-password must be set")
	}
	if c.telnetListen == "" {
		return errors.New("telnet-listen must be set")
	}
	if c.vncListen == "" {
		return errors.New("vnc-listen must be set")
	}
	if c.redisDB < 0 {
		return errors.New("redis-db must be >= 0")
	}
	return nil
}

// applyFileOverrides layers a YAML file's values onto c, skipping any
// field whose flag was explicitly set (flags beat the file; the file
// beats built-in defaults). Zero-valued file fields are left alone so
// an overlay only needs to mention what it wants to override.
func applyFileOverrides(c *appConfig, f *config.File, set map[string]struct{}) {
	if _, ok := set["uart"]; !ok && f.UART != "" {
		c.uartDev = f.UART
	}
	if _, ok := set["baud"]; !ok && f.Baud != 0 {
		c.baud = f.Baud
	}
	if _, ok := set["uart-read-timeout"]; !ok && f.UARTReadTO != 0 {
		c.uartReadTO = f.UARTReadTO
	}
	if _, ok := set["telnet-listen"]; !ok && f.TelnetListen != "" {
		c.telnetListen = f.TelnetListen
	}
	if _, ok := set["vnc-listen"]; !ok && f.VNCListen != "" {
		c.vncListen = f.VNCListen
	}
	if _, ok := set["vnc-password"]; !ok && f.VNCPassword != "" {
		c.vncPassword = f.VNCPassword
	}
	if _, ok := set["max-conn"]; !ok && f.MaxConn != 0 {
		c.maxConn = f.MaxConn
	}
	if _, ok := set["log-format"]; !ok && f.LogFormat != "" {
		c.logFormat = f.LogFormat
	}
	if _, ok := set["log-level"]; !ok && f.LogLevel != "" {
		c.logLevel = f.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && f.MetricsAddr != "" {
		c.metricsAddr = f.MetricsAddr
	}
	if _, ok := set["mdns-enable"]; !ok && f.MDNSEnable {
		c.mdnsEnable = f.MDNSEnable
	}
	if _, ok := set["mdns-name"]; !ok && f.MDNSName != "" {
		c.mdnsName = f.MDNSName
	}
	if _, ok := set["watchdog"]; !ok && f.Watchdog != "" {
		c.watchdogPath = f.Watchdog
	}
	if _, ok := set["redis-addr"]; !ok && f.RedisAddr != "" {
		c.redisAddr = f.RedisAddr
	}
	if _, ok := set["redis-password"]; !ok && f.RedisPass != "" {
		c.redisPass = f.RedisPass
	}
	if _, ok := set["redis-db"]; !ok && f.RedisDB != 0 {
		c.redisDB = f.RedisDB
	}
	if _, ok := set["redis-channel"]; !ok && f.RedisChannel != "" {
		c.redisChannel = f.RedisChannel
	}
}

// applyEnvOverrides maps UARTBRIDGE_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["uart"]; !ok {
		if v, ok := get("UARTBRIDGE_UART"); ok && v != "" {
			c.uartDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("UARTBRIDGE_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UARTBRIDGE_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["uart-read-timeout"]; !ok {
		if v, ok := get("UARTBRIDGE_UART_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.uartReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UARTBRIDGE_UART_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["telnet-listen"]; !ok {
		if v, ok := get("UARTBRIDGE_TELNET_LISTEN"); ok && v != "" {
			c.telnetListen = v
		}
	}
	if _, ok := set["vnc-listen"]; !ok {
		if v, ok := get("UARTBRIDGE_VNC_LISTEN"); ok && v != "" {
			c.vncListen = v
		}
	}
	if _, ok := set["vnc-password"]; !ok {
		if v, ok := get("UARTBRIDGE_VNC_PASSWORD"); ok && v != "" {
			c.vncPassword = v
		}
	}
	if _, ok := set["max-conn"]; !ok {
		if v, ok := get("UARTBRIDGE_MAX_CONN"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxConn = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UARTBRIDGE_MAX_CONN: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("UARTBRIDGE_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("UARTBRIDGE_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("UARTBRIDGE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("UARTBRIDGE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UARTBRIDGE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("UARTBRIDGE_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("UARTBRIDGE_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["watchdog"]; !ok {
		if v, ok := get("UARTBRIDGE_WATCHDOG"); ok {
			c.watchdogPath = v
		}
	}
	if _, ok := set["redis-addr"]; !ok {
		if v, ok := get("UARTBRIDGE_REDIS_ADDR"); ok {
			c.redisAddr = v
		}
	}
	if _, ok := set["redis-password"]; !ok {
		if v, ok := get("UARTBRIDGE_REDIS_PASSWORD"); ok {
			c.redisPass = v
		}
	}
	if _, ok := set["redis-db"]; !ok {
		if v, ok := get("UARTBRIDGE_REDIS_DB"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.redisDB = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid UARTBRIDGE_REDIS_DB: %w", err)
			}
		}
	}
	if _, ok := set["redis-channel"]; !ok {
		if v, ok := get("UARTBRIDGE_REDIS_CHANNEL"); ok && v != "" {
			c.redisChannel = v
		}
	}
	return firstErr
}
