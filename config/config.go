// Package config loads tunrelay settings from defaults, an optional YAML
// file and TUNRELAY_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tunelapp/tunrelay/logger"
	"github.com/tunelapp/tunrelay/relay"
	"github.com/tunelapp/tunrelay/socks5"
	"github.com/tunelapp/tunrelay/util"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Proxy   ProxyConfig   `yaml:"proxy"`
	Tun     TunConfig     `yaml:"tun"`
	Relay   RelayConfig   `yaml:"relay"`
	Log     LogConfig     `yaml:"log"`
	Monitor MonitorConfig `yaml:"monitor"`
}

type ProxyConfig struct {
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type TunConfig struct {
	// FD is the descriptor of an already configured TUN interface. -1 means unset.
	FD  int `yaml:"fd"`
	MTU int `yaml:"mtu"`
}

type RelayConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	PendingLimit     int           `yaml:"pending_limit"`
	DeviceRetryDelay time.Duration `yaml:"device_retry_delay"`
	ICMPChecksum     bool          `yaml:"icmp_checksum"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
	// File enables size-based rotation when set.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	// SummaryEvery logs a traffic summary at this period. Zero disables it.
	SummaryEvery time.Duration `yaml:"summary_every"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{
			Address:        socks5.DefaultEndpoint.Address,
			Port:           int(socks5.DefaultEndpoint.Port),
			ConnectTimeout: socks5.DefaultConnectTimeout,
		},
		Tun: TunConfig{FD: -1, MTU: 1500},
		Relay: RelayConfig{
			PendingLimit:     64,
			DeviceRetryDelay: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Monitor: MonitorConfig{
			Interval:     time.Second,
			SummaryEvery: time.Minute,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if path is
// not empty) and then with the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		logger.Debug("Loaded config file %s", path)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TUNRELAY_* variables.
//
//	TUNRELAY_PROXY                 host:port, optionally socks5://host:port
//	TUNRELAY_PROXY_CONNECT_TIMEOUT duration
//	TUNRELAY_TUN_FD                integer
//	TUNRELAY_MTU                   integer
//	TUNRELAY_IDLE_TIMEOUT          duration
//	TUNRELAY_ICMP_CHECKSUM         true/false
//	TUNRELAY_LOG_LEVEL             trace, debug, info, warn, error, fatal
//	TUNRELAY_LOG_FORMAT            text or json
//	TUNRELAY_LOG_FILE              path
func (c *Config) ApplyEnv() error {
	var errs []error
	if v := os.Getenv("TUNRELAY_PROXY"); v != "" {
		if err := c.SetProxy(v); err != nil {
			errs = append(errs, fmt.Errorf("TUNRELAY_PROXY: %w", err))
		}
	}
	c.Proxy.ConnectTimeout = getdur("TUNRELAY_PROXY_CONNECT_TIMEOUT", c.Proxy.ConnectTimeout)
	c.Relay.IdleTimeout = getdur("TUNRELAY_IDLE_TIMEOUT", c.Relay.IdleTimeout)

	if v := os.Getenv("TUNRELAY_TUN_FD"); v != "" {
		fd, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TUNRELAY_TUN_FD: %w", err))
		} else {
			c.Tun.FD = fd
		}
	}
	if v := os.Getenv("TUNRELAY_MTU"); v != "" {
		mtu, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TUNRELAY_MTU: %w", err))
		} else {
			c.Tun.MTU = mtu
		}
	}
	if v := os.Getenv("TUNRELAY_ICMP_CHECKSUM"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TUNRELAY_ICMP_CHECKSUM: %w", err))
		} else {
			c.Relay.ICMPChecksum = b
		}
	}
	c.Log.Level = getenv("TUNRELAY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("TUNRELAY_LOG_FORMAT", c.Log.Format)
	c.Log.File = getenv("TUNRELAY_LOG_FILE", c.Log.File)
	return errors.Join(errs...)
}

// SetProxy parses "host:port" (a socks5:// prefix is accepted) into the
// proxy address and port.
func (c *Config) SetProxy(s string) error {
	ep, err := socks5.ParseEndpoint(util.StripScheme(s))
	if err != nil {
		return err
	}
	c.Proxy.Address = ep.Address
	c.Proxy.Port = int(ep.Port)
	return nil
}

// Endpoint returns the configured SOCKS5 endpoint. Call Validate first.
func (c Config) Endpoint() socks5.Endpoint {
	return socks5.Endpoint{Address: c.Proxy.Address, Port: uint16(c.Proxy.Port)}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if !util.IsValidHost(c.Proxy.Address) {
		errs = append(errs, fmt.Errorf("invalid proxy address %q", c.Proxy.Address))
	}
	if !util.IsValidPort(c.Proxy.Port) {
		errs = append(errs, fmt.Errorf("invalid proxy port %d", c.Proxy.Port))
	}
	if c.Proxy.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("proxy connect timeout must be positive"))
	}
	if c.Tun.FD < 0 {
		errs = append(errs, errors.New("tun fd is required"))
	}
	if c.Tun.MTU < 576 || c.Tun.MTU > relay.ReadBufferSize {
		errs = append(errs, fmt.Errorf("mtu %d out of range 576-%d", c.Tun.MTU, relay.ReadBufferSize))
	}
	if c.Relay.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle timeout must not be negative"))
	}
	if c.Relay.PendingLimit < 0 {
		errs = append(errs, fmt.Errorf("pending limit must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("monitor interval must be positive"))
	}
	return errors.Join(errs...)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getdur(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if p, e := time.ParseDuration(v); e == nil {
			return p
		}
		logger.Warn("Ignoring %s=%q: not a duration", k, v)
	}
	return d
}
