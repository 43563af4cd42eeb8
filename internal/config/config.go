// Package config loads holechat settings from defaults, an optional YAML
// file, the environment and command-line flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/saintparish4/holechat/pkg/chat"
	"github.com/saintparish4/holechat/pkg/holepunch"
	"github.com/saintparish4/holechat/pkg/session"
	"github.com/saintparish4/holechat/pkg/stun"
)

// HelperAuto selects stun.DefaultHelperCommands.
const HelperAuto = "auto"

// Config holds the settings of the holechat client.
type Config struct {
	Port     int    `yaml:"port"`
	BindHost string `yaml:"bindHost"`

	STUNServer         string  `yaml:"stunServer"`
	STUNTimeoutSeconds float64 `yaml:"stunTimeoutSeconds"`
	StrictSTUN         bool    `yaml:"strictStun"`
	// STUNHelper is a helper command line, or "auto" for the built-in list. Empty disables it.
	STUNHelper string `yaml:"stunHelper"`

	PunchAttempts      int     `yaml:"punchAttempts"`
	PunchIntervalMs    int     `yaml:"punchIntervalMs"`
	TestTimeoutSeconds float64 `yaml:"testTimeoutSeconds"`
	KeepaliveSeconds   float64 `yaml:"keepaliveSeconds"`
	MaxMessages        int     `yaml:"maxMessages"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	Signaling   string `yaml:"signaling"`
	Room        string `yaml:"room"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:               8888,
		STUNServer:         stun.DefaultServer,
		STUNTimeoutSeconds: stun.DefaultTimeout.Seconds(),
		PunchAttempts:      holepunch.DefaultPunchAttempts,
		PunchIntervalMs:    int(holepunch.DefaultPunchInterval / time.Millisecond),
		TestTimeoutSeconds: holepunch.DefaultTestTimeout.Seconds(),
		KeepaliveSeconds:   0,
		MaxMessages:        chat.DefaultMaxMessages,
		LogLevel:           "warn",
		LogFormat:          "console",
	}
}

// Load returns the defaults overlaid with the YAML file at path, if any.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays HOLECHAT_* variables, and STUN_SERVER, read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}

	str("STUN_SERVER", &c.STUNServer)
	str("HOLECHAT_STUN_SERVER", &c.STUNServer)
	str("HOLECHAT_STUN_HELPER", &c.STUNHelper)
	str("HOLECHAT_LOG_LEVEL", &c.LogLevel)
	str("HOLECHAT_LOG_FORMAT", &c.LogFormat)
	str("HOLECHAT_SIGNALING", &c.Signaling)
	str("HOLECHAT_ROOM", &c.Room)
	str("HOLECHAT_METRICS_ADDR", &c.MetricsAddr)
	num("HOLECHAT_PORT", &c.Port)
	num("HOLECHAT_PUNCH_ATTEMPTS", &c.PunchAttempts)
	num("HOLECHAT_PUNCH_INTERVAL_MS", &c.PunchIntervalMs)
	float("HOLECHAT_TEST_TIMEOUT_SECONDS", &c.TestTimeoutSeconds)
	float("HOLECHAT_KEEPALIVE_SECONDS", &c.KeepaliveSeconds)

	return errs
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs error

	if c.Port < 0 || c.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("port must be between 0 and 65535, got %d", c.Port))
	}
	if c.STUNServer == "" {
		errs = multierr.Append(errs, errors.New("stunServer must not be empty"))
	}
	if c.STUNTimeoutSeconds <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("stunTimeoutSeconds must be positive, got %g", c.STUNTimeoutSeconds))
	}
	if c.PunchAttempts <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("punchAttempts must be positive, got %d", c.PunchAttempts))
	}
	if c.PunchIntervalMs <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("punchIntervalMs must be positive, got %d", c.PunchIntervalMs))
	}
	if c.TestTimeoutSeconds <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("testTimeoutSeconds must be positive, got %g", c.TestTimeoutSeconds))
	}
	if c.KeepaliveSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("keepaliveSeconds must not be negative, got %g", c.KeepaliveSeconds))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logFormat must be console or json, got %q", c.LogFormat))
	}
	if c.Signaling != "" {
		u, err := url.Parse(c.Signaling)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = multierr.Append(errs, fmt.Errorf("signaling must be a ws:// or wss:// URL, got %q", c.Signaling))
		}
	}

	return errs
}

func (c Config) PunchInterval() time.Duration {
	return time.Duration(c.PunchIntervalMs) * time.Millisecond
}

func (c Config) TestTimeout() time.Duration {
	return seconds(c.TestTimeoutSeconds)
}

func (c Config) STUNTimeout() time.Duration {
	return seconds(c.STUNTimeoutSeconds)
}

func (c Config) KeepaliveInterval() time.Duration {
	return seconds(c.KeepaliveSeconds)
}

// HelperCommands returns the helper invocations selected by STUNHelper.
func (c Config) HelperCommands() [][]string {
	switch helper := strings.TrimSpace(c.STUNHelper); helper {
	case "":
		return nil
	case HelperAuto:
		return stun.DefaultHelperCommands
	default:
		return [][]string{strings.Fields(helper)}
	}
}

// Session builds the session configuration. Callbacks, logger, clock and
// metrics are left for the caller.
func (c Config) Session() session.Config {
	return session.Config{
		Port:           c.Port,
		BindHost:       c.BindHost,
		STUNServer:     c.STUNServer,
		STUNTimeout:    c.STUNTimeout(),
		StrictSTUN:     c.StrictSTUN,
		HelperCommands: c.HelperCommands(),
		Engine: holepunch.Config{
			PunchAttempts: c.PunchAttempts,
			PunchInterval: c.PunchInterval(),
			TestTimeout:   c.TestTimeout(),
		},
		Chat: chat.Config{
			MaxMessages:       c.MaxMessages,
			KeepaliveInterval: c.KeepaliveInterval(),
		},
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Flags holds command-line overrides. Only flags given on the command line
// are applied.
type Flags struct {
	fs *flag.FlagSet

	ConfigPath  string
	port        int
	stun        string
	logLevel    string
	signaling   string
	room        string
	metricsAddr string
	stunHelper  string
}

// BindFlags registers the client flags on fs.
func BindFlags(fs *flag.FlagSet) *Flags {
	def := Default()
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigPath, "config", "", "Path to a YAML config file")
	fs.IntVar(&f.port, "port", def.Port, "Local UDP port (0 for random)")
	fs.StringVar(&f.stun, "stun", def.STUNServer, "STUN server host:port")
	fs.StringVar(&f.logLevel, "log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&f.signaling, "signaling", "", "Rendezvous server URL (ws://host:port/ws)")
	fs.StringVar(&f.room, "room", "", "Rendezvous room to join")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	fs.StringVar(&f.stunHelper, "stun-helper", "", `External discovery helper command, or "auto"`)
	return f
}

// Apply copies the flags that were set onto cfg.
func (f *Flags) Apply(cfg *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			cfg.Port = f.port
		case "stun":
			cfg.STUNServer = f.stun
		case "log-level":
			cfg.LogLevel = f.logLevel
		case "signaling":
			cfg.Signaling = f.signaling
		case "room":
			cfg.Room = f.room
		case "metrics-addr":
			cfg.MetricsAddr = f.metricsAddr
		case "stun-helper":
			cfg.STUNHelper = f.stunHelper
		}
	})
}

// Resolve runs the whole chain: defaults, file, environment, flags, validation.
func (f *Flags) Resolve(lookup func(string) (string, bool)) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, fmt.Errorf("invalid environment: %w", err)
	}
	f.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
