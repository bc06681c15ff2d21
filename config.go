package opmux

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config holds the settings shared by FrontEnds and BackEnds.
type Config struct {
	// DefaultTimeout is the time budget of an operation when no ticket carries a timeout.
	DefaultTimeout time.Duration
	// MaximumTimeout bounds the time budget a BackEnd grants on request.
	MaximumTimeout time.Duration
	// Window is the number of queued tickets a sender may have unacknowledged.
	Window int
	// LogLevel is the level used by NewLogger for the binaries.
	LogLevel string
	// NetLog makes Muxers log every frame at debug level.
	NetLog bool
	// Logger receives the End's log output. The zero value discards it.
	Logger zerolog.Logger
	// Clock drives operation deadlines. Nil means RealClock.
	Clock Clock
}

// DefaultConfig returns a Config with the protocol defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: DefaultTimeout,
		MaximumTimeout: MaximumTimeout,
		Window:         DefaultWindow,
		LogLevel:       "info",
		Clock:          RealClock(),
	}
}

// withDefaults fills in zero fields from DefaultConfig.
func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaximumTimeout <= 0 {
		cfg.MaximumTimeout = def.MaximumTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	return cfg
}

// Validate checks the Config for values the Ends cannot work with.
func (cfg Config) Validate() error {
	if cfg.DefaultTimeout <= 0 {
		return errors.Errorf("default timeout must be positive, not %v", cfg.DefaultTimeout)
	}
	if cfg.MaximumTimeout < cfg.DefaultTimeout {
		return errors.Errorf("maximum timeout %v is less than default timeout %v", cfg.MaximumTimeout, cfg.DefaultTimeout)
	}
	if cfg.Window < 1 || cfg.Window > MaxWindow {
		return errors.Errorf("window must be in 1..%d, not %d", MaxWindow, cfg.Window)
	}
	if _, ok := parseLevel(cfg.LogLevel); !ok {
		return errors.Errorf("unknown log level %q", cfg.LogLevel)
	}
	return nil
}

// clampTimeout limits a requested time budget to MaximumTimeout.
func (cfg Config) clampTimeout(timeout time.Duration) time.Duration {
	if timeout > cfg.MaximumTimeout {
		return cfg.MaximumTimeout
	}
	return timeout
}

type fileConfig struct {
	DefaultTimeout string `toml:"default_timeout"`
	MaximumTimeout string `toml:"maximum_timeout"`
	Window         int    `toml:"window"`
	LogLevel       string `toml:"log_level"`
	NetLog         bool   `toml:"netlog"`
}

// LoadConfig reads a TOML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	return applyFileConfig(DefaultConfig(), raw, meta)
}

// DecodeConfig is LoadConfig for TOML text.
func DecodeConfig(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return applyFileConfig(DefaultConfig(), raw, meta)
}

func applyFileConfig(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown config key %q", undecoded[0].String())
	}
	if meta.IsDefined("default_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DefaultTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse default_timeout")
		}
		cfg.DefaultTimeout = d
	}
	if meta.IsDefined("maximum_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.MaximumTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse maximum_timeout")
		}
		cfg.MaximumTimeout = d
	}
	if meta.IsDefined("window") {
		cfg.Window = raw.Window
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("netlog") {
		cfg.NetLog = raw.NetLog
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
