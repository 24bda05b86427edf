// Package config loads the TOML configuration of the rwsentinel command and
// turns it into options for rwsentinel.NewSentinel or static.New.
package config

import (
	"bytes"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/mediocregopher/rwsentinel"
	"github.com/mediocregopher/rwsentinel/static"
)

// Modes of operation.
const (
	ModeSentinel = "sentinel"
	ModeStatic   = "static"
)

// Duration is a time.Duration which is written as a string, like "30s", in
// the config file.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	dd, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Annotatef(err, "parsing duration %q", text)
	}
	*d = Duration(dd)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `toml:"level" json:"level"`
	File  string `toml:"file" json:"file"`
}

// Config is the configuration of the rwsentinel command.
type Config struct {
	Mode string `toml:"mode" json:"mode"`

	// sentinel mode
	MasterName string   `toml:"master-name" json:"master-name"`
	Sentinels  []string `toml:"sentinels" json:"sentinels"`

	// static mode, see static.ParseServer
	Servers []string `toml:"servers" json:"servers"`

	Password       string   `toml:"password" json:"-"`
	DB             int      `toml:"db" json:"db"`
	PoolSize       int      `toml:"pool-size" json:"pool-size"`
	ConnectTimeout Duration `toml:"connect-timeout" json:"connect-timeout"`

	HealthCheckPeriod    Duration `toml:"health-check-period" json:"health-check-period"`
	FullCheckPeriod      Duration `toml:"full-check-period" json:"full-check-period"`
	ResubscribeDelay     Duration `toml:"resubscribe-delay" json:"resubscribe-delay"`
	DiscoveryInterval    Duration `toml:"discovery-interval" json:"discovery-interval"`
	DiscoveryMaxAttempts int      `toml:"discovery-max-attempts" json:"discovery-max-attempts"`
	ReadRetries          int      `toml:"read-retries" json:"read-retries"`

	MetricsAddr string `toml:"metrics-addr" json:"metrics-addr"`

	Log LogConfig `toml:"log" json:"log"`
}

// Default returns a Config with every default filled in.
func Default() *Config {
	return &Config{
		Mode:              ModeSentinel,
		PoolSize:          rwsentinel.DefaultPoolConfig.Size,
		ConnectTimeout:    Duration(rwsentinel.DefaultPoolConfig.ConnectTimeout),
		HealthCheckPeriod: Duration(30 * time.Second),
		FullCheckPeriod:   Duration(120 * time.Second),
		ResubscribeDelay:  Duration(5 * time.Second),
		DiscoveryInterval: Duration(time.Second),
		ReadRetries:       3,
		MetricsAddr:       ":9121",
		Log:               LogConfig{Level: "info"},
	}
}

// Load reads the TOML file at path on top of Default and validates the
// result. Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "decoding config file %s", path)
	}
	if err := checkUndecodedItems(md); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func checkUndecodedItems(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	items := make([]string, len(undecoded))
	for i, key := range undecoded {
		items[i] = key.String()
	}
	return errors.Errorf("unknown config items: %s", strings.Join(items, ","))
}

// Validate checks that the Config is usable for its mode.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSentinel:
		if c.MasterName == "" {
			return errors.Trace(rwsentinel.ErrNoMasterName)
		} else if len(c.Sentinels) == 0 {
			return errors.Trace(rwsentinel.ErrNoSentinels)
		}
		for _, addr := range c.Sentinels {
			if _, err := rwsentinel.ParseAddr(addr); err != nil {
				return errors.Annotate(err, "invalid sentinel")
			}
		}
	case ModeStatic:
		if len(c.Servers) == 0 {
			return errors.Trace(static.ErrNoServers)
		}
		if _, err := static.ParseServers(c.Servers); err != nil {
			return err
		}
	default:
		return errors.Errorf("unknown mode %q, must be %q or %q", c.Mode, ModeSentinel, ModeStatic)
	}

	if c.PoolSize < 0 || c.DB < 0 || c.ReadRetries < 0 || c.DiscoveryMaxAttempts < 0 {
		return errors.New("pool-size, db, read-retries and discovery-max-attempts can't be negative")
	}
	for name, d := range map[string]Duration{
		"connect-timeout":     c.ConnectTimeout,
		"health-check-period": c.HealthCheckPeriod,
		"full-check-period":   c.FullCheckPeriod,
		"resubscribe-delay":   c.ResubscribeDelay,
		"discovery-interval":  c.DiscoveryInterval,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive", name)
		}
	}
	return nil
}

const redacted = "******"

// Toml returns the Config in TOML form, with passwords redacted.
func (c *Config) Toml() (string, error) {
	cp := *c
	if cp.Password != "" {
		cp.Password = redacted
	}
	cp.Servers = nil
	for _, spec := range c.Servers {
		parts := strings.Split(spec, ":")
		if len(parts) > 2 && parts[2] != "" {
			parts[2] = redacted
		}
		cp.Servers = append(cp.Servers, strings.Join(parts, ":"))
	}

	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(&cp); err != nil {
		return "", errors.Trace(err)
	}
	return b.String(), nil
}

// PoolConfig returns the PoolConfig described by the Config.
func (c *Config) PoolConfig() rwsentinel.PoolConfig {
	return rwsentinel.PoolConfig{
		Size:           c.PoolSize,
		ConnectTimeout: time.Duration(c.ConnectTimeout),
		Password:       c.Password,
		DB:             c.DB,
	}
}

// SentinelOpts returns the options for rwsentinel.NewSentinel.
func (c *Config) SentinelOpts(lg *zap.Logger) []rwsentinel.SentinelOpt {
	return []rwsentinel.SentinelOpt{
		rwsentinel.SentinelPoolConfig(c.PoolConfig()),
		rwsentinel.SentinelHealthCheckInterval(time.Duration(c.HealthCheckPeriod)),
		rwsentinel.SentinelResubscribeDelay(time.Duration(c.ResubscribeDelay)),
		rwsentinel.SentinelDiscoveryRetry(time.Duration(c.DiscoveryInterval), c.DiscoveryMaxAttempts),
		rwsentinel.SentinelReadRetries(c.ReadRetries),
		rwsentinel.SentinelLogger(lg),
	}
}

// StaticOpts returns the options for static.New. The health checker is always
// enabled.
func (c *Config) StaticOpts(lg *zap.Logger) []static.Opt {
	return []static.Opt{
		static.WithPoolConfig(c.PoolConfig()),
		static.WithHealthCheck(time.Duration(c.HealthCheckPeriod), time.Duration(c.FullCheckPeriod)),
		static.WithLogger(lg),
	}
}
