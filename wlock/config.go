package wlock

import (
	"encoding/json"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/armon/go-metrics"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/time/rate"
)

// Defaults mirror spec §6's configuration option table.
const (
	DefaultSessionTTL  = 15 * time.Second
	DefaultWatchWait   = 20 * time.Second
	DefaultCreateRetry = 10 * time.Second

	// renewFraction is the renewer's tick as a fraction of the session TTL
	// (spec §4.E Renewer).
	renewFraction = 0.66
)

// Config is the decoded, defaulted shape of a WLock. An external loader
// (outside this module's scope, per spec §1) would hand in a generic
// map[string]interface{}; DecodeConfig bridges the two via mapstructure, the
// same pattern consul_locker.go uses for its locker config. No other
// validation is performed.
type Config struct {
	Prefix     string          `mapstructure:"kv_prefix"`
	Weight     float64         `mapstructure:"weight"`
	Delay      time.Duration   `mapstructure:"delay"`
	Info       json.RawMessage `mapstructure:"info"`
	SessionTTL time.Duration   `mapstructure:"session_ttl"`

	WatchWait          time.Duration `mapstructure:"wait"`
	RateLimit          rate.Limit    `mapstructure:"rate_limit"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	RateLimitInitBurst int           `mapstructure:"rate_limit_init_burst"`

	Logger  hclog.Logger   `mapstructure:"-"`
	Metrics *metrics.Metrics `mapstructure:"-"`
}

// DecodeConfig decodes a generic map (as would arrive from a config file or
// flag set upstream of this module) into a Config.
func DecodeConfig(raw map[string]interface{}) (Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.WatchWait <= 0 {
		c.WatchWait = DefaultWatchWait
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 1
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 10
	}
	if c.RateLimitInitBurst <= 0 {
		c.RateLimitInitBurst = 5
	}
	if c.Logger == nil {
		c.Logger = hclog.Default()
	}
}
