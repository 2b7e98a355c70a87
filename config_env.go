package ldclient

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvConfig is the client configuration read from LD_* environment
// variables. Zero values keep the client defaults.
type EnvConfig struct {
	MobileKey         string        `env:"LD_MOBILE_KEY,required,notEmpty"`
	BaseURL           string        `env:"LD_BASE_URL"`
	StreamURL         string        `env:"LD_STREAM_URL"`
	EventsURL         string        `env:"LD_EVENTS_URL"`
	Streaming         bool          `env:"LD_STREAMING" envDefault:"true"`
	UseReport         bool          `env:"LD_USE_REPORT"`
	EvaluationReasons bool          `env:"LD_EVALUATION_REASONS"`
	PollingInterval   time.Duration `env:"LD_POLLING_INTERVAL"`
	FlushInterval     time.Duration `env:"LD_EVENT_FLUSH_INTERVAL"`
	EventCapacity     int           `env:"LD_EVENT_CAPACITY"`
	Offline           bool          `env:"LD_OFFLINE"`
}

// LoadEnvConfig parses EnvConfig from the environment.
func LoadEnvConfig() (EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return EnvConfig{}, err
	}
	return cfg, nil
}

// Options converts cfg into client options.
func (cfg EnvConfig) Options() []Option {
	var opts []Option
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.StreamURL != "" {
		opts = append(opts, WithStreamURL(cfg.StreamURL))
	}
	if cfg.EventsURL != "" {
		opts = append(opts, WithEventsURL(cfg.EventsURL))
	}
	if !cfg.Streaming {
		opts = append(opts, WithPolling())
	}
	if cfg.UseReport {
		opts = append(opts, WithReport())
	}
	if cfg.EvaluationReasons {
		opts = append(opts, WithEvaluationReasons())
	}
	if cfg.PollingInterval > 0 {
		opts = append(opts, WithPollingInterval(cfg.PollingInterval))
	}
	if cfg.FlushInterval > 0 {
		opts = append(opts, WithEventFlushInterval(cfg.FlushInterval))
	}
	if cfg.EventCapacity > 0 {
		opts = append(opts, WithEventCapacity(cfg.EventCapacity))
	}
	if cfg.Offline {
		opts = append(opts, WithOffline())
	}
	return opts
}
