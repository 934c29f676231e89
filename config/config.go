// Package config loads PhantomLink's environment-driven configuration,
// the key table of spec.md §6.5. It follows the teacher's
// viper.UnmarshalKey pattern in rpc_server.go, bound to environment
// variables the way original_source/src/phantomlink/config.py's
// pydantic_settings env-prefixed Settings does.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	phantomlink "github.com/yelabb/PhantomLink"
)

// Config is the fully-resolved process configuration, per spec.md §6.5.
type Config struct {
	Host string
	Port int

	StreamFrequencyHz int

	DataDir     string
	DatasetName string

	MaxConnections int

	NoiseInjectionEnabled bool
	NoiseStd              float64
	DriftAmplitude        float64
	DriftPeriodSeconds    float64

	LSLEnabled    bool
	LSLStreamName string
	LSLStreamType string
	LSLSourceID   string

	SessionTTL time.Duration
}

// Load reads configuration from the environment. Unset variables fall
// back to spec.md §6.5's defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PHANTOM")
	v.AutomaticEnv()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("stream_frequency_hz", 40)
	v.SetDefault("data_dir", "data/raw")
	v.SetDefault("dataset_name", "mc_maze")
	v.SetDefault("max_connections", 10)
	v.SetDefault("noise_injection_enabled", false)
	v.SetDefault("noise_std", 0.5)
	v.SetDefault("drift_amplitude", 0.2)
	v.SetDefault("drift_period_seconds", 60)
	v.SetDefault("lsl_enabled", false)
	v.SetDefault("lsl_stream_name", "PhantomLink")
	v.SetDefault("lsl_stream_type", "EEG")
	v.SetDefault("lsl_source_id", "phantomlink-0")

	cfg := Config{
		Host:                  v.GetString("host"),
		Port:                  v.GetInt("port"),
		StreamFrequencyHz:     v.GetInt("stream_frequency_hz"),
		DataDir:               v.GetString("data_dir"),
		DatasetName:           v.GetString("dataset_name"),
		MaxConnections:        v.GetInt("max_connections"),
		NoiseInjectionEnabled: v.GetBool("noise_injection_enabled"),
		NoiseStd:              v.GetFloat64("noise_std"),
		DriftAmplitude:        v.GetFloat64("drift_amplitude"),
		DriftPeriodSeconds:    v.GetFloat64("drift_period_seconds"),
		LSLEnabled:            v.GetBool("lsl_enabled"),
		LSLStreamName:         v.GetString("lsl_stream_name"),
		LSLStreamType:         v.GetString("lsl_stream_type"),
		LSLSourceID:           v.GetString("lsl_source_id"),
		SessionTTL:            5 * time.Minute,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports a ConfigError-class problem, per spec.md §7: invalid
// settings are fatal at startup.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", phantomlink.ErrConfigError, c.Port)
	}
	if c.StreamFrequencyHz <= 0 {
		return fmt.Errorf("%w: invalid stream_frequency_hz %d", phantomlink.ErrConfigError, c.StreamFrequencyHz)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: invalid max_connections %d", phantomlink.ErrConfigError, c.MaxConnections)
	}
	if c.NoiseStd < 0 {
		return fmt.Errorf("%w: negative noise_std %f", phantomlink.ErrConfigError, c.NoiseStd)
	}
	if c.DriftAmplitude < 0 {
		return fmt.Errorf("%w: negative drift_amplitude %f", phantomlink.ErrConfigError, c.DriftAmplitude)
	}
	if c.DriftPeriodSeconds <= 0 {
		return fmt.Errorf("%w: non-positive drift_period_seconds %f", phantomlink.ErrConfigError, c.DriftPeriodSeconds)
	}
	return nil
}

// Addr returns the host:port bind address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
