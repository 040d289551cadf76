// Package config loads gateway configuration: a YAML file first,
// then environment overrides with the SHELLPILOT_ prefix.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Transport modes selectable in config.
const (
	ModePush   = "push"
	ModeDuplex = "duplex"
	ModeInProc = "inproc"
)

type Config struct {
	Logging struct {
		Level string `yaml:"level" envconfig:"LOG_LEVEL"`
		JSON  bool   `yaml:"json" envconfig:"LOG_JSON"`
	} `yaml:"logging"`

	Transport struct {
		// Mode picks the binding: push, duplex or inproc.
		Mode string `yaml:"mode" envconfig:"TRANSPORT_MODE"`

		// The sections below carry ignored tags so envconfig does not
		// recurse into them with a field-path prefix; Load processes
		// each one at the top level instead, keeping the flat
		// SHELLPILOT_* keys.
		Push struct {
			// BaseURL of the controller's push-channel endpoints,
			// e.g. http://controller:9090/control
			BaseURL string `yaml:"base_url" envconfig:"PUSH_BASE_URL"`
		} `yaml:"push" ignored:"true"`

		Duplex struct {
			URL              string `yaml:"url" envconfig:"DUPLEX_URL"`
			Insecure         bool   `yaml:"insecure" envconfig:"DUPLEX_INSECURE"`
			RequestTimeoutMS int    `yaml:"request_timeout_ms" envconfig:"REQUEST_TIMEOUT_MS"`
		} `yaml:"duplex" ignored:"true"`

		Retry struct {
			IntervalMS  int `yaml:"interval_ms" envconfig:"RETRY_INTERVAL_MS"`
			MaxAttempts int `yaml:"max_attempts" envconfig:"RETRY_MAX_ATTEMPTS"`
		} `yaml:"retry" ignored:"true"`
	} `yaml:"transport"`
}

// Load reads the YAML file at path (skipped if empty or absent),
// overlays SHELLPILOT_* environment variables, then applies defaults.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}
	// Each section is processed at the top level so the keys come out
	// flat: SHELLPILOT_LOG_LEVEL, SHELLPILOT_TRANSPORT_MODE,
	// SHELLPILOT_PUSH_BASE_URL and so on. Processing the whole struct
	// at once would prefix them with the nested field path instead.
	for _, section := range []any{
		&c.Logging,
		&c.Transport,
		&c.Transport.Push,
		&c.Transport.Duplex,
		&c.Transport.Retry,
	} {
		if err := envconfig.Process("shellpilot", section); err != nil {
			return nil, err
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Transport.Mode == "" {
		c.Transport.Mode = ModeInProc
	}
	switch c.Transport.Mode {
	case ModePush, ModeDuplex, ModeInProc:
	default:
		return nil, fmt.Errorf("config: unknown transport mode %q", c.Transport.Mode)
	}
	if c.Transport.Duplex.RequestTimeoutMS == 0 {
		c.Transport.Duplex.RequestTimeoutMS = 30_000
	}
	if c.Transport.Retry.IntervalMS == 0 {
		c.Transport.Retry.IntervalMS = 2_000
	}
	if c.Transport.Retry.MaxAttempts == 0 {
		c.Transport.Retry.MaxAttempts = 10
	}
	return &c, nil
}
