package remotewrite

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultMaxBatch      = 500
	defaultRetryAttempts = 3
)

// Configuration selects the Prometheus remote_write endpoint that receives
// the per-cycle sample values.
type Configuration struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	URL     string `yaml:"url" toml:"url"`
	Timeout string `yaml:"timeout" toml:"timeout"`

	BasicAuth   *BasicAuthConfig `yaml:"basicAuth,omitempty" toml:"basicAuth,omitempty"`
	BearerToken string           `yaml:"bearerToken,omitempty" toml:"bearerToken,omitempty"`

	// Headers go on every request, e.g. X-Scope-OrgID for a multi-tenant receiver.
	Headers map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`

	MaxBatch      int  `yaml:"maxBatch" toml:"maxBatch"`
	RetryAttempts uint `yaml:"retryAttempts" toml:"retryAttempts"`
}

type BasicAuthConfig struct {
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// Validate is a no-op for a disabled publisher.
func (c *Configuration) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("remoteWrite.url is required when enabled")
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("remoteWrite.url %q: %w", c.URL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("remoteWrite.url %q must use http or https", c.URL)
	}

	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return fmt.Errorf("remoteWrite.timeout: %w", err)
		}
	}

	if auth := c.BasicAuth; auth != nil {
		if c.BearerToken != "" {
			return errors.New("remoteWrite.basicAuth and remoteWrite.bearerToken are mutually exclusive")
		}
		if auth.Username == "" || auth.Password == "" {
			return errors.New("remoteWrite.basicAuth needs both username and password")
		}
	}

	if c.MaxBatch < 0 {
		return fmt.Errorf("remoteWrite.maxBatch must not be negative, got %d", c.MaxBatch)
	}
	return nil
}

func (c *Configuration) GetTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Timeout); err == nil && d > 0 {
		return d
	}
	return defaultTimeout
}

func (c *Configuration) GetMaxBatch() int {
	if c.MaxBatch > 0 {
		return c.MaxBatch
	}
	return defaultMaxBatch
}

func (c *Configuration) GetRetryAttempts() uint {
	if c.RetryAttempts > 0 {
		return c.RetryAttempts
	}
	return defaultRetryAttempts
}
