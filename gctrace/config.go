package gctrace

import (
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// DefaultTimeout bounds a single export call.
const DefaultTimeout = 10 * time.Second

// Config configures the Cloud Trace span exporter.
type Config struct {
	// ProjectID is the Google Cloud project to write to. Required.
	ProjectID string
	// Timeout for a single export call, DefaultTimeout if zero.
	Timeout time.Duration
	// ClientOptions are passed to the Cloud Trace client.
	ClientOptions []option.ClientOption
	// Logger overrides the context logger.
	Logger *zap.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if cfg.ProjectID == "" {
		return errors.New("project ID is required")
	}
	if cfg.Timeout < 0 {
		return errors.Errorf("invalid timeout %v", cfg.Timeout)
	}
	return nil
}
