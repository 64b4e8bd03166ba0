package gcmetric

import (
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// DefaultPrefix is prepended to metric names to form the Cloud
// Monitoring metric type.
const DefaultPrefix = "custom.googleapis.com"

// DefaultTimeout bounds a single export call.
const DefaultTimeout = 10 * time.Second

// DescriptorStrategy selects how metric descriptors are registered
// with Cloud Monitoring.
type DescriptorStrategy uint8

const (
	// SendOnce registers each descriptor identity once per process.
	// A failed registration is retried on the next export cycle.
	SendOnce DescriptorStrategy = iota
	// AlwaysSend attempts registration on every export. Registration
	// is idempotent at the backend, so repeated sends are harmless
	// but costly.
	AlwaysSend
)

// String implements fmt.Stringer.
func (s DescriptorStrategy) String() string {
	switch s {
	case SendOnce:
		return "send_once"
	case AlwaysSend:
		return "always_send"
	default:
		return "unknown"
	}
}

// Config configures the Cloud Monitoring metric exporter.
type Config struct {
	// ProjectID is the Google Cloud project to write to. Required.
	ProjectID string
	// Prefix for metric types, DefaultPrefix if empty.
	Prefix string
	// Strategy for metric descriptor registration.
	Strategy DescriptorStrategy
	// Timeout for a single export call, DefaultTimeout if zero.
	Timeout time.Duration
	// ClientOptions are passed to the Cloud Monitoring client, e.g.
	// credentials or a custom endpoint.
	ClientOptions []option.ClientOption
	// Logger overrides the context logger.
	Logger *zap.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
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
