package pipeline

import (
	"errors"

	"github.com/paris-tomo/paris/pkg/logger"
)

const DefaultInputLimit = 1

var ErrInvalidInputLimit = errors.New("input limit must be greater than zero")

type Option func(*Config)

// WithInputLimit sets the capacity of the pipes between stages. A full pipe
// blocks its producer.
func WithInputLimit(n int) Option {
	return func(config *Config) {
		config.InputLimit = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(config *Config) {
		config.Logger = l
	}
}

// WithRetryPolicy sets the policy consulted after a task fails.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(config *Config) {
		config.RetryPolicy = p
	}
}

type Config struct {
	InputLimit  int
	Logger      logger.Logger
	RetryPolicy RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		InputLimit:  DefaultInputLimit,
		Logger:      logger.NewNoopLogger(),
		RetryPolicy: NoRetry(),
	}
}

func (config *Config) Validate() error {
	if config.InputLimit < 1 {
		return ErrInvalidInputLimit
	}
	if config.Logger == nil {
		config.Logger = logger.NewNoopLogger()
	}
	if config.RetryPolicy == nil {
		config.RetryPolicy = NoRetry()
	}
	return nil
}
