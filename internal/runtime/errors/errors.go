package errors

import (
	sterrors "errors"
)

var (
	ErrConfigRequired         = sterrors.New("latencyprobe: configuration is required")
	ErrLoggerRequired         = sterrors.New("latencyprobe: logger is required")
	ErrWriterRequired         = sterrors.New("latencyprobe: data writer is required")
	ErrPayloadSourceRequired  = sterrors.New("latencyprobe: payload source is required")
	ErrRecorderRequired       = sterrors.New("latencyprobe: latency recorder is required")
	ErrTopicRequired          = sterrors.New("latencyprobe: topic is required")
	ErrNotMatched             = sterrors.New("latencyprobe: no matched subscriber")
	ErrPayloadExceedsCapacity = sterrors.New("latencyprobe: payload exceeds transport capacity")
	ErrSamplesRequired        = sterrors.New("latencyprobe: sample count must be positive")
	ErrAttemptsExhausted      = sterrors.New("latencyprobe: publish attempts exhausted")
	ErrFactoryRequired        = sterrors.New("latencyprobe: participant factory is required")
)

// ConfigValidationError marks a configuration problem detected at startup.
// Callers use errors.As to tell it apart from runtime failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "latencyprobe: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// IsConfigError reports whether err stems from invalid configuration.
func IsConfigError(err error) bool {
	var cfgErr ConfigValidationError
	return sterrors.As(err, &cfgErr)
}
