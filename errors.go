package vigil

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the vigil package.
var (
	// ErrClosed is returned when operations are attempted on a stopped monitor.
	ErrClosed = errors.New("monitor is closed")

	// ErrInvalidPeriod is returned for report period strings that do not
	// match the ^(\d+)([mhd])$ grammar.
	ErrInvalidPeriod = errors.New("invalid period string")

	// ErrInvalidSamplingRate is returned when the sampling rate is outside [0, 1].
	ErrInvalidSamplingRate = errors.New("invalid sampling rate")

	// ErrInvalidConfig is returned for other invalid configuration values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownIncident is returned when resolving an incident that does not exist.
	ErrUnknownIncident = errors.New("unknown incident")

	// ErrUnknownAlert is returned when acknowledging an alert that is not
	// in the history.
	ErrUnknownAlert = errors.New("unknown alert")

	// ErrDuplicateCheck is returned when registering a health check whose
	// id is already taken.
	ErrDuplicateCheck = errors.New("health check already registered")

	// ErrStoreClosed is returned when the incident store has been closed.
	ErrStoreClosed = errors.New("incident store is closed")
)

// ConfigErrorType categorizes configuration errors.
type ConfigErrorType int

const (
	// ConfigErrorTypeValue is a generic invalid configuration value.
	ConfigErrorTypeValue ConfigErrorType = iota
	// ConfigErrorTypePeriod indicates a malformed report period string.
	ConfigErrorTypePeriod
	// ConfigErrorTypeSamplingRate indicates a sampling rate outside [0, 1].
	ConfigErrorTypeSamplingRate
)

// ConfigError provides detailed information about configuration failures.
// It is surfaced to the caller and never recovered internally.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ConfigError.
func (e *ConfigError) Is(target error) bool {
	switch e.Type {
	case ConfigErrorTypePeriod:
		return target == ErrInvalidPeriod || target == ErrInvalidConfig
	case ConfigErrorTypeSamplingRate:
		return target == ErrInvalidSamplingRate || target == ErrInvalidConfig
	case ConfigErrorTypeValue:
		return target == ErrInvalidConfig
	}
	return false
}

// newPeriodError creates a ConfigError for a malformed period string.
func newPeriodError(period string) *ConfigError {
	return &ConfigError{
		Type:    ConfigErrorTypePeriod,
		Message: fmt.Sprintf("invalid period %q: expected <number><m|h|d>", period),
	}
}
