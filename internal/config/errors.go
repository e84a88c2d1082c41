package config

import (
	"errors"
	"fmt"
)

// ConfigError marks a malformed invocation: bad flags, missing spider
// arguments, unusable output path. The launcher fails fast on these and
// maps them to a dedicated exit code; everything else is a crawl error.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

// Errorf builds a ConfigError with fmt-style formatting.
func Errorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err (or anything it wraps) is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
