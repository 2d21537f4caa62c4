// Package environment overlays configuration with values from environment
// variables.
//
// Unset and empty variables leave the destination untouched. A variable that
// is set but malformed is an error, so a typo in a deployment never silently
// falls back to a default.
package environment

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// StringOr returns the value of the named environment variable, or
// defaultValue if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// String overwrites *dst with the trimmed value of the named variable.
func String(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

// Duration overwrites *dst with the named variable parsed as a
// time.Duration ("30s", "5m", "1h").
func Duration(dst *time.Duration, name string) error {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("environment variable %s: %w", name, err)
	}
	*dst = d
	return nil
}

// Overlay applies a set of duration overrides, keyed by variable name, and
// reports the first malformed one.
func Overlay(durations map[string]*time.Duration) error {
	for name, dst := range durations {
		if err := Duration(dst, name); err != nil {
			return err
		}
	}
	return nil
}
