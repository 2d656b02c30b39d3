// Package env reads configuration overrides from environment variables. A
// malformed value is fatal since the process cannot start with it.
package env

import (
	"log"
	"os"
	"strconv"
	"time"
)

var logFatalf = log.Fatalf

func OptionalStringVariable(name string, defaultValue string) string {
	return optional(name, defaultValue, "string", func(value string) (string, error) {
		return value, nil
	})
}

func OptionalIntVariable(name string, defaultValue int) int {
	return optional(name, defaultValue, "int", strconv.Atoi)
}

func OptionalBoolVariable(name string, defaultValue bool) bool {
	return optional(name, defaultValue, "bool", strconv.ParseBool)
}

// OptionalDurationVariable accepts a Go duration (e.g., "1m30s") or a bare
// number of milliseconds (e.g., "1500").
func OptionalDurationVariable(name string, defaultValue time.Duration) time.Duration {
	return optional(name, defaultValue, "duration", ParseDuration)
}

func ParseDuration(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}

func HasEnv(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

func optional[T any](name string, defaultValue T, kind string, parse func(string) (T, error)) T {
	value, ok := os.LookupEnv(name)
	if !ok {
		return defaultValue
	}
	parsed, err := parse(value)
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid %s.", name, kind)
		return defaultValue
	}
	return parsed
}
