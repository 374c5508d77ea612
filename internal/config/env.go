package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envValue parses the trimmed value of key. Unset, blank and unparsable
// values all yield fallback.
func envValue[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if raw = strings.TrimSpace(raw); raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

// Getenv returns the trimmed value of key, or fallback when unset or blank.
func Getenv(key, fallback string) string {
	return envValue(key, fallback, func(s string) (string, error) { return s, nil })
}

func ParseIntEnv(key string, fallback int) int {
	return envValue(key, fallback, strconv.Atoi)
}

func ParseFloatEnv(key string, fallback float64) float64 {
	return envValue(key, fallback, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// ParseDurationEnv accepts "90s" style durations or whole seconds.
func ParseDurationEnv(key string, fallback time.Duration) time.Duration {
	return envValue(key, fallback, parseDuration)
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func ParseBoolEnv(key string, fallback bool) bool {
	return ParseBoolString(os.Getenv(key), fallback)
}

// ParseBoolString understands 1/0, true/false, yes/no and on/off.
func ParseBoolString(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// ParseListEnv splits a comma separated value and drops blank entries.
func ParseListEnv(key string, fallback []string) []string {
	return envValue(key, fallback, func(s string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	})
}
