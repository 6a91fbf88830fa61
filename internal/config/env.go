package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Getenv returns the trimmed value of key, or fallback when it is unset or
// blank.
func Getenv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// parseEnv applies parse to the value of key. Unset, blank and unparsable
// values all yield fallback.
func parseEnv[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

func ParseIntEnv(key string, fallback int) int {
	return parseEnv(key, fallback, strconv.Atoi)
}

// ParseDurationEnv accepts Go durations ("90s", "72h") or a bare number of
// seconds.
func ParseDurationEnv(key string, fallback time.Duration) time.Duration {
	return parseEnv(key, fallback, func(raw string) (time.Duration, error) {
		if secs, err := strconv.Atoi(raw); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return time.ParseDuration(raw)
	})
}

func ParseBoolEnv(key string, fallback bool) bool {
	return ParseBoolString(os.Getenv(key), fallback)
}

func ParseBoolString(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// ParseListEnv splits a comma-separated value, dropping blank entries. It
// returns fallback when nothing remains.
func ParseListEnv(key string, fallback []string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
