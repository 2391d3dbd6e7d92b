package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued keys in the daemon config are Go duration strings
// ("500ms", "10s", "1m30s"). An empty value means unset and parses to zero,
// which callers treat as "use the built-in default".

func ParseDurationField(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: bad duration %q", key, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", key, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for the
// unset case.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
