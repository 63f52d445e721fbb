// Package config parses the environment-variable knobs that tune a
// session's simulated network conditions and logging, mirroring the
// LOCKSTEP_* variables read by FromEnv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every tunable read from the environment. Default, not the
// zero value, is the configuration a session runs with when nothing is set.
type Config struct {
	NetworkDelayMS   int
	OutOfOrderPct    int
	DisconnectMS     int
	DisconnectNotify int

	LogLevel      string
	LogIgnore     []string
	LogTimestamps bool
}

// Default returns the configuration used when no LOCKSTEP_* variables are
// set: no simulated delay or reordering, a 5-second disconnect timeout.
func Default() Config {
	return Config{
		DisconnectMS:     5000,
		DisconnectNotify: 750,
		LogLevel:         "info",
		LogTimestamps:    true,
	}
}

// FromEnv starts from Default and applies any LOCKSTEP_* overrides found in
// the environment, returning an error naming the first malformed variable.
func FromEnv() (Config, error) {
	cfg := Default()

	if v, ok := lookup("LOCKSTEP_NETWORK_DELAY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("config: invalid LOCKSTEP_NETWORK_DELAY %q", v)
		}
		cfg.NetworkDelayMS = n
	}

	if v, ok := lookup("LOCKSTEP_OOP_PERCENT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			return cfg, fmt.Errorf("config: invalid LOCKSTEP_OOP_PERCENT %q", v)
		}
		cfg.OutOfOrderPct = n
	}

	if v, ok := lookup("LOCKSTEP_DISCONNECT_TIMEOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("config: invalid LOCKSTEP_DISCONNECT_TIMEOUT %q", v)
		}
		cfg.DisconnectMS = n
	}

	if v, ok := lookup("LOCKSTEP_DISCONNECT_NOTIFY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("config: invalid LOCKSTEP_DISCONNECT_NOTIFY %q", v)
		}
		cfg.DisconnectNotify = n
	}

	if v, ok := lookup("LOCKSTEP_LOG"); ok {
		switch v {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = v
		default:
			return cfg, fmt.Errorf("config: invalid LOCKSTEP_LOG %q (want debug|info|warn|error)", v)
		}
	}

	if v, ok := lookup("LOCKSTEP_LOG_IGNORE"); ok && v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.LogIgnore = parts
	}

	if v, ok := lookup("LOCKSTEP_LOG_TIMESTAMPS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid LOCKSTEP_LOG_TIMESTAMPS %q", v)
		}
		cfg.LogTimestamps = b
	}

	return cfg, nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}
