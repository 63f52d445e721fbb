package config

import (
	"reflect"
	"testing"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("expected defaults with no env set, got %+v", cfg)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("LOCKSTEP_NETWORK_DELAY", "40")
	t.Setenv("LOCKSTEP_OOP_PERCENT", "10")
	t.Setenv("LOCKSTEP_LOG", "debug")
	t.Setenv("LOCKSTEP_LOG_IGNORE", "protocol, engine")
	t.Setenv("LOCKSTEP_LOG_TIMESTAMPS", "false")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.NetworkDelayMS != 40 {
		t.Errorf("NetworkDelayMS = %d, want 40", cfg.NetworkDelayMS)
	}
	if cfg.OutOfOrderPct != 10 {
		t.Errorf("OutOfOrderPct = %d, want 10", cfg.OutOfOrderPct)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if len(cfg.LogIgnore) != 2 || cfg.LogIgnore[0] != "protocol" || cfg.LogIgnore[1] != "engine" {
		t.Errorf("LogIgnore = %v, want [protocol engine]", cfg.LogIgnore)
	}
	if cfg.LogTimestamps {
		t.Errorf("LogTimestamps = true, want false")
	}
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	t.Setenv("LOCKSTEP_OOP_PERCENT", "150")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected an error for out-of-range LOCKSTEP_OOP_PERCENT")
	}
}
