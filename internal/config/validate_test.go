package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		DatabaseURL:           "postgres://localhost/triggerd",
		InvocationDeadlineStr: "60m",
		ReaperIntervalStr:     "1m",
		LockLeaseStr:          "2m",
		BreakerFailureRate:    50,
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error should mention DATABASE_URL: %q", err.Error())
	}
}

func TestValidate_InvalidDurations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"non-parseable deadline", func(c *Config) { c.InvocationDeadlineStr = "invalid" }, "invalid duration"},
		{"negative deadline", func(c *Config) { c.InvocationDeadlineStr = "-1m" }, "must be positive"},
		{"zero reaper interval", func(c *Config) { c.ReaperIntervalStr = "0s" }, "must be positive"},
		{"bad lock lease", func(c *Config) { c.LockLeaseStr = "soon" }, "invalid duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_BreakerRateOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.BreakerFailureRate = 150

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "BREAKER_FAILURE_RATE") {
		t.Fatalf("expected BREAKER_FAILURE_RATE error, got %v", err)
	}
}

func TestValidationErrors_MultipleMessages(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""
	cfg.InvocationDeadlineStr = "invalid"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	if !strings.Contains(err.Error(), "2 validation errors") {
		t.Errorf("error should aggregate: %q", err.Error())
	}
}
