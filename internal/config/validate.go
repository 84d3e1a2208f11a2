package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	durations := []struct {
		field string
		raw   string
	}{
		{"INVOCATION_DEADLINE", cfg.InvocationDeadlineStr},
		{"INVOCATION_TTL", cfg.InvocationTTLStr},
		{"REAPER_INTERVAL", cfg.ReaperIntervalStr},
		{"LOCK_LEASE", cfg.LockLeaseStr},
		{"BREAKER_WAIT", cfg.BreakerWaitStr},
		{"DISPATCH_TIMEOUT", cfg.DispatchTimeoutStr},
		{"USAGE_INTERVAL", cfg.UsageIntervalStr},
		{"USAGE_RETENTION", cfg.UsageRetentionStr},
	}
	for _, item := range durations {
		if item.raw == "" {
			continue
		}
		d, err := time.ParseDuration(item.raw)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   item.field,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   item.field,
				Message: "must be positive",
			})
		}
	}

	// The lock lease must outlive a single expiry batch comfortably; a lease
	// shorter than the reaper interval guarantees overlap between replicas.
	if cfg.LockLease > 0 && cfg.ReaperInterval > 0 && cfg.LockLease < cfg.ReaperInterval/10 {
		errs = append(errs, ValidationError{
			Field:   "LOCK_LEASE",
			Message: fmt.Sprintf("too short relative to REAPER_INTERVAL (%s)", cfg.ReaperIntervalStr),
		})
	}

	if cfg.BreakerFailureRate < 0 || cfg.BreakerFailureRate > 100 {
		errs = append(errs, ValidationError{
			Field:   "BREAKER_FAILURE_RATE",
			Message: fmt.Sprintf("must be 1-100, got %d", cfg.BreakerFailureRate),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
