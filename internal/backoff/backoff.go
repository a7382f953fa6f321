package backoff

import (
	"fmt"
	"time"
)

type Type string

const (
	TypeNone        Type = "none"
	TypeExponential Type = "exponential"
)

// MaxDelay caps a single retry delay so large attempt counts cannot overflow.
const MaxDelay = 24 * time.Hour

// Policy describes the delay applied between retry attempts of a job.
type Policy struct {
	Type        Type  `json:"type" yaml:"type" validate:"omitempty,oneof=none exponential"`
	BaseDelayMs int64 `json:"base_delay_ms,omitempty" yaml:"base_delay_ms" validate:"gte=0"`
}

// None retries immediately.
func None() Policy {
	return Policy{Type: TypeNone}
}

// Exponential doubles base after every failed attempt.
func Exponential(base time.Duration) Policy {
	return Policy{Type: TypeExponential, BaseDelayMs: base.Milliseconds()}
}

func (p Policy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

func (p Policy) Validate() error {
	switch p.Type {
	case TypeNone, "":
		return nil
	case TypeExponential:
		if p.BaseDelayMs <= 0 {
			return fmt.Errorf("exponential backoff needs a positive base delay, got %dms", p.BaseDelayMs)
		}
		return nil
	default:
		return fmt.Errorf("unknown backoff type %q", p.Type)
	}
}

// Delay returns the wait before the next attempt, given the number of
// attempts made so far (1 after the first failure).
// Exponential: base * 2^(attempts-1), capped at MaxDelay.
func (p Policy) Delay(attemptsMade int) time.Duration {
	if p.Type != TypeExponential || attemptsMade < 1 {
		return 0
	}

	d := p.BaseDelay()
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	return min(d, MaxDelay)
}

// Next decides what happens to a job after a failed attempt. It returns the
// time the job becomes eligible again and true when attempts remain, or the
// zero time and false when the job must be finalized as failed.
func Next(p Policy, attemptsMade, maxAttempts int, now time.Time) (time.Time, bool) {
	if attemptsMade >= maxAttempts {
		return time.Time{}, false
	}
	return now.Add(p.Delay(attemptsMade)), true
}
