package dto

import (
	"encoding/json"
	"time"

	"github.com/schoolerp/jobqueue/internal/backoff"
	"github.com/schoolerp/jobqueue/internal/config"
)

// MaxDelayMs caps delay_ms at 366 days. The lte tag on DelayMs must match.
const MaxDelayMs int64 = 366 * 24 * 60 * 60 * 1000

// EnqueueOptions overrides the per-kind defaults. Zero values keep the default.
type EnqueueOptions struct {
	DelayMs     int64           `json:"delay_ms,omitempty" validate:"gte=0,lte=31622400000"`
	MaxAttempts int             `json:"max_attempts,omitempty" validate:"gte=0,lte=25"`
	Backoff     *backoff.Policy `json:"backoff,omitempty"`
}

func (o EnqueueOptions) Delay() time.Duration {
	return time.Duration(o.DelayMs) * time.Millisecond
}

type JobCreateDTO struct {
	Topic   string          `json:"topic" validate:"required"`
	Kind    string          `json:"kind" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
	EnqueueOptions
}

type JobCreatedDTO struct {
	ID string `json:"id"`
}

type JobResponseDTO struct {
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	State        config.JobState `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      backoff.Policy  `json:"backoff"`
	NotBefore    time.Time       `json:"not_before"`
	Owner        string          `json:"owner,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type ListFilter struct {
	Topic string
	State config.JobState
	Limit int
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

func (s Stats) Total() int64 {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
}
