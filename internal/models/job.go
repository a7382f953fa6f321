package models

import (
	"time"

	"github.com/schoolerp/jobqueue/internal/backoff"
	"github.com/schoolerp/jobqueue/internal/config"
	"gorm.io/datatypes"
)

type Job struct {
	ID             string          `gorm:"type:varchar(36);primaryKey"`
	Topic          string          `gorm:"type:varchar(64);not null;index:idx_jobs_claim,priority:1"`
	Kind           string          `gorm:"type:varchar(64);not null"`
	Payload        datatypes.JSON  `gorm:"type:jsonb"`
	State          config.JobState `gorm:"type:varchar(16);not null;index:idx_jobs_claim,priority:2"`
	AttemptsMade   int             `gorm:"not null;default:0"`
	MaxAttempts    int             `gorm:"not null;default:1"`
	BackoffType    string          `gorm:"type:varchar(16);not null;default:'none'"`
	BackoffDelayMs int64           `gorm:"not null;default:0"`
	NotBefore      time.Time       `gorm:"not null;index:idx_jobs_claim,priority:3"`
	Owner          string          `gorm:"type:varchar(128);not null;default:''"`
	ClaimedAt      *time.Time      `gorm:"index"`
	FinishedAt     *time.Time
	LastError      string          `gorm:"type:text"`
	Result         datatypes.JSON  `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Job) TableName() string { return "jobs" }

func (j *Job) Backoff() backoff.Policy {
	return backoff.Policy{Type: backoff.Type(j.BackoffType), BaseDelayMs: j.BackoffDelayMs}
}

// Eligible reports whether the job may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	return (j.State == config.StateWaiting || j.State == config.StateDelayed) &&
		!now.Before(j.NotBefore) &&
		j.AttemptsMade < j.MaxAttempts
}
