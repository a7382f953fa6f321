package mongostore

import (
	"time"

	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/models"
	"gorm.io/datatypes"
)

const colJobs = "jobs"

type jobDoc struct {
	ID             string     `bson:"_id"`
	Topic          string     `bson:"topic"`
	Kind           string     `bson:"kind"`
	Payload        string     `bson:"payload"`
	State          string     `bson:"state"`
	AttemptsMade   int        `bson:"attempts_made"`
	MaxAttempts    int        `bson:"max_attempts"`
	BackoffType    string     `bson:"backoff_type"`
	BackoffDelayMs int64      `bson:"backoff_delay_ms"`
	NotBefore      time.Time  `bson:"not_before"`
	Owner          string     `bson:"owner"`
	ClaimedAt      *time.Time `bson:"claimed_at"`
	FinishedAt     *time.Time `bson:"finished_at"`
	LastError      string     `bson:"last_error,omitempty"`
	Result         string     `bson:"result,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func toDoc(j *models.Job) jobDoc {
	backoffType := j.BackoffType
	if backoffType == "" {
		backoffType = "none"
	}
	return jobDoc{
		ID:             j.ID,
		Topic:          j.Topic,
		Kind:           j.Kind,
		Payload:        string(j.Payload),
		State:          string(j.State),
		AttemptsMade:   j.AttemptsMade,
		MaxAttempts:    max(j.MaxAttempts, 1),
		BackoffType:    backoffType,
		BackoffDelayMs: j.BackoffDelayMs,
		NotBefore:      j.NotBefore,
		Owner:          j.Owner,
		ClaimedAt:      j.ClaimedAt,
		FinishedAt:     j.FinishedAt,
		LastError:      j.LastError,
		Result:         string(j.Result),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func fromDoc(d *jobDoc) *models.Job {
	j := &models.Job{
		ID:             d.ID,
		Topic:          d.Topic,
		Kind:           d.Kind,
		State:          config.JobState(d.State),
		AttemptsMade:   d.AttemptsMade,
		MaxAttempts:    d.MaxAttempts,
		BackoffType:    d.BackoffType,
		BackoffDelayMs: d.BackoffDelayMs,
		NotBefore:      d.NotBefore.UTC(),
		Owner:          d.Owner,
		ClaimedAt:      utcPtr(d.ClaimedAt),
		FinishedAt:     utcPtr(d.FinishedAt),
		LastError:      d.LastError,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if d.Payload != "" {
		j.Payload = datatypes.JSON(d.Payload)
	}
	if d.Result != "" {
		j.Result = datatypes.JSON(d.Result)
	}
	return j
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
