package mocks

import (
	"context"
	"time"

	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/schoolerp/jobqueue/internal/models"
	"github.com/stretchr/testify/mock"
	"gorm.io/datatypes"
)

type JobRepoMock struct {
	mock.Mock
}

func (m *JobRepoMock) Create(ctx context.Context, job *models.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *JobRepoMock) Get(ctx context.Context, id string) (*models.Job, error) {
	args := m.Called(ctx, id)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobRepoMock) List(ctx context.Context, filter dto.ListFilter) ([]models.Job, error) {
	args := m.Called(ctx, filter)

	jobs, _ := args.Get(0).([]models.Job)
	return jobs, args.Error(1)
}

func (m *JobRepoMock) ClaimNext(ctx context.Context, topic, workerID string) (*models.Job, error) {
	args := m.Called(ctx, topic, workerID)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobRepoMock) AckSuccess(ctx context.Context, id, workerID string, result datatypes.JSON) error {
	args := m.Called(ctx, id, workerID, result)
	return args.Error(0)
}

func (m *JobRepoMock) AckFailure(ctx context.Context, id, workerID, cause string) (*models.Job, error) {
	args := m.Called(ctx, id, workerID, cause)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobRepoMock) Stats(ctx context.Context, topic string) (dto.Stats, error) {
	args := m.Called(ctx, topic)

	stats, _ := args.Get(0).(dto.Stats)
	return stats, args.Error(1)
}

func (m *JobRepoMock) RecoverStale(ctx context.Context, visibilityTimeout time.Duration) (int64, error) {
	args := m.Called(ctx, visibilityTimeout)
	return int64(args.Int(0)), args.Error(1)
}

func (m *JobRepoMock) Prune(ctx context.Context, topic string, retention config.Retention) (int64, error) {
	args := m.Called(ctx, topic, retention)
	return int64(args.Int(0)), args.Error(1)
}

func (m *JobRepoMock) Retry(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// NotifierMock records wake-ups sent by the producer.
type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) Notify(ctx context.Context, topic string) error {
	args := m.Called(ctx, topic)
	return args.Error(0)
}
