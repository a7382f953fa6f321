package mocks

import (
	"context"
	"time"

	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/stretchr/testify/mock"
)

type JobServiceMock struct {
	mock.Mock
}

func (m *JobServiceMock) Enqueue(ctx context.Context, topic, kind string, payload any, opts dto.EnqueueOptions) (string, error) {
	args := m.Called(ctx, topic, kind, payload, opts)
	return args.String(0), args.Error(1)
}

func (m *JobServiceMock) SendEmail(ctx context.Context, payload dto.SendEmailPayload, delay time.Duration) (string, error) {
	args := m.Called(ctx, payload, delay)
	return args.String(0), args.Error(1)
}

func (m *JobServiceMock) SendBulkEmail(ctx context.Context, payload dto.SendBulkEmailPayload) (string, error) {
	args := m.Called(ctx, payload)
	return args.String(0), args.Error(1)
}

func (m *JobServiceMock) SendSMS(ctx context.Context, payload dto.SendSMSPayload, delay time.Duration) (string, error) {
	args := m.Called(ctx, payload, delay)
	return args.String(0), args.Error(1)
}

func (m *JobServiceMock) SendBulkSMS(ctx context.Context, payload dto.SendBulkSMSPayload) (string, error) {
	args := m.Called(ctx, payload)
	return args.String(0), args.Error(1)
}

func (m *JobServiceMock) GenerateReportCard(ctx context.Context, studentData, examResults any) (string, error) {
	args := m.Called(ctx, studentData, examResults)
	return args.String(0), args.Error(1)
}

func (m *JobServiceMock) GenerateFeeReceipt(ctx context.Context, receiptData any) (string, error) {
	args := m.Called(ctx, receiptData)
	return args.String(0), args.Error(1)
}

func (m *JobServiceMock) GenerateSalarySlip(ctx context.Context, payrollData any) (string, error) {
	args := m.Called(ctx, payrollData)
	return args.String(0), args.Error(1)
}

func (m *JobServiceMock) GenerateAttendanceReport(ctx context.Context, reportData, attendanceRecords any) (string, error) {
	args := m.Called(ctx, reportData, attendanceRecords)
	return args.String(0), args.Error(1)
}

func (m *JobServiceMock) GetStats(ctx context.Context, topic string) (dto.Stats, error) {
	args := m.Called(ctx, topic)

	stats, _ := args.Get(0).(dto.Stats)
	return stats, args.Error(1)
}

func (m *JobServiceMock) GetJobByID(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	args := m.Called(ctx, id)

	resp, _ := args.Get(0).(*dto.JobResponseDTO)
	return resp, args.Error(1)
}

func (m *JobServiceMock) ListJobs(ctx context.Context, filter dto.ListFilter) ([]dto.JobResponseDTO, error) {
	args := m.Called(ctx, filter)

	jobs, _ := args.Get(0).([]dto.JobResponseDTO)
	return jobs, args.Error(1)
}

func (m *JobServiceMock) RetryJob(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
