package job

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/schoolerp/jobqueue/common"
	"github.com/schoolerp/jobqueue/internal/backoff"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/schoolerp/jobqueue/internal/mocks"
	"github.com/schoolerp/jobqueue/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestService(repo *mocks.JobRepoMock, notifier *mocks.NotifierMock) *JobService {
	return NewJobService(repo, WithNotifier(notifier), WithServiceClock(func() time.Time { return testNow }))
}

func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	var apiErr common.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %T: %v", err, err)
	assert.Equal(t, status, apiErr.Status)
}

func TestJobService_Enqueue(t *testing.T) {
	emailPayload := json.RawMessage(`{"to":"parent@school.test","subject":"Fees due","html":"<p>Pay</p>"}`)

	tests := []struct {
		name         string
		topic        string
		kind         string
		payload      any
		opts         dto.EnqueueOptions
		setupMock    func(*mocks.JobRepoMock, *mocks.NotifierMock)
		setupCtx     func() context.Context
		wantStatus   int
		errContains  string
		skipRepoCall bool
	}{
		{
			name:    "default policy applied",
			topic:   config.TopicEmail,
			kind:    config.KindSendEmail,
			payload: emailPayload,
			setupMock: func(m *mocks.JobRepoMock, n *mocks.NotifierMock) {
				m.On("Create", mock.Anything, mock.MatchedBy(func(job *models.Job) bool {
					_, err := uuid.Parse(job.ID)
					return err == nil &&
						job.Topic == config.TopicEmail &&
						job.Kind == config.KindSendEmail &&
						job.State == config.StateWaiting &&
						job.AttemptsMade == 0 &&
						job.MaxAttempts == 3 &&
						job.BackoffType == string(backoff.TypeExponential) &&
						job.BackoffDelayMs == 2000 &&
						job.NotBefore.Equal(testNow) &&
						job.CreatedAt.Equal(testNow)
				})).Return(nil)
				n.On("Notify", mock.Anything, config.TopicEmail).Return(nil)
			},
		},
		{
			name:    "delayed job is not announced",
			topic:   config.TopicEmail,
			kind:    config.KindSendEmail,
			payload: emailPayload,
			opts:    dto.EnqueueOptions{DelayMs: 5000},
			setupMock: func(m *mocks.JobRepoMock, n *mocks.NotifierMock) {
				m.On("Create", mock.Anything, mock.MatchedBy(func(job *models.Job) bool {
					return job.State == config.StateDelayed &&
						job.NotBefore.Equal(testNow.Add(5*time.Second))
				})).Return(nil)
			},
		},
		{
			name:    "overrides replace defaults",
			topic:   config.TopicReport,
			kind:    config.KindGenerateFeeReceipt,
			payload: map[string]any{"receipt": map[string]any{"number": "R-17"}},
			opts: dto.EnqueueOptions{
				MaxAttempts: 5,
				Backoff:     &backoff.Policy{Type: backoff.TypeExponential, BaseDelayMs: 500},
			},
			setupMock: func(m *mocks.JobRepoMock, n *mocks.NotifierMock) {
				m.On("Create", mock.Anything, mock.MatchedBy(func(job *models.Job) bool {
					return job.MaxAttempts == 5 &&
						job.BackoffType == string(backoff.TypeExponential) &&
						job.BackoffDelayMs == 500
				})).Return(nil)
				n.On("Notify", mock.Anything, config.TopicReport).Return(nil)
			},
		},
		{
			name:    "notification failure does not fail enqueue",
			topic:   config.TopicSMS,
			kind:    config.KindSendSMS,
			payload: dto.SendSMSPayload{To: "+919876543210", Message: "School closed tomorrow"},
			setupMock: func(m *mocks.JobRepoMock, n *mocks.NotifierMock) {
				m.On("Create", mock.Anything, mock.Anything).Return(nil)
				n.On("Notify", mock.Anything, config.TopicSMS).Return(errors.New("redis down"))
			},
		},
		{
			name:         "unknown topic",
			topic:        "fax",
			kind:         config.KindSendEmail,
			payload:      emailPayload,
			wantStatus:   http.StatusBadRequest,
			errContains:  "invalid topic",
			skipRepoCall: true,
		},
		{
			name:         "kind from another topic",
			topic:        config.TopicSMS,
			kind:         config.KindSendEmail,
			payload:      emailPayload,
			wantStatus:   http.StatusBadRequest,
			errContains:  "invalid job kind",
			skipRepoCall: true,
		},
		{
			name:         "payload not JSON",
			topic:        config.TopicEmail,
			kind:         config.KindSendEmail,
			payload:      json.RawMessage(`{invalid}`),
			wantStatus:   http.StatusBadRequest,
			errContains:  "payload must be valid JSON",
			skipRepoCall: true,
		},
		{
			name:         "nil payload",
			topic:        config.TopicEmail,
			kind:         config.KindSendEmail,
			payload:      nil,
			wantStatus:   http.StatusBadRequest,
			errContains:  "payload is required",
			skipRepoCall: true,
		},
		{
			name:         "payload fails validation",
			topic:        config.TopicEmail,
			kind:         config.KindSendEmail,
			payload:      json.RawMessage(`{"to":"not-an-email","subject":"x","html":"<p/>"}`),
			wantStatus:   http.StatusBadRequest,
			errContains:  "payload validation failed",
			skipRepoCall: true,
		},
		{
			name:         "invalid backoff override",
			topic:        config.TopicEmail,
			kind:         config.KindSendEmail,
			payload:      emailPayload,
			opts:         dto.EnqueueOptions{Backoff: &backoff.Policy{Type: "linear"}},
			wantStatus:   http.StatusBadRequest,
			errContains:  "invalid backoff",
			skipRepoCall: true,
		},
		{
			name:         "negative delay",
			topic:        config.TopicEmail,
			kind:         config.KindSendEmail,
			payload:      emailPayload,
			opts:         dto.EnqueueOptions{DelayMs: -1},
			wantStatus:   http.StatusBadRequest,
			errContains:  "delay_ms",
			skipRepoCall: true,
		},
		{
			name:         "delay beyond maximum",
			topic:        config.TopicEmail,
			kind:         config.KindSendEmail,
			payload:      emailPayload,
			opts:         dto.EnqueueOptions{DelayMs: math.MaxInt64 / 100},
			wantStatus:   http.StatusBadRequest,
			errContains:  "delay_ms",
			skipRepoCall: true,
		},
		{
			name:    "store failure",
			topic:   config.TopicEmail,
			kind:    config.KindSendEmail,
			payload: emailPayload,
			setupMock: func(m *mocks.JobRepoMock, n *mocks.NotifierMock) {
				m.On("Create", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
			},
			wantStatus:  http.StatusInternalServerError,
			errContains: "failed to add job to queue",
		},
		{
			name:    "canceled context",
			topic:   config.TopicEmail,
			kind:    config.KindSendEmail,
			payload: emailPayload,
			setupCtx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			wantStatus:   http.StatusRequestTimeout,
			skipRepoCall: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mocks.JobRepoMock)
			notifier := new(mocks.NotifierMock)
			if tt.setupMock != nil {
				tt.setupMock(repo, notifier)
			}

			ctx := context.Background()
			if tt.setupCtx != nil {
				ctx = tt.setupCtx()
			}

			id, err := newTestService(repo, notifier).Enqueue(ctx, tt.topic, tt.kind, tt.payload, tt.opts)

			if tt.wantStatus != 0 {
				require.Error(t, err)
				assertStatus(t, err, tt.wantStatus)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				assert.Empty(t, id)
			} else {
				require.NoError(t, err)
				assert.NotEmpty(t, id)
			}

			if tt.skipRepoCall {
				repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			}
			repo.AssertExpectations(t)
			notifier.AssertExpectations(t)
		})
	}
}

func TestJobService_TypedProducers(t *testing.T) {
	t.Run("send sms with delay", func(t *testing.T) {
		repo := new(mocks.JobRepoMock)
		repo.On("Create", mock.Anything, mock.MatchedBy(func(job *models.Job) bool {
			return job.Topic == config.TopicSMS &&
				job.Kind == config.KindSendSMS &&
				job.State == config.StateDelayed &&
				job.NotBefore.Equal(testNow.Add(time.Minute))
		})).Return(nil)

		_, err := newTestService(repo, new(mocks.NotifierMock)).
			SendSMS(context.Background(), dto.SendSMSPayload{To: "+14155550100", Message: "PTM on Friday"}, time.Minute)
		require.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("bulk sms rejects bad number", func(t *testing.T) {
		repo := new(mocks.JobRepoMock)
		_, err := newTestService(repo, new(mocks.NotifierMock)).
			SendBulkSMS(context.Background(), dto.SendBulkSMSPayload{Recipients: []string{"+14155550100", "12345"}, Message: "hi"})
		assertStatus(t, err, http.StatusBadRequest)
		repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("report card uses report policy", func(t *testing.T) {
		repo := new(mocks.JobRepoMock)
		notifier := new(mocks.NotifierMock)
		repo.On("Create", mock.Anything, mock.MatchedBy(func(job *models.Job) bool {
			var p dto.ReportCardPayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return false
			}
			return job.Kind == config.KindGenerateReportCard &&
				job.MaxAttempts == 2 &&
				job.BackoffType == string(backoff.TypeNone) &&
				string(p.Student) == `{"name":"Asha"}`
		})).Return(nil)
		notifier.On("Notify", mock.Anything, config.TopicReport).Return(nil)

		_, err := newTestService(repo, notifier).GenerateReportCard(context.Background(),
			map[string]string{"name": "Asha"}, []map[string]any{{"subject": "Maths", "marks": 91}})
		require.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("report data is required", func(t *testing.T) {
		repo := new(mocks.JobRepoMock)
		_, err := newTestService(repo, new(mocks.NotifierMock)).GenerateAttendanceReport(context.Background(), map[string]string{"class": "5B"}, nil)
		assertStatus(t, err, http.StatusBadRequest)
		assert.Contains(t, err.Error(), "attendance records")
	})
}

func TestJobService_GetJobByID(t *testing.T) {
	id := uuid.Must(uuid.NewV7()).String()

	tests := []struct {
		name       string
		setupMock  func(*mocks.JobRepoMock)
		wantStatus int
	}{
		{
			name: "found",
			setupMock: func(m *mocks.JobRepoMock) {
				m.On("Get", mock.Anything, id).Return(&models.Job{
					ID:             id,
					Topic:          config.TopicEmail,
					Kind:           config.KindSendEmail,
					State:          config.StateCompleted,
					MaxAttempts:    3,
					BackoffType:    "exponential",
					BackoffDelayMs: 2000,
				}, nil)
			},
		},
		{
			name: "not found",
			setupMock: func(m *mocks.JobRepoMock) {
				m.On("Get", mock.Anything, id).Return(nil, ErrJobNotFound)
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "store timeout",
			setupMock: func(m *mocks.JobRepoMock) {
				m.On("Get", mock.Anything, id).Return(nil, context.DeadlineExceeded)
			},
			wantStatus: http.StatusRequestTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mocks.JobRepoMock)
			tt.setupMock(repo)

			resp, err := newTestService(repo, new(mocks.NotifierMock)).GetJobByID(context.Background(), id)
			if tt.wantStatus != 0 {
				assertStatus(t, err, tt.wantStatus)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, resp.ID)
			assert.Equal(t, backoff.Exponential(2*time.Second), resp.Backoff)
			repo.AssertExpectations(t)
		})
	}
}

func TestJobService_RetryJob(t *testing.T) {
	id := uuid.Must(uuid.NewV7()).String()

	t.Run("failed job re-enqueued and announced", func(t *testing.T) {
		repo := new(mocks.JobRepoMock)
		notifier := new(mocks.NotifierMock)
		repo.On("Retry", mock.Anything, id).Return(nil)
		repo.On("Get", mock.Anything, id).Return(&models.Job{ID: id, Topic: config.TopicSMS}, nil)
		notifier.On("Notify", mock.Anything, config.TopicSMS).Return(nil)

		require.NoError(t, newTestService(repo, notifier).RetryJob(context.Background(), id))
		repo.AssertExpectations(t)
		notifier.AssertExpectations(t)
	})

	t.Run("not failed", func(t *testing.T) {
		repo := new(mocks.JobRepoMock)
		repo.On("Retry", mock.Anything, id).Return(ErrNotRetryable)

		err := newTestService(repo, new(mocks.NotifierMock)).RetryJob(context.Background(), id)
		assertStatus(t, err, http.StatusConflict)
		assert.ErrorIs(t, err, ErrNotRetryable)
	})

	t.Run("missing", func(t *testing.T) {
		repo := new(mocks.JobRepoMock)
		repo.On("Retry", mock.Anything, id).Return(ErrJobNotFound)

		err := newTestService(repo, new(mocks.NotifierMock)).RetryJob(context.Background(), id)
		assertStatus(t, err, http.StatusNotFound)
	})
}

func TestJobService_GetStats(t *testing.T) {
	repo := new(mocks.JobRepoMock)
	want := dto.Stats{Waiting: 2, Active: 1, Completed: 7, Failed: 1, Delayed: 3}
	repo.On("Stats", mock.Anything, config.TopicReport).Return(want, nil)

	svc := newTestService(repo, new(mocks.NotifierMock))

	got, err := svc.GetStats(context.Background(), config.TopicReport)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = svc.GetStats(context.Background(), "fax")
	assertStatus(t, err, http.StatusBadRequest)
	repo.AssertNumberOfCalls(t, "Stats", 1)
}

func TestJobService_ListJobs(t *testing.T) {
	repo := new(mocks.JobRepoMock)
	filter := dto.ListFilter{Topic: config.TopicEmail, State: config.StateFailed, Limit: 10}
	repo.On("List", mock.Anything, filter).Return([]models.Job{
		{ID: "a", Topic: config.TopicEmail, State: config.StateFailed, LastError: "smtp 550"},
	}, nil)

	svc := newTestService(repo, new(mocks.NotifierMock))

	jobs, err := svc.ListJobs(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "smtp 550", jobs[0].LastError)

	_, err = svc.ListJobs(context.Background(), dto.ListFilter{State: "stuck"})
	assertStatus(t, err, http.StatusBadRequest)
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		raw     string
		wantErr bool
	}{
		{"email with template", config.KindSendEmail, `{"to":"a@b.test","subject":"Hi","template":"welcome"}`, false},
		{"email without body", config.KindSendEmail, `{"to":"a@b.test","subject":"Hi"}`, true},
		{"bulk email empty recipients", config.KindSendBulkEmail, `{"recipients":[],"subject":"Hi","html":"x"}`, true},
		{"bulk email bad recipient", config.KindSendBulkEmail, `{"recipients":["a@b.test","nope"],"subject":"Hi","html":"x"}`, true},
		{"sms", config.KindSendSMS, `{"to":"+919876543210","message":"hello"}`, false},
		{"sms local number", config.KindSendSMS, `{"to":"09876543210","message":"hello"}`, true},
		{"salary slip", config.KindGenerateSalarySlip, `{"payroll":{"employee":"E-4"}}`, false},
		{"salary slip missing payroll", config.KindGenerateSalarySlip, `{}`, true},
		{"salary slip null payroll", config.KindGenerateSalarySlip, `{"payroll":null}`, true},
		{"report card null student", config.KindGenerateReportCard, `{"student":null,"exam_results":[{"subject":"Maths"}]}`, true},
		{"attendance null records", config.KindGenerateAttendanceReport, `{"report":{"month":"2026-02"},"records": null }`, true},
		{"fee receipt", config.KindGenerateFeeReceipt, `{"receipt":{"no":"R-1"}}`, false},
		{"wrong field type", config.KindSendSMS, `{"to":42,"message":"hello"}`, true},
		{"unknown kind only needs JSON", "custom", `{"anything":true}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.kind, json.RawMessage(tt.raw))
			if tt.wantErr {
				assertStatus(t, err, http.StatusBadRequest)
				return
			}
			assert.NoError(t, err)
		})
	}
}
