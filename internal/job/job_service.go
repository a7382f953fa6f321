package job

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/schoolerp/jobqueue/common"
	"github.com/schoolerp/jobqueue/internal/backoff"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/schoolerp/jobqueue/internal/metrics"
	"github.com/schoolerp/jobqueue/internal/models"
	"gorm.io/datatypes"
)

type JobService struct {
	repo     JobRepoInterface
	notifier Notifier
	now      func() time.Time
}

type ServiceOption func(*JobService)

// WithNotifier wakes idle workers after each enqueue.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *JobService) { s.notifier = n }
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *JobService) { s.now = now }
}

func NewJobService(repo JobRepoInterface, opts ...ServiceOption) *JobService {
	s := &JobService{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ JobServiceInterface = (*JobService)(nil)

// Enqueue validates the request, applies the default policy of kind with any
// overrides from opts, and persists the job. It returns as soon as the record
// is stored; nothing is executed inline.
func (s *JobService) Enqueue(ctx context.Context, topic, kind string, payload any, opts EnqueueOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", common.Errf(http.StatusRequestTimeout, "request canceled or timed out")
	}

	if !slices.Contains(config.AllowedTopics, topic) {
		return "", common.NewAPIError(http.StatusBadRequest, "invalid topic", map[string]any{
			"provided": topic,
			"allowed":  config.AllowedTopics,
		})
	}
	if !config.KindAllowed(topic, kind) {
		return "", common.NewAPIError(http.StatusBadRequest, "invalid job kind", map[string]any{
			"provided": kind,
			"allowed":  config.TopicKinds[topic],
		})
	}

	raw, err := toRawJSON(payload)
	if err != nil {
		return "", err
	}
	if err := ValidatePayload(kind, raw); err != nil {
		return "", err
	}

	policy, _ := config.PolicyFor(kind)
	if opts.MaxAttempts < 0 {
		return "", common.Errf(http.StatusBadRequest, "max_attempts must be at least 1")
	}
	if opts.MaxAttempts > 0 {
		policy.MaxAttempts = opts.MaxAttempts
	}
	if opts.Backoff != nil {
		if err := opts.Backoff.Validate(); err != nil {
			return "", common.Wrap(http.StatusBadRequest, err, "invalid backoff")
		}
		policy.Backoff = *opts.Backoff
		if policy.Backoff.Type == "" {
			policy.Backoff.Type = backoff.TypeNone
		}
	}
	if opts.DelayMs < 0 {
		return "", common.Errf(http.StatusBadRequest, "delay_ms must not be negative")
	}
	if opts.DelayMs > dto.MaxDelayMs {
		return "", common.Errf(http.StatusBadRequest, "delay_ms must not exceed %d", dto.MaxDelayMs)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", common.Wrap(http.StatusInternalServerError, err, "failed to generate job id")
	}

	now := s.now()
	delay := opts.Delay()
	state := config.StateWaiting
	if delay > 0 {
		state = config.StateDelayed
	}

	job := models.Job{
		ID:             id.String(),
		Topic:          topic,
		Kind:           kind,
		Payload:        datatypes.JSON(raw),
		State:          state,
		MaxAttempts:    policy.MaxAttempts,
		BackoffType:    string(policy.Backoff.Type),
		BackoffDelayMs: policy.Backoff.BaseDelayMs,
		NotBefore:      now.Add(delay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Create(ctx, &job); err != nil {
		return "", storeError(err, "failed to add job to queue")
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(topic, kind).Inc()
	log.Debug().Str("job_id", job.ID).Str("topic", topic).Str("kind", kind).Dur("delay", delay).Msg("job enqueued")

	if delay == 0 {
		s.notify(ctx, topic)
	}
	return job.ID, nil
}

func (s *JobService) notify(ctx context.Context, topic string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), topic); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("enqueue notification failed, workers will poll")
	}
}

func toRawJSON(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, common.Errf(http.StatusBadRequest, "payload is required")
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, common.Wrap(http.StatusBadRequest, err, "payload is not serializable")
	}
	return raw, nil
}

type EnqueueOptions = dto.EnqueueOptions

func (s *JobService) SendEmail(ctx context.Context, payload dto.SendEmailPayload, delay time.Duration) (string, error) {
	return s.Enqueue(ctx, config.TopicEmail, config.KindSendEmail, payload, EnqueueOptions{DelayMs: delay.Milliseconds()})
}

func (s *JobService) SendBulkEmail(ctx context.Context, payload dto.SendBulkEmailPayload) (string, error) {
	return s.Enqueue(ctx, config.TopicEmail, config.KindSendBulkEmail, payload, EnqueueOptions{})
}

func (s *JobService) SendSMS(ctx context.Context, payload dto.SendSMSPayload, delay time.Duration) (string, error) {
	return s.Enqueue(ctx, config.TopicSMS, config.KindSendSMS, payload, EnqueueOptions{DelayMs: delay.Milliseconds()})
}

func (s *JobService) SendBulkSMS(ctx context.Context, payload dto.SendBulkSMSPayload) (string, error) {
	return s.Enqueue(ctx, config.TopicSMS, config.KindSendBulkSMS, payload, EnqueueOptions{})
}

// reportData encodes caller-supplied report data. Missing data is rejected
// here rather than failing later in the renderer.
func reportData(name string, v any) (json.RawMessage, error) {
	raw, err := toRawJSON(v)
	if err != nil {
		return nil, common.Errf(http.StatusBadRequest, "%s is required", name)
	}
	if string(raw) == "null" {
		return nil, common.Errf(http.StatusBadRequest, "%s is required", name)
	}
	return raw, nil
}

func (s *JobService) GenerateReportCard(ctx context.Context, studentData, examResults any) (string, error) {
	student, err := reportData("student data", studentData)
	if err != nil {
		return "", err
	}
	exams, err := reportData("exam results", examResults)
	if err != nil {
		return "", err
	}
	return s.Enqueue(ctx, config.TopicReport, config.KindGenerateReportCard,
		dto.ReportCardPayload{Student: student, ExamResults: exams}, EnqueueOptions{})
}

func (s *JobService) GenerateFeeReceipt(ctx context.Context, receiptData any) (string, error) {
	receipt, err := reportData("receipt data", receiptData)
	if err != nil {
		return "", err
	}
	return s.Enqueue(ctx, config.TopicReport, config.KindGenerateFeeReceipt,
		dto.FeeReceiptPayload{Receipt: receipt}, EnqueueOptions{})
}

func (s *JobService) GenerateSalarySlip(ctx context.Context, payrollData any) (string, error) {
	payroll, err := reportData("payroll data", payrollData)
	if err != nil {
		return "", err
	}
	return s.Enqueue(ctx, config.TopicReport, config.KindGenerateSalarySlip,
		dto.SalarySlipPayload{Payroll: payroll}, EnqueueOptions{})
}

func (s *JobService) GenerateAttendanceReport(ctx context.Context, reportDataIn, attendanceRecords any) (string, error) {
	report, err := reportData("report data", reportDataIn)
	if err != nil {
		return "", err
	}
	records, err := reportData("attendance records", attendanceRecords)
	if err != nil {
		return "", err
	}
	return s.Enqueue(ctx, config.TopicReport, config.KindGenerateAttendanceReport,
		dto.AttendanceReportPayload{Report: report, Records: records}, EnqueueOptions{})
}

// GetStats returns job counts per state for topic.
func (s *JobService) GetStats(ctx context.Context, topic string) (dto.Stats, error) {
	if err := ctx.Err(); err != nil {
		return dto.Stats{}, common.Errf(http.StatusRequestTimeout, "request timed out")
	}
	if !slices.Contains(config.AllowedTopics, topic) {
		return dto.Stats{}, common.NewAPIError(http.StatusBadRequest, "invalid topic", map[string]any{
			"provided": topic,
			"allowed":  config.AllowedTopics,
		})
	}

	stats, err := s.repo.Stats(ctx, topic)
	if err != nil {
		return dto.Stats{}, storeError(err, "failed to get stats")
	}
	return stats, nil
}

// GetJobByID retrieves a job by its ID from the repository.
// It maps repository errors to appropriate API errors
// (e.g., not found, timeout, or internal failure).
func (s *JobService) GetJobByID(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, storeError(err, "failed to get job")
	}

	resp := toResponse(job)
	return &resp, nil
}

// ListJobs returns the newest jobs matching filter.
func (s *JobService) ListJobs(ctx context.Context, filter dto.ListFilter) ([]dto.JobResponseDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}
	if filter.Topic != "" && !slices.Contains(config.AllowedTopics, filter.Topic) {
		return nil, common.NewAPIError(http.StatusBadRequest, "invalid topic", map[string]any{
			"provided": filter.Topic,
			"allowed":  config.AllowedTopics,
		})
	}
	if filter.State != "" && !filter.State.Valid() {
		return nil, common.Errf(http.StatusBadRequest, "invalid state %q", filter.State)
	}

	jobs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, storeError(err, "failed to list jobs")
	}

	dtos := make([]dto.JobResponseDTO, len(jobs))
	for i := range jobs {
		dtos[i] = toResponse(&jobs[i])
	}
	return dtos, nil
}

// RetryJob re-enqueues a failed job with a fresh attempt budget.
func (s *JobService) RetryJob(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	if err := s.repo.Retry(ctx, id); err != nil {
		return storeError(err, "failed to retry job")
	}

	log.Info().Str("job_id", id).Msg("failed job re-enqueued")
	if job, err := s.repo.Get(ctx, id); err == nil {
		s.notify(ctx, job.Topic)
	}
	return nil
}

func storeError(err error, message string) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return common.Wrap(http.StatusRequestTimeout, err, "request timed out")
	case errors.Is(err, ErrJobNotFound):
		return common.Wrap(http.StatusNotFound, err, "job not found")
	case errors.Is(err, ErrNotRetryable):
		return common.Wrap(http.StatusConflict, err, "only failed jobs can be retried")
	default:
		return common.Wrap(http.StatusInternalServerError, err, message)
	}
}

func toResponse(j *models.Job) dto.JobResponseDTO {
	return dto.JobResponseDTO{
		ID:           j.ID,
		Topic:        j.Topic,
		Kind:         j.Kind,
		Payload:      json.RawMessage(j.Payload),
		State:        j.State,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.MaxAttempts,
		Backoff:      j.Backoff(),
		NotBefore:    j.NotBefore,
		Owner:        j.Owner,
		LastError:    j.LastError,
		Result:       json.RawMessage(j.Result),
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}
