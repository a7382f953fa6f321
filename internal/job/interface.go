package job

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/schoolerp/jobqueue/internal/models"
	"gorm.io/datatypes"
)

// JobRepoInterface is the queue store contract. Implementations must make
// ClaimNext atomic across processes; every other transition is conditional on
// the caller still owning the job.
type JobRepoInterface interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter dto.ListFilter) ([]models.Job, error)

	// ClaimNext returns nil, nil when no job is eligible.
	ClaimNext(ctx context.Context, topic, workerID string) (*models.Job, error)
	AckSuccess(ctx context.Context, id, workerID string, result datatypes.JSON) error
	// AckFailure returns the job as persisted after the transition.
	AckFailure(ctx context.Context, id, workerID, cause string) (*models.Job, error)

	Stats(ctx context.Context, topic string) (dto.Stats, error)
	RecoverStale(ctx context.Context, visibilityTimeout time.Duration) (int64, error)
	Prune(ctx context.Context, topic string, retention config.Retention) (int64, error)
	Retry(ctx context.Context, id string) error
}

// Notifier wakes idle workers of a topic after an enqueue.
type Notifier interface {
	Notify(ctx context.Context, topic string) error
}

// JobServiceInterface is the producer API used by business modules and the
// operator surfaces.
type JobServiceInterface interface {
	Enqueue(ctx context.Context, topic, kind string, payload any, opts dto.EnqueueOptions) (string, error)
	SendEmail(ctx context.Context, payload dto.SendEmailPayload, delay time.Duration) (string, error)
	SendBulkEmail(ctx context.Context, payload dto.SendBulkEmailPayload) (string, error)
	SendSMS(ctx context.Context, payload dto.SendSMSPayload, delay time.Duration) (string, error)
	SendBulkSMS(ctx context.Context, payload dto.SendBulkSMSPayload) (string, error)
	GenerateReportCard(ctx context.Context, studentData, examResults any) (string, error)
	GenerateFeeReceipt(ctx context.Context, receiptData any) (string, error)
	GenerateSalarySlip(ctx context.Context, payrollData any) (string, error)
	GenerateAttendanceReport(ctx context.Context, reportData, attendanceRecords any) (string, error)
	GetStats(ctx context.Context, topic string) (dto.Stats, error)

	GetJobByID(ctx context.Context, id string) (*dto.JobResponseDTO, error)
	ListJobs(ctx context.Context, filter dto.ListFilter) ([]dto.JobResponseDTO, error)
	RetryJob(ctx context.Context, id string) error
}

// JobHandlerInterface defines the contract for HTTP request handlers.
type JobHandlerInterface interface {
	Create(c *gin.Context)
	Get(c *gin.Context)
	List(c *gin.Context)
	Retry(c *gin.Context)
	Stats(c *gin.Context)
}
