package config

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s JobState) Valid() bool {
	switch s {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

const (
	TopicEmail  = "email"
	TopicSMS    = "sms"
	TopicReport = "report"
)

const (
	KindSendEmail                = "send-email"
	KindSendBulkEmail            = "send-bulk-email"
	KindSendSMS                  = "send-sms"
	KindSendBulkSMS              = "send-bulk-sms"
	KindGenerateReportCard       = "generate-report-card"
	KindGenerateFeeReceipt       = "generate-fee-receipt"
	KindGenerateSalarySlip       = "generate-salary-slip"
	KindGenerateAttendanceReport = "generate-attendance-report"
)

var (
	AllowedTopics = []string{TopicEmail, TopicSMS, TopicReport}

	TopicKinds = map[string][]string{
		TopicEmail: {KindSendEmail, KindSendBulkEmail},
		TopicSMS:   {KindSendSMS, KindSendBulkSMS},
		TopicReport: {
			KindGenerateReportCard,
			KindGenerateFeeReceipt,
			KindGenerateSalarySlip,
			KindGenerateAttendanceReport,
		},
	}
)
