package config

import (
	"slices"
	"time"

	"github.com/schoolerp/jobqueue/internal/backoff"
)

// Policy is the retry behaviour a job gets at enqueue time.
type Policy struct {
	MaxAttempts int
	Backoff     backoff.Policy
}

// Retention bounds how many terminal jobs a topic keeps. A negative value
// keeps everything.
type Retention struct {
	RemoveOnComplete int `yaml:"remove_on_complete"`
	RemoveOnFail     int `yaml:"remove_on_fail"`
}

var DefaultRetention = Retention{RemoveOnComplete: 100, RemoveOnFail: 50}

var (
	deliveryPolicy = Policy{MaxAttempts: 3, Backoff: backoff.Exponential(2000 * time.Millisecond)}
	reportPolicy   = Policy{MaxAttempts: 2, Backoff: backoff.None()}
)

// DefaultPolicies is the single source of retry defaults per job kind.
var DefaultPolicies = map[string]Policy{
	KindSendEmail:                deliveryPolicy,
	KindSendBulkEmail:            deliveryPolicy,
	KindSendSMS:                  deliveryPolicy,
	KindSendBulkSMS:              deliveryPolicy,
	KindGenerateReportCard:       reportPolicy,
	KindGenerateFeeReceipt:       reportPolicy,
	KindGenerateSalarySlip:       reportPolicy,
	KindGenerateAttendanceReport: reportPolicy,
}

func PolicyFor(kind string) (Policy, bool) {
	p, ok := DefaultPolicies[kind]
	return p, ok
}

// TopicOf returns the topic a job kind belongs to.
func TopicOf(kind string) (string, bool) {
	for topic, kinds := range TopicKinds {
		if slices.Contains(kinds, kind) {
			return topic, true
		}
	}
	return "", false
}

func KindAllowed(topic, kind string) bool {
	return slices.Contains(TopicKinds[topic], kind)
}
