package dto

import "encoding/json"

// Report payloads carry the source data verbatim; only the renderer
// interprets their shape.

type ReportCardPayload struct {
	Student     json.RawMessage `json:"student" validate:"required,notnull"`
	ExamResults json.RawMessage `json:"exam_results" validate:"required,notnull"`
}

type FeeReceiptPayload struct {
	Receipt json.RawMessage `json:"receipt" validate:"required,notnull"`
}

type SalarySlipPayload struct {
	Payroll json.RawMessage `json:"payroll" validate:"required,notnull"`
}

type AttendanceReportPayload struct {
	Report  json.RawMessage `json:"report" validate:"required,notnull"`
	Records json.RawMessage `json:"records" validate:"required,notnull"`
}

type ReportResult struct {
	Path string `json:"path"`
}
