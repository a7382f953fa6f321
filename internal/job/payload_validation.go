package job

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/schoolerp/jobqueue/common"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/schoolerp/jobqueue/middleware"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// notnull rejects a JSON null in a raw field, which "required" lets through.
	_ = v.RegisterValidation("notnull", func(fl validator.FieldLevel) bool {
		raw, ok := fl.Field().Interface().(json.RawMessage)
		if !ok {
			return true
		}
		trimmed := bytes.TrimSpace(raw)
		return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
	})
	return v
}

func validatePayload[T any](raw json.RawMessage) error {
	var payload T

	if err := json.Unmarshal(raw, &payload); err != nil {
		return common.APIError{
			Status:  http.StatusBadRequest,
			Message: "invalid payload format",
			Err:     err,
		}
	}

	if err := validate.Struct(payload); err != nil {
		return common.APIError{
			Status:  http.StatusBadRequest,
			Message: "payload validation failed",
			Fields:  middleware.FormatValidationErrors(err),
		}
	}

	return nil
}

var payloadValidators = map[string]func(json.RawMessage) error{
	config.KindSendEmail:                validatePayload[dto.SendEmailPayload],
	config.KindSendBulkEmail:            validatePayload[dto.SendBulkEmailPayload],
	config.KindSendSMS:                  validatePayload[dto.SendSMSPayload],
	config.KindSendBulkSMS:              validatePayload[dto.SendBulkSMSPayload],
	config.KindGenerateReportCard:       validatePayload[dto.ReportCardPayload],
	config.KindGenerateFeeReceipt:       validatePayload[dto.FeeReceiptPayload],
	config.KindGenerateSalarySlip:       validatePayload[dto.SalarySlipPayload],
	config.KindGenerateAttendanceReport: validatePayload[dto.AttendanceReportPayload],
}

// ValidatePayload checks raw against the payload shape of kind. Unknown kinds
// only need valid JSON.
func ValidatePayload(kind string, raw json.RawMessage) error {
	if !json.Valid(raw) {
		return common.Errf(http.StatusBadRequest, "payload must be valid JSON")
	}
	if v, ok := payloadValidators[kind]; ok {
		return v(raw)
	}
	return nil
}
