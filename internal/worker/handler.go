package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/delivery/email"
	"github.com/schoolerp/jobqueue/internal/delivery/render"
	"github.com/schoolerp/jobqueue/internal/delivery/sms"
	"github.com/schoolerp/jobqueue/internal/dto"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const defaultBulkConcurrency = 8

// Handlers holds the delivery collaborators the job handlers call.
type Handlers struct {
	Email    email.Transport
	SMS      sms.Transport
	Renderer render.Renderer
	// BulkConcurrency bounds parallel sends within one bulk job.
	BulkConcurrency int
}

// DefaultRegistry binds every known (topic, kind) to its handler.
func DefaultRegistry(h *Handlers) *Registry {
	r := NewRegistry()
	r.Register(config.TopicEmail, config.KindSendEmail, h.SendEmail)
	r.Register(config.TopicEmail, config.KindSendBulkEmail, h.SendBulkEmail)
	r.Register(config.TopicSMS, config.KindSendSMS, h.SendSMS)
	r.Register(config.TopicSMS, config.KindSendBulkSMS, h.SendBulkSMS)
	r.Register(config.TopicReport, config.KindGenerateReportCard, h.GenerateReportCard)
	r.Register(config.TopicReport, config.KindGenerateFeeReceipt, h.GenerateFeeReceipt)
	r.Register(config.TopicReport, config.KindGenerateSalarySlip, h.GenerateSalarySlip)
	r.Register(config.TopicReport, config.KindGenerateAttendanceReport, h.GenerateAttendanceReport)
	return r
}

func decode[T any](payload datatypes.JSON) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("unmarshal %T payload: %w", v, err)
	}
	return v, nil
}

func (h *Handlers) SendEmail(ctx context.Context, payload datatypes.JSON) (any, error) {
	p, err := decode[dto.SendEmailPayload](payload)
	if err != nil {
		return nil, err
	}

	body := p.HTML
	if body == "" {
		if body, err = email.Render(p.Template, p.Context); err != nil {
			return nil, err
		}
	}

	if err := h.Email.Send(ctx, p.To, p.Subject, body); err != nil {
		return nil, fmt.Errorf("send email to %s: %w", p.To, err)
	}
	return map[string]any{"to": p.To, "subject": p.Subject}, nil
}

func (h *Handlers) SendBulkEmail(ctx context.Context, payload datatypes.JSON) (any, error) {
	p, err := decode[dto.SendBulkEmailPayload](payload)
	if err != nil {
		return nil, err
	}

	err = h.fanOut(ctx, p.Recipients, func(ctx context.Context, to string) error {
		return h.Email.Send(ctx, to, p.Subject, p.HTML)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"recipients": len(p.Recipients)}, nil
}

func (h *Handlers) SendSMS(ctx context.Context, payload datatypes.JSON) (any, error) {
	p, err := decode[dto.SendSMSPayload](payload)
	if err != nil {
		return nil, err
	}
	if err := h.SMS.Send(ctx, p.To, p.Message); err != nil {
		return nil, fmt.Errorf("send sms to %s: %w", p.To, err)
	}
	return map[string]any{"to": p.To}, nil
}

func (h *Handlers) SendBulkSMS(ctx context.Context, payload datatypes.JSON) (any, error) {
	p, err := decode[dto.SendBulkSMSPayload](payload)
	if err != nil {
		return nil, err
	}

	err = h.fanOut(ctx, p.Recipients, func(ctx context.Context, to string) error {
		return h.SMS.Send(ctx, to, p.Message)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"recipients": len(p.Recipients)}, nil
}

// fanOut sends to every recipient and waits for all of them. Any failure
// fails the whole job, so a retry sends to every recipient again, including
// those that already succeeded.
func (h *Handlers) fanOut(ctx context.Context, recipients []string, send func(context.Context, string) error) error {
	limit := h.BulkConcurrency
	if limit <= 0 {
		limit = defaultBulkConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)

	// The group is not bound to ctx, so one failure does not cancel the
	// other sends. Wait reports the first error; errs keeps all of them.
	errs := make([]error, len(recipients))
	for i, to := range recipients {
		g.Go(func() error {
			if err := send(ctx, to); err != nil {
				log.Debug().Err(err).Str("to", to).Msg("bulk recipient failed")
				errs[i] = fmt.Errorf("%s: %w", to, err)
				return errs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}

	failed := slices.DeleteFunc(errs, func(err error) bool { return err == nil })
	return fmt.Errorf("%d of %d recipients failed: %w", len(failed), len(recipients), errors.Join(failed...))
}

func (h *Handlers) renderReport(ctx context.Context, kind string, data any) (any, error) {
	path, err := h.Renderer.Render(ctx, kind, data)
	if err != nil {
		return nil, err
	}
	return dto.ReportResult{Path: path}, nil
}

func (h *Handlers) GenerateReportCard(ctx context.Context, payload datatypes.JSON) (any, error) {
	p, err := decode[dto.ReportCardPayload](payload)
	if err != nil {
		return nil, err
	}
	return h.renderReport(ctx, config.KindGenerateReportCard, p)
}

func (h *Handlers) GenerateFeeReceipt(ctx context.Context, payload datatypes.JSON) (any, error) {
	p, err := decode[dto.FeeReceiptPayload](payload)
	if err != nil {
		return nil, err
	}
	return h.renderReport(ctx, config.KindGenerateFeeReceipt, p)
}

func (h *Handlers) GenerateSalarySlip(ctx context.Context, payload datatypes.JSON) (any, error) {
	p, err := decode[dto.SalarySlipPayload](payload)
	if err != nil {
		return nil, err
	}
	return h.renderReport(ctx, config.KindGenerateSalarySlip, p)
}

func (h *Handlers) GenerateAttendanceReport(ctx context.Context, payload datatypes.JSON) (any, error) {
	p, err := decode[dto.AttendanceReportPayload](payload)
	if err != nil {
		return nil, err
	}
	return h.renderReport(ctx, config.KindGenerateAttendanceReport, p)
}
