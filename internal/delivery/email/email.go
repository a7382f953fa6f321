// Package email delivers transactional mail for the email topic handlers.
package email

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrFailedToSend  = errors.New("failed to send email")
	ErrInvalidConfig = errors.New("invalid email config")
	ErrInvalidParams = errors.New("invalid email params")
)

const (
	DriverPostmark = "postmark"
	DriverDev      = "dev"
)

type Config struct {
	Driver               string `env:"EMAIL_DRIVER,default=dev"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"EMAIL_SENDER,default=no-reply@school.local"`
	ReplyTo              string `env:"EMAIL_REPLY_TO"`
	OutboxDir            string `env:"EMAIL_OUTBOX_DIR,default=var/outbox"`
}

// Transport sends one message to one recipient.
type Transport interface {
	Send(ctx context.Context, to, subject, body string) error
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func validateParams(to, subject string) error {
	if strings.TrimSpace(to) == "" || !emailRegex.MatchString(to) {
		return fmt.Errorf("%w: invalid recipient %q", ErrInvalidParams, to)
	}
	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidParams)
	}
	return nil
}

// NewTransport builds the transport selected by cfg.Driver.
func NewTransport(cfg Config) (Transport, error) {
	switch cfg.Driver {
	case DriverPostmark:
		return NewPostmarkTransport(cfg)
	case DriverDev, "":
		return NewFileTransport(cfg.OutboxDir), nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}
