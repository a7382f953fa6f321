package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

type postmarkClient interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

type PostmarkTransport struct {
	client  postmarkClient
	from    string
	replyTo string
}

func NewPostmarkTransport(cfg Config) (*PostmarkTransport, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: POSTMARK_SERVER_TOKEN is required", ErrInvalidConfig)
	}
	if !emailRegex.MatchString(cfg.SenderEmail) {
		return nil, fmt.Errorf("%w: EMAIL_SENDER must be a valid email address", ErrInvalidConfig)
	}
	if cfg.ReplyTo != "" && !emailRegex.MatchString(cfg.ReplyTo) {
		return nil, fmt.Errorf("%w: EMAIL_REPLY_TO must be a valid email address", ErrInvalidConfig)
	}

	return &PostmarkTransport{
		client:  postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		from:    cfg.SenderEmail,
		replyTo: cfg.ReplyTo,
	}, nil
}

func (t *PostmarkTransport) Send(ctx context.Context, to, subject, body string) error {
	if err := validateParams(to, subject); err != nil {
		return err
	}

	resp, err := t.client.SendEmail(ctx, postmark.Email{
		From:       t.from,
		ReplyTo:    t.replyTo,
		To:         to,
		Subject:    subject,
		HTMLBody:   body,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrFailedToSend,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}
