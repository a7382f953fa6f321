// Package sms delivers text messages for the sms topic handlers.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrFailedToSend  = errors.New("failed to send sms")
	ErrInvalidConfig = errors.New("invalid sms config")
)

const (
	DriverHTTP = "http"
	DriverLog  = "log"
)

type Config struct {
	Driver     string        `env:"SMS_DRIVER,default=log"`
	GatewayURL string        `env:"SMS_GATEWAY_URL"`
	APIKey     string        `env:"SMS_API_KEY"`
	SenderID   string        `env:"SMS_SENDER_ID,default=SCHOOL"`
	Timeout    time.Duration `env:"SMS_TIMEOUT,default=10s"`
}

// Transport sends one message to one E.164 number.
type Transport interface {
	Send(ctx context.Context, to, message string) error
}

func NewTransport(cfg Config) (Transport, error) {
	switch cfg.Driver {
	case DriverHTTP:
		return NewGateway(cfg, nil)
	case DriverLog, "":
		return LogTransport{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// Gateway posts messages as JSON to an HTTP SMS provider.
type Gateway struct {
	url      string
	apiKey   string
	senderID string
	client   *http.Client
}

// NewGateway returns a gateway client. A nil httpClient gets one with
// cfg.Timeout.
func NewGateway(cfg Config, httpClient *http.Client) (*Gateway, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("%w: SMS_GATEWAY_URL is required", ErrInvalidConfig)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Gateway{
		url:      cfg.GatewayURL,
		apiKey:   cfg.APIKey,
		senderID: cfg.SenderID,
		client:   httpClient,
	}, nil
}

type gatewayRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

func (g *Gateway) Send(ctx context.Context, to, message string) error {
	body, err := json.Marshal(gatewayRequest{To: to, From: g.senderID, Message: message})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToSend, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToSend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: gateway returned %d: %s", ErrFailedToSend, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogTransport only logs messages.
type LogTransport struct{}

func (LogTransport) Send(ctx context.Context, to, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log.Info().Str("to", to).Int("length", len(message)).Msg("sms sent (log transport)")
	return nil
}
