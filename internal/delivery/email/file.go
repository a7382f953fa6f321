package email

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// FileTransport writes each message to dir as an HTML body plus a JSON
// metadata file. Used in development and tests.
type FileTransport struct {
	dir string
	seq atomic.Uint64
}

func NewFileTransport(dir string) *FileTransport {
	return &FileTransport{dir: dir}
}

type messageMetadata struct {
	Timestamp string `json:"timestamp"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
}

func (t *FileTransport) Send(ctx context.Context, to, subject, body string) error {
	if err := validateParams(to, subject); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create outbox: %v", ErrFailedToSend, err)
	}

	now := time.Now()
	base := fmt.Sprintf("%s_%04d_%s", now.Format("2006_01_02_150405"), t.seq.Add(1)%10000, sanitizeFilename(to))

	if err := os.WriteFile(filepath.Join(t.dir, base+".html"), []byte(body), 0o644); err != nil {
		return fmt.Errorf("%w: write body: %v", ErrFailedToSend, err)
	}

	meta, err := json.MarshalIndent(messageMetadata{
		Timestamp: now.Format(time.RFC3339),
		To:        to,
		Subject:   subject,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", ErrFailedToSend, err)
	}
	if err := os.WriteFile(filepath.Join(t.dir, base+".json"), meta, 0o644); err != nil {
		return fmt.Errorf("%w: write metadata: %v", ErrFailedToSend, err)
	}
	return nil
}

var sanitizeRegex = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

func sanitizeFilename(s string) string {
	s = sanitizeRegex.ReplaceAllString(strings.ReplaceAll(s, "@", "_at_"), "")
	if len(s) > 100 {
		s = s[:100]
	}
	if s == "" {
		s = "email"
	}
	return strings.ToLower(s)
}
