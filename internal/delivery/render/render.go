// Package render produces report documents for the report topic handlers.
// Output is deterministic: the same kind and data always map to the same file,
// so a retried job overwrites its earlier artifact.
package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
)

//go:embed templates/*.html
var templateFS embed.FS

var ErrUnknownKind = errors.New("no template for report kind")

type Config struct {
	OutputDir string `env:"REPORT_OUTPUT_DIR,default=var/reports"`
}

// Renderer turns report data into a document and returns its location.
type Renderer interface {
	Render(ctx context.Context, kind string, data any) (string, error)
}

type FileRenderer struct {
	dir       string
	templates *template.Template
}

func NewFileRenderer(cfg Config) (*FileRenderer, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"label": label,
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse report templates: %w", err)
	}
	return &FileRenderer{dir: cfg.OutputDir, templates: tmpl}, nil
}

// Render writes the document for kind to OutputDir and returns its path.
func (r *FileRenderer) Render(ctx context.Context, kind string, data any) (string, error) {
	t := r.templates.Lookup(kind + ".html")
	if t == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	canonical, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode report data: %w", err)
	}
	// Normalise to generic maps so templates see the same shape whatever
	// concrete type the caller passed.
	var view any
	if err := json.Unmarshal(canonical, &view); err != nil {
		return "", fmt.Errorf("decode report data: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render %s: %w", kind, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(append([]byte(kind+"\x00"), canonical...))
	path := filepath.Join(r.dir, kind, hex.EncodeToString(sum[:8])+".html")
	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return "", fmt.Errorf("write %s: %w", kind, err)
	}
	return path, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".render-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// label turns a snake_case key into a heading.
func label(key string) string {
	b := []byte(key)
	upper := true
	for i, c := range b {
		switch {
		case c == '_' || c == '-':
			b[i] = ' '
			upper = true
		case upper && c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
			upper = false
		default:
			upper = false
		}
	}
	return string(b)
}
