package email

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

var ErrUnknownTemplate = errors.New("unknown email template")

// Render executes the named embedded template (welcome, fee-reminder,
// generic) with data.
func Render(name string, data map[string]any) (string, error) {
	t := templates.Lookup(name + ".html")
	if t == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	if data == nil {
		data = map[string]any{}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render email template %s: %w", name, err)
	}
	return buf.String(), nil
}
