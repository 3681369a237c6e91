package dispatch

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/invitehq/courier/internal/domain"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// templateIDs are the message templates shipped with the service. The core
// treats the record's template field as opaque; rendering happens here, at
// the sender boundary.
var templateIDs = []string{"invitation_approved", "invitation_reminder"}

var channelNames = []string{"email", "sms", "push", "chat"}

// Renderer renders messages from embedded templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer creates a renderer and parses all embedded templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"upper":      strings.ToUpper,
		"lower":      strings.ToLower,
		"formatTime": formatTime,
	}

	r := &Renderer{templates: make(map[string]*template.Template)}

	for _, channel := range channelNames {
		for _, id := range templateIDs {
			name := fmt.Sprintf("%s_%s", channel, id)
			filename := fmt.Sprintf("templates/%s.tmpl", name)

			content, err := templatesFS.ReadFile(filename)
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", filename, err)
			}

			tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
			if err != nil {
				return nil, fmt.Errorf("parse template %s: %w", name, err)
			}

			r.templates[name] = tmpl
		}
	}

	return r, nil
}

// Render renders the record's template for the given channel. An unknown
// template is a permanent failure: retrying cannot fix the payload.
func (r *Renderer) Render(ch domain.Channel, templateID string, data map[string]any) (subject, body string, err error) {
	name := fmt.Sprintf("%s_%s", ch, templateID)
	tmpl, ok := r.templates[name]
	if !ok {
		return "", "", NewNonRetryableError(fmt.Errorf("template not found: %s", name))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", NewNonRetryableError(fmt.Errorf("execute template %s: %w", name, err))
	}

	return r.renderSubject(templateID, data), strings.TrimSpace(buf.String()), nil
}

// renderSubject generates the subject line for channels that carry one.
func (r *Renderer) renderSubject(templateID string, data map[string]any) string {
	org, _ := data["organization"].(string)
	if org == "" {
		org = "Courier"
	}

	switch templateID {
	case "invitation_approved":
		return fmt.Sprintf("[%s] Your invitation has been approved", org)
	case "invitation_reminder":
		return fmt.Sprintf("[%s] Reminder: your invitation is waiting", org)
	default:
		return fmt.Sprintf("[%s] Notification", org)
	}
}

func formatTime(v any) string {
	t, ok := v.(time.Time)
	if !ok {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}
