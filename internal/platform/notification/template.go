// Package notification turns committed scheduling events into outbound
// messages. Events are queued by a Dispatcher and handed to Sinks on a
// background worker so that no request waits on SMTP or Redis.
package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template defines a reusable message template. Placeholders use {{key}}.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

const (
	TemplateBooked      = "appointment-booked"
	TemplateConfirmed   = "appointment-confirmed"
	TemplateCancelled   = "appointment-cancelled"
	TemplateRescheduled = "appointment-rescheduled"
)

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateBooked,
			Name:    "Appointment Booked",
			Subject: "Appointment requested for {{date}} at {{start}}",
			Body: "An appointment for {{subject_id}} with {{therapist_id}} has been requested on {{date}} " +
				"from {{start}} to {{end}} ({{type}}). It is pending confirmation by the therapist.",
		},
		{
			ID:      TemplateConfirmed,
			Name:    "Appointment Confirmed",
			Subject: "Appointment confirmed for {{date}} at {{start}}",
			Body: "The appointment for {{subject_id}} with {{therapist_id}} on {{date}} from {{start}} to {{end}} " +
				"is confirmed.{{meeting_line}}",
		},
		{
			ID:      TemplateCancelled,
			Name:    "Appointment Cancelled",
			Subject: "Appointment on {{date}} at {{start}} cancelled",
			Body: "The appointment for {{subject_id}} with {{therapist_id}} on {{date}} from {{start}} to {{end}} " +
				"has been cancelled.{{reason_line}}",
		},
		{
			ID:      TemplateRescheduled,
			Name:    "Appointment Rescheduled",
			Subject: "Appointment moved to {{date}} at {{start}}",
			Body: "The appointment for {{subject_id}} on {{previous_date}} at {{previous_start}} has been moved to " +
				"{{date}} from {{start}} to {{end}} with {{therapist_id}}. It is pending confirmation by the therapist.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
