package notification

import (
	"fmt"
	"strings"
	"sync"
)

const (
	TemplateAlert      = "critical-value-alert"
	TemplateEscalation = "critical-value-escalation"
)

// Template defines a reusable notification template.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

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
			ID:      TemplateAlert,
			Name:    "Critical Value Alert",
			Subject: "[{{priority}}] Critical {{test_name}} for patient {{patient_id}}",
			Body: "Critical value detected: {{test_name}} = {{value}} {{units}} ({{severity}}) for patient {{patient_id}} (MRN {{mrn}}). " +
				"Detected {{detected_at}}. Acknowledge before {{deadline}}. Ref {{critical_value_id}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateEscalation,
			Name:    "Critical Value Escalation",
			Subject: "ESCALATION: unacknowledged {{test_name}}",
			Body: "ESCALATION: {{test_name}} = {{value}} {{units}} for patient {{patient_id}} not acknowledged within {{window}}. " +
				"Detected {{detected_at}}. Ref {{critical_value_id}}.",
			Channel: ChannelSMS,
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

// Lookup returns a copy of the template with id.
func (e *TemplateEngine) Lookup(id string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[id]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Lookup(templateID)
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
