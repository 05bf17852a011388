package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template renders a user-facing message for one event type.
type Template struct {
	Type  EventType `json:"type"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
}

// TemplateEngine renders {{key}} placeholders from event attributes.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[EventType]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[EventType]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			Type:  EventClarifyImageRequested,
			Title: "Please upload a clearer image",
			Body:  "We could not read your document reliably (confidence {{confidence}}). Please upload a clearer image.",
		},
		{
			Type:  EventDocumentUnreadable,
			Title: "No medical information found",
			Body:  "We could not find any medications, diagnoses, lab results or instructions in your document.",
		},
		{
			Type:  EventDocumentCommitted,
			Title: "Your document is ready",
			Body:  "Your document was processed: {{medications}} medication(s) and {{entities}} item(s) in total.",
		},
		{
			Type:  EventSevereInteractionDetected,
			Title: "Severe interaction detected",
			Body:  "A severe interaction was found with {{count}} of your medications. Consult your healthcare provider.",
		},
		{
			Type:  EventInteractionCheckIncomplete,
			Title: "Interaction check incomplete",
			Body:  "We could not check {{unresolved}} medication pair(s). We will not assume they are safe together.",
		},
		{
			Type:  EventDoseMissed,
			Title: "Missed dose",
			Body:  "You missed a dose scheduled for {{scheduled_at}}.",
		},
		{
			Type:  EventAdherenceLow,
			Title: "Adherence is low",
			Body:  "Your adherence over the last period is {{rate}}%.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.Type] = &t
	}
}

// RegisterTemplate adds or replaces the template for t.Type.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Type] = &t
}

// Render fills the template for typ. Unknown keys are left as-is.
func (e *TemplateEngine) Render(typ EventType, data map[string]string) (title, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[typ]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template for %q not found", typ)
	}
	title, body = t.Title, t.Body
	for k, v := range data {
		ph := "{{" + k + "}}"
		title = strings.ReplaceAll(title, ph, v)
		body = strings.ReplaceAll(body, ph, v)
	}
	return title, body, nil
}

// RenderEvent renders e with its own attributes.
func (e *TemplateEngine) RenderEvent(ev Event) (string, string, error) {
	return e.Render(ev.Type, ev.Attributes)
}
