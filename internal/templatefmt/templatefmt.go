package templatefmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"text/template"
	"time"
)

// DefaultMessageTemplate renders alert text for chat transports.
const DefaultMessageTemplate = `<b>[{{ .Channel }}]</b> {{ escape .Content }}{{ if .Node }}
<i>via {{ escape .Node }} at {{ fmtTime .SentAt }}</i>{{ end }}`

// MessageView is data passed to message templates.
// Params: message id, origin node, channel, content, and send timestamp.
// Returns: template payload.
type MessageView struct {
	MessageID string
	Node      string
	Channel   string
	Content   string
	SentAt    time.Time
}

// FuncMap returns shared message template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtTime": FormatTime,
		"json":    MarshalJSON,
		"escape":  html.EscapeString,
	}
}

// ParseMessageTemplate parses one message template with shared helpers.
// Params: template name and body (empty body selects DefaultMessageTemplate).
// Returns: compiled template or parse error.
func ParseMessageTemplate(name, body string) (*template.Template, error) {
	if body == "" {
		body = DefaultMessageTemplate
	}
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// Render executes template against view.
// Params: compiled template and message view.
// Returns: rendered text or execution error.
func Render(tmpl *template.Template, view MessageView) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render template %q: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// FormatTime renders timestamp as UTC clock time.
// Params: template value expected as time.Time or *time.Time.
// Returns: HH:MM:SSZ string, or "-" for zero/unknown values.
func FormatTime(value any) string {
	var ts time.Time
	switch typed := value.(type) {
	case time.Time:
		ts = typed
	case *time.Time:
		if typed == nil {
			return "-"
		}
		ts = *typed
	default:
		return "-"
	}
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format("15:04:05Z")
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
