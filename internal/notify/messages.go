package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/mohans/coursenotify/asyncx"
)

// Message is a rendered notification ready for a Messenger.
type Message struct {
	ChatID int64
	Text   string
}

var funcs = template.FuncMap{
	"when": func(t time.Time) string { return t.UTC().Format("Mon 02 Jan 2006, 15:04 MST") },
}

var templates = template.Must(template.New("notify").Funcs(funcs).Parse(`
{{- define "notify.enrollment" -}}
You are enrolled in {{.CourseName}}. We will remind you an hour before each class.
{{- end -}}
{{- define "notify.unenrollment" -}}
You have been unenrolled from {{.CourseName}}.
{{- end -}}
{{- define "notify.schedule_change" -}}
Schedule change for {{.CourseName}}: the class now starts {{when .StartsAt}}
{{- with .Location}} in {{.}}{{end}}.
{{- end -}}
{{- define "notify.class_reminder" -}}
Reminder: {{.CourseName}} starts in one hour ({{when .StartsAt}}).
{{- end -}}
`))

// Render decodes a job payload and produces the message it should send.
// Errors wrap ErrInvalidPayload; retrying them cannot help.
func Render(kind asyncx.Kind, raw []byte) (Message, error) {
	p, known, err := Decode(kind, raw)
	if err != nil {
		return Message{}, err
	}
	if !known {
		return Message{}, fmt.Errorf("%w: %s has no message template", ErrInvalidPayload, kind)
	}
	var chatID int64
	switch v := p.(type) {
	case *EnrollmentPayload:
		chatID = v.ChatID
	case *UnenrollmentPayload:
		chatID = v.ChatID
	case *ScheduleChangePayload:
		chatID = v.ChatID
	case *ClassReminderPayload:
		chatID = v.ChatID
	case *MessagePayload:
		return Message{ChatID: v.ChatID, Text: v.Text}, nil
	default:
		return Message{}, fmt.Errorf("%w: %s has no message template", ErrInvalidPayload, kind)
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(kind), p); err != nil {
		return Message{}, fmt.Errorf("%w: render %s: %v", ErrInvalidPayload, kind, err)
	}
	text := strings.TrimSpace(buf.String())
	if r := []rune(text); len(r) > MaxMessageLength {
		text = string(r[:MaxMessageLength])
	}
	return Message{ChatID: chatID, Text: text}, nil
}
