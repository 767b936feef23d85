package convo

import (
	"strings"
	"time"
)

// SepStyle controls how messages are joined into a single prompt string.
type SepStyle int

const (
	// SepSingle joins every message with Sep.
	SepSingle SepStyle = iota
	// SepTwo alternates Sep after user messages and Sep2 after assistant messages.
	SepTwo
)

type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Pending bool     `json:"pending,omitempty"`
	Images  []string `json:"images,omitempty"`
}

// Template holds role-tagged history plus the rendering rules that linearize
// it into one prompt string for a backend family. Pure data, no I/O.
type Template struct {
	Name         string
	System       string
	Roles        [2]string
	Messages     []Message
	Offset       int
	Style        SepStyle
	Sep          string
	Sep2         string
	StopStr      []string
	StopTokenIDs []int
}

func (t *Template) Append(role, content string) {
	t.Messages = append(t.Messages, Message{Role: role, Content: content})
}

// AppendPending appends the assistant placeholder that streaming fills in.
func (t *Template) AppendPending(role string) {
	t.Messages = append(t.Messages, Message{Role: role, Pending: true})
}

// UpdateLast replaces the content of the most recent message. Setting content
// on a pending message keeps it pending until FinalizeLast is called, so a
// mid-stream partial is distinguishable from a finished turn.
func (t *Template) UpdateLast(content string) {
	if len(t.Messages) == 0 {
		return
	}
	t.Messages[len(t.Messages)-1].Content = content
}

// ClearLast resets the most recent message back to the pending state.
func (t *Template) ClearLast() {
	if len(t.Messages) == 0 {
		return
	}
	last := &t.Messages[len(t.Messages)-1]
	last.Content = ""
	last.Pending = true
}

func (t *Template) FinalizeLast(content string) {
	if len(t.Messages) == 0 {
		return
	}
	last := &t.Messages[len(t.Messages)-1]
	last.Content = content
	last.Pending = false
}

func (t *Template) Last() (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// AttachImages stores image refs on the most recent user message.
func (t *Template) AttachImages(refs []string) {
	if len(t.Messages) == 0 || len(refs) == 0 {
		return
	}
	last := &t.Messages[len(t.Messages)-1]
	last.Images = append(last.Images, refs...)
}

// Prompt renders system prompt and all messages from Offset onward. A pending
// message contributes only its role stub so the backend continues from there.
// Safe to call repeatedly while streaming; never mutates the template.
func (t *Template) Prompt() string {
	var b strings.Builder
	if t.System != "" {
		b.WriteString(t.System)
		b.WriteString(t.Sep)
	}
	for i := t.Offset; i < len(t.Messages); i++ {
		m := t.Messages[i]
		if m.Pending {
			b.WriteString(m.Role)
			b.WriteString(":")
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		if t.Style == SepTwo && (i-t.Offset)%2 == 1 {
			b.WriteString(t.Sep2)
		} else {
			b.WriteString(t.Sep)
		}
	}
	return b.String()
}

// Images collects image refs from all user messages, conversation order.
func (t *Template) Images() []string {
	var out []string
	for _, m := range t.Messages {
		if m.Role == t.Roles[0] {
			out = append(out, m.Images...)
		}
	}
	return out
}

// Turns counts completed user/assistant pairs past the frozen offset.
func (t *Template) Turns() int {
	return (len(t.Messages) - t.Offset) / 2
}

func (t *Template) Clone() *Template {
	c := *t
	c.Messages = make([]Message, len(t.Messages))
	copy(c.Messages, t.Messages)
	c.StopStr = append([]string(nil), t.StopStr...)
	c.StopTokenIDs = append([]int(nil), t.StopTokenIDs...)
	return &c
}

// Snapshot is the JSON form of a template embedded in transcript records.
type Snapshot struct {
	TemplateName string    `json:"template_name"`
	System       string    `json:"system_message"`
	Roles        [2]string `json:"roles"`
	Messages     []Message `json:"messages"`
	Offset       int       `json:"offset"`
}

func (t *Template) Snapshot() Snapshot {
	msgs := make([]Message, len(t.Messages))
	copy(msgs, t.Messages)
	return Snapshot{
		TemplateName: t.Name,
		System:       t.System,
		Roles:        t.Roles,
		Messages:     msgs,
		Offset:       t.Offset,
	}
}

// ExpandDates substitutes the current date into a system prompt template in
// the three supported formats.
func ExpandDates(system string, now time.Time) string {
	system = strings.ReplaceAll(system, "{{currentDateTime}}", now.Format("2006-01-02"))
	system = strings.ReplaceAll(system, "{{currentDateTimev2}}", now.Format("02 Jan 2006"))
	system = strings.ReplaceAll(system, "{{currentDateTimev3}}", now.Format("January 2006"))
	return system
}
