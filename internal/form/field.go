// Package form models the controls of a job application page: the read-only
// descriptor the classifier inspects and the live control the engine writes to.
package form

import "strings"

// ControlType is the coarse kind of a form control.
type ControlType string

const (
	Text     ControlType = "text"
	TextArea ControlType = "textarea"
	Select   ControlType = "select"
	Other    ControlType = "other"
)

// FieldDescriptor is a snapshot of a control's attributes taken during a scan.
type FieldDescriptor struct {
	Control      ControlType `json:"control"`
	InputType    string      `json:"type,omitempty"`
	Name         string      `json:"name,omitempty"`
	ID           string      `json:"id,omitempty"`
	Placeholder  string      `json:"placeholder,omitempty"`
	Label        string      `json:"label,omitempty"`
	Autocomplete string      `json:"autocomplete,omitempty"`
	AutomationID string      `json:"automation_id,omitempty"`
	TestID       string      `json:"test_id,omitempty"`
	Value        string      `json:"value,omitempty"`
	Enabled      bool        `json:"enabled"`
	Visible      bool        `json:"visible"`
}

// Haystack is the lowercased text the classifier matches keywords against.
// Separators in machine names are also spelled out as spaces so that
// "first_name" matches "first name".
func (d FieldDescriptor) Haystack() string {
	parts := []string{d.Name, d.ID, d.Placeholder, d.Label, d.AutomationID, d.TestID}
	joined := strings.ToLower(strings.Join(parts, " \x00 "))
	spaced := strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(joined)
	if spaced == joined {
		return joined
	}
	return joined + " \x00 " + spaced
}

// DisplayName is the human-facing name of the field used in reports.
func (d FieldDescriptor) DisplayName() string {
	for _, candidate := range []string{d.Label, d.Placeholder, d.Name, d.ID} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	return ""
}

// Skippable reports whether a scan must leave the control alone entirely.
func (d FieldDescriptor) Skippable() bool {
	return strings.EqualFold(d.InputType, "hidden") || !d.Enabled || !d.Visible
}

// Option is one entry of a select control.
type Option struct {
	Value string `json:"value"`
	Text  string `json:"text"`
}

// EventType is a synthetic DOM event raised after a value change.
type EventType string

const (
	EventInput  EventType = "input"
	EventChange EventType = "change"
)

// Mark is the cosmetic state of a control.
type Mark string

const (
	MarkNone    Mark = ""
	MarkFilled  Mark = "filled"
	MarkQueued  Mark = "queued"
	MarkPending Mark = "pending"
	MarkError   Mark = "error"
)

// Control is a live form control. Implementations are owned by the page; the
// engine only keeps references to them.
type Control interface {
	Descriptor() FieldDescriptor
	Value() string
	// SetValue writes through the element's own value setter, bypassing any
	// instance-level override installed by a UI framework.
	SetValue(value string)
	Dispatch(event EventType)
	Options() []Option
	SelectIndex(i int)
	Mark(mark Mark)
	SetPlaceholder(text string)
}

// Page is the set of controls visible to one scan plus the page text used as
// generation context.
type Page interface {
	Controls() []Control
	Text() string
}
