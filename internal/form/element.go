package form

import (
	"sync"
)

// Element is an in-memory Control. It backs pages parsed from HTML and is the
// control used in tests.
type Element struct {
	mu          sync.Mutex
	desc        FieldDescriptor
	value       string
	options     []Option
	selected    int
	mark        Mark
	placeholder string
	events      []EventType
	intercept   func(string)
}

// NewElement creates a control from its descriptor. The descriptor's Value is
// the initial value.
func NewElement(desc FieldDescriptor, options ...Option) *Element {
	return &Element{
		desc:        desc,
		value:       desc.Value,
		options:     options,
		selected:    -1,
		placeholder: desc.Placeholder,
	}
}

// Descriptor returns the attributes captured at construction time with the
// current value filled in.
func (e *Element) Descriptor() FieldDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.desc
	d.Value = e.value
	return d
}

func (e *Element) Value() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// Intercept installs an instance-level value override, the way reactive UI
// frameworks wrap an input's value property. Assign goes through it, SetValue
// does not.
func (e *Element) Intercept(fn func(string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intercept = fn
}

// Assign is a plain property assignment and is subject to Intercept.
func (e *Element) Assign(value string) {
	e.mu.Lock()
	fn := e.intercept
	if fn == nil {
		e.value = value
	}
	e.mu.Unlock()
	if fn != nil {
		fn(value)
	}
}

func (e *Element) SetValue(value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
}

func (e *Element) Dispatch(event EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

// Events returns the synthetic events dispatched so far.
func (e *Element) Events() []EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EventType(nil), e.events...)
}

func (e *Element) Options() []Option {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Option(nil), e.options...)
}

func (e *Element) SelectIndex(i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.options) {
		return
	}
	e.selected = i
	e.value = e.options[i].Value
}

// Selected is the index of the selected option or -1.
func (e *Element) Selected() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

func (e *Element) Mark(mark Mark) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mark = mark
}

// CurrentMark is the last cosmetic state applied.
func (e *Element) CurrentMark() Mark {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mark
}

func (e *Element) SetPlaceholder(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placeholder = text
}

func (e *Element) Placeholder() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placeholder
}

// StaticPage is a Page over a fixed list of controls.
type StaticPage struct {
	Elements []*Element
	Body     string
}

func (p *StaticPage) Controls() []Control {
	controls := make([]Control, 0, len(p.Elements))
	for _, el := range p.Elements {
		controls = append(controls, el)
	}
	return controls
}

func (p *StaticPage) Text() string { return p.Body }

// FieldValue is one entry of a page snapshot.
type FieldValue struct {
	Field string `json:"field"`
	Name  string `json:"name,omitempty"`
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Mark  Mark   `json:"mark,omitempty"`
}

// Snapshot reports the current value of every control.
func (p *StaticPage) Snapshot() []FieldValue {
	out := make([]FieldValue, 0, len(p.Elements))
	for _, el := range p.Elements {
		d := el.Descriptor()
		out = append(out, FieldValue{
			Field: d.DisplayName(),
			Name:  d.Name,
			ID:    d.ID,
			Value: d.Value,
			Mark:  el.CurrentMark(),
		})
	}
	return out
}
