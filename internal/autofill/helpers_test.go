package autofill

import (
	"sync"
	"time"

	"github.com/spigell/autofill/internal/form"
	"github.com/spigell/autofill/internal/protocol"
)

func field(control form.ControlType, label string) form.FieldDescriptor {
	return form.FieldDescriptor{Control: control, Label: label, Enabled: true, Visible: true}
}

func named(name string) form.FieldDescriptor {
	return form.FieldDescriptor{Control: form.Text, Name: name, Enabled: true, Visible: true}
}

func page(descs ...form.FieldDescriptor) *form.StaticPage {
	p := &form.StaticPage{Body: "Acme Corp is hiring a Go engineer."}
	for _, d := range descs {
		p.Elements = append(p.Elements, form.NewElement(d))
	}
	return p
}

type recordingMessenger struct {
	mu     sync.Mutex
	sent   []protocol.Message
	err    error
	onSend func(protocol.Message)
}

func (m *recordingMessenger) Send(msg protocol.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	hook, err := m.onSend, m.err
	m.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return err
}

func (m *recordingMessenger) messages() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.sent...)
}

func (m *recordingMessenger) last() protocol.Message {
	msgs := m.messages()
	if len(msgs) == 0 {
		return protocol.Message{}
	}
	return msgs[len(msgs)-1]
}

// immediate runs scheduled steps synchronously and records their delays.
type immediate struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (i *immediate) after(d time.Duration, fn func()) {
	i.mu.Lock()
	i.delays = append(i.delays, d)
	i.mu.Unlock()
	fn()
}

func syncSpawn(fn func()) { fn() }

func newTestSession(p form.Page, m Messenger, opts ...Option) (*Session, *immediate) {
	sched := &immediate{}
	base := []Option{WithScheduler(sched.after), WithSpawn(syncSpawn)}
	return NewSession(p, m, append(base, opts...)...), sched
}
