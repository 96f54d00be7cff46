package autofill

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/form"
	"github.com/spigell/autofill/internal/profile"
	"github.com/spigell/autofill/internal/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAutofillScenario(t *testing.T) {
	p := page(named("first_name"), named("last_name"), named("email"))
	s, _ := newTestSession(p, &recordingMessenger{})

	report := s.Autofill(&profile.Profile{Name: "Ada Lovelace", Email: "ada@x.com"})

	want := []string{"Ada", "Lovelace", "ada@x.com"}
	for i, el := range p.Elements {
		if el.Value() != want[i] {
			t.Fatalf("field %d: expected %q, got %q", i, want[i], el.Value())
		}
		if el.CurrentMark() != form.MarkFilled {
			t.Fatalf("field %d: expected filled mark", i)
		}
		events := el.Events()
		if len(events) != 2 || events[0] != form.EventInput || events[1] != form.EventChange {
			t.Fatalf("field %d: unexpected events %v", i, events)
		}
	}

	if len(report) != 3 || report[2].Field != "email" || report[2].Value != "ada@x.com" || report[2].Status != StatusFilled {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestAutofillEmailWithNamePlaceholder(t *testing.T) {
	email := named("email")
	email.InputType = "email"
	email.Placeholder = "name@example.com"
	p := page(email)
	s, _ := newTestSession(p, &recordingMessenger{})

	s.Autofill(&profile.Profile{Name: "Ada Lovelace", Email: "ada@x.com"})

	if got := p.Elements[0].Value(); got != "ada@x.com" {
		t.Fatalf("email field filled with %q", got)
	}
}

func TestAutofillEmailLeftUntouchedWhenProfileEmpty(t *testing.T) {
	p := page(named("email"))
	p.Elements[0].SetValue("typed@by.user")
	s, _ := newTestSession(p, &recordingMessenger{})

	report := s.Autofill(&profile.Profile{Name: "Ada"})

	if got := p.Elements[0].Value(); got != "typed@by.user" {
		t.Fatalf("expected field untouched, got %q", got)
	}
	if len(report) != 0 {
		t.Fatalf("expected no report entries, got %+v", report)
	}
}

func TestAutofillJobTitleCursor(t *testing.T) {
	p := page(field(form.Text, "Job Title"), field(form.Text, "Job Title"), field(form.Text, "Job Title"))
	s, _ := newTestSession(p, &recordingMessenger{})

	prof := &profile.Profile{WorkExperience: []profile.WorkExperience{{JobTitle: "Engineer"}, {JobTitle: "Lead"}}}

	for run := 0; run < 2; run++ {
		report := s.Autofill(prof)
		if p.Elements[0].Value() != "Engineer" || p.Elements[1].Value() != "Lead" {
			t.Fatalf("run %d: unexpected values %q, %q", run, p.Elements[0].Value(), p.Elements[1].Value())
		}
		if p.Elements[2].Value() != "" {
			t.Fatalf("run %d: third field must be skipped", run)
		}
		if len(report) != 2 {
			t.Fatalf("run %d: expected two report entries, got %d", run, len(report))
		}
	}
}

func TestAutofillUnmatchedDropdownKeepsCursor(t *testing.T) {
	p := &form.StaticPage{Elements: []*form.Element{
		form.NewElement(field(form.Select, "Job Title"),
			form.Option{Value: "pm", Text: "Product Manager"},
		),
		form.NewElement(field(form.Text, "Job Title")),
	}}
	s, _ := newTestSession(p, &recordingMessenger{})

	report := s.Autofill(&profile.Profile{WorkExperience: []profile.WorkExperience{{JobTitle: "Engineer"}, {JobTitle: "Lead"}}})

	if p.Elements[0].Selected() != -1 {
		t.Fatalf("dropdown without a match must stay unchanged")
	}
	if got := p.Elements[1].Value(); got != "Engineer" {
		t.Fatalf("expected the first job title to be reused, got %q", got)
	}
	if len(report) != 2 || report[0].Status != StatusNoOption || report[1].Status != StatusFilled {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestAutofillSkipsHiddenDisabledInvisible(t *testing.T) {
	hidden := named("email")
	hidden.InputType = "hidden"
	disabled := named("email")
	disabled.Enabled = false
	invisible := named("email")
	invisible.Visible = false

	p := page(hidden, disabled, invisible)
	s, _ := newTestSession(p, &recordingMessenger{})
	s.Autofill(&profile.Profile{Email: "ada@x.com"})

	for i, el := range p.Elements {
		if el.Value() != "" {
			t.Fatalf("field %d must be skipped", i)
		}
	}
}

func TestAutofillBypassesFrameworkOverride(t *testing.T) {
	p := page(named("email"))
	var intercepted []string
	p.Elements[0].Intercept(func(v string) { intercepted = append(intercepted, v) })

	s, _ := newTestSession(p, &recordingMessenger{})
	s.Autofill(&profile.Profile{Email: "ada@x.com"})

	if p.Elements[0].Value() != "ada@x.com" {
		t.Fatalf("expected native setter to write the value")
	}
	if len(intercepted) != 0 {
		t.Fatalf("framework override must be bypassed")
	}
}

func TestAutofillDropdown(t *testing.T) {
	p := &form.StaticPage{Elements: []*form.Element{
		form.NewElement(field(form.Select, "Country"),
			form.Option{Value: "", Text: "Choose"},
			form.Option{Value: "uk", Text: "United Kingdom"},
		),
		form.NewElement(field(form.Select, "Location"),
			form.Option{Value: "mars", Text: "Mars"},
		),
	}}
	s, _ := newTestSession(p, &recordingMessenger{})

	report := s.Autofill(&profile.Profile{Location: "London, United Kingdom"})

	if p.Elements[0].Selected() != 1 || p.Elements[0].Value() != "uk" {
		t.Fatalf("expected United Kingdom selected, got %d", p.Elements[0].Selected())
	}
	if p.Elements[1].Selected() != -1 {
		t.Fatalf("dropdown without a match must stay unchanged")
	}
	if len(report) != 2 || report[1].Status != StatusNoOption {
		t.Fatalf("expected no option status, got %+v", report)
	}
}

func TestAutofillReportTruncatesLongValues(t *testing.T) {
	p := page(field(form.Text, "Location"))
	s, _ := newTestSession(p, &recordingMessenger{})

	long := strings.Repeat("a", 60)
	report := s.Autofill(&profile.Profile{Location: long})

	if len(report) != 1 || report[0].Value != strings.Repeat("a", 47)+"..." {
		t.Fatalf("unexpected report %+v", report)
	}
	if p.Elements[0].Value() != long {
		t.Fatalf("field must receive the full value")
	}
}

func TestQueueProcessesInPageOrder(t *testing.T) {
	p := page(field(form.TextArea, "A"), field(form.TextArea, "B"), field(form.TextArea, "C"))
	m := &recordingMessenger{}
	s, _ := newTestSession(p, m)

	var activeAtSend []form.Control
	m.onSend = func(protocol.Message) { activeAtSend = append(activeAtSend, s.Active()) }

	report := s.Autofill(&profile.Profile{})
	if len(report) != 3 || report[0].Field != "A (Queued)" || report[0].Value != "Queued..." {
		t.Fatalf("unexpected report %+v", report)
	}

	for i, want := range []string{"A", "B", "C"} {
		msg := m.last()
		if msg.Action != protocol.ActionGenerate || msg.Question != want {
			t.Fatalf("step %d: expected generation for %s, got %+v", i, want, msg)
		}
		if s.Phase() != Processing {
			t.Fatalf("step %d: expected processing", i)
		}
		s.Handle(protocol.Message{Action: protocol.ActionStreamChunk, ID: msg.ID, Chunk: "answer "})
		s.Handle(protocol.Message{Action: protocol.ActionStreamChunk, ID: msg.ID, Chunk: want})
		s.Handle(protocol.Message{Action: protocol.ActionStreamComplete, ID: msg.ID})
	}

	if len(m.messages()) != 3 {
		t.Fatalf("expected three generations, got %d", len(m.messages()))
	}
	for i, el := range p.Elements {
		if activeAtSend[i] != form.Control(el) {
			t.Fatalf("generation %d was not bound to its own field", i)
		}
		want := "answer " + []string{"A", "B", "C"}[i]
		if el.Value() != want {
			t.Fatalf("field %d: expected %q, got %q", i, want, el.Value())
		}
		if el.CurrentMark() != form.MarkFilled {
			t.Fatalf("field %d: expected filled mark", i)
		}
		events := el.Events()
		if len(events) != 3 || events[2] != form.EventChange {
			t.Fatalf("field %d: unexpected events %v", i, events)
		}
	}
	if s.Phase() != Idle || s.Active() != nil || !s.Settled() {
		t.Fatalf("expected idle settled session")
	}
}

func TestGeneratedAnswerSelectsDropdownOption(t *testing.T) {
	gender := form.NewElement(field(form.Select, "Gender"),
		form.Option{Value: "", Text: "Select..."},
		form.Option{Value: "m", Text: "Male"},
		form.Option{Value: "f", Text: "Female"},
	)
	veteran := form.NewElement(field(form.Select, "Veteran status"),
		form.Option{Value: "", Text: "Select..."},
		form.Option{Value: "no", Text: "I am not a veteran"},
	)
	p := &form.StaticPage{Elements: []*form.Element{gender, veteran}}
	m := &recordingMessenger{}
	s, _ := newTestSession(p, m)

	s.Autofill(&profile.Profile{})

	id := m.last().ID
	s.Handle(protocol.Message{Action: protocol.ActionStreamChunk, ID: id, Chunk: "Fem"})
	if gender.Value() != "" || len(gender.Events()) != 0 {
		t.Fatalf("chunks must not be written into a dropdown, got value %q", gender.Value())
	}
	s.Handle(protocol.Message{Action: protocol.ActionStreamChunk, ID: id, Chunk: "ale"})
	s.Handle(protocol.Message{Action: protocol.ActionStreamComplete, ID: id})

	if gender.Selected() != 2 || gender.Value() != "f" || gender.CurrentMark() != form.MarkFilled {
		t.Fatalf("expected Female selected, got index %d value %q mark %q", gender.Selected(), gender.Value(), gender.CurrentMark())
	}

	id = m.last().ID
	s.Handle(protocol.Message{Action: protocol.ActionStreamChunk, ID: id, Chunk: "Prefer not to say"})
	s.Handle(protocol.Message{Action: protocol.ActionStreamComplete, ID: id})

	if veteran.Selected() != -1 || veteran.CurrentMark() != form.MarkError {
		t.Fatalf("unmatched answer must leave the dropdown unselected and marked, got index %d mark %q", veteran.Selected(), veteran.CurrentMark())
	}
	if veteran.Placeholder() != "Error: "+StatusNoOption {
		t.Fatalf("unexpected placeholder %q", veteran.Placeholder())
	}
	if s.Phase() != Idle || !s.Settled() {
		t.Fatalf("queue must move past an unmatched dropdown")
	}
}

func TestQueueWaitsForDelayBetweenItems(t *testing.T) {
	p := page(field(form.TextArea, "A"), field(form.TextArea, "B"))
	m := &recordingMessenger{}
	s, sched := newTestSession(p, m, WithDelay(250*time.Millisecond))

	s.Autofill(&profile.Profile{})
	s.Handle(protocol.Message{Action: protocol.ActionStreamComplete, ID: m.last().ID})

	if len(sched.delays) != 1 || sched.delays[0] != 250*time.Millisecond {
		t.Fatalf("expected one delayed step, got %v", sched.delays)
	}
}

func TestStaleMessagesAreIgnored(t *testing.T) {
	p := page(field(form.TextArea, "A"))
	m := &recordingMessenger{}
	s, _ := newTestSession(p, m)

	s.Autofill(&profile.Profile{})
	id := m.last().ID

	s.Handle(protocol.Message{Action: protocol.ActionStreamChunk, ID: "other", Chunk: "nope"})
	s.Handle(protocol.Message{Action: protocol.ActionStreamComplete, ID: "other"})
	if p.Elements[0].Value() != "" || s.Active() == nil {
		t.Fatalf("stale messages must not touch the active field")
	}

	s.Handle(protocol.Message{Action: protocol.ActionStreamComplete, ID: id})
	s.Handle(protocol.Message{Action: protocol.ActionStreamChunk, ID: id, Chunk: "late"})
	if p.Elements[0].Value() != "" {
		t.Fatalf("chunks after completion must be dropped")
	}
}

func TestQueueClearsActiveFieldAndSkipsFilledOnes(t *testing.T) {
	p := page(field(form.TextArea, "A"), field(form.TextArea, "B"))
	p.Elements[1].SetValue("already answered")
	m := &recordingMessenger{}
	s, _ := newTestSession(p, m)

	s.Autofill(&profile.Profile{})

	if len(m.messages()) != 1 || s.Pending() != 0 {
		t.Fatalf("field with a value must not be queued")
	}
	if p.Elements[0].CurrentMark() != form.MarkPending || p.Elements[0].Placeholder() != placeholderThinking {
		t.Fatalf("active field must be marked pending")
	}
}

func TestRescanDoesNotQueueTrackedFields(t *testing.T) {
	p := page(field(form.TextArea, "A"), field(form.TextArea, "B"))
	m := &recordingMessenger{}
	s, _ := newTestSession(p, m)

	s.Autofill(&profile.Profile{})
	s.Autofill(&profile.Profile{})

	if len(m.messages()) != 1 {
		t.Fatalf("expected a single generation in flight, got %d", len(m.messages()))
	}
	if s.Pending() != 1 {
		t.Fatalf("expected B queued once, got %d", s.Pending())
	}
	if p.Elements[0].CurrentMark() != form.MarkPending {
		t.Fatalf("rescan must not restyle the active field")
	}
}

func TestNonExhaustionErrorAdvances(t *testing.T) {
	p := page(field(form.TextArea, "A"), field(form.TextArea, "B"))
	m := &recordingMessenger{}
	s, _ := newTestSession(p, m)

	s.Autofill(&profile.Profile{})
	s.Handle(protocol.Message{Action: protocol.ActionStreamError, ID: m.last().ID, Error: "network down"})

	if p.Elements[0].CurrentMark() != form.MarkError || p.Elements[0].Placeholder() != "Error: network down" {
		t.Fatalf("expected error indicator on A")
	}
	if m.last().Question != "B" {
		t.Fatalf("expected queue to advance to B, got %+v", m.last())
	}
	if s.Halted() {
		t.Fatalf("queue must not halt on a recoverable error")
	}
}

func TestHaltOnErrorStopsQueue(t *testing.T) {
	p := page(field(form.TextArea, "A"), field(form.TextArea, "B"))
	m := &recordingMessenger{}
	s, _ := newTestSession(p, m, WithHaltOnError(true))

	s.Autofill(&profile.Profile{})
	s.Handle(protocol.Message{Action: protocol.ActionStreamError, ID: m.last().ID, Error: "network down"})

	if len(m.messages()) != 1 || !s.Halted() || s.Pending() != 1 {
		t.Fatalf("expected halted queue with B pending")
	}
	if !s.Settled() {
		t.Fatalf("halted queue must count as settled")
	}

	s.Resume()
	if m.last().Question != "B" {
		t.Fatalf("expected resume to start B")
	}
}

func TestTransportErrorMarksFieldAndContinues(t *testing.T) {
	p := page(field(form.TextArea, "A"), field(form.TextArea, "B"))
	m := &recordingMessenger{err: errors.New("channel closed")}
	s, _ := newTestSession(p, m)

	s.Autofill(&profile.Profile{})

	if len(m.messages()) != 2 {
		t.Fatalf("expected both items attempted, got %d", len(m.messages()))
	}
	for i, el := range p.Elements {
		if el.CurrentMark() != form.MarkError || el.Placeholder() != "Error: channel closed" {
			t.Fatalf("field %d: expected transport error indicator", i)
		}
	}
	if !s.Settled() {
		t.Fatalf("expected settled session")
	}
}

type fakeRecoverer struct {
	mu      sync.Mutex
	reasons []string
	saved   bool
	err     error
}

func (f *fakeRecoverer) Recover(_ context.Context, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return f.saved, f.err
}

func TestExhaustionHaltsAndRecoveryResumesWithNextItem(t *testing.T) {
	p := page(field(form.TextArea, "A"), field(form.TextArea, "B"))
	m := &recordingMessenger{}
	rec := &fakeRecoverer{saved: true}
	s, _ := newTestSession(p, m, WithRecoverer(rec))

	s.Autofill(&profile.Profile{})
	first := m.last()
	s.Handle(protocol.Message{Action: protocol.ActionStreamError, ID: first.ID, Error: ai.ErrExhausted.Error()})

	if p.Elements[0].CurrentMark() != form.MarkError || p.Elements[0].Placeholder() != placeholderLimit {
		t.Fatalf("expected limit indicator on A")
	}
	if len(rec.reasons) != 1 || rec.reasons[0] != ai.ErrExhausted.Error() {
		t.Fatalf("expected recovery to be triggered once, got %v", rec.reasons)
	}

	msgs := m.messages()
	if len(msgs) != 2 || msgs[1].Question != "B" {
		t.Fatalf("expected resume with B and no retry of A, got %+v", msgs)
	}
	if s.Halted() {
		t.Fatalf("expected halt lifted after recovery")
	}
}

func TestExhaustionWithoutSavedKeyStaysHalted(t *testing.T) {
	p := page(field(form.TextArea, "A"), field(form.TextArea, "B"))
	m := &recordingMessenger{}
	s, _ := newTestSession(p, m, WithRecoverer(&fakeRecoverer{}))

	s.Autofill(&profile.Profile{})
	s.Handle(protocol.Message{Action: protocol.ActionStreamError, ID: m.last().ID, Error: "No API keys available"})

	if len(m.messages()) != 1 || !s.Halted() || !s.Settled() {
		t.Fatalf("expected halted settled queue")
	}

	// A fresh scan is an explicit decision to continue.
	s.Autofill(&profile.Profile{})
	if m.last().Question != "B" {
		t.Fatalf("expected rescan to continue with B")
	}
}

func TestExhaustionIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	p := page(field(form.TextArea, "A"))
	m := &recordingMessenger{}
	s, _ := newTestSession(p, m, WithLogger(zap.New(core)))

	s.Autofill(&profile.Profile{})
	s.Handle(protocol.Message{Action: protocol.ActionStreamError, ID: m.last().ID, Error: "quota exceeded"})

	entries := logs.FilterMessage("AI capacity exhausted, queue halted").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["session_id"] != s.ID() {
		t.Fatalf("expected session id field, got %v", entries[0].ContextMap())
	}
}

func TestHandleAutofillDecodesPayload(t *testing.T) {
	p := page(named("full_name"), named("phone"))
	s, _ := newTestSession(p, &recordingMessenger{})

	data, _ := json.Marshal(map[string]any{"full_name": "Ada Lovelace", "phone_number": "123"})
	resp := s.Handle(protocol.Message{Action: protocol.ActionAutofill, Data: data})

	if !resp.Success || len(resp.Report) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if p.Elements[0].Value() != "Ada Lovelace" || p.Elements[1].Value() != "123" {
		t.Fatalf("unexpected values %q %q", p.Elements[0].Value(), p.Elements[1].Value())
	}
}

func TestHandleRejectsBadInput(t *testing.T) {
	s, _ := newTestSession(page(), &recordingMessenger{})

	if resp := s.Handle(protocol.Message{Action: protocol.ActionAutofill, Data: json.RawMessage(`[1,2]`)}); resp.Success || resp.Error == "" {
		t.Fatalf("expected failure for malformed payload, got %+v", resp)
	}
	if resp := s.Handle(protocol.Message{Action: "dance"}); resp.Success {
		t.Fatalf("expected failure for unknown action")
	}
}

func TestWaitWithRealScheduler(t *testing.T) {
	p := page(field(form.TextArea, "A"), field(form.TextArea, "B"))
	m := &recordingMessenger{}
	s := NewSession(p, m, WithDelay(time.Millisecond))
	defer s.Close()

	m.onSend = func(msg protocol.Message) {
		go func() {
			s.Handle(protocol.Message{Action: protocol.ActionStreamChunk, ID: msg.ID, Chunk: "ok"})
			s.Handle(protocol.Message{Action: protocol.ActionStreamComplete, ID: msg.ID})
		}()
	}

	s.Autofill(&profile.Profile{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("session did not settle: %v", err)
	}
	for i, el := range p.Elements {
		if el.Value() != "ok" {
			t.Fatalf("field %d: expected ok, got %q", i, el.Value())
		}
	}
}
