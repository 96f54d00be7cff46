// Package autofill fills job application forms: it classifies controls,
// resolves what it can from the profile and feeds the rest, one field at a
// time, to the answer generator.
package autofill

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/form"
	"github.com/spigell/autofill/internal/logger"
	"github.com/spigell/autofill/internal/profile"
	"github.com/spigell/autofill/internal/protocol"
	"github.com/spigell/autofill/internal/utils"
	"go.uber.org/zap"
)

const (
	defaultDelay = 500 * time.Millisecond
	settlePoll   = 10 * time.Millisecond
	maxLogLength = 120

	placeholderThinking = "AI thinking..."
	placeholderLimit    = "Limit reached. Add key."
)

// Phase is the state of the generation queue.
type Phase int

const (
	Idle Phase = iota
	Processing
)

func (p Phase) String() string {
	if p == Processing {
		return "processing"
	}
	return "idle"
}

// Messenger delivers messages to the background side.
type Messenger interface {
	Send(msg protocol.Message) error
}

// Recoverer asks the user for a replacement credential after the AI capacity
// is exhausted. It reports whether a credential was saved.
type Recoverer interface {
	Recover(ctx context.Context, reason string) (bool, error)
}

// QueueItem is a field waiting for a generated answer. It references the live
// control and never copies its state.
type QueueItem struct {
	ID      string
	Control form.Control
	Prompt  string
	Context string
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = logger.OrNop(l) }
}

// WithDelay sets the pause between two generations.
func WithDelay(d time.Duration) Option {
	return func(s *Session) { s.delay = d }
}

// WithScheduler replaces time.AfterFunc for delayed queue steps.
func WithScheduler(after func(time.Duration, func())) Option {
	return func(s *Session) { s.after = after }
}

// WithSpawn replaces the goroutine used to run recovery.
func WithSpawn(spawn func(func())) Option {
	return func(s *Session) { s.spawn = spawn }
}

// WithHaltOnError stops the queue after any generation error, not only after
// exhaustion.
func WithHaltOnError(halt bool) Option {
	return func(s *Session) { s.haltOnError = halt }
}

func WithRecoverer(r Recoverer) Option {
	return func(s *Session) { s.recoverer = r }
}

func WithClassifier(c *Classifier) Option {
	return func(s *Session) { s.classifier = c }
}

// Session is one autofill run over a page. It owns the generation queue and
// guarantees that at most one field is bound to a stream at a time.
type Session struct {
	id          string
	page        form.Page
	messenger   Messenger
	classifier  *Classifier
	recoverer   Recoverer
	logger      *zap.Logger
	delay       time.Duration
	after       func(time.Duration, func())
	spawn       func(func())
	haltOnError bool

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	phase      Phase
	queue      []QueueItem
	active     *QueueItem
	consumer   *StreamConsumer
	halted     bool
	recovering bool
	scheduled  int
}

func NewSession(page form.Page, messenger Messenger, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         uuid.NewString(),
		page:       page,
		messenger:  messenger,
		classifier: NewClassifier(),
		logger:     zap.NewNop(),
		delay:      defaultDelay,
		after:      func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		spawn:      func(fn func()) { go fn() },
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String(logger.FieldSession, s.id))
	return s
}

func (s *Session) ID() string { return s.id }

// Close stops scheduled queue steps. In-flight streams are ignored afterwards.
func (s *Session) Close() {
	s.cancel()
}

// Handle routes a message from the page or the background side.
func (s *Session) Handle(msg protocol.Message) protocol.Response {
	switch msg.Action {
	case protocol.ActionAutofill:
		p, err := decodeProfile(msg.Data)
		if err != nil {
			s.logger.Warn("autofill payload rejected", zap.Error(err))
			return protocol.Failure(err)
		}
		return protocol.Response{Success: true, Report: s.Autofill(p)}
	case protocol.ActionStreamChunk:
		s.chunk(msg.ID, msg.Chunk)
	case protocol.ActionStreamComplete:
		s.complete(msg.ID)
	case protocol.ActionStreamError:
		s.fail(msg.ID, msg.Error)
	default:
		return protocol.Failure(fmt.Errorf("unsupported action %q", msg.Action))
	}
	return protocol.Response{Success: true}
}

func decodeProfile(data json.RawMessage) (*profile.Profile, error) {
	raw := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode profile payload: %w", err)
		}
	}
	return profile.Decode(raw)
}

// Autofill scans the page: deterministic fields are filled at once and the
// rest are queued for generation in page order. Cursors start over on every
// scan.
func (s *Session) Autofill(p *profile.Profile) []protocol.ReportEntry {
	var (
		report  []protocol.ReportEntry
		items   []QueueItem
		cursors Cursors
	)

	text := s.page.Text()
	for _, control := range s.page.Controls() {
		d := control.Descriptor()
		if d.Skippable() {
			continue
		}

		category := s.classifier.Classify(d)
		if category == NoMatch {
			s.logger.Debug("no rule matched", zap.String("field", d.DisplayName()))
			continue
		}

		// A dropdown without a matching option must not use up a list entry,
		// so cursor moves are committed only after the fill.
		next := cursors
		res := Resolve(category, d, p, &next, text)
		switch res.Kind {
		case Filled:
			entry := s.fill(control, d, res.Value)
			if entry.Status == StatusFilled {
				cursors = next
			}
			report = append(report, entry)
		case Generate:
			if d.Value != "" || s.tracked(control) {
				continue
			}
			mark, placeholder := pendingLook(category)
			control.Mark(mark)
			control.SetPlaceholder(placeholder)
			items = append(items, QueueItem{ID: uuid.NewString(), Control: control, Prompt: res.Prompt, Context: res.Context})
			report = append(report, queuedEntry(category, d))
		}
	}

	s.logger.Info("page scanned", zap.Int("reported", len(report)), zap.Int("queued", len(items)))

	s.mu.Lock()
	s.halted = false
	s.mu.Unlock()

	s.Enqueue(items...)
	return report
}

func (s *Session) fill(control form.Control, d form.FieldDescriptor, value string) protocol.ReportEntry {
	entry := filledEntry(d, value)

	if d.Control == form.Select {
		i, err := BestOption(control.Options(), value)
		if err != nil {
			s.logger.Debug("dropdown left unchanged", zap.String("field", entry.Field), zap.Error(err))
			entry.Status = StatusNoOption
			return entry
		}
		control.SelectIndex(i)
		control.Dispatch(form.EventChange)
		control.Dispatch(form.EventInput)
		control.Mark(form.MarkFilled)
		return entry
	}

	control.SetValue(value)
	control.Dispatch(form.EventInput)
	control.Dispatch(form.EventChange)
	control.Mark(form.MarkFilled)
	return entry
}

// Enqueue appends items in order and starts the queue if it is idle. Controls
// that are already queued or active are not queued twice.
func (s *Session) Enqueue(items ...QueueItem) {
	s.mu.Lock()
	for _, item := range items {
		if item.Control == nil || s.trackedLocked(item.Control) {
			continue
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		s.queue = append(s.queue, item)
	}
	s.mu.Unlock()

	s.advance(false)
}

// Resume lifts a halt and continues with the next queued item.
func (s *Session) Resume() {
	s.mu.Lock()
	s.halted = false
	s.mu.Unlock()

	s.logger.Info("queue resumed")
	s.schedule()
}

func (s *Session) advance(scheduled bool) {
	s.mu.Lock()
	if scheduled {
		s.scheduled--
	}
	if s.ctx.Err() != nil || s.phase == Processing || s.halted || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	s.phase = Processing
	s.active = &item
	s.consumer = NewStreamConsumer(item.Control)
	s.mu.Unlock()

	if item.Control.Descriptor().Control != form.Select {
		item.Control.SetValue("")
	}
	item.Control.Mark(form.MarkPending)
	item.Control.SetPlaceholder(placeholderThinking)

	s.logger.Debug("generation started",
		zap.String("item_id", item.ID),
		zap.String("prompt_preview", utils.TruncateForLog(item.Prompt, maxLogLength)),
	)

	err := s.messenger.Send(protocol.Message{
		Action:   protocol.ActionGenerate,
		ID:       item.ID,
		Question: item.Prompt,
		Context:  item.Context,
	})
	if err != nil {
		s.fail(item.ID, err.Error())
	}
}

func (s *Session) schedule() {
	s.mu.Lock()
	s.scheduled++
	s.mu.Unlock()

	s.after(s.delay, func() { s.advance(true) })
}

func (s *Session) chunk(id, text string) {
	s.mu.Lock()
	var consumer *StreamConsumer
	if s.isActiveLocked(id) {
		consumer = s.consumer
	}
	s.mu.Unlock()

	if consumer == nil {
		s.logger.Debug("stale chunk dropped", zap.String("item_id", id))
		return
	}
	consumer.Append(text)
}

func (s *Session) complete(id string) {
	s.mu.Lock()
	item, consumer := s.releaseLocked(id)
	s.mu.Unlock()

	if item == nil {
		return
	}

	if err := consumer.Complete(); err != nil {
		item.Control.SetPlaceholder("Error: " + StatusNoOption)
		s.logger.Warn("generated answer left dropdown unchanged",
			zap.String("item_id", item.ID),
			zap.String("status", StatusNoOption),
			zap.Error(err),
		)
	} else {
		s.logger.Debug("generation completed", zap.String("item_id", item.ID))
	}
	s.schedule()
}

// fail handles a generation error for the active item. Exhaustion halts the
// queue and asks for a credential; other errors move on to the next item
// unless the session halts on errors.
func (s *Session) fail(id, message string) {
	exhausted := ai.IsExhaustedMessage(message)

	s.mu.Lock()
	item, _ := s.releaseLocked(id)
	if item != nil {
		if exhausted || s.haltOnError {
			s.halted = true
		}
		if exhausted && s.recoverer != nil {
			s.recovering = true
		}
	}
	s.mu.Unlock()

	if item == nil {
		return
	}

	item.Control.Mark(form.MarkError)

	if exhausted {
		item.Control.SetPlaceholder(placeholderLimit)
		s.logger.Warn("AI capacity exhausted, queue halted", zap.String("item_id", item.ID), zap.String("error", message))
		if s.recoverer != nil {
			s.spawn(func() { s.recover(message) })
		}
		return
	}

	item.Control.SetPlaceholder("Error: " + message)
	s.logger.Warn("generation failed", zap.String("item_id", item.ID), zap.String("error", message))
	if s.haltOnError {
		return
	}
	s.schedule()
}

func (s *Session) recover(reason string) {
	saved, err := s.recoverer.Recover(s.ctx, reason)

	s.mu.Lock()
	s.recovering = false
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("credential recovery failed", zap.Error(err))
		return
	}
	if !saved {
		s.logger.Info("credential recovery dismissed")
		return
	}
	s.Resume()
}

func (s *Session) isActiveLocked(id string) bool {
	return s.active != nil && (id == "" || id == s.active.ID)
}

func (s *Session) releaseLocked(id string) (*QueueItem, *StreamConsumer) {
	if !s.isActiveLocked(id) {
		return nil, nil
	}
	item, consumer := s.active, s.consumer
	s.active = nil
	s.consumer = nil
	s.phase = Idle
	return item, consumer
}

func (s *Session) tracked(control form.Control) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackedLocked(control)
}

func (s *Session) trackedLocked(control form.Control) bool {
	if s.active != nil && s.active.Control == control {
		return true
	}
	for _, item := range s.queue {
		if item.Control == control {
			return true
		}
	}
	return false
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Active returns the control bound to the running stream, if any.
func (s *Session) Active() form.Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.Control
}

// Pending is the number of items still waiting in the queue.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Settled reports whether the session has nothing left to do on its own: no
// active stream, no scheduled step, no recovery in progress and either an
// empty or a halted queue.
func (s *Session) Settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == nil && s.scheduled == 0 && !s.recovering && (len(s.queue) == 0 || s.halted)
}

// Wait blocks until the session settles or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	for !s.Settled() {
		if err := utils.WaitFor(ctx, settlePoll); err != nil {
			return err
		}
	}
	return nil
}
