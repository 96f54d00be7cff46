package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/credential"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type call struct {
	model string
	key   string
}

// providerScript answers attempts: a missing entry streams "hello".
type providerScript struct {
	mu       sync.Mutex
	calls    []call
	openErr  map[call]error
	firstErr map[call]error
}

func (p *providerScript) factory(_ context.Context, cred credential.Credential) (ai.Generator, error) {
	return &fakeGenerator{script: p, key: cred.Key}, nil
}

func (p *providerScript) attempts() []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call(nil), p.calls...)
}

type fakeGenerator struct {
	script *providerScript
	key    string
}

func (f *fakeGenerator) Stream(_ context.Context, model, _ string) (ai.Stream, error) {
	c := call{model: model, key: f.key}

	f.script.mu.Lock()
	f.script.calls = append(f.script.calls, c)
	openErr, firstErr := f.script.openErr[c], f.script.firstErr[c]
	f.script.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}
	if firstErr != nil {
		return &ai.SliceStream{Err: firstErr}, nil
	}
	return &ai.SliceStream{Chunks: []string{"hel", "lo"}}, nil
}

type fakeStore struct {
	mu     sync.Mutex
	stored []credential.Credential
	saved  []credential.Credential
}

func (f *fakeStore) UserCredentials(context.Context, string) ([]credential.Credential, error) {
	return f.stored, nil
}

func (f *fakeStore) SaveUserCredential(_ context.Context, _ string, cred credential.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, cred)
	return nil
}

type fakeLimiter struct {
	allowed bool
	reset   time.Time
	calls   int
	key     string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, time.Time, error) {
	f.calls++
	f.key = key
	return f.allowed, f.reset, nil
}

func status(code int) error {
	return &ai.StatusError{Provider: "test", Code: code, Err: errors.New(http.StatusText(code))}
}

func geminiModels(names ...string) []Model {
	out := make([]Model, 0, len(names))
	for _, n := range names {
		out = append(out, Model{Name: n, Provider: credential.Gemini})
	}
	return out
}

func newGateway(t *testing.T, cfg Config, script *providerScript, store CredentialStore, limiter Limiter) *Gateway {
	t.Helper()
	g, err := New(cfg, store, limiter, script.factory, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func TestFallbackOrderUntilExhausted(t *testing.T) {
	script := &providerScript{firstErr: map[call]error{
		{"m1", "AIza1"}: status(429),
		{"m1", "AIza2"}: status(503),
		{"m2", "AIza1"}: status(404),
		{"m2", "AIza2"}: status(429),
	}}
	g := newGateway(t, Config{Models: geminiModels("m1", "m2"), Pool: []string{"AIza1", "AIza2"}}, script, nil, nil)

	_, _, err := g.Generate(context.Background(), Request{UserID: "u1", Prompt: "p"})
	if !errors.Is(err, ai.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	want := []call{{"m1", "AIza1"}, {"m1", "AIza2"}, {"m2", "AIza1"}, {"m2", "AIza2"}}
	got := script.attempts()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if !ai.IsExhaustedMessage(err.Error()) {
		t.Fatalf("exhaustion error must carry the recovery marker: %q", err.Error())
	}
}

func TestFatalShortCircuits(t *testing.T) {
	script := &providerScript{openErr: map[call]error{{"m1", "AIza1"}: status(401)}}
	g := newGateway(t, Config{Models: geminiModels("m1", "m2"), Pool: []string{"AIza1", "AIza2"}}, script, nil, nil)

	_, attempt, err := g.Generate(context.Background(), Request{UserID: "u1", Prompt: "p"})

	var statusErr *ai.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 401 {
		t.Fatalf("expected the 401 to surface unmodified, got %v", err)
	}
	if errors.Is(err, ai.ErrExhausted) {
		t.Fatalf("fatal error must not be reported as exhaustion")
	}
	if got := script.attempts(); len(got) != 1 {
		t.Fatalf("expected a single attempt, got %v", got)
	}
	if attempt.Model != "m1" || attempt.Source != credential.SourcePool {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
}

func TestSuccessAfterRetryableFailure(t *testing.T) {
	script := &providerScript{firstErr: map[call]error{{"m1", "AIza1"}: status(503)}}
	g := newGateway(t, Config{Models: geminiModels("m1"), Pool: []string{"AIza1", "AIza2"}}, script, nil, nil)

	stream, attempt, err := g.Generate(context.Background(), Request{UserID: "u1", Prompt: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	answer, err := ai.Collect(stream)
	if err != nil || answer != "hello" {
		t.Fatalf("expected full answer including the prefetched chunk, got %q/%v", answer, err)
	}
	if attempt.Model != "m1" || attempt.Provider != credential.Gemini {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
	if got := script.attempts(); len(got) != 2 || got[1].key != "AIza2" {
		t.Fatalf("unexpected attempts %v", got)
	}
}

func TestEmptyStreamIsSuccess(t *testing.T) {
	g, err := New(Config{Models: geminiModels("m1"), Pool: []string{"AIza1"}}, nil, nil,
		func(context.Context, credential.Credential) (ai.Generator, error) {
			return generatorFunc(func() ai.Stream { return &ai.SliceStream{} }), nil
		}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream, _, err := g.Generate(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	answer, err := ai.Collect(stream)
	if err != nil || answer != "" {
		t.Fatalf("expected empty answer, got %q/%v", answer, err)
	}
}

type generatorFunc func() ai.Stream

func (f generatorFunc) Stream(context.Context, string, string) (ai.Stream, error) { return f(), nil }

func TestModelsOnlyPairWithTheirProvider(t *testing.T) {
	script := &providerScript{}
	models := []Model{{Name: "g1", Provider: credential.Gemini}, {Name: "o1", Provider: credential.OpenAI}}
	g := newGateway(t, Config{Models: models}, script, &fakeStore{}, nil)

	_, attempt, err := g.Generate(context.Background(), Request{
		UserID: "u1",
		Prompt: "p",
		Keys:   map[credential.Kind]string{credential.OpenAI: "sk-user"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := script.attempts(); len(got) != 1 || got[0] != (call{"o1", "sk-user"}) {
		t.Fatalf("expected only the OpenAI model to be tried, got %v", got)
	}
	if attempt.Source != credential.SourceRequest {
		t.Fatalf("unexpected source %s", attempt.Source)
	}
}

func TestCredentialPrecedence(t *testing.T) {
	script := &providerScript{firstErr: map[call]error{
		{"m1", "AIzaRequest"}: status(429),
		{"m1", "AIzaStored"}:  status(429),
	}}
	store := &fakeStore{stored: []credential.Credential{{Kind: credential.Gemini, Key: "AIzaStored"}}}
	limiter := &fakeLimiter{}
	g := newGateway(t, Config{Models: geminiModels("m1"), Pool: []string{"AIzaPool"}}, script, store, limiter)

	_, _, err := g.Generate(context.Background(), Request{
		UserID: "u1",
		Prompt: "p",
		Keys:   map[credential.Kind]string{credential.Gemini: "AIzaRequest"},
	})
	if !errors.Is(err, ai.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	got := script.attempts()
	if len(got) != 2 || got[0].key != "AIzaRequest" || got[1].key != "AIzaStored" {
		t.Fatalf("expected request key then stored key and never the pool, got %v", got)
	}
	if limiter.calls != 0 {
		t.Fatalf("user-owned keys must bypass the limiter")
	}
	if len(store.saved) != 1 || store.saved[0].Key != "AIzaRequest" {
		t.Fatalf("expected the request key to be persisted, got %v", store.saved)
	}
}

func TestInvalidRequestKeyIsIgnored(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	script := &providerScript{}
	store := &fakeStore{}
	limiter := &fakeLimiter{allowed: true}
	g, err := New(Config{Models: geminiModels("m1"), Pool: []string{"AIzaPool"}}, store, limiter, script.factory, zap.New(core))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, attempt, err := g.Generate(context.Background(), Request{
		UserID: "u1",
		Prompt: "p",
		Keys:   map[credential.Kind]string{credential.Gemini: "sk-not-gemini"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt.Source != credential.SourcePool {
		t.Fatalf("expected pool to be used, got %s", attempt.Source)
	}
	if len(store.saved) != 0 {
		t.Fatalf("invalid key must not be stored")
	}
	if limiter.calls != 1 || limiter.key != "generate:u1" {
		t.Fatalf("pool requests must be limited per user, got %d calls for %q", limiter.calls, limiter.key)
	}
	if logs.FilterMessage("ignoring request key with wrong prefix").Len() != 1 {
		t.Fatalf("expected a warning about the ignored key")
	}
}

func TestStoredKeyWithWrongPrefixIsSkipped(t *testing.T) {
	script := &providerScript{}
	store := &fakeStore{stored: []credential.Credential{{Kind: credential.Gemini, Key: "garbage"}}}
	g := newGateway(t, Config{Models: geminiModels("m1"), Pool: []string{"AIzaPool"}}, script, store, &fakeLimiter{allowed: true})

	_, attempt, err := g.Generate(context.Background(), Request{UserID: "u1", Prompt: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt.Source != credential.SourcePool {
		t.Fatalf("expected fall back to the pool, got %s", attempt.Source)
	}
}

func TestRateLimited(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	script := &providerScript{}
	g := newGateway(t, Config{Models: geminiModels("m1"), Pool: []string{"AIzaPool"}}, script, nil, &fakeLimiter{reset: reset})

	_, _, err := g.Generate(context.Background(), Request{UserID: "u1", Prompt: "p"})

	var limited *RateLimitError
	if !errors.As(err, &limited) || !limited.Reset.Equal(reset) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected sentinel match")
	}
	if !ai.IsExhaustedMessage(err.Error()) {
		t.Fatalf("rate limit message must trigger recovery: %q", err.Error())
	}
	if len(script.attempts()) != 0 {
		t.Fatalf("no attempt may run when limited")
	}
}

func TestNoCredentials(t *testing.T) {
	g := newGateway(t, Config{Models: geminiModels("m1")}, &providerScript{}, nil, nil)

	_, _, err := g.Generate(context.Background(), Request{UserID: "u1", Prompt: "p"})
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected no credentials, got %v", err)
	}
	if !ai.IsExhaustedMessage(err.Error()) {
		t.Fatalf("missing keys must trigger recovery")
	}
}

func TestNoModelForCredentials(t *testing.T) {
	g := newGateway(t, Config{Models: geminiModels("m1")}, &providerScript{}, &fakeStore{}, nil)

	_, _, err := g.Generate(context.Background(), Request{
		UserID: "u1",
		Prompt: "p",
		Keys:   map[credential.Kind]string{credential.OpenAI: "sk-user"},
	})
	if !errors.Is(err, ai.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	script := &providerScript{}

	if _, err := New(Config{Pool: []string{"bogus"}}, nil, nil, script.factory, nil); !errors.Is(err, credential.ErrUnknownKind) {
		t.Fatalf("expected pool key validation, got %v", err)
	}
	if _, err := New(Config{Models: []Model{{Name: "x", Provider: "claude"}}}, nil, nil, script.factory, nil); err == nil {
		t.Fatalf("expected provider validation")
	}
	if _, err := New(Config{}, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected factory to be required")
	}

	g, err := New(Config{}, nil, nil, script.factory, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.models) != len(DefaultModels()) || g.limit != DefaultLimit || g.window != DefaultWindow {
		t.Fatalf("expected defaults, got %d models, limit %d, window %s", len(g.models), g.limit, g.window)
	}
}

func TestCachingFactory(t *testing.T) {
	builds := 0
	factory := CachingFactory(func(context.Context, credential.Credential) (ai.Generator, error) {
		builds++
		return generatorFunc(func() ai.Stream { return &ai.SliceStream{} }), nil
	})

	a := credential.Credential{Kind: credential.Gemini, Key: "AIza1"}
	b := credential.Credential{Kind: credential.Gemini, Key: "AIza2"}
	for _, cred := range []credential.Credential{a, a, b, a} {
		if _, err := factory(context.Background(), cred); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if builds != 2 {
		t.Fatalf("expected two builds, got %d", builds)
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	prompt := BuildPrompt(PromptInput{
		Resume:   "Go developer",
		Question: "Why us?",
		Knowledge: []KnowledgeEntry{
			{Key: "Why Google?", Value: "I love search"},
		},
	})

	for _, want := range []string{
		"You are Candidate.",
		defaultPageContext,
		`"Go developer"`,
		`Question: "Why us?"`,
		"Your Past Answers (User Memory)",
		`- Question: "Why Google?"`,
		`Answer: "I love search"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected %q in prompt:\n%s", want, prompt)
		}
	}

	plain := BuildPrompt(PromptInput{Name: "Ada", PageContext: "Acme", Question: "{{NAME}}"})
	if strings.Contains(plain, "Your Past Answers (User Memory):") || strings.Contains(plain, "- Question:") {
		t.Fatalf("knowledge block must be omitted when empty")
	}
	if !strings.Contains(plain, `Question: "{{NAME}}"`) {
		t.Fatalf("question text must not be expanded")
	}
}

func TestAttemptsPlan(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{Models: DefaultModels()}, &providerScript{}, nil, nil)
	creds := []credential.Credential{
		{Kind: credential.Gemini, Key: "AIza1", Source: credential.SourceRequest},
		{Kind: credential.OpenAI, Key: "sk-1", Source: credential.SourceStored},
		{Kind: credential.Gemini, Key: "AIza2", Source: credential.SourceStored},
	}

	plan := g.Attempts(creds)

	want := []Attempt{
		{Model: "gemini-2.0-flash", Provider: credential.Gemini, Source: credential.SourceRequest},
		{Model: "gemini-2.0-flash", Provider: credential.Gemini, Source: credential.SourceStored},
		{Model: "gpt-4o-mini", Provider: credential.OpenAI, Source: credential.SourceStored},
		{Model: "gemini-2.5-flash", Provider: credential.Gemini, Source: credential.SourceRequest},
		{Model: "gemini-2.5-flash", Provider: credential.Gemini, Source: credential.SourceStored},
		{Model: "gpt-4o", Provider: credential.OpenAI, Source: credential.SourceStored},
	}
	if len(plan) != len(want) {
		t.Fatalf("expected %d attempts, got %d", len(want), len(plan))
	}
	for i := range want {
		if plan[i].Attempt != want[i] {
			t.Fatalf("attempt %d: expected %+v, got %+v", i, want[i], plan[i].Attempt)
		}
	}
}
