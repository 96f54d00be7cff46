// Package gateway answers generation requests by searching a model by
// credential matrix until one attempt succeeds.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/credential"
	"github.com/spigell/autofill/internal/logger"
	"go.uber.org/zap"
)

const (
	DefaultLimit  = 20
	DefaultWindow = time.Minute
)

var (
	// ErrNoCredentials means neither the user nor the server has a key.
	ErrNoCredentials = errors.New("No API keys available")
	// ErrRateLimited is matched by *RateLimitError.
	ErrRateLimited = errors.New("free AI limit reached")
)

// RateLimitError is returned when the free tier cap is hit.
type RateLimitError struct {
	Reset time.Time
}

func (e *RateLimitError) Error() string {
	return "Free AI limit reached: too many requests, try again later or add your own key"
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Model is a candidate model and the provider serving it.
type Model struct {
	Name     string          `mapstructure:"name"`
	Provider credential.Kind `mapstructure:"provider"`
}

// DefaultModels lists cheap and fast models before capable ones.
func DefaultModels() []Model {
	return []Model{
		{Name: "gemini-2.0-flash", Provider: credential.Gemini},
		{Name: "gpt-4o-mini", Provider: credential.OpenAI},
		{Name: "gemini-2.5-flash", Provider: credential.Gemini},
		{Name: "gpt-4o", Provider: credential.OpenAI},
	}
}

// Factory builds a generator bound to one credential.
type Factory func(ctx context.Context, cred credential.Credential) (ai.Generator, error)

// CredentialStore keeps the keys users brought themselves.
type CredentialStore interface {
	UserCredentials(ctx context.Context, userID string) ([]credential.Credential, error)
	SaveUserCredential(ctx context.Context, userID string, cred credential.Credential) error
}

// Limiter counts requests per key inside a fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time, error)
}

// Request is one generation request.
type Request struct {
	UserID string
	Prompt string
	// Keys are credentials sent along with the request, by declared provider.
	Keys map[credential.Kind]string
}

// Attempt is one model and credential pair of the search.
type Attempt struct {
	Model    string
	Provider credential.Kind
	Source   credential.Source
}

type Config struct {
	Models []Model
	Pool   []string
	Limit  int
	Window time.Duration
}

type Gateway struct {
	models  []Model
	pool    []credential.Credential
	store   CredentialStore
	limiter Limiter
	factory Factory
	limit   int
	window  time.Duration
	logger  *zap.Logger
}

// New validates the configuration. The pool is fixed from here on.
func New(cfg Config, store CredentialStore, limiter Limiter, factory Factory, log *zap.Logger) (*Gateway, error) {
	if factory == nil {
		return nil, errors.New("generator factory is required")
	}

	models := cfg.Models
	if len(models) == 0 {
		models = DefaultModels()
	}
	for _, m := range models {
		if strings.TrimSpace(m.Name) == "" {
			return nil, errors.New("model name must not be empty")
		}
		if m.Provider != credential.Gemini && m.Provider != credential.OpenAI {
			return nil, fmt.Errorf("model %s: unsupported provider %q", m.Name, m.Provider)
		}
	}

	pool := make([]credential.Credential, 0, len(cfg.Pool))
	for i, key := range cfg.Pool {
		cred, err := credential.New(key, credential.SourcePool)
		if err != nil {
			return nil, fmt.Errorf("pool key %d: %w", i, err)
		}
		pool = append(pool, cred)
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}

	return &Gateway{
		models:  models,
		pool:    pool,
		store:   store,
		limiter: limiter,
		factory: factory,
		limit:   limit,
		window:  window,
		logger:  logger.OrNop(log),
	}, nil
}

// Generate runs the fallback search and returns the first stream that
// produced a chunk or ended cleanly. Retryable failures move on to the next
// credential and then the next model; a fatal failure ends the search at once.
func (g *Gateway) Generate(ctx context.Context, req Request) (ai.Stream, Attempt, error) {
	log := g.logger.With(zap.String(logger.FieldUser, req.UserID))

	creds, err := g.credentials(ctx, req, log)
	if err != nil {
		return nil, Attempt{}, err
	}

	plan := g.Attempts(creds)
	if len(plan) == 0 {
		log.Warn("no model is served by the available credentials", zap.Int("credentials", len(creds)))
		return nil, Attempt{}, ai.ErrExhausted
	}

	var lastErr error
	for _, step := range plan {
		attempt := step.Attempt
		attemptLog := log.With(logger.AttemptFields(string(attempt.Provider), attempt.Model, string(attempt.Source))...)

		stream, err := g.try(ctx, attempt.Model, step.cred, req.Prompt)
		switch outcome := ai.Classify(err); outcome {
		case ai.Success:
			attemptLog.Info("generation attempt succeeded")
			return stream, attempt, nil
		case ai.Retryable:
			attemptLog.Warn("generation attempt failed, trying next", zap.Error(err))
			lastErr = err
		default:
			attemptLog.Error("generation attempt failed fatally", zap.Error(err))
			return nil, attempt, err
		}
	}

	log.Warn("all generation attempts failed", zap.Int("attempts", len(plan)), zap.Error(lastErr))
	return nil, Attempt{}, fmt.Errorf("%w: %d attempts, last: %v", ai.ErrExhausted, len(plan), lastErr)
}

// PlannedAttempt is an Attempt together with the key it will use.
type PlannedAttempt struct {
	Attempt
	cred credential.Credential
}

// Attempts lists the search order for creds: models in configured order and,
// for each model, the credentials of its provider in the given order.
func (g *Gateway) Attempts(creds []credential.Credential) []PlannedAttempt {
	var plan []PlannedAttempt
	for _, model := range g.models {
		for _, cred := range creds {
			if cred.Kind != model.Provider {
				continue
			}
			plan = append(plan, PlannedAttempt{
				Attempt: Attempt{Model: model.Name, Provider: cred.Kind, Source: cred.Source},
				cred:    cred,
			})
		}
	}
	return plan
}

func (g *Gateway) try(ctx context.Context, model string, cred credential.Credential, prompt string) (ai.Stream, error) {
	gen, err := g.factory(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("create %s generator: %w", cred.Kind, err)
	}

	stream, err := gen.Stream(ctx, model, prompt)
	if err != nil {
		return nil, err
	}

	// Providers report most failures on the first read, so the search needs it
	// before it can declare success.
	first, err := stream.Next()
	if errors.Is(err, io.EOF) {
		return &prefetched{Stream: stream, eof: true}, nil
	}
	if err != nil {
		stream.Close()
		return nil, err
	}
	return &prefetched{Stream: stream, first: first, pending: true}, nil
}

// credentials resolves the ordered candidate list. User-owned keys (from the
// request, then stored ones) take precedence and bypass the free tier limit;
// otherwise the server pool is used and the limit applies.
func (g *Gateway) credentials(ctx context.Context, req Request, log *zap.Logger) ([]credential.Credential, error) {
	var stored []credential.Credential
	if g.store != nil && req.UserID != "" {
		var err error
		stored, err = g.store.UserCredentials(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("load user credentials: %w", err)
		}
	}

	seen := map[string]bool{}
	var own []credential.Credential

	for _, kind := range []credential.Kind{credential.OpenAI, credential.Gemini} {
		key := strings.TrimSpace(req.Keys[kind])
		if key == "" {
			continue
		}
		if !credential.Validate(kind, key) {
			log.Warn("ignoring request key with wrong prefix", zap.String(logger.FieldProvider, string(kind)))
			continue
		}
		cred := credential.Credential{Kind: kind, Key: key, Source: credential.SourceRequest}
		own = append(own, cred)
		seen[key] = true

		if g.store != nil && req.UserID != "" {
			if err := g.store.SaveUserCredential(ctx, req.UserID, cred); err != nil {
				log.Warn("failed to persist request key", zap.String(logger.FieldProvider, string(kind)), zap.Error(err))
			}
		}
	}

	for _, cred := range stored {
		if seen[cred.Key] || credential.Detect(cred.Key) != cred.Kind {
			continue
		}
		seen[cred.Key] = true
		cred.Source = credential.SourceStored
		own = append(own, cred)
	}

	if len(own) > 0 {
		return own, nil
	}

	if len(g.pool) == 0 {
		return nil, ErrNoCredentials
	}

	if g.limiter != nil {
		allowed, reset, err := g.limiter.Allow(ctx, "generate:"+req.UserID, g.limit, g.window)
		if err != nil {
			return nil, fmt.Errorf("check rate limit: %w", err)
		}
		if !allowed {
			log.Info("free tier limit reached", zap.Time("reset", reset))
			return nil, &RateLimitError{Reset: reset}
		}
	}

	return g.pool, nil
}

type prefetched struct {
	ai.Stream
	first   string
	pending bool
	eof     bool
}

func (p *prefetched) Next() (string, error) {
	if p.pending {
		p.pending = false
		return p.first, nil
	}
	if p.eof {
		return "", io.EOF
	}
	return p.Stream.Next()
}

// CachingFactory reuses generators per key.
func CachingFactory(build Factory) Factory {
	var (
		mu    sync.Mutex
		cache = map[string]ai.Generator{}
	)
	return func(ctx context.Context, cred credential.Credential) (ai.Generator, error) {
		id := string(cred.Kind) + ":" + cred.Key

		mu.Lock()
		gen, ok := cache[id]
		mu.Unlock()
		if ok {
			return gen, nil
		}

		gen, err := build(ctx, cred)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		cache[id] = gen
		mu.Unlock()
		return gen, nil
	}
}
