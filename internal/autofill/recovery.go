package autofill

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spigell/autofill/internal/credential"
	"github.com/spigell/autofill/internal/logger"
	"go.uber.org/zap"
)

const (
	brokeMessage       = "I am broke, my AI key limits are reached! Add your own key to keep using the AI."
	statusInvalidKey   = "Invalid Key Format"
	statusSaved        = "Key Saved! Resuming..."
	defaultMaxAttempts = 3
)

// ErrEmptyKey is returned when an empty key is submitted.
var ErrEmptyKey = errors.New("key is empty")

// KeyPrompter shows the credential capture affordance. An empty answer means
// the user dismissed it.
type KeyPrompter interface {
	PromptKey(ctx context.Context, message string) (string, error)
	Notify(status string)
}

// KeySaver persists a validated key.
type KeySaver interface {
	Save(key string) error
}

// Recovery asks for the user's own key once the shared AI capacity is gone.
type Recovery struct {
	prompter    KeyPrompter
	saver       KeySaver
	logger      *zap.Logger
	maxAttempts int
}

func NewRecovery(prompter KeyPrompter, saver KeySaver, log *zap.Logger) *Recovery {
	return &Recovery{
		prompter:    prompter,
		saver:       saver,
		logger:      logger.OrNop(log),
		maxAttempts: defaultMaxAttempts,
	}
}

// Message is the text shown to the user for an exhaustion error.
func (r *Recovery) Message(reason string) string {
	if strings.Contains(reason, "broke") || strings.TrimSpace(reason) == "" {
		return brokeMessage
	}
	return reason
}

// Submit classifies a pasted key and stores it. Keys with an unknown prefix
// are rejected and never stored.
func (r *Recovery) Submit(key string) (credential.Kind, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return credential.Unknown, ErrEmptyKey
	}

	kind := credential.Detect(key)
	if kind == credential.Unknown {
		return kind, credential.ErrUnknownKind
	}

	if err := r.saver.Save(key); err != nil {
		return kind, fmt.Errorf("save key: %w", err)
	}
	return kind, nil
}

// Recover prompts until a valid key is saved, the user dismisses the prompt or
// the attempts run out.
func (r *Recovery) Recover(ctx context.Context, reason string) (bool, error) {
	message := r.Message(reason)

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		key, err := r.prompter.PromptKey(ctx, message)
		if err != nil {
			return false, fmt.Errorf("prompt key: %w", err)
		}
		if strings.TrimSpace(key) == "" {
			return false, nil
		}

		kind, err := r.Submit(key)
		if errors.Is(err, credential.ErrUnknownKind) {
			r.logger.Info("rejected key with unknown prefix", zap.Int("attempt", attempt))
			r.prompter.Notify(statusInvalidKey)
			continue
		}
		if err != nil {
			return false, err
		}

		r.logger.Info("user key saved", zap.String(logger.FieldProvider, string(kind)))
		r.prompter.Notify(statusSaved)
		return true, nil
	}

	return false, nil
}
