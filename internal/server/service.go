// Package server exposes answer generation, profiles and user knowledge over
// HTTP and a websocket speaking the page message protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/credential"
	"github.com/spigell/autofill/internal/gateway"
	"github.com/spigell/autofill/internal/logger"
	"github.com/spigell/autofill/internal/store"
	"github.com/spigell/autofill/internal/utils"
)

const (
	maxQuestionLength = 1000
	maxKeyLength      = 500
	maxValueLength    = 5000
	knowledgeLimit    = 20
	maxLogLength      = 120
)

var ErrResumeMissing = errors.New("Resume not found. Please upload a resume first.")

// ValidationError is a rejected request payload.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Users is the part of the store the API reads and writes.
type Users interface {
	User(ctx context.Context, id string) (*store.User, error)
	Knowledge(ctx context.Context, userID string, limit int) ([]store.Knowledge, error)
	AddKnowledge(ctx context.Context, userID, key, value string) (store.Knowledge, error)
}

// Generator runs the fallback search. *gateway.Gateway is the usual one.
type Generator interface {
	Generate(ctx context.Context, req gateway.Request) (ai.Stream, gateway.Attempt, error)
}

// Service holds the request logic shared by the HTTP routes, the websocket
// and local runs of the CLI.
type Service struct {
	users     Users
	generator Generator
	logger    *zap.Logger
}

func NewService(users Users, generator Generator, log *zap.Logger) *Service {
	return &Service{users: users, generator: generator, logger: logger.OrNop(log)}
}

// Answer builds the answer prompt for the user and starts generation.
func (s *Service) Answer(ctx context.Context, userID, question, pageContext string, keys map[credential.Kind]string) (ai.Stream, error) {
	question = strings.TrimSpace(question)
	switch n := utf8.RuneCountInString(question); {
	case n == 0:
		return nil, &ValidationError{Message: "Question is required"}
	case n > maxQuestionLength:
		return nil, &ValidationError{Message: "Question too long"}
	}

	user, err := s.users.User(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrResumeMissing
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(user.ResumeText) == "" {
		return nil, ErrResumeMissing
	}

	entries, err := s.users.Knowledge(ctx, userID, knowledgeLimit)
	if err != nil {
		return nil, err
	}
	knowledge := make([]gateway.KnowledgeEntry, 0, len(entries))
	for _, e := range entries {
		knowledge = append(knowledge, gateway.KnowledgeEntry{Key: e.Key, Value: e.Value})
	}

	name := user.Name
	if name == "" && user.Profile != nil {
		name = user.Profile.Name
	}

	prompt := gateway.BuildPrompt(gateway.PromptInput{
		Name:        name,
		Resume:      user.ResumeText,
		PageContext: pageContext,
		Question:    question,
		Knowledge:   knowledge,
	})

	log := s.logger.With(zap.String(logger.FieldUser, userID))
	log.Debug("answering question",
		zap.String("question", utils.TruncateForLog(question, maxLogLength)),
		zap.Int("knowledge", len(knowledge)),
	)

	stream, attempt, err := s.generator.Generate(ctx, gateway.Request{UserID: userID, Prompt: prompt, Keys: keys})
	if err != nil {
		return nil, err
	}

	log.Info("answer stream opened", logger.AttemptFields(string(attempt.Provider), attempt.Model, string(attempt.Source))...)
	return stream, nil
}

// Profile returns the payload the page side autofills from.
func (s *Service) Profile(ctx context.Context, userID string) (map[string]any, error) {
	user, err := s.users.User(ctx, userID)
	if err != nil {
		return nil, err
	}

	payload := user.Profile.Map()
	if name, _ := payload["name"].(string); name == "" {
		payload["name"] = user.Name
	}
	if email, _ := payload["email"].(string); email == "" {
		payload["email"] = user.Email
	}
	payload["resume_text"] = user.ResumeText
	return payload, nil
}

// Remember stores a past answer of the user.
func (s *Service) Remember(ctx context.Context, userID, key, value string) (store.Knowledge, error) {
	if err := checkLength("Key", key, maxKeyLength); err != nil {
		return store.Knowledge{}, err
	}
	if err := checkLength("Value", value, maxValueLength); err != nil {
		return store.Knowledge{}, err
	}
	return s.users.AddKnowledge(ctx, userID, key, value)
}

func checkLength(name, value string, limit int) error {
	switch n := utf8.RuneCountInString(strings.TrimSpace(value)); {
	case n == 0:
		return &ValidationError{Message: name + " is required"}
	case n > limit:
		return &ValidationError{Message: fmt.Sprintf("%s must be at most %d characters", name, limit)}
	}
	return nil
}
