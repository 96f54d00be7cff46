package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/logger"
	"github.com/spigell/autofill/internal/utils"
	"go.uber.org/zap"
)

const (
	// Provider is the name used in logs and status errors.
	Provider     = "openai"
	defaultModel = openai.GPT4oMini
	maxLogLength = 200
)

type chunkReceiver interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

type streamOpener func(ctx context.Context, req openai.ChatCompletionRequest) (chunkReceiver, error)

// Generator streams chat completions with a single OpenAI API key.
type Generator struct {
	open   streamOpener
	logger *zap.Logger
}

func NewGenerator(apiKey string, log *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}

	client := openai.NewClient(apiKey)
	open := func(ctx context.Context, req openai.ChatCompletionRequest) (chunkReceiver, error) {
		return client.CreateChatCompletionStream(ctx, req)
	}

	return &Generator{open: open, logger: logger.OrNop(log)}, nil
}

func (g *Generator) Stream(ctx context.Context, model, prompt string) (ai.Stream, error) {
	if g == nil || g.open == nil {
		return nil, errors.New("openai generator is not initialized")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("prompt must not be empty")
	}

	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}

	logger.WithCommonFields(g.logger, Provider, model).Debug("openai stream requested",
		zap.String("prompt_preview", utils.TruncateForLog(prompt, maxLogLength)),
	)

	req := openai.ChatCompletionRequest{
		Model:  model,
		Stream: true,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		}},
	}

	recv, err := g.open(ctx, req)
	if err != nil {
		return nil, normalize(err)
	}

	return &stream{recv: recv}, nil
}

type stream struct {
	recv chunkReceiver
	done bool
}

func (s *stream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}

	resp, err := s.recv.Recv()
	if errors.Is(err, io.EOF) {
		s.done = true
		return "", io.EOF
	}
	if err != nil {
		s.done = true
		return "", normalize(err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s *stream) Close() error {
	s.done = true
	return s.recv.Close()
}

func normalize(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ai.StatusError{Provider: Provider, Code: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ai.StatusError{Provider: Provider, Code: reqErr.HTTPStatusCode, Err: err}
	}
	return fmt.Errorf("openai stream: %w", err)
}
