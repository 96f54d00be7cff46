package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/logger"
	"github.com/spigell/autofill/internal/utils"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	// Provider is the name used in logs and status errors.
	Provider     = "gemini"
	defaultModel = "gemini-2.5-flash"
	maxLogLength = 200
)

type contentStreamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Generator streams answers from the Gemini API with a single API key.
type Generator struct {
	models contentStreamer
	logger *zap.Logger
}

// NewGenerator creates a new Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, apiKey string, log *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Generator{models: client.Models, logger: logger.OrNop(log)}, nil
}

// Stream starts a streamed generation. The request is sent lazily: transport
// and API errors surface from the first Next call.
func (g *Generator) Stream(ctx context.Context, model, prompt string) (ai.Stream, error) {
	if g == nil || g.models == nil {
		return nil, errors.New("gemini generator is not initialized")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("prompt must not be empty")
	}

	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}

	logger.WithCommonFields(g.logger, Provider, model).Debug("gemini stream requested",
		zap.String("prompt_preview", utils.TruncateForLog(prompt, maxLogLength)),
	)

	next, stop := iter.Pull2(g.models.GenerateContentStream(ctx, model, genai.Text(prompt), nil))
	return &stream{next: next, stop: stop}, nil
}

type stream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	done bool
}

func (s *stream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}

	resp, err, ok := s.next()
	if !ok {
		s.done = true
		return "", io.EOF
	}
	if err != nil {
		s.done = true
		return "", normalize(err)
	}
	if resp == nil {
		return "", nil
	}

	return responseText(resp), nil
}

func (s *stream) Close() error {
	s.done = true
	s.stop()
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			builder.WriteString(part.Text)
		}
		break
	}
	return builder.String()
}

// normalize maps Gemini API errors onto status errors so the fallback search
// can classify them.
func normalize(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ai.StatusError{Provider: Provider, Code: apiErr.Code, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &ai.StatusError{Provider: Provider, Code: apiErrPtr.Code, Err: err}
	}
	return fmt.Errorf("gemini stream: %w", err)
}
