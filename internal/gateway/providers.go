package gateway

import (
	"context"

	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/ai/gemini"
	"github.com/spigell/autofill/internal/ai/openai"
	"github.com/spigell/autofill/internal/credential"
	"go.uber.org/zap"
)

// ProviderFactory builds the real provider clients.
func ProviderFactory(log *zap.Logger) Factory {
	return func(ctx context.Context, cred credential.Credential) (ai.Generator, error) {
		switch cred.Kind {
		case credential.Gemini:
			return gemini.NewGenerator(ctx, cred.Key, log)
		case credential.OpenAI:
			return openai.NewGenerator(cred.Key, log)
		default:
			return nil, credential.ErrUnknownKind
		}
	}
}
