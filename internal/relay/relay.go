// Package relay is the background side of a page session. It forwards
// generation requests to the backend with the user's local keys and streams
// the answer back as protocol messages.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/credential"
	"github.com/spigell/autofill/internal/logger"
	"github.com/spigell/autofill/internal/protocol"
	"github.com/spigell/autofill/internal/utils"
)

const maxLogLength = 120

// Backend produces answers and profiles. *client.Client is the usual one.
type Backend interface {
	Generate(ctx context.Context, question, pageContext string, keys map[credential.Kind]string) (ai.Stream, error)
	FetchProfile(ctx context.Context) (json.RawMessage, error)
}

// KeySource returns the keys the user stored locally.
type KeySource interface {
	Keys() map[credential.Kind]string
}

// Opener shows a URL to the user.
type Opener interface {
	Open(url string) error
}

type Background struct {
	backend      Backend
	keys         KeySource
	opener       Opener
	dashboardURL string
	logger       *zap.Logger
}

func New(backend Backend, keys KeySource, opener Opener, dashboardURL string, log *zap.Logger) *Background {
	return &Background{
		backend:      backend,
		keys:         keys,
		opener:       opener,
		dashboardURL: dashboardURL,
		logger:       logger.OrNop(log),
	}
}

// Handle answers one message from a session. For generation requests it blocks
// until the stream ends; chunks, completion and failures go through reply.
func (b *Background) Handle(ctx context.Context, msg protocol.Message, reply func(protocol.Message)) protocol.Response {
	switch msg.Action {
	case protocol.ActionGenerate:
		b.generate(ctx, msg, reply)
		return protocol.Response{Success: true}
	case protocol.ActionFetchUserData:
		data, err := b.backend.FetchProfile(ctx)
		if err != nil {
			b.logger.Warn("failed to fetch user data", zap.Error(err))
			return protocol.Failure(err)
		}
		return protocol.Response{Success: true, Data: data}
	case protocol.ActionOpenDashboard:
		if b.opener == nil {
			return protocol.Failure(errors.New("no way to open the dashboard"))
		}
		if err := b.opener.Open(b.dashboardURL); err != nil {
			return protocol.Failure(err)
		}
		return protocol.Response{Success: true}
	default:
		return protocol.Failure(fmt.Errorf("unsupported action %q", msg.Action))
	}
}

func (b *Background) generate(ctx context.Context, msg protocol.Message, reply func(protocol.Message)) {
	log := b.logger.With(zap.String("item", msg.ID))
	log.Debug("generating answer", zap.String("question", utils.TruncateForLog(msg.Question, maxLogLength)))

	var keys map[credential.Kind]string
	if b.keys != nil {
		keys = b.keys.Keys()
	}

	stream, err := b.backend.Generate(ctx, msg.Question, msg.Context, keys)
	if err != nil {
		log.Warn("generation failed", zap.Error(err))
		reply(protocol.Message{Action: protocol.ActionStreamError, ID: msg.ID, Error: err.Error()})
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			reply(protocol.Message{Action: protocol.ActionStreamComplete, ID: msg.ID})
			return
		}
		if err != nil {
			log.Warn("answer stream broke", zap.Error(err))
			reply(protocol.Message{Action: protocol.ActionStreamError, ID: msg.ID, Error: err.Error()})
			return
		}
		if chunk != "" {
			reply(protocol.Message{Action: protocol.ActionStreamChunk, ID: msg.ID, Chunk: chunk})
		}
	}
}
