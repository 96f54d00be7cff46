package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/credential"
	"github.com/spigell/autofill/internal/logger"
	"github.com/spigell/autofill/internal/protocol"
)

// socket serialises writes to one websocket connection.
type socket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socket) send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// handleSocket serves the page protocol over a websocket: generation requests
// are answered with chunk, complete and error messages, one request at a time.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	keys := requestKeys(r.Header)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := s.logger.With(zap.String(logger.FieldUser, userID))
	log.Debug("websocket connected")
	sock := &socket{conn: conn}

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var sendErr error
		switch msg.Action {
		case protocol.ActionGenerate:
			sendErr = s.streamToSocket(ctx, sock, userID, msg, keys)
		case protocol.ActionFetchUserData:
			reply := protocol.Message{Action: msg.Action, ID: msg.ID}
			payload, err := s.service.Profile(ctx, userID)
			if err == nil {
				reply.Data, err = json.Marshal(payload)
			}
			if err != nil {
				reply.Error = err.Error()
			}
			sendErr = sock.send(reply)
		default:
			sendErr = sock.send(protocol.Message{Action: msg.Action, ID: msg.ID, Error: "unsupported action"})
		}

		if sendErr != nil {
			log.Debug("websocket write failed", zap.Error(sendErr))
			return
		}
	}
}

func (s *Server) streamToSocket(ctx context.Context, sock *socket, userID string, msg protocol.Message, keys map[credential.Kind]string) error {
	fail := func(err error) error {
		return sock.send(protocol.Message{Action: protocol.ActionStreamError, ID: msg.ID, Error: err.Error()})
	}

	stream, err := s.service.Answer(ctx, userID, msg.Question, msg.Context, keys)
	if err != nil {
		return fail(err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return sock.send(protocol.Message{Action: protocol.ActionStreamComplete, ID: msg.ID})
		}
		if err != nil {
			s.logger.Warn("answer stream broke", zap.String(logger.FieldUser, userID), zap.Error(err))
			return fail(err)
		}
		if chunk == "" {
			continue
		}
		if err := sock.send(protocol.Message{Action: protocol.ActionStreamChunk, ID: msg.ID, Chunk: chunk}); err != nil {
			return err
		}
	}
}
