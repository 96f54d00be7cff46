package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/client"
	"github.com/spigell/autofill/internal/credential"
	"github.com/spigell/autofill/internal/gateway"
	"github.com/spigell/autofill/internal/logger"
	"github.com/spigell/autofill/internal/store"
)

type ctxKey int

const userKey ctxKey = iota

type Options struct {
	// AllowedOrigins lists websocket origins. "*" allows any; empty allows
	// same origin only.
	AllowedOrigins []string
}

type Server struct {
	service  *Service
	router   chi.Router
	upgrader websocket.Upgrader
	now      func() time.Time
	logger   *zap.Logger
}

func New(service *Service, opts Options, log *zap.Logger) *Server {
	s := &Server{
		service: service,
		now:     time.Now,
		logger:  logger.OrNop(log),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/api/v1/autofill/generate", s.handleGenerate)
		r.Get("/api/v1/autofill/ws", s.handleSocket)
		r.Get("/api/user/profile", s.handleProfile)
		r.Post("/api/v1/user/knowledge", s.handleKnowledge)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("took", s.now().Sub(start)),
		)
	})
}

// requireUser reads the caller from the X-User-ID header.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(client.HeaderUserID))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, id)))
	})
}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey).(string)
	return id
}

// requestKeys collects the user's own keys sent as headers.
func requestKeys(h http.Header) map[credential.Kind]string {
	keys := map[credential.Kind]string{}
	for kind, header := range client.KeyHeaders {
		if key := strings.TrimSpace(h.Get(header)); key != "" {
			keys[kind] = key
		}
	}
	return keys
}

type generateRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID := userFrom(r.Context())
	stream, err := s.service.Answer(r.Context(), userID, req.Question, req.Context, requestKeys(r.Header))
	if err != nil {
		s.writeGenerateError(w, userID, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.logger.Warn("answer stream broke", zap.String(logger.FieldUser, userID), zap.Error(err))
			// The status line is gone; aborting tells the client the body is incomplete.
			panic(http.ErrAbortHandler)
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			s.logger.Debug("client went away", zap.Error(err))
			return
		}
		rc.Flush()
	}
}

func (s *Server) writeGenerateError(w http.ResponseWriter, userID string, err error) {
	var (
		validation *ValidationError
		limited    *gateway.RateLimitError
		status     *ai.StatusError
	)

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Message)
	case errors.Is(err, ErrResumeMissing):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &limited):
		retry := math.Ceil(limited.Reset.Sub(s.now()).Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, gateway.ErrNoCredentials):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ai.ErrExhausted):
		writeError(w, http.StatusTooManyRequests, ai.ErrExhausted.Error())
	case errors.As(err, &status) && (status.Code == http.StatusUnauthorized || status.Code == http.StatusForbidden):
		writeError(w, http.StatusUnauthorized, "Invalid API Key. Please check your settings.")
	default:
		s.logger.Error("answer generation failed", zap.String(logger.FieldUser, userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal Server Error: "+err.Error())
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.Profile(r.Context(), userFrom(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load profile", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type knowledgeRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type knowledgeResponse struct {
	Success   bool          `json:"success"`
	Knowledge knowledgeItem `json:"knowledge"`
}

type knowledgeItem struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	var req knowledgeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	k, err := s.service.Remember(r.Context(), userFrom(r.Context()), req.Key, req.Value)
	var validation *ValidationError
	if errors.As(err, &validation) {
		writeError(w, http.StatusBadRequest, validation.Message)
		return
	}
	if err != nil {
		s.logger.Error("failed to save knowledge", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, knowledgeResponse{
		Success:   true,
		Knowledge: knowledgeItem{ID: k.ID, Key: k.Key, Value: k.Value, CreatedAt: k.CreatedAt},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := map[string]bool{}
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		return set["*"] || set[r.Header.Get("Origin")]
	}
}
