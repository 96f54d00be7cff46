// Package ai defines the capability shared by the language model providers:
// turning a prompt into a stream of text chunks.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Stream yields answer chunks. Next returns io.EOF once the answer is complete.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Generator produces streamed answers from one provider with one credential.
type Generator interface {
	Stream(ctx context.Context, model, prompt string) (Stream, error)
}

// ErrExhausted means every model and credential combination failed retryably.
// Its text carries the "limit" marker the page side recognises.
var ErrExhausted = errors.New("AI key limits are reached: add your own key to keep using AI")

// StatusError is a provider failure normalised to an HTTP-like status code.
type StatusError struct {
	Provider string
	Code     int
	Err      error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Outcome is the class of a generation attempt result.
type Outcome int

const (
	Success Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Classify decides whether a failed attempt lets the fallback search go on.
// Rate limits, unavailable services, unknown models and transient gateway
// errors are retryable. Everything else, including cancellation, is fatal.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}

	var status *StatusError
	if !errors.As(err, &status) {
		return Fatal
	}

	switch status.Code {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable,
		http.StatusNotFound,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return Retryable
	default:
		return Fatal
	}
}

var exhaustedMarkers = []string{"broke", "limit", "quota", "No API keys available"}

// IsExhaustedMessage reports whether an error text received over the wire
// means the user has run out of AI capacity and should supply a key.
func IsExhaustedMessage(msg string) bool {
	for _, marker := range exhaustedMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Collect drains a stream into one string and closes it.
func Collect(s Stream) (string, error) {
	defer s.Close()

	var b strings.Builder
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
}

// SliceStream replays fixed chunks. Providers use it for answers that arrive
// in one piece and tests use it as a fake.
type SliceStream struct {
	Chunks []string
	Err    error
	closed bool
	pos    int
}

func (s *SliceStream) Next() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if s.pos < len(s.Chunks) {
		chunk := s.Chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.Err != nil {
		return "", s.Err
	}
	return "", io.EOF
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *SliceStream) Closed() bool { return s.closed }
