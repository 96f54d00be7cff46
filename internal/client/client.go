// Package client talks to the autofill HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/ai"
	"github.com/spigell/autofill/internal/credential"
	"github.com/spigell/autofill/internal/logger"
)

const (
	contentType = "application/json"
	userAgent   = "spigell/autofill"

	generatePath = "/api/v1/autofill/generate"
	profilePath  = "/api/user/profile"

	// HeaderUserID identifies the user until real sessions exist.
	HeaderUserID    = "X-User-ID"
	HeaderGeminiKey = "x-gemini-api-key"
	HeaderOpenAIKey = "x-openai-api-key"
)

// KeyHeaders maps credential kinds onto the request headers that carry them.
var KeyHeaders = map[credential.Kind]string{
	credential.Gemini: HeaderGeminiKey,
	credential.OpenAI: HeaderOpenAIKey,
}

type Client struct {
	logger     *zap.Logger
	userID     string
	HTTPClient *http.Client
	UserAgent  string
	APIURL     string
}

func New(apiURL, userID string, log *zap.Logger) *Client {
	return &Client{
		logger: logger.OrNop(log),
		userID: userID,
		APIURL: strings.TrimRight(apiURL, "/"),
		// Streams can be long, so only the dial and headers are bounded.
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
		UserAgent: userAgent,
	}
}

// APIError is a non successful answer of the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }

type generateRequest struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
}

// Generate asks for an answer and returns it as a stream of text chunks.
// keys are sent along so the server can use the user's own credentials.
func (c *Client) Generate(ctx context.Context, question, pageContext string, keys map[credential.Kind]string) (ai.Stream, error) {
	body, err := json.Marshal(generateRequest{Question: question, Context: pageContext})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req = c.setHeaders(req)
	req.Header.Set("Content-Type", contentType)
	for kind, header := range KeyHeaders {
		if key := keys[kind]; key != "" {
			req.Header.Set(header, key)
		}
	}

	resp, err := c.request(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	return &bodyStream{body: resp.Body, buf: make([]byte, 4096)}, nil
}

// FetchProfile returns the profile payload of the current user as is.
func (c *Client) FetchProfile(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIURL+profilePath, nil)
	if err != nil {
		return nil, err
	}
	req = c.setHeaders(req)
	req.Header.Set("Accept", contentType)

	resp, err := c.request(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, errors.New("profile response is not valid JSON")
	}
	return data, nil
}

func (c *Client) request(req *http.Request) (*http.Response, error) {
	c.logger.Debug("make request", zap.String("url", req.URL.String()))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) *http.Request {
	req.Header.Set("User-Agent", c.UserAgent)
	if c.userID != "" {
		req.Header.Set(HeaderUserID, c.userID)
	}

	return req
}

func parseError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("Server Error: %d", resp.StatusCode)}
}

// bodyStream turns a streamed response body into chunks. A multi byte
// character split between reads is held back until it is complete.
type bodyStream struct {
	body io.ReadCloser
	buf  []byte
	tail []byte
	done bool
}

func (s *bodyStream) Next() (string, error) {
	for !s.done {
		n, err := s.body.Read(s.buf)
		data := append(s.tail, s.buf[:n]...)
		s.tail = nil

		if errors.Is(err, io.EOF) {
			s.done = true
			if len(data) > 0 {
				return string(data), nil
			}
			break
		}
		if err != nil {
			return "", err
		}

		head, tail := splitRune(data)
		s.tail = append([]byte(nil), tail...)
		if len(head) > 0 {
			return string(head), nil
		}
	}
	return "", io.EOF
}

func (s *bodyStream) Close() error {
	s.done = true
	return s.body.Close()
}

// splitRune separates an unfinished trailing UTF-8 sequence from b.
func splitRune(b []byte) (head, tail []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}
