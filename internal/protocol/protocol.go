// Package protocol defines the action-tagged messages exchanged between a page
// session and the background relay.
package protocol

import "encoding/json"

// Action tags a message.
type Action string

const (
	ActionAutofill       Action = "autofill"
	ActionGenerate       Action = "generate-ai-answer"
	ActionStreamChunk    Action = "ai-stream-chunk"
	ActionStreamComplete Action = "ai-stream-complete"
	ActionStreamError    Action = "ai-stream-error"
	ActionFetchUserData  Action = "fetch-user-data"
	ActionOpenDashboard  Action = "open-dashboard"
)

// Message is one protocol message. Only the fields relevant to its action are
// set. ID ties stream messages to the queue item that requested them.
type Message struct {
	Action   Action          `json:"action"`
	ID       string          `json:"id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Question string          `json:"question,omitempty"`
	Context  string          `json:"context,omitempty"`
	Chunk    string          `json:"chunk,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ReportEntry describes what a scan did to one field.
type ReportEntry struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Status string `json:"status,omitempty"`
}

// Response answers a request/response style message.
type Response struct {
	Success bool            `json:"success"`
	Report  []ReportEntry   `json:"report,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Failure builds an unsuccessful response.
func Failure(err error) Response {
	return Response{Error: err.Error()}
}
