// Package credential classifies AI provider API keys and describes where a key
// came from.
package credential

import (
	"errors"
	"strings"
)

// Kind is the provider a key belongs to, derived from its prefix.
type Kind string

const (
	Gemini  Kind = "gemini"
	OpenAI  Kind = "openai"
	Unknown Kind = "unknown"
)

const (
	openAIPrefix = "sk-"
	geminiPrefix = "AIza"
)

// Source tells how a credential entered a generation request.
type Source string

const (
	// SourceRequest is a key supplied with the request itself (BYOK header).
	SourceRequest Source = "request"
	// SourceStored is a key previously persisted for the user.
	SourceStored Source = "stored"
	// SourcePool is a server-owned free-tier key.
	SourcePool Source = "pool"
)

// ErrUnknownKind is returned when a key matches no known provider prefix.
var ErrUnknownKind = errors.New("unknown key format: must start with 'sk-' (OpenAI) or 'AIza' (Gemini)")

// Credential is a classified API key.
type Credential struct {
	Kind   Kind
	Key    string
	Source Source
}

// UserOwned reports whether the credential belongs to the user rather than the pool.
func (c Credential) UserOwned() bool {
	return c.Source == SourceRequest || c.Source == SourceStored
}

// String masks the key so credentials can be logged.
func (c Credential) String() string {
	return string(c.Kind) + ":" + Mask(c.Key)
}

// Detect classifies a key by prefix.
func Detect(key string) Kind {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return Unknown
	case strings.HasPrefix(key, openAIPrefix):
		return OpenAI
	case strings.HasPrefix(key, geminiPrefix):
		return Gemini
	default:
		return Unknown
	}
}

// Validate reports whether key is non-empty and carries the prefix of kind.
func Validate(kind Kind, key string) bool {
	return kind != Unknown && Detect(key) == kind
}

// New classifies key and returns a credential for it.
func New(key string, source Source) (Credential, error) {
	key = strings.TrimSpace(key)
	kind := Detect(key)
	if kind == Unknown {
		return Credential{}, ErrUnknownKind
	}
	return Credential{Kind: kind, Key: key, Source: source}, nil
}

// Mask keeps the first four characters of a key.
func Mask(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", 4)
}
