// Package keystore keeps the keys the user pasted locally, at most one per
// provider, in a small YAML file.
package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/spigell/autofill/internal/credential"
)

type file struct {
	GeminiAPIKey string `yaml:"gemini_api_key"`
	OpenAIAPIKey string `yaml:"openai_api_key"`
}

type Store struct {
	mu   sync.Mutex
	path string
	data file
}

// Open reads path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keystore %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse keystore %s: %w", path, err)
	}
	return s, nil
}

// Save stores key under the provider its prefix names and clears the other
// provider, so the key pasted last is the one used next. An empty key clears
// everything.
func (s *Store) Save(key string) (credential.Kind, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return credential.Unknown, s.Clear()
	}

	kind := credential.Detect(key)
	next := file{}
	switch kind {
	case credential.Gemini:
		next.GeminiAPIKey = key
	case credential.OpenAI:
		next.OpenAIAPIKey = key
	default:
		return credential.Unknown, credential.ErrUnknownKind
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return kind, s.write(next)
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(file{})
}

// Keys returns the stored keys by provider. Empty entries are left out.
func (s *Store) Keys() map[credential.Kind]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := map[credential.Kind]string{}
	if s.data.GeminiAPIKey != "" {
		keys[credential.Gemini] = s.data.GeminiAPIKey
	}
	if s.data.OpenAIAPIKey != "" {
		keys[credential.OpenAI] = s.data.OpenAIAPIKey
	}
	return keys
}

func (s *Store) write(next file) error {
	raw, err := yaml.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create keystore dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace keystore: %w", err)
	}

	s.data = next
	return nil
}
