package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Knowledge is an answer the user gave to a question before.
type Knowledge struct {
	ID        string
	Key       string
	Value     string
	CreatedAt time.Time
}

// AddKnowledge records an answer and returns it with its id.
func (s *Store) AddKnowledge(ctx context.Context, userID, key, value string) (Knowledge, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Knowledge{}, errors.New("knowledge key must not be empty")
	}

	k := Knowledge{
		ID:        uuid.NewString(),
		Key:       key,
		Value:     value,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge (id, user_id, key, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, userID, k.Key, k.Value, k.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Knowledge{}, fmt.Errorf("insert knowledge: %w", err)
	}
	return k, nil
}

// Knowledge lists at most limit entries of the user, newest first.
func (s *Store) Knowledge(ctx context.Context, userID string, limit int) ([]Knowledge, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, value, created_at FROM knowledge
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	defer rows.Close()

	var out []Knowledge
	for rows.Next() {
		var (
			k       Knowledge
			created int64
		)
		if err := rows.Scan(&k.ID, &k.Key, &k.Value, &created); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		k.CreatedAt = time.UnixMilli(created)
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge: %w", err)
	}
	return out, nil
}
