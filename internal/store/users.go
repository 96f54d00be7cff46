package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spigell/autofill/internal/profile"
)

type User struct {
	ID         string
	Name       string
	Email      string
	ResumeText string
	Profile    *profile.Profile
}

// User returns ErrNotFound for unknown ids.
func (s *Store) User(ctx context.Context, id string) (*User, error) {
	var (
		u   = User{ID: id}
		raw sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, email, resume_text, profile FROM users WHERE id = ?`, id,
	).Scan(&u.Name, &u.Email, &u.ResumeText, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}

	if raw.Valid && raw.String != "" {
		u.Profile = &profile.Profile{}
		if err := json.Unmarshal([]byte(raw.String), u.Profile); err != nil {
			return nil, fmt.Errorf("decode profile of user %s: %w", id, err)
		}
	}
	return &u, nil
}

// UpsertUser creates the user or replaces every stored field.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id must not be empty")
	}

	var raw sql.NullString
	if u.Profile != nil {
		data, err := json.Marshal(u.Profile)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		raw = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, resume_text, profile, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			resume_text = excluded.resume_text,
			profile = excluded.profile,
			updated_at = excluded.updated_at`,
		u.ID, u.Name, u.Email, u.ResumeText, raw, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}
