package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/credential"
	"github.com/spigell/autofill/internal/logger"
)

// SaveUserCredential keeps one key per provider and user, replacing an older
// one of the same provider.
func (s *Store) SaveUserCredential(ctx context.Context, userID string, cred credential.Credential) error {
	if cred.Kind == credential.Unknown || cred.Kind == "" {
		return fmt.Errorf("save credential: %w", credential.ErrUnknownKind)
	}

	sealed, err := s.sealer.seal(cred.Key)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, kind, sealed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, kind) DO UPDATE SET
			sealed = excluded.sealed,
			updated_at = excluded.updated_at`,
		userID, string(cred.Kind), sealed, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save %s credential: %w", cred.Kind, err)
	}
	return nil
}

// UserCredentials returns the user's keys, most recently saved first. Rows
// that no longer open with the configured secret are skipped.
func (s *Store) UserCredentials(ctx context.Context, userID string) ([]credential.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, sealed FROM credentials WHERE user_id = ? ORDER BY updated_at DESC, kind`, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []credential.Credential
	for rows.Next() {
		var (
			kind   string
			sealed []byte
		)
		if err := rows.Scan(&kind, &sealed); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}

		key, err := s.sealer.open(sealed)
		if err != nil {
			s.logger.Warn("skipping stored credential", zap.String(logger.FieldUser, userID),
				zap.String(logger.FieldProvider, kind), zap.Error(err))
			continue
		}
		out = append(out, credential.Credential{
			Kind:   credential.Kind(kind),
			Key:    key,
			Source: credential.SourceStored,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}
