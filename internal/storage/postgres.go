package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokenbroker/tokenbroker/internal/domain"
)

// Schema creates the two logical tables: credentials keyed by
// (user_id, service), and the append-only audit log.
const Schema = `
CREATE TABLE IF NOT EXISTS credentials (
	user_id       TEXT        NOT NULL,
	service       TEXT        NOT NULL,
	access_token  TEXT        NOT NULL,
	refresh_token TEXT        NOT NULL,
	token_type    TEXT        NOT NULL DEFAULT 'Bearer',
	scope         TEXT        NOT NULL DEFAULT '',
	expiry        TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, service)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         BIGSERIAL   PRIMARY KEY,
	user_id    TEXT        NOT NULL,
	service    TEXT,
	action     TEXT        NOT NULL,
	ip_address TEXT        NOT NULL DEFAULT '',
	user_agent TEXT        NOT NULL DEFAULT '',
	details    JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_log_user_idx ON audit_log (user_id, service);
`

// PostgresStore is the durable TokenStore implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate applies the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, cred domain.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (user_id, service, access_token, refresh_token, token_type, scope, expiry, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, service) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type    = EXCLUDED.token_type,
			scope         = EXCLUDED.scope,
			expiry        = EXCLUDED.expiry,
			updated_at    = EXCLUDED.updated_at`,
		cred.UserID, cred.Service, cred.AccessToken, cred.RefreshToken,
		cred.TokenType, cred.Scope, cred.Expiry, cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: upsert credential: %v", domain.ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string, service domain.Service) (domain.Credential, error) {
	var cred domain.Credential
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, service, access_token, refresh_token, token_type, scope, expiry, updated_at
		FROM credentials
		WHERE user_id = $1 AND service = $2`,
		userID, service).Scan(
		&cred.UserID, &cred.Service, &cred.AccessToken, &cred.RefreshToken,
		&cred.TokenType, &cred.Scope, &cred.Expiry, &cred.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: get credential: %v", domain.ErrStorage, err)
	}
	return cred, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]domain.Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, service, access_token, refresh_token, token_type, scope, expiry, updated_at
		FROM credentials
		WHERE user_id = $1
		ORDER BY service`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list credentials: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var creds []domain.Credential
	for rows.Next() {
		var cred domain.Credential
		if err := rows.Scan(
			&cred.UserID, &cred.Service, &cred.AccessToken, &cred.RefreshToken,
			&cred.TokenType, &cred.Scope, &cred.Expiry, &cred.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan credential: %v", domain.ErrStorage, err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list credentials: %v", domain.ErrStorage, err)
	}
	return creds, nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string, service domain.Service) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE user_id = $1 AND service = $2`, userID, service); err != nil {
		return fmt.Errorf("%w: delete credential: %v", domain.ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry domain.AuditEntry) (int64, error) {
	var details []byte
	if entry.Details != nil {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return 0, fmt.Errorf("%w: encode audit details: %v", domain.ErrStorage, err)
		}
		details = encoded
	}

	var service *string
	if entry.Service != nil {
		s := string(*entry.Service)
		service = &s
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO audit_log (user_id, service, action, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		entry.UserID, service, entry.Action, entry.IPAddress, entry.UserAgent, details, entry.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: append audit entry: %v", domain.ErrStorage, err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE expiry < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired credentials: %v", domain.ErrStorage, err)
	}
	return tag.RowsAffected(), nil
}
