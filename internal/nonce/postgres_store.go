package nonce

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// PostgresStore persists consumed nonces in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed nonce store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Consume(ctx context.Context, namespace, signer string, nonce uint64) error {
	// The primary key makes the insert the atomic check-and-set. The nonce
	// column is NUMERIC(20,0), so the value goes over as decimal text to
	// keep the full uint64 range intact.
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO consumed_nonces (namespace, signer, nonce, consumed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, signer, nonce) DO NOTHING`,
		namespace, strings.ToLower(signer), strconv.FormatUint(nonce, 10),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrReplayedNonce
	}
	return nil
}

func (p *PostgresStore) Consumed(ctx context.Context, namespace, signer string, nonce uint64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM consumed_nonces
			WHERE namespace = $1 AND signer = $2 AND nonce = $3
		)`, namespace, strings.ToLower(signer), strconv.FormatUint(nonce, 10),
	).Scan(&exists)
	return exists, err
}
