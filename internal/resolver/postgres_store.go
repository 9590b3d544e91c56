package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists resolver authorizations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a resolver store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, auth *Authorization) error {
	var revokedAt sql.NullTime
	if auth.RevokedAt != nil {
		revokedAt = sql.NullTime{Time: *auth.RevokedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolvers (resolver, bond_amount, authorized, authorized_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resolver) DO UPDATE SET
			bond_amount = EXCLUDED.bond_amount,
			authorized = EXCLUDED.authorized,
			authorized_at = EXCLUDED.authorized_at,
			revoked_at = EXCLUDED.revoked_at`,
		auth.Resolver, auth.BondAmount, auth.Authorized, auth.AuthorizedAt, revokedAt)
	if err != nil {
		return fmt.Errorf("failed to store resolver authorization: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, addr string) (*Authorization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT resolver, bond_amount, authorized, authorized_at, revoked_at
		FROM resolvers WHERE resolver = $1`, addr)

	auth, err := scanAuthorization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResolverNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resolver: %w", err)
	}
	return auth, nil
}

func (s *PostgresStore) List(ctx context.Context, onlyActive bool) ([]*Authorization, error) {
	query := `
		SELECT resolver, bond_amount, authorized, authorized_at, revoked_at
		FROM resolvers`
	if onlyActive {
		query += ` WHERE authorized = TRUE`
	}
	query += ` ORDER BY authorized_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolvers: %w", err)
	}
	defer rows.Close()

	var out []*Authorization
	for rows.Next() {
		auth, err := scanAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resolver row: %w", err)
		}
		out = append(out, auth)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row rowScanner) (*Authorization, error) {
	var auth Authorization
	var revokedAt sql.NullTime
	if err := row.Scan(&auth.Resolver, &auth.BondAmount, &auth.Authorized,
		&auth.AuthorizedAt, &revokedAt); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		auth.RevokedAt = &t
	}
	auth.AuthorizedAt = auth.AuthorizedAt.UTC()
	return &auth, nil
}
