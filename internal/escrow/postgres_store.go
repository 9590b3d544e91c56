package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, asset, sender, recipient, amount, secret_hash, timelock,
			dataset_ref, resolver, origin_chain_id, claimed, refunded,
			created_at, settled_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14
		)`,
		r.ID, r.Asset, r.Sender, r.Recipient, r.Amount, r.SecretHash, r.Timelock,
		nullString(r.DatasetRef), nullString(r.Resolver), r.OriginChainID,
		r.Claimed, r.Refunded, r.CreatedAt, nullTime(r.SettledAt),
	)
	return err
}

const escrowColumns = `id, asset, sender, recipient, amount, secret_hash, timelock,
		       COALESCE(dataset_ref, ''), COALESCE(resolver, ''), origin_chain_id,
		       claimed, refunded, created_at, settled_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	// Terminal flags only ever flip forward; the WHERE clause refuses to
	// touch a row that already settled, making check-and-set atomic at the
	// database level as well.
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			claimed = $1, refunded = $2, resolver = $3, settled_at = $4
		WHERE id = $5 AND claimed = FALSE AND refunded = FALSE`,
		r.Claimed, r.Refunded, nullString(r.Resolver), nullTime(r.SettledAt), r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the record is missing or it already settled.
		existing, getErr := p.Get(ctx, r.ID)
		if getErr != nil {
			return getErr
		}
		if existing.Settled() {
			return ErrAlreadySettled
		}
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, addr string, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE sender = $1 OR recipient = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	var settledAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Asset, &r.Sender, &r.Recipient, &r.Amount, &r.SecretHash, &r.Timelock,
		&r.DatasetRef, &r.Resolver, &r.OriginChainID,
		&r.Claimed, &r.Refunded, &r.CreatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		t := settledAt.Time
		r.SettledAt = &t
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
