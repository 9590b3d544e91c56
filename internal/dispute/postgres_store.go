package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists dispute cases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a dispute store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, cs *Case) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (id, escrow_id, disputant, reason, evidence_ref, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cs.ID, cs.EscrowID, cs.Disputant, cs.Reason, nullString(cs.EvidenceRef), cs.OpenedAt)
	if err != nil {
		return fmt.Errorf("failed to create dispute case: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, disputant, reason, evidence_ref, opened_at, resolved_at, outcome
		FROM disputes WHERE id = $1`, id)
	cs, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute case: %w", err)
	}
	return cs, nil
}

func (s *PostgresStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, disputant, reason, evidence_ref, opened_at, resolved_at, outcome
		FROM disputes WHERE escrow_id = $1 AND resolved_at IS NULL
		ORDER BY opened_at LIMIT 1`, escrowID)
	cs, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open dispute: %w", err)
	}
	return cs, nil
}

func (s *PostgresStore) Update(ctx context.Context, cs *Case) error {
	var resolvedAt sql.NullTime
	if cs.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *cs.ResolvedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET resolved_at = $1, outcome = $2 WHERE id = $3`,
		resolvedAt, nullString(string(cs.Outcome)), cs.ID)
	if err != nil {
		return fmt.Errorf("failed to update dispute case: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (s *PostgresStore) ListOpen(ctx context.Context, olderThan time.Time, limit int) ([]*Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, escrow_id, disputant, reason, evidence_ref, opened_at, resolved_at, outcome
		FROM disputes WHERE resolved_at IS NULL AND opened_at <= $1
		ORDER BY opened_at LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open disputes: %w", err)
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		cs, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispute row: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*Case, error) {
	var cs Case
	var evidenceRef, outcome sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&cs.ID, &cs.EscrowID, &cs.Disputant, &cs.Reason,
		&evidenceRef, &cs.OpenedAt, &resolvedAt, &outcome); err != nil {
		return nil, err
	}
	cs.EvidenceRef = evidenceRef.String
	cs.Outcome = Outcome(outcome.String)
	cs.OpenedAt = cs.OpenedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		cs.ResolvedAt = &t
	}
	return &cs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
