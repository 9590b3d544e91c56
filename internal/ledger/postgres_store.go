package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/crossclaim/crossclaim/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	bal := &Balance{Account: account}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, locked, updated_at
		FROM balances WHERE account = $1
	`, account).Scan(&bal.Available, &bal.Locked, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			Account:   account,
			Available: "0",
			Locked:    "0",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, account, amt, txHash, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (account, available, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), NOW())
		ON CONFLICT (account) DO UPDATE SET
			available  = balances.available + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, account, amt)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, tx_hash, description, created_at)
		VALUES ($1, $2, 'deposit', $3::NUMERIC(20,6), $4, $5, NOW())
	`, idgen.WithPrefix("led_"), account, amt, nullString(txHash), nullString(description))
	if err != nil {
		return fmt.Errorf("failed to record deposit entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Lock(ctx context.Context, account, amt, reference, entryType string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The available >= amount guard rides on the CHECK constraint; a
	// violation surfaces as an error and rolls the transaction back.
	result, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			available  = available - $2::NUMERIC(20,6),
			locked     = locked    + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account = $1 AND available >= $2::NUMERIC(20,6)
	`, account, amt)
	if err != nil {
		return fmt.Errorf("failed to lock funds: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish missing account from insufficient funds.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM balances WHERE account = $1)`, account,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, NOW())
	`, idgen.WithPrefix("led_"), account, entryType, amt, reference)
	if err != nil {
		return fmt.Errorf("failed to record lock entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Unlock(ctx context.Context, account, amt, reference, entryType string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			locked     = locked    - $2::NUMERIC(20,6),
			available  = available + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account = $1 AND locked >= $2::NUMERIC(20,6)
	`, account, amt)
	if err != nil {
		return fmt.Errorf("failed to unlock funds: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM balances WHERE account = $1)`, account,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, NOW())
	`, idgen.WithPrefix("led_"), account, entryType, amt, reference)
	if err != nil {
		return fmt.Errorf("failed to record unlock entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Settle(ctx context.Context, from, to, feeCollector, net, fee, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Debit the sender's locked funds by the gross amount.
	result, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			locked     = locked - ($2::NUMERIC(20,6) + $3::NUMERIC(20,6)),
			updated_at = NOW()
		WHERE account = $1 AND locked >= ($2::NUMERIC(20,6) + $3::NUMERIC(20,6))
	`, from, net, fee)
	if err != nil {
		return fmt.Errorf("failed to debit sender: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}

	// Credit the recipient's available.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (account, available, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), NOW())
		ON CONFLICT (account) DO UPDATE SET
			available  = balances.available + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, to, net)
	if err != nil {
		return fmt.Errorf("failed to credit recipient: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, reference, created_at)
		VALUES ($1, $2, 'release', ($3::NUMERIC(20,6) + $4::NUMERIC(20,6)), $5, NOW()),
		       ($6, $7, 'receive', $3::NUMERIC(20,6), $5, NOW())
	`, idgen.WithPrefix("led_"), from, net, fee, reference, idgen.WithPrefix("led_"), to)
	if err != nil {
		return fmt.Errorf("failed to record settle entries: %w", err)
	}

	// Fee leg, when a collector is set.
	if feeCollector != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO balances (account, available, updated_at)
			VALUES ($1, $2::NUMERIC(20,6), NOW())
			ON CONFLICT (account) DO UPDATE SET
				available  = balances.available + $2::NUMERIC(20,6),
				updated_at = NOW()
		`, feeCollector, fee)
		if err != nil {
			return fmt.Errorf("failed to credit fee collector: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account, type, amount, reference, created_at)
			VALUES ($1, $2, 'fee', $3::NUMERIC(20,6), $4, NOW())
		`, idgen.WithPrefix("led_"), feeCollector, fee, reference)
		if err != nil {
			return fmt.Errorf("failed to record fee entry: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, type, amount, COALESCE(tx_hash, ''), COALESCE(reference, ''),
		       COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Account, &e.Type, &e.Amount,
			&e.TxHash, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries WHERE type = 'deposit' AND tx_hash = $1
		)`, txHash).Scan(&exists)
	return exists, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
