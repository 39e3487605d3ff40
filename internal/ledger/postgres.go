package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresLedger persists payments and their audit trail in PostgreSQL.
// Row locks on the payment row serialize concurrent transition attempts.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const paymentColumns = `id, idempotency_key, state, from_wallet_id, to_wallet_id,
        amount, currency, kind, description, refund_of, created_at, completed_at`

const selectColumns = `id, idempotency_key, state, from_wallet_id, to_wallet_id,
        amount::text, currency, kind, description, refund_of, created_at, completed_at`

func (l *PostgresLedger) Create(ctx context.Context, payment Payment, message string) (Payment, error) {
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Payment{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	_, err = tx.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)`,
		payment.ID, payment.IdempotencyKey, payment.State, payment.FromWalletID, payment.ToWalletID,
		payment.Amount.String(), payment.Currency, payment.Kind, payment.Description, payment.RefundOf,
		payment.CreatedAt, payment.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Payment{}, ErrDuplicateID
		}
		return Payment{}, err
	}

	if err := appendLog(ctx, tx, payment.ID, payment.State, message); err != nil {
		return Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Payment{}, err
	}
	return payment, nil
}

func (l *PostgresLedger) Transition(ctx context.Context, id string, to State, message string) (Payment, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Payment{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, err
	}

	if !CanTransition(payment.State, to) {
		return Payment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, payment.State, to)
	}

	payment.State = to
	if to == StateCompleted {
		completedAt := time.Now().UTC()
		payment.CompletedAt = &completedAt
	}

	if _, err := tx.Exec(ctx, `UPDATE payments SET state = $2, completed_at = $3 WHERE id = $1`,
		id, payment.State, payment.CompletedAt); err != nil {
		return Payment{}, err
	}
	if err := appendLog(ctx, tx, id, to, message); err != nil {
		return Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Payment{}, err
	}
	return payment, nil
}

func (l *PostgresLedger) Annotate(ctx context.Context, id, message string) error {
	var state State
	if err := l.db.QueryRow(ctx, `SELECT state FROM payments WHERE id = $1`, id).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return appendLog(ctx, l.db, id, state, message)
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (Payment, error) {
	row := l.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM payments WHERE id = $1`, id)
	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, err
	}
	return payment, nil
}

func (l *PostgresLedger) Log(ctx context.Context, id string) ([]LogEntry, error) {
	rows, err := l.db.Query(ctx, `SELECT payment_id, state, message, timestamp
        FROM payment_logs WHERE payment_id = $1 ORDER BY timestamp, seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		if err := rows.Scan(&entry.PaymentID, &entry.State, &entry.Message, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if entries == nil {
		if _, err := l.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (l *PostgresLedger) FindRefundOf(ctx context.Context, originalID string) (Payment, bool, error) {
	row := l.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM payments WHERE refund_of = $1 AND state <> $2 LIMIT 1`, originalID, StateFailed)
	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, false, nil
		}
		return Payment{}, false, err
	}
	return payment, true, nil
}

func (l *PostgresLedger) FindProcessingOlderThan(ctx context.Context, cutoff time.Time) ([]Payment, error) {
	rows, err := l.db.Query(ctx, `SELECT `+selectColumns+` FROM payments
        WHERE state = $1 AND created_at < $2 ORDER BY created_at`, StateProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stuck []Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		stuck = append(stuck, payment)
	}
	return stuck, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendLog(ctx context.Context, db execer, id string, state State, message string) error {
	_, err := db.Exec(ctx, `INSERT INTO payment_logs (payment_id, state, message, timestamp)
        VALUES ($1, $2, $3, $4)`, id, state, message, time.Now().UTC())
	return err
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var amount string
	var description, refundOf *string
	var completedAt *time.Time
	if err := row.Scan(&p.ID, &p.IdempotencyKey, &p.State, &p.FromWalletID, &p.ToWalletID,
		&amount, &p.Currency, &p.Kind, &description, &refundOf, &p.CreatedAt, &completedAt); err != nil {
		return Payment{}, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return Payment{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	p.Amount = parsed
	if description != nil {
		p.Description = *description
	}
	if refundOf != nil {
		p.RefundOf = *refundOf
	}
	p.CreatedAt = p.CreatedAt.UTC()
	if completedAt != nil {
		utc := completedAt.UTC()
		p.CompletedAt = &utc
	}
	return p, nil
}
