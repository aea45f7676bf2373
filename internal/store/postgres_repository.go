/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * backing the wallet ledger: accounts and the append-only transactions log.
 *
 * The transfer unit locks both account rows with `SELECT ... FOR UPDATE` in
 * ascending account-id order. Two concurrent transfers between the same pair of
 * accounts, issued in opposite directions, therefore always acquire locks in the
 * same order and can never deadlock against each other.
 *
 * @dependencies
 * - context, errors, fmt: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Fixed-point money amounts.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/flowpay/wallet-service/internal/domain"
)

// receiverUnresolved is written as the receiver snapshot on the defensive
// failure path where a mid-unit error precedes snapshot capture. Recording the
// failure must never itself fail for lack of a receiver.
const receiverUnresolved = "unresolved"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db            *pgxpool.Pool
	lockTimeoutMS int
}

// NewPostgresRepository creates a new instance of PostgresRepository.
// lockTimeoutMS bounds the wait for account row locks; an exceeded wait
// surfaces as ErrLockTimeout, an infrastructure failure.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeoutMS int) *PostgresRepository {
	if lockTimeoutMS <= 0 {
		lockTimeoutMS = 5000
	}
	return &PostgresRepository{db: db, lockTimeoutMS: lockTimeoutMS}
}

// EnsureSchema creates the ledger tables if they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			owner_name TEXT NOT NULL,
			email TEXT NOT NULL,
			address TEXT NOT NULL,
			pin_hash TEXT NOT NULL,
			balance NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS accounts_address_unique
			ON accounts (lower(btrim(address)));

		CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			sender_id UUID NOT NULL REFERENCES accounts(id),
			receiver_id UUID NOT NULL REFERENCES accounts(id),
			sender_address TEXT NOT NULL,
			receiver_address TEXT NOT NULL,
			amount NUMERIC(12,2) NOT NULL CHECK (amount > 0),
			status TEXT NOT NULL,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS transactions_sender_idx ON transactions (sender_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS transactions_receiver_idx ON transactions (receiver_id, created_at DESC);
	`)
	return err
}

// CreateAccount inserts a new wallet account. Address uniqueness is enforced
// here, at creation time, by the unique index.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, owner_name, email, address, pin_hash, balance)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		account.ID,
		account.OwnerName,
		account.Email,
		account.Address,
		account.PINHash,
		account.Balance,
	).Scan(&account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAddressTaken
		}
		return err
	}
	return nil
}

// FindAccountByID retrieves an account by its internal id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, owner_name, email, address, pin_hash, balance, created_at FROM accounts WHERE id = $1`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&account.ID, &account.OwnerName, &account.Email, &account.Address,
		&account.PINHash, &account.Balance, &account.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// FindAccountByAddress resolves a payment address to an account. The match is
// case-insensitive and ignores surrounding whitespace.
func (r *PostgresRepository) FindAccountByAddress(ctx context.Context, address string) (*domain.Account, error) {
	var account domain.Account
	query := `
		SELECT id, owner_name, email, address, pin_hash, balance, created_at
		FROM accounts
		WHERE lower(btrim(address)) = lower(btrim($1))
	`
	err := r.db.QueryRow(ctx, query, address).Scan(
		&account.ID, &account.OwnerName, &account.Email, &account.Address,
		&account.PINHash, &account.Balance, &account.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetBalance returns the current committed balance for an account.
func (r *PostgresRepository) GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Decimal{}, ErrAccountNotFound
		}
		return decimal.Decimal{}, err
	}
	return balance, nil
}

// ExecuteTransfer runs one atomic transfer unit: ordered row locks, balance
// re-read, debit+credit, and the record append, all in a single transaction.
func (r *PostgresRepository) ExecuteTransfer(ctx context.Context, unit TransferUnit) (*domain.TransactionRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transfer unit: %w", err)
	}
	defer tx.Rollback(ctx)

	// Bound the lock wait so a wedged peer cannot stall this unit forever.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeoutMS)); err != nil {
		return nil, fmt.Errorf("failed to set lock timeout: %w", err)
	}

	// 1. Lock both account rows in ascending id order, whichever direction the
	// transfer runs. Balances are re-read under the lock; anything read before
	// locking is advisory only.
	first, second := orderAccountIDs(unit.SenderID, unit.ReceiverID)
	balances := make(map[uuid.UUID]decimal.Decimal, 2)
	for _, id := range []uuid.UUID{first, second} {
		var balance decimal.Decimal
		err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&balance)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
			}
			if isLockTimeout(err) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, id)
			}
			return nil, fmt.Errorf("failed to lock account %s: %w", id, err)
		}
		balances[id] = balance
	}

	// 2. Insufficient balance is a business outcome, not an infrastructure
	// failure: commit a FAILED record for auditability with no balance change.
	if balances[unit.SenderID].LessThan(unit.Amount) {
		record, recErr := appendRecord(ctx, tx, unit, domain.StatusFailed, ErrInsufficientBalance.Error())
		if recErr != nil {
			return nil, fmt.Errorf("failed to record insufficient-balance outcome: %w", recErr)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit failure record: %w", err)
		}
		return record, ErrInsufficientBalance
	}

	// 3. Debit sender and credit receiver inside the same unit.
	if err := mutateBalances(ctx, tx, unit); err != nil {
		// The deferred rollback undoes any partial mutation before the FAILED
		// record is written in its own unit below.
		tx.Rollback(ctx)
		return r.appendFailedRecord(ctx, unit, err)
	}

	// 4. Append the SUCCESS record atomically with the balance mutation.
	record, err := appendRecord(ctx, tx, unit, domain.StatusSuccess, "")
	if err != nil {
		tx.Rollback(ctx)
		return r.appendFailedRecord(ctx, unit, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transfer unit: %w", err)
	}
	return record, nil
}

// mutateBalances applies the debit and credit for a transfer unit.
func mutateBalances(ctx context.Context, tx pgx.Tx, unit TransferUnit) error {
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $1 WHERE id = $2`, unit.Amount, unit.SenderID); err != nil {
		return fmt.Errorf("failed to debit sender: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $1 WHERE id = $2`, unit.Amount, unit.ReceiverID); err != nil {
		return fmt.Errorf("failed to credit receiver: %w", err)
	}
	return nil
}

// appendRecord inserts the transaction record for a unit inside its transaction.
// The commit timestamp comes from the database clock, so the log's created_at
// sequence is monotonically non-decreasing.
func appendRecord(ctx context.Context, tx pgx.Tx, unit TransferUnit, status, failureReason string) (*domain.TransactionRecord, error) {
	record := &domain.TransactionRecord{
		ID:              unit.RecordID,
		SenderID:        unit.SenderID,
		ReceiverID:      unit.ReceiverID,
		SenderAddress:   unit.SenderAddress,
		ReceiverAddress: unit.ReceiverAddress,
		Amount:          unit.Amount,
		Status:          status,
	}
	if record.ReceiverAddress == "" {
		record.ReceiverAddress = receiverUnresolved
	}
	if failureReason != "" {
		record.FailureReason = &failureReason
	}
	query := `
		INSERT INTO transactions (id, sender_id, receiver_id, sender_address, receiver_address, amount, status, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`
	err := tx.QueryRow(ctx, query,
		record.ID, record.SenderID, record.ReceiverID,
		record.SenderAddress, record.ReceiverAddress,
		record.Amount, record.Status, record.FailureReason,
	).Scan(&record.CreatedAt)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// appendFailedRecord writes a FAILED record in a fresh unit after the failing
// unit has been rolled back. The balances are already back to their pre-unit
// state when this runs; failure recording and rollback never interleave.
func (r *PostgresRepository) appendFailedRecord(ctx context.Context, unit TransferUnit, cause error) (*domain.TransactionRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin failure record unit: %w", err)
	}
	defer tx.Rollback(ctx)

	record, recErr := appendRecord(ctx, tx, unit, domain.StatusFailed, cause.Error())
	if recErr != nil {
		return nil, fmt.Errorf("failed to record transfer failure (cause: %v): %w", cause, recErr)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit failure record (cause: %v): %w", cause, err)
	}
	return record, fmt.Errorf("transfer aborted: %w", cause)
}

// ListTransactions returns the transaction records visible to an account,
// newest first, narrowed by the history filter.
func (r *PostgresRepository) ListTransactions(ctx context.Context, accountID uuid.UUID, filter domain.HistoryFilter) ([]domain.TransactionRecord, error) {
	query := `
		SELECT id, sender_id, receiver_id, sender_address, receiver_address, amount, status, failure_reason, created_at
		FROM transactions
	`
	args := []interface{}{accountID}

	switch filter.Direction {
	case domain.DirectionSent:
		query += ` WHERE sender_id = $1`
	case domain.DirectionReceived:
		query += ` WHERE receiver_id = $1`
	default:
		query += ` WHERE (sender_id = $1 OR receiver_id = $1)`
	}
	if filter.Status == domain.StatusSuccess || filter.Status == domain.StatusFailed {
		args = append(args, filter.Status)
		query += ` AND status = $2`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		var record domain.TransactionRecord
		err := rows.Scan(
			&record.ID, &record.SenderID, &record.ReceiverID,
			&record.SenderAddress, &record.ReceiverAddress,
			&record.Amount, &record.Status, &record.FailureReason, &record.CreatedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// orderAccountIDs returns the pair in ascending byte order. This is the total
// ordering used for lock acquisition.
func orderAccountIDs(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return a, b
	}
	return b, a
}

// isLockTimeout reports whether err is a postgres lock_not_available error (55P03).
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}
