/**
 * @description
 * This file provides an in-memory implementation of the `Repository` interface.
 * It backs the test suite and the `memory` store driver for local development.
 * The concurrency contract matches the PostgreSQL implementation: one mutex per
 * account row, acquired in ascending account-id order, so transfer units between
 * the same pair of accounts serialize and opposite-direction pairs cannot
 * deadlock.
 *
 * All lookups return copies, never internal pointers; balances change only
 * inside a transfer unit holding both row locks.
 */

package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowpay/wallet-service/internal/domain"
)

type memoryAccount struct {
	mu      sync.Mutex
	account domain.Account
}

// MemoryRepository is an in-memory ledger store.
type MemoryRepository struct {
	mu         sync.Mutex
	accounts   map[uuid.UUID]*memoryAccount
	byAddress  map[string]uuid.UUID
	log        []domain.TransactionRecord
	lastCommit time.Time

	// mutateHook, when set, runs after both row locks are held and before any
	// balance changes. Tests use it to inject mid-unit failures.
	mutateHook func(TransferUnit) error
}

// NewMemoryRepository creates an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:  make(map[uuid.UUID]*memoryAccount),
		byAddress: make(map[string]uuid.UUID),
	}
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// CreateAccount registers a new account; the payment address must be unused.
func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizeAddress(account.Address)
	if _, exists := r.byAddress[key]; exists {
		return ErrAddressTaken
	}
	account.CreatedAt = time.Now()
	r.accounts[account.ID] = &memoryAccount{account: *account}
	r.byAddress[key] = account.ID
	return nil
}

// FindAccountByID returns a copy of the account with the given id.
//
// Lock order: r.mu is released before the row mutex is taken. A transfer unit
// holds row mutexes while appendLocked acquires r.mu, so holding r.mu across a
// row mutex here would invert the order and deadlock against an in-flight unit.
func (r *MemoryRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	entry, ok := r.accounts[accountID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrAccountNotFound
	}

	entry.mu.Lock()
	cp := entry.account
	entry.mu.Unlock()
	return &cp, nil
}

// FindAccountByAddress resolves a payment address, case-insensitively.
func (r *MemoryRepository) FindAccountByAddress(ctx context.Context, address string) (*domain.Account, error) {
	r.mu.Lock()
	id, ok := r.byAddress[normalizeAddress(address)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return r.FindAccountByID(ctx, id)
}

// GetBalance returns the current committed balance for an account.
func (r *MemoryRepository) GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	account, err := r.FindAccountByID(ctx, accountID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return account.Balance, nil
}

// ExecuteTransfer runs one atomic transfer unit against the in-memory ledger.
func (r *MemoryRepository) ExecuteTransfer(ctx context.Context, unit TransferUnit) (*domain.TransactionRecord, error) {
	r.mu.Lock()
	sender, senderOK := r.accounts[unit.SenderID]
	receiver, receiverOK := r.accounts[unit.ReceiverID]
	r.mu.Unlock()
	if !senderOK {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, unit.SenderID)
	}
	if !receiverOK {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, unit.ReceiverID)
	}

	// Deterministic lock order: ascending account id, regardless of which side
	// is the sender.
	first, second := sender, receiver
	if bytes.Compare(unit.ReceiverID[:], unit.SenderID[:]) < 0 {
		first, second = receiver, sender
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if first != second {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	if r.mutateHook != nil {
		if err := r.mutateHook(unit); err != nil {
			// No balances have changed; record the failure in its own unit.
			record := r.appendLocked(unit, domain.StatusFailed, err.Error())
			return record, fmt.Errorf("transfer aborted: %w", err)
		}
	}

	if sender.account.Balance.LessThan(unit.Amount) {
		record := r.appendLocked(unit, domain.StatusFailed, ErrInsufficientBalance.Error())
		return record, ErrInsufficientBalance
	}

	sender.account.Balance = sender.account.Balance.Sub(unit.Amount)
	receiver.account.Balance = receiver.account.Balance.Add(unit.Amount)
	record := r.appendLocked(unit, domain.StatusSuccess, "")
	return record, nil
}

// appendLocked appends a record to the log. Callers hold the row locks of the
// affected accounts, so the record commits atomically with any balance change.
// Commit timestamps are monotonically non-decreasing.
func (r *MemoryRepository) appendLocked(unit TransferUnit, status, failureReason string) *domain.TransactionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.lastCommit) {
		now = r.lastCommit
	}
	r.lastCommit = now

	record := domain.TransactionRecord{
		ID:              unit.RecordID,
		SenderID:        unit.SenderID,
		ReceiverID:      unit.ReceiverID,
		SenderAddress:   unit.SenderAddress,
		ReceiverAddress: unit.ReceiverAddress,
		Amount:          unit.Amount,
		Status:          status,
		CreatedAt:       now,
	}
	if record.ReceiverAddress == "" {
		record.ReceiverAddress = receiverUnresolved
	}
	if failureReason != "" {
		reason := failureReason
		record.FailureReason = &reason
	}
	r.log = append(r.log, record)
	cp := record
	return &cp
}

// ListTransactions returns the records visible to an account, newest first.
func (r *MemoryRepository) ListTransactions(ctx context.Context, accountID uuid.UUID, filter domain.HistoryFilter) ([]domain.TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []domain.TransactionRecord
	for i := len(r.log) - 1; i >= 0; i-- {
		record := r.log[i]
		switch filter.Direction {
		case domain.DirectionSent:
			if record.SenderID != accountID {
				continue
			}
		case domain.DirectionReceived:
			if record.ReceiverID != accountID {
				continue
			}
		default:
			if record.SenderID != accountID && record.ReceiverID != accountID {
				continue
			}
		}
		if (filter.Status == domain.StatusSuccess || filter.Status == domain.StatusFailed) && record.Status != filter.Status {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
