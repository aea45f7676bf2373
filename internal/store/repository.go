/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * ledger storage operations required by the wallet-service. By defining an interface,
 * we decouple the application's business logic from the specific storage
 * implementation (PostgreSQL in production, in-memory in tests), making the code
 * more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For account and record identifiers.
 * - github.com/shopspring/decimal: For fixed-point money amounts.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowpay/wallet-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAddressTaken        = errors.New("payment address already in use")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLockTimeout         = errors.New("account lock wait timed out")
)

// TransferUnit describes one atomic unit of work against the ledger: debit the
// sender, credit the receiver, and append the outcome record, all-or-nothing.
// The address fields are snapshots captured before the unit starts; they are
// written into the record verbatim.
type TransferUnit struct {
	RecordID        uuid.UUID
	SenderID        uuid.UUID
	ReceiverID      uuid.UUID
	SenderAddress   string
	ReceiverAddress string
	Amount          decimal.Decimal
}

// Repository defines the set of methods for interacting with the ledger store.
//
// ExecuteTransfer is the only mutation path for balances. It must lock both
// account rows in ascending account-id order regardless of transfer direction,
// re-read balances under the lock, and commit the balance mutation and the
// TransactionRecord as one unit. On insufficient balance it commits a FAILED
// record with no balance change and returns it together with
// ErrInsufficientBalance. Infrastructure failures (store unreachable, lock
// timeout) return a nil record and a plain error; no record is written.
type Repository interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindAccountByAddress(ctx context.Context, address string) (*domain.Account, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)

	ExecuteTransfer(ctx context.Context, unit TransferUnit) (*domain.TransactionRecord, error)

	ListTransactions(ctx context.Context, accountID uuid.UUID, filter domain.HistoryFilter) ([]domain.TransactionRecord, error)
}
