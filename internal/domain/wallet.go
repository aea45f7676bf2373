/**
 * @description
 * This file defines the core domain models for the wallet-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout the
 * service's business logic, ledger storage, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, ledger models, and event payloads keeps
 *   a clear separation of concerns and type safety.
 * - Balances and amounts are `decimal.Decimal` with two decimal places, which avoids
 *   floating-point inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction outcome statuses persisted on a TransactionRecord.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Direction filters accepted by the history projection.
const (
	DirectionAll      = "ALL"
	DirectionSent     = "SENT"
	DirectionReceived = "RECEIVED"
)

// Account represents a user's wallet. The payment address is the human-facing
// handle other users transfer to; it is unique and immutable once assigned.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	OwnerName string          `json:"owner_name"`
	Email     string          `json:"email"`
	Address   string          `json:"address"`
	PINHash   string          `json:"-"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// TransactionRecord is the immutable ledger entry written for every transfer
// attempt that reaches the locking stage. Sender and receiver addresses are
// snapshots copied at transfer time; they are historical facts, not live
// references, so history display stays stable even if an account is later
// archived.
type TransactionRecord struct {
	ID              uuid.UUID       `json:"id"`
	SenderID        uuid.UUID       `json:"sender_id"`
	ReceiverID      uuid.UUID       `json:"receiver_id"`
	SenderAddress   string          `json:"sender_address"`
	ReceiverAddress string          `json:"receiver_address"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	FailureReason   *string         `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TransferRequest is the DTO for incoming transfer API requests.
type TransferRequest struct {
	ReceiverAddress string          `json:"receiver_address"`
	Amount          decimal.Decimal `json:"amount"`
	PIN             string          `json:"pin"`
}

// OpenAccountRequest is the DTO for creating a new wallet account. Credential
// issuance (login, tokens) is owned by an external service; the wallet only
// stores the transfer PIN hash.
type OpenAccountRequest struct {
	OwnerName string `json:"owner_name"`
	Email     string `json:"email"`
	Address   string `json:"address"`
	PIN       string `json:"pin"`
}

// HistoryFilter narrows the history projection by direction and outcome status.
// Zero values mean ALL.
type HistoryFilter struct {
	Direction string
	Status    string
}

// HistoryEntry is one row of the history projection as returned to clients.
// Balance is the caller's current balance snapshot, repeated per row.
type HistoryEntry struct {
	Sender        string          `json:"sender"`
	Receiver      string          `json:"receiver"`
	Balance       decimal.Decimal `json:"balance"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}
