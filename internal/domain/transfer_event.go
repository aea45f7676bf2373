package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transfer event types published per affected account once a transfer attempt
// reaches a terminal state.
const (
	EventTransferSuccess  = "transfer.success"
	EventTransferReceived = "transfer.received"
	EventTransferFailed   = "transfer.failed"
)

// TransferEvent is the outcome notification emitted for one affected account.
// Delivery is an external subscriber's job; the core only publishes.
type TransferEvent struct {
	AccountID     uuid.UUID       `json:"account_id"`
	Type          string          `json:"type"`
	Message       string          `json:"message"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
