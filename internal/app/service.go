/**
 * @description
 * This file contains the core business logic for the wallet-service. The `Service`
 * struct orchestrates transfers between wallet accounts, coordinating between the
 * ledger repository and the event producer.
 *
 * Key features:
 * - Implements the main use cases: account opening, fund transfers, balance reads,
 *   and the transaction history projection.
 * - Validates every transfer before any account lock is taken; validation failures
 *   reject with zero side effects.
 * - Delegates the atomic debit/credit/record unit to the ledger store and emits
 *   outcome events only after the unit has committed.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For record identifiers.
 * - github.com/shopspring/decimal: Fixed-point money amounts.
 * - golang.org/x/crypto/bcrypt: PIN verification against stored hashes.
 * - internal/domain, internal/store: For domain models and ledger access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/flowpay/wallet-service/internal/domain"
	"github.com/flowpay/wallet-service/internal/store"
)

var (
	ErrInvalidAmount        = errors.New("transfer amount must be positive with at most two decimal places")
	ErrReceiverNotFound     = errors.New("receiver address not found")
	ErrSelfTransfer         = errors.New("self-transfer is not allowed")
	ErrInvalidPIN           = errors.New("invalid transaction pin")
	ErrInvalidHistoryFilter = errors.New("invalid history filter")
	ErrTransferRateLimited  = errors.New("too many transfer attempts")

	ErrOwnerNameRequired = errors.New("owner name is required")
	ErrInvalidEmail      = errors.New("a valid email is required")
	ErrAddressRequired   = errors.New("payment address is required")
	ErrInvalidPINFormat  = errors.New("pin must be 4 to 6 digits")
)

const transferRateWindow = time.Minute

// Emitter publishes transfer-outcome events. The transport behind it (message
// broker, webhook, socket) is pluggable; delivery is best-effort and owned by
// an external subscriber.
type Emitter interface {
	EmitTransferOutcome(ctx context.Context, event domain.TransferEvent) error
}

// RateLimiter constrains how often a subject may perform an action within a
// time window. A nil limiter disables limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for the wallet ledger.
type Service struct {
	repo           store.Repository
	emitter        Emitter
	openingBalance decimal.Decimal

	limiter           RateLimiter
	transferRateLimit int
}

// NewService creates a new wallet service instance. openingBalance seeds every
// newly opened account.
func NewService(repo store.Repository, emitter Emitter, openingBalance decimal.Decimal) *Service {
	return &Service{
		repo:           repo,
		emitter:        emitter,
		openingBalance: openingBalance,
	}
}

// SetTransferRateLimiter enables per-sender transfer rate limiting.
func (s *Service) SetTransferRateLimiter(limiter RateLimiter, perMinute int) {
	s.limiter = limiter
	s.transferRateLimit = perMinute
}

// OpenAccount creates a new wallet seeded with the configured opening balance.
// The payment address must be unused; the PIN is stored as a bcrypt hash.
func (s *Service) OpenAccount(ctx context.Context, req domain.OpenAccountRequest) (*domain.Account, error) {
	ownerName := strings.TrimSpace(req.OwnerName)
	if ownerName == "" {
		return nil, ErrOwnerNameRequired
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		return nil, ErrAddressRequired
	}
	if !validPINFormat(req.PIN) {
		return nil, ErrInvalidPINFormat
	}

	pinHash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash pin: %w", err)
	}

	account := &domain.Account{
		ID:        uuid.New(),
		OwnerName: ownerName,
		Email:     email,
		Address:   address,
		PINHash:   string(pinHash),
		Balance:   s.openingBalance,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	log.Printf("level=info component=app msg=\"account opened\" account_id=%s address=%s", account.ID, account.Address)
	return account, nil
}

// Transfer moves funds from the sender to the account behind receiverAddress.
//
// All preconditions are checked before any lock is taken: amount shape, address
// resolution, the self-transfer rule, and the PIN proof. A precondition failure
// rejects the request with zero side effects; no record is written. Once the
// preconditions pass, the ledger store runs the atomic unit: both accounts are
// locked in deterministic order, balances re-read under the lock, and the
// mutation commits together with the TransactionRecord. Outcome events for both
// parties are emitted only after the commit is durable; an emit failure never
// rolls back the financial commit.
func (s *Service) Transfer(ctx context.Context, senderID uuid.UUID, req domain.TransferRequest) (*domain.TransactionRecord, error) {
	if err := s.consumeTransferBudget(ctx, senderID); err != nil {
		return nil, err
	}
	if !validAmount(req.Amount) {
		return nil, ErrInvalidAmount
	}

	sender, err := s.repo.FindAccountByID(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to find sender: %w", err)
	}

	receiver, err := s.repo.FindAccountByAddress(ctx, req.ReceiverAddress)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrReceiverNotFound
		}
		return nil, fmt.Errorf("failed to resolve receiver address: %w", err)
	}
	if receiver.ID == sender.ID {
		return nil, ErrSelfTransfer
	}

	if bcrypt.CompareHashAndPassword([]byte(sender.PINHash), []byte(req.PIN)) != nil {
		return nil, ErrInvalidPIN
	}

	record, err := s.repo.ExecuteTransfer(ctx, store.TransferUnit{
		RecordID:        uuid.New(),
		SenderID:        sender.ID,
		ReceiverID:      receiver.ID,
		SenderAddress:   sender.Address,
		ReceiverAddress: receiver.Address,
		Amount:          req.Amount,
	})
	if record != nil {
		// The unit reached a terminal state and the record is durable; both
		// parties get an outcome event whether it succeeded or failed.
		s.emitOutcome(ctx, record)
	}
	if err != nil {
		log.Printf("level=warn component=app msg=\"transfer did not complete\" sender_id=%s receiver_id=%s amount=%s err=%v",
			sender.ID, receiver.ID, req.Amount, err)
	}
	return record, err
}

// Balance returns the current committed balance for an account.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	return s.repo.GetBalance(ctx, accountID)
}

// History returns the transaction records visible to an account, newest first,
// narrowed by direction (ALL, SENT, RECEIVED) and status (ALL, SUCCESS,
// FAILED). It is a read-only projection over the append-only log; each entry
// carries the caller's current balance snapshot.
func (s *Service) History(ctx context.Context, accountID uuid.UUID, direction, status string) ([]domain.HistoryEntry, error) {
	filter, err := normalizeHistoryFilter(direction, status)
	if err != nil {
		return nil, err
	}

	balance, err := s.repo.GetBalance(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	records, err := s.repo.ListTransactions(ctx, accountID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	entries := make([]domain.HistoryEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, domain.HistoryEntry{
			Sender:        record.SenderAddress,
			Receiver:      record.ReceiverAddress,
			Balance:       balance,
			Amount:        record.Amount,
			Status:        record.Status,
			FailureReason: record.FailureReason,
			Timestamp:     record.CreatedAt,
		})
	}
	return entries, nil
}

// consumeTransferBudget applies the optional per-sender rate limit.
func (s *Service) consumeTransferBudget(ctx context.Context, senderID uuid.UUID) error {
	if s.limiter == nil || s.transferRateLimit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "transfer", senderID.String(), s.transferRateLimit, transferRateWindow)
	if err != nil {
		// The limiter is a guard rail, not a ledger dependency; degrade open.
		log.Printf("level=warn component=app msg=\"rate limiter unavailable; allowing transfer\" sender_id=%s err=%v", senderID, err)
		return nil
	}
	if count > s.transferRateLimit {
		log.Printf("level=warn component=app msg=\"transfer rate limited\" sender_id=%s count=%d retry_after_s=%d", senderID, count, retryAfter)
		return ErrTransferRateLimited
	}
	return nil
}

// emitOutcome publishes one event per affected party for a committed record.
func (s *Service) emitOutcome(ctx context.Context, record *domain.TransactionRecord) {
	if s.emitter == nil {
		return
	}

	senderEvent := domain.TransferEvent{
		AccountID:     record.SenderID,
		Type:          domain.EventTransferSuccess,
		Message:       "Transfer successful",
		TransactionID: record.ID,
		Amount:        record.Amount,
		Status:        record.Status,
		OccurredAt:    record.CreatedAt,
	}
	receiverEvent := domain.TransferEvent{
		AccountID:     record.ReceiverID,
		Type:          domain.EventTransferReceived,
		Message:       "Money received",
		TransactionID: record.ID,
		Amount:        record.Amount,
		Status:        record.Status,
		OccurredAt:    record.CreatedAt,
	}
	if record.Status == domain.StatusFailed {
		reason := "unknown"
		if record.FailureReason != nil {
			reason = *record.FailureReason
		}
		senderEvent.Type = domain.EventTransferFailed
		senderEvent.Message = "Transfer failed: " + reason
		receiverEvent.Type = domain.EventTransferFailed
		receiverEvent.Message = "Transfer failed"
	}

	for _, event := range []domain.TransferEvent{senderEvent, receiverEvent} {
		if err := s.emitter.EmitTransferOutcome(ctx, event); err != nil {
			log.Printf("level=warn component=app msg=\"outcome event publish failed\" account_id=%s transaction_id=%s err=%v",
				event.AccountID, event.TransactionID, err)
		}
	}
}

// validAmount reports whether amount is positive with the ledger's fixed
// two-decimal precision.
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Exponent() >= -2
}

// validPINFormat reports whether pin is 4 to 6 ASCII digits.
func validPINFormat(pin string) bool {
	if len(pin) < 4 || len(pin) > 6 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalizeHistoryFilter validates and canonicalizes the projection filters.
func normalizeHistoryFilter(direction, status string) (domain.HistoryFilter, error) {
	direction = strings.ToUpper(strings.TrimSpace(direction))
	if direction == "" {
		direction = domain.DirectionAll
	}
	switch direction {
	case domain.DirectionAll, domain.DirectionSent, domain.DirectionReceived:
	default:
		return domain.HistoryFilter{}, fmt.Errorf("%w: direction %q", ErrInvalidHistoryFilter, direction)
	}

	status = strings.ToUpper(strings.TrimSpace(status))
	if status == "" {
		status = "ALL"
	}
	switch status {
	case "ALL", domain.StatusSuccess, domain.StatusFailed:
	default:
		return domain.HistoryFilter{}, fmt.Errorf("%w: status %q", ErrInvalidHistoryFilter, status)
	}

	filter := domain.HistoryFilter{Direction: direction}
	if status != "ALL" {
		filter.Status = status
	}
	return filter, nil
}
