package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowpay/wallet-service/internal/domain"
)

func newTestAccount(t *testing.T, repo *MemoryRepository, address, balance string) *domain.Account {
	t.Helper()
	account := &domain.Account{
		ID:        uuid.New(),
		OwnerName: "Test Owner",
		Email:     address + "@example.com",
		Address:   address,
		PINHash:   "hash",
		Balance:   decimal.RequireFromString(balance),
	}
	if err := repo.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateAccount(%s) returned error: %v", address, err)
	}
	return account
}

func mustBalance(t *testing.T, repo *MemoryRepository, accountID uuid.UUID) decimal.Decimal {
	t.Helper()
	balance, err := repo.GetBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}
	return balance
}

func transferUnit(sender, receiver *domain.Account, amount string) TransferUnit {
	return TransferUnit{
		RecordID:        uuid.New(),
		SenderID:        sender.ID,
		ReceiverID:      receiver.ID,
		SenderAddress:   sender.Address,
		ReceiverAddress: receiver.Address,
		Amount:          decimal.RequireFromString(amount),
	}
}

func TestCreateAccount_RejectsDuplicateAddress(t *testing.T) {
	repo := NewMemoryRepository()
	newTestAccount(t, repo, "alice@upi", "100.00")

	dup := &domain.Account{
		ID:      uuid.New(),
		Address: "  ALICE@upi ",
		Balance: decimal.Zero,
	}
	err := repo.CreateAccount(context.Background(), dup)
	if !errors.Is(err, ErrAddressTaken) {
		t.Fatalf("expected ErrAddressTaken for duplicate address, got %v", err)
	}
}

func TestFindAccountByAddress_IsCaseAndSpaceInsensitive(t *testing.T) {
	repo := NewMemoryRepository()
	account := newTestAccount(t, repo, "bob@upi", "50.00")

	found, err := repo.FindAccountByAddress(context.Background(), "  BOB@UPI  ")
	if err != nil {
		t.Fatalf("FindAccountByAddress returned error: %v", err)
	}
	if found.ID != account.ID {
		t.Fatalf("expected account %s, got %s", account.ID, found.ID)
	}

	if _, err := repo.FindAccountByAddress(context.Background(), "nobody@upi"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for unknown address, got %v", err)
	}
}

func TestExecuteTransfer_MovesFundsAndRecordsSuccess(t *testing.T) {
	repo := NewMemoryRepository()
	sender := newTestAccount(t, repo, "sender@upi", "100.00")
	receiver := newTestAccount(t, repo, "receiver@upi", "10.00")

	record, err := repo.ExecuteTransfer(context.Background(), transferUnit(sender, receiver, "30.00"))
	if err != nil {
		t.Fatalf("ExecuteTransfer returned error: %v", err)
	}
	if record.Status != domain.StatusSuccess {
		t.Fatalf("expected SUCCESS record, got %s", record.Status)
	}
	if record.SenderAddress != "sender@upi" || record.ReceiverAddress != "receiver@upi" {
		t.Fatalf("unexpected address snapshots: %s -> %s", record.SenderAddress, record.ReceiverAddress)
	}

	if got := mustBalance(t, repo, sender.ID); !got.Equal(decimal.RequireFromString("70.00")) {
		t.Fatalf("expected sender balance 70.00, got %s", got)
	}
	if got := mustBalance(t, repo, receiver.ID); !got.Equal(decimal.RequireFromString("40.00")) {
		t.Fatalf("expected receiver balance 40.00, got %s", got)
	}
}

func TestExecuteTransfer_InsufficientBalanceCommitsFailedRecord(t *testing.T) {
	repo := NewMemoryRepository()
	sender := newTestAccount(t, repo, "poor@upi", "5.00")
	receiver := newTestAccount(t, repo, "rich@upi", "100.00")

	record, err := repo.ExecuteTransfer(context.Background(), transferUnit(sender, receiver, "10.00"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if record == nil {
		t.Fatal("expected a committed FAILED record for an insufficient-balance outcome")
	}
	if record.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED record, got %s", record.Status)
	}
	if record.FailureReason == nil || *record.FailureReason != ErrInsufficientBalance.Error() {
		t.Fatalf("unexpected failure reason: %v", record.FailureReason)
	}

	// No balance may change on a business-outcome failure.
	if got := mustBalance(t, repo, sender.ID); !got.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("sender balance changed on failed transfer: %s", got)
	}
	if got := mustBalance(t, repo, receiver.ID); !got.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("receiver balance changed on failed transfer: %s", got)
	}

	// The failure is visible in history for both parties.
	records, err := repo.ListTransactions(context.Background(), sender.ID, domain.HistoryFilter{Direction: domain.DirectionAll})
	if err != nil {
		t.Fatalf("ListTransactions returned error: %v", err)
	}
	if len(records) != 1 || records[0].ID != record.ID {
		t.Fatalf("expected the FAILED record in sender history, got %d records", len(records))
	}
}

func TestExecuteTransfer_MidUnitFailureLeavesBalancesIntact(t *testing.T) {
	repo := NewMemoryRepository()
	sender := newTestAccount(t, repo, "a@upi", "100.00")
	receiver := newTestAccount(t, repo, "b@upi", "100.00")

	cause := errors.New("storage write rejected")
	repo.mutateHook = func(TransferUnit) error { return cause }

	record, err := repo.ExecuteTransfer(context.Background(), transferUnit(sender, receiver, "25.00"))
	if err == nil || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped mid-unit failure, got %v", err)
	}
	if record == nil || record.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED record for aborted unit, got %+v", record)
	}

	// Neither the debit nor the credit may survive an aborted unit.
	if got := mustBalance(t, repo, sender.ID); !got.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("sender balance changed on aborted transfer: %s", got)
	}
	if got := mustBalance(t, repo, receiver.ID); !got.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("receiver balance changed on aborted transfer: %s", got)
	}
}

func TestExecuteTransfer_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	repo := NewMemoryRepository()
	alice := newTestAccount(t, repo, "alice@upi", "1000.00")
	bob := newTestAccount(t, repo, "bob@upi", "1000.00")

	const rounds = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := repo.ExecuteTransfer(context.Background(), transferUnit(alice, bob, "1.00")); err != nil {
				t.Errorf("alice->bob transfer failed: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := repo.ExecuteTransfer(context.Background(), transferUnit(bob, alice, "1.00")); err != nil {
				t.Errorf("bob->alice transfer failed: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	// Equal flows in both directions must net to zero, and the total across
	// both accounts is conserved.
	aliceBalance := mustBalance(t, repo, alice.ID)
	bobBalance := mustBalance(t, repo, bob.ID)
	if !aliceBalance.Equal(decimal.RequireFromString("1000.00")) {
		t.Fatalf("expected alice balance 1000.00, got %s", aliceBalance)
	}
	if !bobBalance.Equal(decimal.RequireFromString("1000.00")) {
		t.Fatalf("expected bob balance 1000.00, got %s", bobBalance)
	}
}

func TestExecuteTransfer_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	repo := NewMemoryRepository()
	sender := newTestAccount(t, repo, "src@upi", "50.00")
	receiver := newTestAccount(t, repo, "dst@upi", "0.00")

	// 100 concurrent attempts of 1.00 against a 50.00 balance: exactly 50 can
	// succeed, the rest must fail without driving the balance negative.
	const attempts = 100
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ExecuteTransfer(context.Background(), transferUnit(sender, receiver, "1.00"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, failures int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientBalance):
			failures++
		default:
			t.Fatalf("unexpected transfer error: %v", err)
		}
	}
	if successes != 50 || failures != 50 {
		t.Fatalf("expected 50 successes and 50 insufficient-balance failures, got %d/%d", successes, failures)
	}

	if got := mustBalance(t, repo, sender.ID); !got.Equal(decimal.Zero) {
		t.Fatalf("expected sender drained to 0, got %s", got)
	}
	if got := mustBalance(t, repo, receiver.ID); !got.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("expected receiver balance 50.00, got %s", got)
	}
}

func TestReadsDoNotBlockTransferUnits(t *testing.T) {
	repo := NewMemoryRepository()
	alice := newTestAccount(t, repo, "alice@upi", "1000.00")
	bob := newTestAccount(t, repo, "bob@upi", "1000.00")

	// Balance reads and address lookups must make progress while transfer
	// units hold row locks; if either path takes the repo mutex and a row
	// mutex in opposite orders, this wedges permanently.
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := repo.ExecuteTransfer(ctx, transferUnit(alice, bob, "1.00")); err != nil {
					t.Errorf("transfer failed: %v", err)
					return
				}
			}
		}()
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := repo.GetBalance(ctx, alice.ID); err != nil {
					t.Errorf("GetBalance failed: %v", err)
					return
				}
				if _, err := repo.FindAccountByAddress(ctx, "bob@upi"); err != nil {
					t.Errorf("FindAccountByAddress failed: %v", err)
					return
				}
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent reads and transfer units blocked each other")
	}

	if got := mustBalance(t, repo, alice.ID); !got.Equal(decimal.RequireFromString("800.00")) {
		t.Fatalf("expected alice balance 800.00 after 200 transfers, got %s", got)
	}
	if got := mustBalance(t, repo, bob.ID); !got.Equal(decimal.RequireFromString("1200.00")) {
		t.Fatalf("expected bob balance 1200.00 after 200 transfers, got %s", got)
	}
}

func TestListTransactions_FiltersAndOrdering(t *testing.T) {
	repo := NewMemoryRepository()
	alice := newTestAccount(t, repo, "alice@upi", "100.00")
	bob := newTestAccount(t, repo, "bob@upi", "100.00")
	carol := newTestAccount(t, repo, "carol@upi", "1.00")

	ctx := context.Background()
	if _, err := repo.ExecuteTransfer(ctx, transferUnit(alice, bob, "10.00")); err != nil {
		t.Fatalf("seed transfer 1 failed: %v", err)
	}
	if _, err := repo.ExecuteTransfer(ctx, transferUnit(bob, alice, "5.00")); err != nil {
		t.Fatalf("seed transfer 2 failed: %v", err)
	}
	if _, err := repo.ExecuteTransfer(ctx, transferUnit(carol, alice, "50.00")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected seed transfer 3 to fail with insufficient balance, got %v", err)
	}

	tests := []struct {
		name       string
		filter     domain.HistoryFilter
		wantCount  int
		wantStatus string
	}{
		{name: "all", filter: domain.HistoryFilter{Direction: domain.DirectionAll}, wantCount: 3},
		{name: "sent only", filter: domain.HistoryFilter{Direction: domain.DirectionSent}, wantCount: 1},
		{name: "received only", filter: domain.HistoryFilter{Direction: domain.DirectionReceived}, wantCount: 2},
		{name: "failed only", filter: domain.HistoryFilter{Direction: domain.DirectionAll, Status: domain.StatusFailed}, wantCount: 1, wantStatus: domain.StatusFailed},
		{name: "success only", filter: domain.HistoryFilter{Direction: domain.DirectionAll, Status: domain.StatusSuccess}, wantCount: 2, wantStatus: domain.StatusSuccess},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			records, err := repo.ListTransactions(ctx, alice.ID, tc.filter)
			if err != nil {
				t.Fatalf("ListTransactions returned error: %v", err)
			}
			if len(records) != tc.wantCount {
				t.Fatalf("expected %d records, got %d", tc.wantCount, len(records))
			}
			for _, record := range records {
				if tc.wantStatus != "" && record.Status != tc.wantStatus {
					t.Fatalf("expected only %s records, got %s", tc.wantStatus, record.Status)
				}
			}
			// Newest first.
			for i := 1; i < len(records); i++ {
				if records[i].CreatedAt.After(records[i-1].CreatedAt) {
					t.Fatalf("records out of order: index %d is newer than index %d", i, i-1)
				}
			}
		})
	}
}

func TestListTransactions_ExcludesThirdParties(t *testing.T) {
	repo := NewMemoryRepository()
	alice := newTestAccount(t, repo, "alice@upi", "100.00")
	bob := newTestAccount(t, repo, "bob@upi", "100.00")
	outsider := newTestAccount(t, repo, "outsider@upi", "100.00")

	ctx := context.Background()
	if _, err := repo.ExecuteTransfer(ctx, transferUnit(alice, bob, "10.00")); err != nil {
		t.Fatalf("seed transfer failed: %v", err)
	}

	records, err := repo.ListTransactions(ctx, outsider.ID, domain.HistoryFilter{Direction: domain.DirectionAll})
	if err != nil {
		t.Fatalf("ListTransactions returned error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty history for uninvolved account, got %d records", len(records))
	}
}

func TestAppendLocked_TimestampsAreMonotonic(t *testing.T) {
	repo := NewMemoryRepository()
	alice := newTestAccount(t, repo, "alice@upi", "1000.00")
	bob := newTestAccount(t, repo, "bob@upi", "1000.00")

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := repo.ExecuteTransfer(ctx, transferUnit(alice, bob, "1.00")); err != nil {
			t.Fatalf("transfer %d failed: %v", i, err)
		}
	}

	records, err := repo.ListTransactions(ctx, alice.ID, domain.HistoryFilter{Direction: domain.DirectionAll})
	if err != nil {
		t.Fatalf("ListTransactions returned error: %v", err)
	}
	for i := 1; i < len(records); i++ {
		if records[i].CreatedAt.After(records[i-1].CreatedAt) {
			t.Fatalf("commit timestamps not monotonic at index %d", i)
		}
	}
}
