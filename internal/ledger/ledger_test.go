package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"ideaforge/internal/config"
	"ideaforge/internal/db"
	"ideaforge/internal/domain"
	"ideaforge/internal/ledger"
	"ideaforge/internal/migrate"
	"ideaforge/internal/repo"
)

func newLedger(t *testing.T, startingCredits int64) (ledger.Ledger, string) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	l := ledger.New(conn, cfg)
	l.Now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	l.Events.Now = l.Now

	userID := uuid.NewString()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	u := domain.User{
		ID:        userID,
		Email:     "maker@example.com",
		Credits:   startingCredits,
		Unlocks:   []string{},
		CreatedAt: "2026-08-01T00:00:00Z",
	}
	if err := l.Repo.InsertUser(context.Background(), tx, u); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return l, userID
}

func TestCheckAndDebit(t *testing.T) {
	l, userID := newLedger(t, 10)
	ctx := context.Background()
	if err := l.CheckAndDebit(ctx, userID, 5, "video_export"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, _, err := l.Balance(ctx, userID)
	if err != nil || balance != 5 {
		t.Fatalf("balance = %d err = %v", balance, err)
	}
}

func TestCheckAndDebitInsufficient(t *testing.T) {
	l, userID := newLedger(t, 3)
	ctx := context.Background()
	err := l.CheckAndDebit(ctx, userID, 5, "video_export")
	var insufficient ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientCreditsError", err)
	}
	if insufficient.Cost != 5 || insufficient.Balance != 3 {
		t.Fatalf("detail = %+v", insufficient)
	}
	// Rejected debit must not touch the balance.
	balance, _, err := l.Balance(ctx, userID)
	if err != nil || balance != 3 {
		t.Fatalf("balance = %d err = %v", balance, err)
	}
}

func TestCheckAndDebitZeroCost(t *testing.T) {
	l, userID := newLedger(t, 0)
	if err := l.CheckAndDebit(context.Background(), userID, 0, "video_unlock"); err != nil {
		t.Fatalf("zero-cost debit: %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, userID := newLedger(t, 10)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.CheckAndDebit(ctx, userID, 3, "video_export")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var insufficient ledger.InsufficientCreditsError
		if !errors.As(err, &insufficient) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 3 {
		t.Fatalf("succeeded = %d, want 3 (10 credits / 3 each)", succeeded)
	}
	balance, _, err := l.Balance(ctx, userID)
	if err != nil || balance != 1 {
		t.Fatalf("balance = %d err = %v", balance, err)
	}
}

func TestRefundCappedAtMaxBalance(t *testing.T) {
	l, userID := newLedger(t, 98)
	ctx := context.Background()
	if err := l.Refund(ctx, userID, 10, "video_export"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	balance, _, err := l.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != l.Config.Credits.MaxBalance {
		t.Fatalf("balance = %d, want cap %d", balance, l.Config.Credits.MaxBalance)
	}
}

func TestRefundUnknownUser(t *testing.T) {
	l, _ := newLedger(t, 10)
	err := l.Refund(context.Background(), "nobody", 5, "video_export")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGrantUnlockIdempotent(t *testing.T) {
	l, userID := newLedger(t, 10)
	ctx := context.Background()
	if err := l.GrantUnlock(ctx, userID, "video_export"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := l.GrantUnlock(ctx, userID, "video_export"); err != nil {
		t.Fatalf("repeat grant: %v", err)
	}
	_, unlocks, err := l.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if len(unlocks) != 1 || unlocks[0] != "video_export" {
		t.Fatalf("unlocks = %v", unlocks)
	}
	held, err := l.HasUnlock(ctx, userID, "video_export")
	if err != nil || !held {
		t.Fatalf("held = %v err = %v", held, err)
	}
}

func TestPurchaseUnlock(t *testing.T) {
	l, userID := newLedger(t, 10)
	ctx := context.Background()
	granted, err := l.PurchaseUnlock(ctx, userID, "video_export", 3, "video_unlock")
	if err != nil || !granted {
		t.Fatalf("purchase: granted=%v err=%v", granted, err)
	}
	granted, err = l.PurchaseUnlock(ctx, userID, "video_export", 3, "video_unlock")
	if err != nil {
		t.Fatalf("repeat purchase: %v", err)
	}
	if granted {
		t.Fatal("repeat purchase must not grant again")
	}
	balance, unlocks, err := l.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 7 {
		t.Fatalf("balance = %d, want 7 after a single charge", balance)
	}
	if len(unlocks) != 1 || unlocks[0] != "video_export" {
		t.Fatalf("unlocks = %v", unlocks)
	}
}

func TestConcurrentPurchasesChargeOnce(t *testing.T) {
	l, userID := newLedger(t, 10)
	ctx := context.Background()

	const workers = 4
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.PurchaseUnlock(ctx, userID, "video_export", 3, "video_unlock")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("purchase: %v", err)
		}
	}
	balance, unlocks, err := l.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 7 {
		t.Fatalf("balance = %d, want 7: the unlock was charged more than once", balance)
	}
	if len(unlocks) != 1 {
		t.Fatalf("unlocks = %v", unlocks)
	}
}

func TestPurchaseUnlockInsufficient(t *testing.T) {
	l, userID := newLedger(t, 2)
	ctx := context.Background()
	granted, err := l.PurchaseUnlock(ctx, userID, "video_export", 3, "video_unlock")
	var insufficient ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientCreditsError", err)
	}
	if granted {
		t.Fatal("rejected purchase must not grant")
	}
	if held, _ := l.HasUnlock(ctx, userID, "video_export"); held {
		t.Fatal("rejected purchase must not leave the unlock behind")
	}
}

func TestGrant(t *testing.T) {
	l, userID := newLedger(t, 10)
	ctx := context.Background()
	if err := l.Grant(ctx, userID, 20); err != nil {
		t.Fatalf("grant: %v", err)
	}
	balance, _, err := l.Balance(ctx, userID)
	if err != nil || balance != 30 {
		t.Fatalf("balance = %d err = %v", balance, err)
	}
	if err := l.Grant(ctx, userID, 0); err == nil {
		t.Fatal("zero grant must be rejected")
	}
}
