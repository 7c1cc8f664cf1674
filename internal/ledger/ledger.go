package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ideaforge/internal/config"
	"ideaforge/internal/events"
	"ideaforge/internal/repo"
)

// InsufficientCreditsError reports a rejected debit. The balance field
// carries the balance observed at rejection time.
type InsufficientCreditsError struct {
	UserID  string
	Cost    int64
	Balance int64
}

func (e InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Cost, e.Balance)
}

// Ledger owns the per-user credit balance and one-time feature unlocks.
// Every debit/refund is a single UPDATE guarded by the stored balance,
// so two concurrent debits can never both observe sufficient funds.
type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Ledger {
	return Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Balance returns the user's credit state.
func (l Ledger) Balance(ctx context.Context, userID string) (int64, []string, error) {
	u, err := l.Repo.GetUser(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	return u.Credits, u.Unlocks, nil
}

// CheckAndDebit atomically checks the balance and debits cost from it.
// The debit is committed before this returns, so a gated action started
// afterwards is always already paid for. A zero cost is a no-op success.
func (l Ledger) CheckAndDebit(ctx context.Context, userID string, cost int64, action string) error {
	if cost < 0 {
		return errors.New("cost must be non-negative")
	}
	if cost == 0 {
		return nil
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE users SET credits=credits-? WHERE id=? AND credits>=?`, cost, userID, cost)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var balance int64
		err := tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id=?`, userID).Scan(&balance)
		if err == sql.ErrNoRows {
			return repo.ErrNotFound
		}
		if err != nil {
			return err
		}
		return InsufficientCreditsError{UserID: userID, Cost: cost, Balance: balance}
	}
	if err := l.Events.Append(ctx, tx, "credits.debited", "", "user", userID, userID, events.EventPayload{
		"action": action,
		"cost":   cost,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Refund restores cost to the balance after a debited action failed
// irrecoverably. The balance never exceeds the configured cap; the
// caller is responsible for refunding an action at most once.
func (l Ledger) Refund(ctx context.Context, userID string, cost int64, action string) error {
	if cost < 0 {
		return errors.New("cost must be non-negative")
	}
	if cost == 0 {
		return nil
	}
	maxBalance := int64(0)
	if l.Config != nil {
		maxBalance = l.Config.Credits.MaxBalance
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var res sql.Result
	if maxBalance > 0 {
		res, err = tx.ExecContext(ctx, `UPDATE users SET credits=MIN(credits+?, ?) WHERE id=?`, cost, maxBalance, userID)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE users SET credits=credits+? WHERE id=?`, cost, userID)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	if err := l.Events.Append(ctx, tx, "credits.refunded", "", "user", userID, userID, events.EventPayload{
		"action": action,
		"cost":   cost,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Grant adds credits to a user, clamped to the cap. Used by admin tooling.
func (l Ledger) Grant(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return errors.New("amount must be positive")
	}
	return l.Refund(ctx, userID, amount, "admin.grant")
}

// GrantUnlock grants a named one-time feature flag. Granting an
// already-held unlock is a no-op success.
func (l Ledger) GrantUnlock(ctx context.Context, userID, feature string) error {
	if feature == "" {
		return errors.New("feature required")
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var unlocksJSON string
	err = tx.QueryRowContext(ctx, `SELECT unlocks_json FROM users WHERE id=?`, userID).Scan(&unlocksJSON)
	if err == sql.ErrNoRows {
		return repo.ErrNotFound
	}
	if err != nil {
		return err
	}
	var unlocks []string
	if err := json.Unmarshal([]byte(unlocksJSON), &unlocks); err != nil {
		return fmt.Errorf("decode unlocks: %w", err)
	}
	for _, u := range unlocks {
		if u == feature {
			return tx.Commit()
		}
	}
	unlocks = append(unlocks, feature)
	data, err := json.Marshal(unlocks)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET unlocks_json=? WHERE id=?`, string(data), userID); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, "unlock.granted", "", "user", userID, userID, events.EventPayload{
		"feature": feature,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// PurchaseUnlock buys a named unlock: the held check, the debit and
// the grant commit together, so concurrent purchases of the same
// feature charge at most once. Returns false without charging when the
// unlock is already held. A zero cost grants for free.
func (l Ledger) PurchaseUnlock(ctx context.Context, userID, feature string, cost int64, action string) (bool, error) {
	if feature == "" {
		return false, errors.New("feature required")
	}
	if cost < 0 {
		return false, errors.New("cost must be non-negative")
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	var unlocksJSON string
	err = tx.QueryRowContext(ctx, `SELECT unlocks_json FROM users WHERE id=?`, userID).Scan(&unlocksJSON)
	if err == sql.ErrNoRows {
		return false, repo.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	var unlocks []string
	if err := json.Unmarshal([]byte(unlocksJSON), &unlocks); err != nil {
		return false, fmt.Errorf("decode unlocks: %w", err)
	}
	for _, u := range unlocks {
		if u == feature {
			return false, nil
		}
	}
	if cost > 0 {
		res, err := tx.ExecContext(ctx, `UPDATE users SET credits=credits-? WHERE id=? AND credits>=?`, cost, userID, cost)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var balance int64
			if err := tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id=?`, userID).Scan(&balance); err != nil {
				return false, err
			}
			return false, InsufficientCreditsError{UserID: userID, Cost: cost, Balance: balance}
		}
		if err := l.Events.Append(ctx, tx, "credits.debited", "", "user", userID, userID, events.EventPayload{
			"action": action,
			"cost":   cost,
		}); err != nil {
			return false, err
		}
	}
	unlocks = append(unlocks, feature)
	data, err := json.Marshal(unlocks)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET unlocks_json=? WHERE id=?`, string(data), userID); err != nil {
		return false, err
	}
	if err := l.Events.Append(ctx, tx, "unlock.granted", "", "user", userID, userID, events.EventPayload{
		"feature": feature,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// HasUnlock reports whether the user holds the named unlock.
func (l Ledger) HasUnlock(ctx context.Context, userID, feature string) (bool, error) {
	u, err := l.Repo.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, f := range u.Unlocks {
		if f == feature {
			return true, nil
		}
	}
	return false, nil
}
