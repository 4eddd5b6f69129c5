package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const queryTimeout = 5 * time.Second

// Repository is the Account Store. Every mutating method is one transaction whose
// balance change is a conditional UPDATE; idempotency keys are unique indexes.
type Repository interface {
	GetOrCreate(ctx context.Context, userID string) (*BillingAccount, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*BillingAccount, error)

	CreateHold(ctx context.Context, userID, requestID string, amount int, reason string) (*HoldResult, error)
	FinalizeHold(ctx context.Context, requestID string) (FinalizeStatus, error)
	GetHold(ctx context.Context, requestID string) (*CreditHold, error)

	GrantTrial(ctx context.Context, userID string, amount int) (*TrialResult, error)
	Grant(ctx context.Context, userID string, amount int, meta GrantMetadata, key string) (*GrantResult, error)
	Penalize(ctx context.Context, userID, requestID string, amount int) (*PenaltyResult, error)

	SetFrozen(ctx context.Context, userID string, frozen bool) (*BillingAccount, error)
	UpdatePlan(ctx context.Context, userID string, plan Plan, customerRef, subscriptionRef *string) (*BillingAccount, error)
	AdjustCredits(ctx context.Context, userID string, adj Adjustment) (*AdjustResult, error)
	SetRefreshAt(ctx context.Context, userID string, at time.Time) (*BillingAccount, error)
	RefreshDue(ctx context.Context, plan Plan, allowance int, now, next time.Time) (int64, error)

	ListEntries(ctx context.Context, userID string, limit, offset int) ([]LedgerEntry, error)
}

const accountColumns = `user_id, plan, credits_available, credits_refresh_at, trial_used, is_frozen,
	payment_customer_ref, payment_subscription_ref, created_at, updated_at`

const holdColumns = `request_id, user_id, amount, reason, status, created_at, finalized_at`

// SQLRepository implements Repository for PostgreSQL and SQLite. Queries are
// written with '?' placeholders and rebound for the connection's driver.
type SQLRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db, now: time.Now}
}

func (r *SQLRepository) GetOrCreate(ctx context.Context, userID string) (*BillingAccount, error) {
	var account *BillingAccount
	err := r.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := r.ensureAccount(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		account, err = r.getAccount(ctx, tx, userID)
		return err
	})
	return account, err
}

func (r *SQLRepository) GetByCustomerRef(ctx context.Context, customerRef string) (*BillingAccount, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var account BillingAccount
	err := r.db.GetContext(ctx2, &account, r.db.Rebind(`SELECT `+accountColumns+` FROM billing_accounts WHERE payment_customer_ref = ?`), customerRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: get account by customer: %w", ErrInternal, err)
	}
	return &account, nil
}

func (r *SQLRepository) CreateHold(ctx context.Context, userID, requestID string, amount int, reason string) (*HoldResult, error) {
	var result *HoldResult
	err := r.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := r.ensureAccount(ctx, tx, userID); err != nil {
			return err
		}

		now := r.now().UTC()
		inserted, err := affected(tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO credit_holds (request_id, user_id, amount, reason, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (request_id) DO NOTHING
		`), requestID, userID, amount, reason, HoldStatusHeld, now))
		if err != nil {
			return fmt.Errorf("%w: insert hold: %w", ErrInternal, err)
		}

		if !inserted {
			hold, err := r.getHold(ctx, tx, requestID)
			if err != nil {
				return err
			}
			account, err := r.getAccount(ctx, tx, hold.UserID)
			if err != nil {
				return err
			}
			result = &HoldResult{Account: account, Hold: hold, AlreadyExisted: true}
			return nil
		}

		if err := r.debit(ctx, tx, userID, amount, now); err != nil {
			return err
		}

		if _, err := r.insertEntry(ctx, tx, LedgerEntry{
			UserID:         userID,
			Kind:           EntryKindHoldDebit,
			IdempotencyKey: requestID,
			AmountDelta:    -amount,
			Source:         "hold",
			Reason:         reason,
		}); err != nil {
			return err
		}

		account, err := r.getAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		result = &HoldResult{
			Account: account,
			Hold: &CreditHold{
				RequestID: requestID,
				UserID:    userID,
				Amount:    amount,
				Reason:    reason,
				Status:    HoldStatusHeld,
				CreatedAt: now,
			},
		}
		return nil
	})
	return result, err
}

func (r *SQLRepository) FinalizeHold(ctx context.Context, requestID string) (FinalizeStatus, error) {
	status := FinalizeStatusNotFound
	err := r.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		updated, err := affected(tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE credit_holds
			SET status = ?, finalized_at = ?
			WHERE request_id = ? AND status = ?
		`), HoldStatusFinalized, r.now().UTC(), requestID, HoldStatusHeld))
		if err != nil {
			return fmt.Errorf("%w: finalize hold: %w", ErrInternal, err)
		}
		if updated {
			status = FinalizeStatusFinalized
			return nil
		}

		// Nothing moved: the hold is either unknown or was finalized earlier.
		var n int
		err = tx.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM credit_holds WHERE request_id = ?`), requestID)
		if err != nil {
			return fmt.Errorf("%w: read hold: %w", ErrInternal, err)
		}
		if n > 0 {
			status = FinalizeStatusFinalized
		}
		return nil
	})
	return status, err
}

func (r *SQLRepository) GetHold(ctx context.Context, requestID string) (*CreditHold, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return r.getHold(ctx2, r.db, requestID)
}

func (r *SQLRepository) GrantTrial(ctx context.Context, userID string, amount int) (*TrialResult, error) {
	var result *TrialResult
	err := r.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := r.ensureAccount(ctx, tx, userID); err != nil {
			return err
		}

		// trial_used and the credit move together in one row update.
		granted, err := affected(tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE billing_accounts
			SET trial_used = ?, credits_available = credits_available + ?, updated_at = ?
			WHERE user_id = ? AND trial_used = ?
		`), true, amount, r.now().UTC(), userID, false))
		if err != nil {
			return fmt.Errorf("%w: grant trial: %w", ErrInternal, err)
		}

		if granted {
			if _, err := r.insertEntry(ctx, tx, LedgerEntry{
				UserID:         userID,
				Kind:           EntryKindTrialGrant,
				IdempotencyKey: userID,
				AmountDelta:    amount,
				Source:         "trial",
				Reason:         "free trial",
			}); err != nil {
				return err
			}
		}

		account, err := r.getAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		result = &TrialResult{Account: account, Granted: granted}
		return nil
	})
	return result, err
}

func (r *SQLRepository) Grant(ctx context.Context, userID string, amount int, meta GrantMetadata, key string) (*GrantResult, error) {
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: encode grant metadata: %w", ErrInternal, err)
	}

	var result *GrantResult
	err = r.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := r.ensureAccount(ctx, tx, userID); err != nil {
			return err
		}

		applied, err := r.insertEntry(ctx, tx, LedgerEntry{
			UserID:         userID,
			Kind:           EntryKindGrant,
			IdempotencyKey: key,
			AmountDelta:    amount,
			Source:         meta.Source,
			Reason:         meta.Reason,
			Metadata:       string(metadata),
		})
		if err != nil {
			return err
		}

		if applied {
			if _, err := tx.ExecContext(ctx, r.db.Rebind(`
				UPDATE billing_accounts
				SET credits_available = credits_available + ?, updated_at = ?
				WHERE user_id = ?
			`), amount, r.now().UTC(), userID); err != nil {
				return fmt.Errorf("%w: credit balance: %w", ErrInternal, err)
			}
		}

		account, err := r.getAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		result = &GrantResult{Account: account, Applied: applied}
		return nil
	})
	return result, err
}

func (r *SQLRepository) Penalize(ctx context.Context, userID, requestID string, amount int) (*PenaltyResult, error) {
	var result *PenaltyResult
	err := r.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := r.ensureAccount(ctx, tx, userID); err != nil {
			return err
		}

		recorded, err := r.insertEntry(ctx, tx, LedgerEntry{
			UserID:         userID,
			Kind:           EntryKindPenalty,
			IdempotencyKey: requestID,
			AmountDelta:    -amount,
			Source:         "policy",
			Reason:         "content_block",
		})
		if err != nil {
			return err
		}

		if recorded {
			if err := r.debit(ctx, tx, userID, amount, r.now().UTC()); err != nil {
				return err
			}
		} else {
			var owner string
			if err := tx.GetContext(ctx, &owner, r.db.Rebind(`
				SELECT user_id FROM credit_ledger_entries WHERE kind = ? AND idempotency_key = ?
			`), EntryKindPenalty, requestID); err != nil {
				return fmt.Errorf("%w: read penalty entry: %w", ErrInternal, err)
			}
			if owner != userID {
				return ErrKeyConflict
			}
		}

		account, err := r.getAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		result = &PenaltyResult{Account: account, Charged: true, Replayed: !recorded}
		return nil
	})
	return result, err
}

func (r *SQLRepository) SetFrozen(ctx context.Context, userID string, frozen bool) (*BillingAccount, error) {
	return r.updateAccount(ctx, userID, `UPDATE billing_accounts SET is_frozen = ?, updated_at = ? WHERE user_id = ?`,
		frozen, r.now().UTC(), userID)
}

func (r *SQLRepository) UpdatePlan(ctx context.Context, userID string, plan Plan, customerRef, subscriptionRef *string) (*BillingAccount, error) {
	return r.updateAccount(ctx, userID, `
		UPDATE billing_accounts
		SET plan = ?,
			payment_customer_ref = COALESCE(?, payment_customer_ref),
			payment_subscription_ref = COALESCE(?, payment_subscription_ref),
			updated_at = ?
		WHERE user_id = ?
	`, plan, customerRef, subscriptionRef, r.now().UTC(), userID)
}

// AdjustCredits applies adj once per key. The new balance is computed from the
// current one and written with a compare-and-swap, so a concurrent spend makes
// the write retry instead of being overwritten. A replayed key rolls the
// transaction back and reports Applied=false.
func (r *SQLRepository) AdjustCredits(ctx context.Context, userID string, adj Adjustment) (*AdjustResult, error) {
	err := r.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := r.ensureAccount(ctx, tx, userID); err != nil {
			return err
		}

		moved, err := r.swapBalance(ctx, tx, userID, adj)
		if err != nil {
			return err
		}

		recorded, err := r.insertEntry(ctx, tx, LedgerEntry{
			UserID:         userID,
			Kind:           EntryKindProviderAdjustment,
			IdempotencyKey: adj.Key,
			AmountDelta:    moved,
			Source:         "provider",
			Reason:         string(adj.Mode),
		})
		if err != nil {
			return err
		}
		if !recorded {
			return errAdjustmentReplayed
		}
		return nil
	})

	applied := true
	if errors.Is(err, errAdjustmentReplayed) {
		applied = false
	} else if err != nil {
		return nil, err
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	account, err := r.getAccount(ctx2, r.db, userID)
	if err != nil {
		return nil, err
	}
	return &AdjustResult{Account: account, Applied: applied}, nil
}

// errAdjustmentReplayed aborts an adjustment transaction whose key is already recorded.
var errAdjustmentReplayed = errors.New("adjustment already recorded")

const maxSwapAttempts = 5

// swapBalance moves the balance as adj describes and returns the signed change.
func (r *SQLRepository) swapBalance(ctx context.Context, tx *sqlx.Tx, userID string, adj Adjustment) (int, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		var current int
		if err := tx.GetContext(ctx, &current, r.db.Rebind(`SELECT credits_available FROM billing_accounts WHERE user_id = ?`), userID); err != nil {
			return 0, fmt.Errorf("%w: read balance: %w", ErrInternal, err)
		}

		next := current
		switch adj.Mode {
		case AdjustDelta:
			next = current + adj.Amount
		case AdjustAbsolute:
			next = adj.Amount
		case AdjustTopUp:
			if current < adj.Amount {
				next = adj.Amount
			}
		default:
			return 0, fmt.Errorf("%w: unknown adjust mode %q", ErrInvalidAmount, adj.Mode)
		}
		if next < 0 {
			return 0, ErrInsufficientCredits
		}
		if next == current {
			return 0, nil
		}

		swapped, err := affected(tx.ExecContext(ctx, r.db.Rebind(`
			UPDATE billing_accounts
			SET credits_available = ?, updated_at = ?
			WHERE user_id = ? AND credits_available = ?
		`), next, r.now().UTC(), userID, current))
		if err != nil {
			return 0, fmt.Errorf("%w: adjust balance: %w", ErrInternal, err)
		}
		if swapped {
			return next - current, nil
		}
	}
	return 0, fmt.Errorf("%w: balance changed during adjustment", ErrInternal)
}

func (r *SQLRepository) SetRefreshAt(ctx context.Context, userID string, at time.Time) (*BillingAccount, error) {
	return r.updateAccount(ctx, userID, `UPDATE billing_accounts SET credits_refresh_at = ?, updated_at = ? WHERE user_id = ?`,
		at.UTC(), r.now().UTC(), userID)
}

// RefreshDue tops every due, unfrozen account on plan up to allowance and moves
// its refresh time to next. Balances above the allowance are left alone.
func (r *SQLRepository) RefreshDue(ctx context.Context, plan Plan, allowance int, now, next time.Time) (int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx2, r.db.Rebind(`
		UPDATE billing_accounts
		SET credits_available = CASE WHEN credits_available < ? THEN ? ELSE credits_available END,
			credits_refresh_at = ?,
			updated_at = ?
		WHERE plan = ? AND is_frozen = ? AND credits_refresh_at IS NOT NULL AND credits_refresh_at <= ?
	`), allowance, allowance, next.UTC(), now.UTC(), plan, false, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: refresh credits: %w", ErrInternal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrInternal, err)
	}
	return n, nil
}

func (r *SQLRepository) ListEntries(ctx context.Context, userID string, limit, offset int) ([]LedgerEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	entries := make([]LedgerEntry, 0)
	err := r.db.SelectContext(ctx2, &entries, r.db.Rebind(`
		SELECT id, user_id, kind, idempotency_key, amount_delta, source, reason, metadata, created_at
		FROM credit_ledger_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list ledger entries: %w", ErrInternal, err)
	}
	return entries, nil
}

func (r *SQLRepository) withTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrInternal, err)
	}
	defer tx.Rollback()

	if err := fn(ctx2, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx: %w", ErrInternal, err)
	}
	return nil
}

// ensureAccount creates the default row; concurrent first requests collapse onto one row.
func (r *SQLRepository) ensureAccount(ctx context.Context, tx *sqlx.Tx, userID string) error {
	now := r.now().UTC()
	_, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO billing_accounts (user_id, plan, credits_available, trial_used, is_frozen, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`), userID, PlanFree, false, false, now, now)
	if err != nil {
		return fmt.Errorf("%w: ensure account: %w", ErrInternal, err)
	}
	return nil
}

func (r *SQLRepository) getAccount(ctx context.Context, q sqlx.QueryerContext, userID string) (*BillingAccount, error) {
	var account BillingAccount
	err := sqlx.GetContext(ctx, q, &account, r.db.Rebind(`SELECT `+accountColumns+` FROM billing_accounts WHERE user_id = ?`), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: get account: %w", ErrInternal, err)
	}
	return &account, nil
}

func (r *SQLRepository) getHold(ctx context.Context, q sqlx.QueryerContext, requestID string) (*CreditHold, error) {
	var hold CreditHold
	err := sqlx.GetContext(ctx, q, &hold, r.db.Rebind(`SELECT `+holdColumns+` FROM credit_holds WHERE request_id = ?`), requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, fmt.Errorf("%w: get hold: %w", ErrInternal, err)
	}
	return &hold, nil
}

// debit is the compare-and-swap spend: it only succeeds for an unfrozen account
// holding at least amount, checked by the same statement that writes.
func (r *SQLRepository) debit(ctx context.Context, tx *sqlx.Tx, userID string, amount int, now time.Time) error {
	ok, err := affected(tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE billing_accounts
		SET credits_available = credits_available - ?, updated_at = ?
		WHERE user_id = ? AND credits_available >= ? AND is_frozen = ?
	`), amount, now, userID, amount, false))
	if err != nil {
		return fmt.Errorf("%w: debit balance: %w", ErrInternal, err)
	}
	if ok {
		return nil
	}

	var state struct {
		IsFrozen bool `db:"is_frozen"`
		Credits  int  `db:"credits_available"`
	}
	if err := tx.GetContext(ctx, &state, r.db.Rebind(`SELECT is_frozen, credits_available FROM billing_accounts WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("%w: read account state: %w", ErrInternal, err)
	}
	if state.IsFrozen {
		return ErrAccountFrozen
	}
	return ErrInsufficientCredits
}

// insertEntry appends a ledger row and reports false when (kind, key) already exists.
func (r *SQLRepository) insertEntry(ctx context.Context, tx *sqlx.Tx, entry LedgerEntry) (bool, error) {
	if entry.Metadata == "" {
		entry.Metadata = "{}"
	}
	inserted, err := affected(tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO credit_ledger_entries (id, user_id, kind, idempotency_key, amount_delta, source, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, idempotency_key) DO NOTHING
	`), uuid.NewString(), entry.UserID, entry.Kind, entry.IdempotencyKey, entry.AmountDelta,
		entry.Source, entry.Reason, entry.Metadata, r.now().UTC()))
	if err != nil {
		return false, fmt.Errorf("%w: insert ledger entry: %w", ErrInternal, err)
	}
	return inserted, nil
}

func (r *SQLRepository) updateAccount(ctx context.Context, userID, query string, args ...interface{}) (*BillingAccount, error) {
	var account *BillingAccount
	err := r.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := r.ensureAccount(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
			if isUniqueViolation(err) {
				return ErrCustomerRefInUse
			}
			return fmt.Errorf("%w: update account: %w", ErrInternal, err)
		}
		var err error
		account, err = r.getAccount(ctx, tx, userID)
		return err
	})
	return account, err
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
