package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"portraitforge/internal/domain"
	"portraitforge/internal/infra"
	"portraitforge/internal/sqlinline"
)

// Ledger owns credit balances and reservations. Every mutation is a single
// SQL statement; the row lock taken inside QReserveCredits serializes
// concurrent reservations for the same user.
type Ledger struct {
	sql       infra.SQLExecutor
	weeklyCap int
	order     infra.DebitOrder
	logger    infra.Logger
}

func New(sql infra.SQLExecutor, weeklyCap int, order infra.DebitOrder, logger infra.Logger) *Ledger {
	return &Ledger{sql: sql, weeklyCap: weeklyCap, order: order, logger: logger}
}

// Reserve atomically checks sufficiency and holds amount against the user's
// balance. The returned reservation id resolves later via Commit or Release.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int, allowWeekly bool, kind domain.JobKind) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	if err := l.ApplyWeeklyResetIfDue(ctx, userID); err != nil {
		return "", fmt.Errorf("apply weekly reset: %w", err)
	}

	reservationID := uuid.NewString()
	weeklyFirst := l.order == infra.DebitWeeklyFirst
	row := l.sql.QueryRow(ctx, sqlinline.QReserveCredits, userID, amount, allowWeekly, weeklyFirst, reservationID, string(kind))
	var id string
	if err := row.Scan(&id); err != nil {
		if infra.IsNoRows(err) {
			return "", domain.ErrInsufficientCredit
		}
		return "", fmt.Errorf("reserve credits: %w", err)
	}
	l.logger.Debug().
		Str("user_id", userID).
		Str("reservation_id", id).
		Int("amount", amount).
		Bool("allow_weekly", allowWeekly).
		Msg("ledger: reserved")
	return id, nil
}

// Commit marks a reservation resolved. The debit already happened at reserve
// time, so there is no balance change. Committing a resolved reservation is
// a no-op.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	tag, err := l.sql.Exec(ctx, sqlinline.QCommitReservation, reservationID)
	if err != nil {
		return fmt.Errorf("commit reservation %s: %w", reservationID, err)
	}
	if tag.RowsAffected() == 0 {
		l.logger.Debug().Str("reservation_id", reservationID).Msg("ledger: commit was a no-op")
	}
	return nil
}

// Release refunds the reserved amount to the pools it was taken from and
// marks the reservation resolved. Releasing a resolved reservation is a
// no-op, never a double refund.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	tag, err := l.sql.Exec(ctx, sqlinline.QReleaseReservation, reservationID, l.weeklyCap)
	if err != nil {
		return fmt.Errorf("release reservation %s: %w", reservationID, err)
	}
	if tag.RowsAffected() == 0 {
		l.logger.Debug().Str("reservation_id", reservationID).Msg("ledger: release was a no-op")
	}
	return nil
}

// ApplyWeeklyResetIfDue refreshes the weekly pool when the reset period has
// elapsed, creating the balance row if the user has none yet. Safe to call
// on every read.
func (l *Ledger) ApplyWeeklyResetIfDue(ctx context.Context, userID string) error {
	_, err := l.sql.Exec(ctx, sqlinline.QApplyWeeklyReset, userID, l.weeklyCap)
	if err != nil {
		return fmt.Errorf("weekly reset for %s: %w", userID, err)
	}
	return nil
}

// AddPurchasedCredits applies a completed purchase exactly once per external
// transaction id. It reports whether the purchase was credited; false means
// the transaction id was already processed.
func (l *Ledger) AddPurchasedCredits(ctx context.Context, userID, externalTxnID string, credits int) (bool, error) {
	if credits <= 0 {
		return false, fmt.Errorf("purchase credits must be positive, got %d", credits)
	}
	if externalTxnID == "" {
		return false, fmt.Errorf("external transaction id is required")
	}
	if err := l.ApplyWeeklyResetIfDue(ctx, userID); err != nil {
		return false, fmt.Errorf("apply weekly reset: %w", err)
	}
	tag, err := l.sql.Exec(ctx, sqlinline.QInsertPurchase, userID, externalTxnID, credits)
	if err != nil {
		// Two concurrent notifications for the same transaction can both miss
		// the ON CONFLICT path; the loser surfaces as a unique violation.
		if infra.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("apply purchase %s: %w", externalTxnID, err)
	}
	if tag.RowsAffected() == 0 {
		l.logger.Info().
			Str("user_id", userID).
			Str("external_txn_id", externalTxnID).
			Msg("ledger: duplicate purchase notification ignored")
		return false, nil
	}
	return true, nil
}

// Balance returns the user's current pools after applying any due weekly
// reset.
func (l *Ledger) Balance(ctx context.Context, userID string) (domain.CreditBalance, error) {
	if err := l.ApplyWeeklyResetIfDue(ctx, userID); err != nil {
		return domain.CreditBalance{}, err
	}
	row := l.sql.QueryRow(ctx, sqlinline.QSelectBalance, userID)
	var b domain.CreditBalance
	if err := row.Scan(&b.UserID, &b.WeeklyCredits, &b.PurchasedCredits, &b.LastWeeklyReset, &b.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return domain.CreditBalance{}, domain.ErrNotFound
		}
		return domain.CreditBalance{}, fmt.Errorf("select balance: %w", err)
	}
	return b, nil
}
