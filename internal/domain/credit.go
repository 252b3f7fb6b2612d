package domain

import "time"

// WeeklyResetPeriod is how often the free weekly pool refreshes.
const WeeklyResetPeriod = 7 * 24 * time.Hour

// CreditBalance tracks the two credit pools for a user. The weekly pool is
// capped and refreshed once per reset period; purchased credits never expire.
type CreditBalance struct {
	UserID           string
	WeeklyCredits    int
	PurchasedCredits int
	LastWeeklyReset  time.Time
	UpdatedAt        time.Time
}

// Total returns the number of credits usable for a weekly-eligible operation.
func (b CreditBalance) Total() int {
	return b.WeeklyCredits + b.PurchasedCredits
}

// Reservation is an in-flight hold against a user's balance. The split
// between pools is recorded at creation time so a release refunds each
// pool exactly what was taken from it.
type Reservation struct {
	ID            string
	UserID        string
	Amount        int
	WeeklyPart    int
	PurchasedPart int
	OperationKind JobKind
	Resolved      bool
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// SplitDebit computes how a debit of amount divides across the weekly and
// purchased pools. weeklyAvailable is ignored unless allowWeekly is set.
// The caller is responsible for having verified sufficiency under a lock;
// SplitDebit only distributes.
func SplitDebit(amount, weeklyAvailable, purchasedAvailable int, allowWeekly, weeklyFirst bool) (weeklyPart, purchasedPart int) {
	if !allowWeekly {
		return 0, amount
	}
	if weeklyFirst {
		weeklyPart = min(amount, weeklyAvailable)
		return weeklyPart, amount - weeklyPart
	}
	purchasedPart = min(amount, purchasedAvailable)
	return amount - purchasedPart, purchasedPart
}
