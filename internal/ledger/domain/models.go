package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/internal/actorcontext"
)

// Pool is one of the three balances an account draws from. Draw-down order
// is monthly, then rollover, then topup: monthly and rollover allowance
// expires, purchased topup credits are preserved longest.
type Pool string

const (
	PoolMonthly  Pool = "monthly"
	PoolRollover Pool = "rollover"
	PoolTopup    Pool = "topup"
)

func (p Pool) Valid() bool {
	switch p {
	case PoolMonthly, PoolRollover, PoolTopup:
		return true
	}
	return false
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a provisional debit held while a job runs. The held split
// records exactly which pools the amount was drawn from so a later commit
// can refund unused credits to the pools they came from.
type Reservation struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID snowflake.ID `gorm:"not null;index" json:"account_id"`

	MonthlyHeld  int64 `gorm:"not null" json:"monthly_held"`
	RolloverHeld int64 `gorm:"not null" json:"rollover_held"`
	TopupHeld    int64 `gorm:"not null" json:"topup_held"`

	Status    ReservationStatus `gorm:"type:text;not null" json:"status"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
	SettledAt *time.Time        `json:"settled_at"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "credit_reservations" }

func (r Reservation) Total() int64 {
	return r.MonthlyHeld + r.RolloverHeld + r.TopupHeld
}

// Settlement is the final charge after a commit: how much of the held
// amount was actually consumed, per pool.
type Settlement struct {
	MonthlyUsed  int64 `json:"monthly_used"`
	RolloverUsed int64 `json:"rollover_used"`
	TopupUsed    int64 `json:"topup_used"`
}

func (s Settlement) Total() int64 {
	return s.MonthlyUsed + s.RolloverUsed + s.TopupUsed
}

// Balances is a read-only snapshot of an account's pools.
type Balances struct {
	Monthly  int64 `json:"monthly"`
	Rollover int64 `json:"rollover"`
	Topup    int64 `json:"topup"`
}

func (b Balances) Total() int64 { return b.Monthly + b.Rollover + b.Topup }

// InsufficientCreditsError reports a reserve that could not be covered.
// The condition is not transient; callers must not retry automatically.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d (short %d)",
		e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Available
}

var (
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidPool         = errors.New("invalid_pool")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrReservationSettled  = errors.New("reservation_already_settled")
	ErrNotAuthorized       = errors.New("not_authorized")
	ErrBalanceWouldGoNegative = errors.New("balance_would_go_negative")
	ErrConflictRetryExhausted = errors.New("ledger_conflict_retry_exhausted")
)

type Service interface {
	// Reserve atomically draws amount across the pools in order. It either
	// debits the full amount or fails with *InsufficientCreditsError.
	Reserve(ctx context.Context, accountID snowflake.ID, amount int64) (*Reservation, error)

	// Commit finalizes a reservation at the actual cost, refunding the
	// difference in reverse draw order (topup first).
	Commit(ctx context.Context, reservationID snowflake.ID, actual int64) (Settlement, error)

	// Release refunds the entire reservation; equivalent to Commit with 0.
	Release(ctx context.Context, reservationID snowflake.ID) error

	// Adjust mutates one pool directly. Admin capability required.
	Adjust(ctx context.Context, accountID snowflake.ID, pool Pool, delta int64, reason string, actor actorcontext.Actor) (Balances, error)

	Balances(ctx context.Context, accountID snowflake.ID) (Balances, error)
}
