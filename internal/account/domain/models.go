package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Account holds the three credit pools and cumulative usage counters.
// Balances are mutated only through the ledger service; all three are
// always >= 0.
type Account struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	ExternalKey string       `gorm:"type:text;not null;uniqueIndex" json:"external_key"`
	DisplayName string       `gorm:"type:text" json:"display_name"`
	TierKey     string       `gorm:"type:text;not null;index" json:"tier_key"`

	MonthlyCredits  int64 `gorm:"not null;default:0" json:"monthly_credits"`
	RolloverCredits int64 `gorm:"not null;default:0" json:"rollover_credits"`
	TopupCredits    int64 `gorm:"not null;default:0" json:"topup_credits"`

	CreditsUsedTotal int64 `gorm:"not null;default:0" json:"credits_used_total"`
	TotalRuns        int64 `gorm:"not null;default:0" json:"total_runs"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// TotalAvailable is the sum of all three pools.
func (a Account) TotalAvailable() int64 {
	return a.MonthlyCredits + a.RolloverCredits + a.TopupCredits
}

type CreateRequest struct {
	ExternalKey string `json:"external_key"`
	DisplayName string `json:"display_name"`
	TierKey     string `json:"tier_key"`
}

var (
	ErrNotFound           = errors.New("account_not_found")
	ErrInvalidExternalKey = errors.New("invalid_external_key")
	ErrDuplicateKey       = errors.New("account_key_exists")
)

type Service interface {
	// Create provisions an account on a tier and grants the tier's
	// monthly credit allowance up front.
	Create(ctx context.Context, req CreateRequest) (*Account, error)
	Get(ctx context.Context, id snowflake.ID) (*Account, error)
	GetByExternalKey(ctx context.Context, key string) (*Account, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	GetByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	GetByExternalKey(ctx context.Context, db *gorm.DB, key string) (*Account, error)
	UpdateTier(ctx context.Context, db *gorm.DB, id snowflake.ID, tierKey string) error
}
