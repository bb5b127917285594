package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Tier is a named limit template. Jobs validate against a snapshot of the
// tier limits taken at submission, so editing a tier never affects a run
// already in flight.
type Tier struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	Key         string       `gorm:"type:text;not null;uniqueIndex" json:"key"`
	DisplayName string       `gorm:"type:text;not null" json:"display_name"`
	Description string       `gorm:"type:text" json:"description"`

	MaxTemplateBytes int64 `gorm:"not null" json:"max_template_bytes"`
	MaxDataBytes     int64 `gorm:"not null" json:"max_data_bytes"`
	MaxRowsPerBatch  int   `gorm:"not null" json:"max_rows_per_batch"`
	MaxDailyJobs     int   `gorm:"not null" json:"max_daily_jobs"`
	MonthlyCredits   int64 `gorm:"not null" json:"monthly_credits"`

	CanSaveTemplates bool `gorm:"not null;default:false" json:"can_save_templates"`
	CanUseAPI        bool `gorm:"not null;default:false" json:"can_use_api"`

	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Tier) TableName() string { return "tiers" }

type CreateRequest struct {
	Key              string `json:"key"`
	DisplayName      string `json:"display_name"`
	Description      string `json:"description"`
	MaxTemplateBytes int64  `json:"max_template_bytes"`
	MaxDataBytes     int64  `json:"max_data_bytes"`
	MaxRowsPerBatch  int    `json:"max_rows_per_batch"`
	MaxDailyJobs     int    `json:"max_daily_jobs"`
	MonthlyCredits   int64  `json:"monthly_credits"`
	CanSaveTemplates bool   `json:"can_save_templates"`
	CanUseAPI        bool   `json:"can_use_api"`
}

type UpdateRequest struct {
	DisplayName      *string `json:"display_name"`
	Description      *string `json:"description"`
	MaxTemplateBytes *int64  `json:"max_template_bytes"`
	MaxDataBytes     *int64  `json:"max_data_bytes"`
	MaxRowsPerBatch  *int    `json:"max_rows_per_batch"`
	MaxDailyJobs     *int    `json:"max_daily_jobs"`
	MonthlyCredits   *int64  `json:"monthly_credits"`
	CanSaveTemplates *bool   `json:"can_save_templates"`
	CanUseAPI        *bool   `json:"can_use_api"`
	Active           *bool   `json:"active"`
}

var (
	ErrNotFound     = errors.New("tier_not_found")
	ErrInvalidKey   = errors.New("invalid_tier_key")
	ErrDuplicateKey = errors.New("tier_key_exists")
	ErrInvalidLimit = errors.New("invalid_tier_limit")
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Tier, error)
	Update(ctx context.Context, key string, req UpdateRequest) (*Tier, error)
	Get(ctx context.Context, key string) (*Tier, error)
	List(ctx context.Context) ([]Tier, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tier *Tier) error
	Update(ctx context.Context, db *gorm.DB, tier *Tier) error
	GetByKey(ctx context.Context, db *gorm.DB, key string) (*Tier, error)
	List(ctx context.Context, db *gorm.DB) ([]Tier, error)
}
