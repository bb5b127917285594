package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CustomLimits overrides some or all tier fields for one account. A nil
// field falls back to the tier value. The record is removed whenever the
// account changes tier.
type CustomLimits struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID snowflake.ID `gorm:"not null;uniqueIndex" json:"account_id"`

	MaxTemplateBytes *int64 `json:"max_template_bytes"`
	MaxDataBytes     *int64 `json:"max_data_bytes"`
	MaxRowsPerBatch  *int   `json:"max_rows_per_batch"`
	MaxDailyJobs     *int   `json:"max_daily_jobs"`
	CanSaveTemplates *bool  `json:"can_save_templates"`
	CanUseAPI        *bool  `json:"can_use_api"`

	Reason    string    `gorm:"type:text;not null" json:"reason"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (CustomLimits) TableName() string { return "account_custom_limits" }

// EffectiveLimits is the merged view a batch validates against. It is
// frozen onto the job at submission.
type EffectiveLimits struct {
	TierKey          string `json:"tier_key"`
	MaxTemplateBytes int64  `json:"max_template_bytes"`
	MaxDataBytes     int64  `json:"max_data_bytes"`
	MaxRowsPerBatch  int    `json:"max_rows_per_batch"`
	MaxDailyJobs     int    `json:"max_daily_jobs"`
	CanSaveTemplates bool   `json:"can_save_templates"`
	CanUseAPI        bool   `json:"can_use_api"`
	Customized       bool   `json:"customized"`
}

type Overrides struct {
	MaxTemplateBytes *int64 `json:"max_template_bytes"`
	MaxDataBytes     *int64 `json:"max_data_bytes"`
	MaxRowsPerBatch  *int   `json:"max_rows_per_batch"`
	MaxDailyJobs     *int   `json:"max_daily_jobs"`
	CanSaveTemplates *bool  `json:"can_save_templates"`
	CanUseAPI        *bool  `json:"can_use_api"`
}

// Empty reports whether no field is overridden.
func (o Overrides) Empty() bool {
	return o.MaxTemplateBytes == nil &&
		o.MaxDataBytes == nil &&
		o.MaxRowsPerBatch == nil &&
		o.MaxDailyJobs == nil &&
		o.CanSaveTemplates == nil &&
		o.CanUseAPI == nil
}

var (
	ErrInvalidReason   = errors.New("invalid_override_reason")
	ErrEmptyOverrides  = errors.New("empty_overrides")
	ErrInvalidOverride = errors.New("invalid_override_value")
	ErrNotAuthorized   = errors.New("not_authorized")
)

type Service interface {
	// Resolve merges tier defaults with any custom override. It must be
	// called fresh at every batch submission.
	Resolve(ctx context.Context, accountID snowflake.ID) (EffectiveLimits, error)

	SetCustomLimits(ctx context.Context, accountID snowflake.ID, overrides Overrides, reason string) (*CustomLimits, error)
	ClearCustomLimits(ctx context.Context, accountID snowflake.ID) error

	// ChangeTier moves the account to another tier and drops any custom
	// override, since overrides were granted against the old tier.
	ChangeTier(ctx context.Context, accountID snowflake.ID, tierKey string) error
}
