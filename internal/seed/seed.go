package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	tierdomain "github.com/formforge/formforge/internal/tier/domain"
	"gorm.io/gorm"
)

// EnsureDefaultTiers seeds the standard tier ladder so a fresh install is
// usable without any admin setup. Existing tiers are never overwritten.
func EnsureDefaultTiers(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tier := range DefaultTiers() {
			var count int64
			if err := tx.Model(&tierdomain.Tier{}).
				Where("key = ?", tier.Key).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			tier.ID = node.Generate()
			tier.CreatedAt = now
			tier.UpdatedAt = now
			if err := tx.Create(&tier).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// DefaultTiers is the out-of-the-box ladder: free for evaluation, then
// basic, pro and enterprise.
func DefaultTiers() []tierdomain.Tier {
	return []tierdomain.Tier{
		{
			Key:              "free",
			DisplayName:      "Free",
			MaxTemplateBytes: 1 << 20,
			MaxDataBytes:     250 << 10,
			MaxRowsPerBatch:  50,
			MaxDailyJobs:     3,
			MonthlyCredits:   150,
			Active:           true,
		},
		{
			Key:              "basic",
			DisplayName:      "Basic",
			MaxTemplateBytes: 5 << 20,
			MaxDataBytes:     1 << 20,
			MaxRowsPerBatch:  200,
			MaxDailyJobs:     20,
			MonthlyCredits:   4000,
			CanSaveTemplates: true,
			Active:           true,
		},
		{
			Key:              "pro",
			DisplayName:      "Pro",
			MaxTemplateBytes: 20 << 20,
			MaxDataBytes:     5 << 20,
			MaxRowsPerBatch:  1000,
			MaxDailyJobs:     100,
			MonthlyCredits:   100000,
			CanSaveTemplates: true,
			CanUseAPI:        true,
			Active:           true,
		},
		{
			Key:              "enterprise",
			DisplayName:      "Enterprise",
			MaxTemplateBytes: 100 << 20,
			MaxDataBytes:     25 << 20,
			MaxRowsPerBatch:  10000,
			MaxDailyJobs:     1000,
			MonthlyCredits:   10000000,
			CanSaveTemplates: true,
			CanUseAPI:        true,
			Active:           true,
		},
	}
}
