package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO accounts (
			id, external_key, display_name, tier_key,
			monthly_credits, rollover_credits, topup_credits,
			credits_used_total, total_runs, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.ExternalKey,
		account.DisplayName,
		account.TierKey,
		account.MonthlyCredits,
		account.RolloverCredits,
		account.TopupCredits,
		account.CreditsUsedTotal,
		account.TotalRuns,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) GetByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) GetByExternalKey(ctx context.Context, db *gorm.DB, key string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).First(&account, "external_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) UpdateTier(ctx context.Context, db *gorm.DB, id snowflake.ID, tierKey string) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts SET tier_key = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		tierKey,
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
