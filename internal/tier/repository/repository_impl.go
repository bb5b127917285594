package repository

import (
	"context"
	"errors"

	"github.com/formforge/formforge/internal/tier/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tier *domain.Tier) error {
	return db.WithContext(ctx).Create(tier).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, tier *domain.Tier) error {
	return db.WithContext(ctx).Save(tier).Error
}

func (r *repo) GetByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Tier, error) {
	var tier domain.Tier
	err := db.WithContext(ctx).First(&tier, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tier, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.Tier, error) {
	var tiers []domain.Tier
	if err := db.WithContext(ctx).Order("monthly_credits ASC").Find(&tiers).Error; err != nil {
		return nil, err
	}
	return tiers, nil
}
