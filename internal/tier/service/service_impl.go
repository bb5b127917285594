package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/internal/clock"
	"github.com/formforge/formforge/internal/tier/domain"
	"github.com/formforge/formforge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tier.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Tier, error) {
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		return nil, domain.ErrInvalidKey
	}
	if req.MaxTemplateBytes <= 0 || req.MaxDataBytes <= 0 || req.MaxRowsPerBatch <= 0 {
		return nil, domain.ErrInvalidLimit
	}
	if req.MaxDailyJobs <= 0 || req.MonthlyCredits < 0 {
		return nil, domain.ErrInvalidLimit
	}

	now := s.clock.Now()
	tier := &domain.Tier{
		ID:               s.genID.Generate(),
		Key:              req.Key,
		DisplayName:      strings.TrimSpace(req.DisplayName),
		Description:      strings.TrimSpace(req.Description),
		MaxTemplateBytes: req.MaxTemplateBytes,
		MaxDataBytes:     req.MaxDataBytes,
		MaxRowsPerBatch:  req.MaxRowsPerBatch,
		MaxDailyJobs:     req.MaxDailyJobs,
		MonthlyCredits:   req.MonthlyCredits,
		CanSaveTemplates: req.CanSaveTemplates,
		CanUseAPI:        req.CanUseAPI,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if tier.DisplayName == "" {
		tier.DisplayName = tier.Key
	}

	if err := s.repo.Insert(ctx, s.db, tier); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicateKey
		}
		return nil, err
	}
	return tier, nil
}

func (s *Service) Update(ctx context.Context, key string, req domain.UpdateRequest) (*domain.Tier, error) {
	tier, err := s.repo.GetByKey(ctx, s.db, strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}

	if req.DisplayName != nil {
		tier.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.Description != nil {
		tier.Description = strings.TrimSpace(*req.Description)
	}
	if req.MaxTemplateBytes != nil {
		if *req.MaxTemplateBytes <= 0 {
			return nil, domain.ErrInvalidLimit
		}
		tier.MaxTemplateBytes = *req.MaxTemplateBytes
	}
	if req.MaxDataBytes != nil {
		if *req.MaxDataBytes <= 0 {
			return nil, domain.ErrInvalidLimit
		}
		tier.MaxDataBytes = *req.MaxDataBytes
	}
	if req.MaxRowsPerBatch != nil {
		if *req.MaxRowsPerBatch <= 0 {
			return nil, domain.ErrInvalidLimit
		}
		tier.MaxRowsPerBatch = *req.MaxRowsPerBatch
	}
	if req.MaxDailyJobs != nil {
		if *req.MaxDailyJobs <= 0 {
			return nil, domain.ErrInvalidLimit
		}
		tier.MaxDailyJobs = *req.MaxDailyJobs
	}
	if req.MonthlyCredits != nil {
		if *req.MonthlyCredits < 0 {
			return nil, domain.ErrInvalidLimit
		}
		tier.MonthlyCredits = *req.MonthlyCredits
	}
	if req.CanSaveTemplates != nil {
		tier.CanSaveTemplates = *req.CanSaveTemplates
	}
	if req.CanUseAPI != nil {
		tier.CanUseAPI = *req.CanUseAPI
	}
	if req.Active != nil {
		tier.Active = *req.Active
	}
	tier.UpdatedAt = s.clock.Now()

	if err := s.repo.Update(ctx, s.db, tier); err != nil {
		return nil, err
	}
	return tier, nil
}

func (s *Service) Get(ctx context.Context, key string) (*domain.Tier, error) {
	return s.repo.GetByKey(ctx, s.db, strings.TrimSpace(key))
}

func (s *Service) List(ctx context.Context) ([]domain.Tier, error) {
	return s.repo.List(ctx, s.db)
}
