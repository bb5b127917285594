package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/internal/actorcontext"
	accountdomain "github.com/formforge/formforge/internal/account/domain"
	auditdomain "github.com/formforge/formforge/internal/audit/domain"
	"github.com/formforge/formforge/internal/clock"
	"github.com/formforge/formforge/internal/limits/domain"
	tierdomain "github.com/formforge/formforge/internal/tier/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	AccountRepo accountdomain.Repository
	TierRepo    tierdomain.Repository
	AuditSvc    auditdomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	accountRepo accountdomain.Repository
	tierRepo    tierdomain.Repository
	auditSvc    auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("limits.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		accountRepo: p.AccountRepo,
		tierRepo:    p.TierRepo,
		auditSvc:    p.AuditSvc,
	}
}

func (s *Service) Resolve(ctx context.Context, accountID snowflake.ID) (domain.EffectiveLimits, error) {
	account, err := s.accountRepo.GetByID(ctx, s.db, accountID)
	if err != nil {
		return domain.EffectiveLimits{}, err
	}

	tier, err := s.tierRepo.GetByKey(ctx, s.db, account.TierKey)
	if err != nil {
		return domain.EffectiveLimits{}, err
	}

	effective := domain.EffectiveLimits{
		TierKey:          tier.Key,
		MaxTemplateBytes: tier.MaxTemplateBytes,
		MaxDataBytes:     tier.MaxDataBytes,
		MaxRowsPerBatch:  tier.MaxRowsPerBatch,
		MaxDailyJobs:     tier.MaxDailyJobs,
		CanSaveTemplates: tier.CanSaveTemplates,
		CanUseAPI:        tier.CanUseAPI,
	}

	custom, err := s.getCustom(ctx, accountID)
	if err != nil {
		return domain.EffectiveLimits{}, err
	}
	if custom == nil {
		return effective, nil
	}

	effective.Customized = true
	if custom.MaxTemplateBytes != nil {
		effective.MaxTemplateBytes = *custom.MaxTemplateBytes
	}
	if custom.MaxDataBytes != nil {
		effective.MaxDataBytes = *custom.MaxDataBytes
	}
	if custom.MaxRowsPerBatch != nil {
		effective.MaxRowsPerBatch = *custom.MaxRowsPerBatch
	}
	if custom.MaxDailyJobs != nil {
		effective.MaxDailyJobs = *custom.MaxDailyJobs
	}
	if custom.CanSaveTemplates != nil {
		effective.CanSaveTemplates = *custom.CanSaveTemplates
	}
	if custom.CanUseAPI != nil {
		effective.CanUseAPI = *custom.CanUseAPI
	}
	return effective, nil
}

func (s *Service) SetCustomLimits(ctx context.Context, accountID snowflake.ID, overrides domain.Overrides, reason string) (*domain.CustomLimits, error) {
	actor, ok := actorcontext.FromContext(ctx)
	if !ok || !actor.Admin {
		return nil, domain.ErrNotAuthorized
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.ErrInvalidReason
	}
	if overrides.Empty() {
		return nil, domain.ErrEmptyOverrides
	}
	if err := validateOverrides(overrides); err != nil {
		return nil, err
	}

	if _, err := s.accountRepo.GetByID(ctx, s.db, accountID); err != nil {
		return nil, err
	}

	record := &domain.CustomLimits{
		ID:               s.genID.Generate(),
		AccountID:        accountID,
		MaxTemplateBytes: overrides.MaxTemplateBytes,
		MaxDataBytes:     overrides.MaxDataBytes,
		MaxRowsPerBatch:  overrides.MaxRowsPerBatch,
		MaxDailyJobs:     overrides.MaxDailyJobs,
		CanSaveTemplates: overrides.CanSaveTemplates,
		CanUseAPI:        overrides.CanUseAPI,
		Reason:           reason,
		CreatedAt:        s.clock.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM account_custom_limits WHERE account_id = ?`, accountID).Error; err != nil {
			return err
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, err
	}

	s.auditSvc.Record(ctx, auditdomain.Entry{
		Category:    auditdomain.CategoryLimits,
		Activity:    "limits.custom_set",
		ActorType:   "admin",
		ActorID:     actor.ID,
		AccountID:   &accountID,
		Description: reason,
		Changes:     overrideChanges(overrides),
	})
	return record, nil
}

func (s *Service) ClearCustomLimits(ctx context.Context, accountID snowflake.ID) error {
	actor, ok := actorcontext.FromContext(ctx)
	if !ok || !actor.Admin {
		return domain.ErrNotAuthorized
	}

	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM account_custom_limits WHERE account_id = ?`, accountID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return nil
	}

	s.auditSvc.Record(ctx, auditdomain.Entry{
		Category:  auditdomain.CategoryLimits,
		Activity:  "limits.custom_cleared",
		ActorType: "admin",
		ActorID:   actor.ID,
		AccountID: &accountID,
	})
	return nil
}

func (s *Service) ChangeTier(ctx context.Context, accountID snowflake.ID, tierKey string) error {
	actor, ok := actorcontext.FromContext(ctx)
	if !ok || !actor.Admin {
		return domain.ErrNotAuthorized
	}

	tier, err := s.tierRepo.GetByKey(ctx, s.db, strings.TrimSpace(tierKey))
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.UpdateTier(ctx, tx, accountID, tier.Key); err != nil {
			return err
		}
		// Overrides were granted against the old tier; they do not carry.
		return tx.Exec(`DELETE FROM account_custom_limits WHERE account_id = ?`, accountID).Error
	})
	if err != nil {
		return err
	}

	s.auditSvc.Record(ctx, auditdomain.Entry{
		Category:  auditdomain.CategoryLimits,
		Activity:  "limits.tier_changed",
		ActorType: "admin",
		ActorID:   actor.ID,
		AccountID: &accountID,
		Changes:   map[string]any{"tier_key": tier.Key},
	})
	return nil
}

func (s *Service) getCustom(ctx context.Context, accountID snowflake.ID) (*domain.CustomLimits, error) {
	var custom domain.CustomLimits
	err := s.db.WithContext(ctx).First(&custom, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &custom, nil
}

func validateOverrides(o domain.Overrides) error {
	if o.MaxTemplateBytes != nil && *o.MaxTemplateBytes <= 0 {
		return domain.ErrInvalidOverride
	}
	if o.MaxDataBytes != nil && *o.MaxDataBytes <= 0 {
		return domain.ErrInvalidOverride
	}
	if o.MaxRowsPerBatch != nil && *o.MaxRowsPerBatch <= 0 {
		return domain.ErrInvalidOverride
	}
	if o.MaxDailyJobs != nil && *o.MaxDailyJobs <= 0 {
		return domain.ErrInvalidOverride
	}
	return nil
}

func overrideChanges(o domain.Overrides) map[string]any {
	changes := map[string]any{}
	if o.MaxTemplateBytes != nil {
		changes["max_template_bytes"] = *o.MaxTemplateBytes
	}
	if o.MaxDataBytes != nil {
		changes["max_data_bytes"] = *o.MaxDataBytes
	}
	if o.MaxRowsPerBatch != nil {
		changes["max_rows_per_batch"] = *o.MaxRowsPerBatch
	}
	if o.MaxDailyJobs != nil {
		changes["max_daily_jobs"] = *o.MaxDailyJobs
	}
	if o.CanSaveTemplates != nil {
		changes["can_save_templates"] = *o.CanSaveTemplates
	}
	if o.CanUseAPI != nil {
		changes["can_use_api"] = *o.CanUseAPI
	}
	return changes
}
