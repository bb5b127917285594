package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/internal/account/domain"
	"github.com/formforge/formforge/internal/actorcontext"
	auditdomain "github.com/formforge/formforge/internal/audit/domain"
	"github.com/formforge/formforge/internal/clock"
	tierdomain "github.com/formforge/formforge/internal/tier/domain"
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
	Tiers tierdomain.Service
	Audit auditdomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	tiers tierdomain.Service
	audit auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("account.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		tiers: p.Tiers,
		audit: p.Audit,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Account, error) {
	req.ExternalKey = strings.TrimSpace(req.ExternalKey)
	if req.ExternalKey == "" {
		return nil, domain.ErrInvalidExternalKey
	}
	if req.TierKey == "" {
		req.TierKey = "free"
	}

	tier, err := s.tiers.Get(ctx, req.TierKey)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	account := &domain.Account{
		ID:             s.genID.Generate(),
		ExternalKey:    req.ExternalKey,
		DisplayName:    strings.TrimSpace(req.DisplayName),
		TierKey:        tier.Key,
		MonthlyCredits: tier.MonthlyCredits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if account.DisplayName == "" {
		account.DisplayName = account.ExternalKey
	}

	if err := s.repo.Insert(ctx, s.db, account); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicateKey
		}
		return nil, err
	}

	s.audit.Record(ctx, auditdomain.Entry{
		Category:  auditdomain.CategoryAdmin,
		Activity:  "account.created",
		ActorType: "admin",
		ActorID:   actorID(ctx),
		AccountID: &account.ID,
		Changes: map[string]any{
			"external_key":    account.ExternalKey,
			"tier_key":        account.TierKey,
			"monthly_credits": account.MonthlyCredits,
		},
	})

	s.log.Info("account created",
		zap.String("account_id", account.ID.String()),
		zap.String("tier_key", account.TierKey))
	return account, nil
}

func actorID(ctx context.Context) string {
	if actor, ok := actorcontext.FromContext(ctx); ok {
		return actor.ID
	}
	return actorcontext.System.ID
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Account, error) {
	return s.repo.GetByID(ctx, s.db, id)
}

func (s *Service) GetByExternalKey(ctx context.Context, key string) (*domain.Account, error) {
	return s.repo.GetByExternalKey(ctx, s.db, strings.TrimSpace(key))
}
