package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/internal/actorcontext"
	auditdomain "github.com/formforge/formforge/internal/audit/domain"
	"github.com/formforge/formforge/internal/clock"
	"github.com/formforge/formforge/internal/config"
	"github.com/formforge/formforge/internal/ledger/domain"
	obsmetrics "github.com/formforge/formforge/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	AuditSvc auditdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	auditSvc auditdomain.Service
	metrics  *obsmetrics.Metrics

	maxRetries int
	backoff    time.Duration

	// Serializes reserve/commit per account within this process. Cross
	// process safety comes from the guarded balance updates below.
	locks sync.Map
}

func NewService(p Params) domain.Service {
	retries := p.Config.Batch.ReserveRetry
	if retries <= 0 {
		retries = 5
	}
	backoff := p.Config.Batch.ReserveBackoff
	if backoff <= 0 {
		backoff = 20 * time.Millisecond
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		auditSvc:   p.AuditSvc,
		metrics:    p.Metrics,
		maxRetries: retries,
		backoff:    backoff,
	}
}

func (s *Service) accountLock(accountID snowflake.ID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type balanceRow struct {
	MonthlyCredits  int64
	RolloverCredits int64
	TopupCredits    int64
}

func (s *Service) loadBalances(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*balanceRow, error) {
	var row balanceRow
	result := tx.WithContext(ctx).Raw(
		`SELECT monthly_credits, rollover_credits, topup_credits
		 FROM accounts
		 WHERE id = ?`,
		accountID,
	).Scan(&row)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrAccountNotFound
	}
	return &row, nil
}

// splitDraw allocates amount across the pools in draw order.
func splitDraw(balances balanceRow, amount int64) (monthly, rollover, topup int64) {
	monthly = min64(amount, balances.MonthlyCredits)
	amount -= monthly
	rollover = min64(amount, balances.RolloverCredits)
	amount -= rollover
	topup = amount
	return monthly, rollover, topup
}

func (s *Service) Reserve(ctx context.Context, accountID snowflake.ID, amount int64) (*domain.Reservation, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	mu := s.accountLock(accountID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		reservation, conflict, err := s.tryReserve(ctx, accountID, amount)
		if err != nil {
			return nil, err
		}
		if !conflict {
			return reservation, nil
		}

		// Another writer moved the balances between read and update.
		// Retried here with bounded backoff, never surfaced to the caller.
		if s.metrics != nil {
			s.metrics.RecordLedgerConflict()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt+1)):
		}
	}
	return nil, domain.ErrConflictRetryExhausted
}

func (s *Service) tryReserve(ctx context.Context, accountID snowflake.ID, amount int64) (*domain.Reservation, bool, error) {
	var reservation *domain.Reservation
	conflict := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balances, err := s.loadBalances(ctx, tx, accountID)
		if err != nil {
			return err
		}

		available := balances.MonthlyCredits + balances.RolloverCredits + balances.TopupCredits
		if available < amount {
			return &domain.InsufficientCreditsError{Required: amount, Available: available}
		}

		monthly, rollover, topup := splitDraw(*balances, amount)

		// Guarded update: only applies if the balances are still exactly
		// what we read, so two concurrent reserves can never both draw
		// from the same credits.
		result := tx.WithContext(ctx).Exec(
			`UPDATE accounts
			 SET monthly_credits = ?,
			     rollover_credits = ?,
			     topup_credits = ?,
			     updated_at = ?
			 WHERE id = ?
			   AND monthly_credits = ?
			   AND rollover_credits = ?
			   AND topup_credits = ?`,
			balances.MonthlyCredits-monthly,
			balances.RolloverCredits-rollover,
			balances.TopupCredits-topup,
			s.clock.Now(),
			accountID,
			balances.MonthlyCredits,
			balances.RolloverCredits,
			balances.TopupCredits,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			conflict = true
			return nil
		}

		reservation = &domain.Reservation{
			ID:           s.genID.Generate(),
			AccountID:    accountID,
			MonthlyHeld:  monthly,
			RolloverHeld: rollover,
			TopupHeld:    topup,
			Status:       domain.ReservationHeld,
			CreatedAt:    s.clock.Now(),
		}
		return tx.WithContext(ctx).Exec(
			`INSERT INTO credit_reservations (
				id, account_id, monthly_held, rollover_held, topup_held,
				status, created_at, settled_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
			reservation.ID,
			reservation.AccountID,
			reservation.MonthlyHeld,
			reservation.RolloverHeld,
			reservation.TopupHeld,
			reservation.Status,
			reservation.CreatedAt,
		).Error
	})
	if err != nil {
		return nil, false, err
	}
	return reservation, conflict, nil
}

func (s *Service) Commit(ctx context.Context, reservationID snowflake.ID, actual int64) (domain.Settlement, error) {
	if actual < 0 {
		return domain.Settlement{}, domain.ErrInvalidAmount
	}

	var reservation domain.Reservation
	err := s.db.WithContext(ctx).First(&reservation, "id = ?", reservationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Settlement{}, domain.ErrReservationSettled
	}
	if err != nil {
		return domain.Settlement{}, err
	}
	if reservation.Status != domain.ReservationHeld {
		return domain.Settlement{}, domain.ErrReservationSettled
	}

	// Lock ordering: account mutex before the transaction, same as Reserve.
	mu := s.accountLock(reservation.AccountID)
	mu.Lock()
	defer mu.Unlock()

	var settlement domain.Settlement
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		total := reservation.Total()
		if actual > total {
			actual = total
		}

		// Consume in draw order; everything above `actual` flows back,
		// which refunds the reverse order (topup held was drawn last).
		settlement.MonthlyUsed = min64(actual, reservation.MonthlyHeld)
		remaining := actual - settlement.MonthlyUsed
		settlement.RolloverUsed = min64(remaining, reservation.RolloverHeld)
		remaining -= settlement.RolloverUsed
		settlement.TopupUsed = remaining

		monthlyBack := reservation.MonthlyHeld - settlement.MonthlyUsed
		rolloverBack := reservation.RolloverHeld - settlement.RolloverUsed
		topupBack := reservation.TopupHeld - settlement.TopupUsed

		runDelta := int64(0)
		if actual > 0 {
			runDelta = 1
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE accounts
			 SET monthly_credits = monthly_credits + ?,
			     rollover_credits = rollover_credits + ?,
			     topup_credits = topup_credits + ?,
			     credits_used_total = credits_used_total + ?,
			     total_runs = total_runs + ?,
			     updated_at = ?
			 WHERE id = ?`,
			monthlyBack,
			rolloverBack,
			topupBack,
			actual,
			runDelta,
			s.clock.Now(),
			reservation.AccountID,
		).Error; err != nil {
			return err
		}

		status := domain.ReservationCommitted
		if actual == 0 {
			status = domain.ReservationReleased
		}
		now := s.clock.Now()
		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_reservations
			 SET status = ?, settled_at = ?
			 WHERE id = ? AND status = ?`,
			status,
			now,
			reservation.ID,
			domain.ReservationHeld,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrReservationSettled
		}
		return nil
	})
	if err != nil {
		return domain.Settlement{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordCredits(string(domain.PoolMonthly), settlement.MonthlyUsed)
		s.metrics.RecordCredits(string(domain.PoolRollover), settlement.RolloverUsed)
		s.metrics.RecordCredits(string(domain.PoolTopup), settlement.TopupUsed)
	}
	return settlement, nil
}

func (s *Service) Release(ctx context.Context, reservationID snowflake.ID) error {
	_, err := s.Commit(ctx, reservationID, 0)
	return err
}

func (s *Service) Adjust(ctx context.Context, accountID snowflake.ID, pool domain.Pool, delta int64, reason string, actor actorcontext.Actor) (domain.Balances, error) {
	if !actor.Admin {
		return domain.Balances{}, domain.ErrNotAuthorized
	}
	if !pool.Valid() {
		return domain.Balances{}, domain.ErrInvalidPool
	}
	if delta == 0 {
		return domain.Balances{}, domain.ErrInvalidAmount
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Balances{}, domain.ErrInvalidAmount
	}

	column := map[domain.Pool]string{
		domain.PoolMonthly:  "monthly_credits",
		domain.PoolRollover: "rollover_credits",
		domain.PoolTopup:    "topup_credits",
	}[pool]

	mu := s.accountLock(accountID)
	mu.Lock()
	defer mu.Unlock()

	var after domain.Balances
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadBalances(ctx, tx, accountID); err != nil {
			return err
		}

		result := tx.WithContext(ctx).Exec(
			`UPDATE accounts
			 SET `+column+` = `+column+` + ?, updated_at = ?
			 WHERE id = ? AND `+column+` + ? >= 0`,
			delta,
			s.clock.Now(),
			accountID,
			delta,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrBalanceWouldGoNegative
		}

		updated, err := s.loadBalances(ctx, tx, accountID)
		if err != nil {
			return err
		}
		after = domain.Balances{
			Monthly:  updated.MonthlyCredits,
			Rollover: updated.RolloverCredits,
			Topup:    updated.TopupCredits,
		}
		return nil
	})
	if err != nil {
		return domain.Balances{}, err
	}

	s.auditSvc.Record(ctx, auditdomain.Entry{
		Category:    auditdomain.CategoryCredits,
		Activity:    "credits.adjusted",
		ActorType:   "admin",
		ActorID:     actor.ID,
		AccountID:   &accountID,
		Description: reason,
		Changes: map[string]any{
			"pool":  string(pool),
			"delta": delta,
			"after": map[string]int64{
				"monthly":  after.Monthly,
				"rollover": after.Rollover,
				"topup":    after.Topup,
			},
		},
	})

	s.log.Info("credits adjusted",
		zap.String("account_id", accountID.String()),
		zap.String("pool", string(pool)),
		zap.Int64("delta", delta),
		zap.String("actor_id", actor.ID))

	return after, nil
}

func (s *Service) Balances(ctx context.Context, accountID snowflake.ID) (domain.Balances, error) {
	row, err := s.loadBalances(ctx, s.db, accountID)
	if err != nil {
		return domain.Balances{}, err
	}
	return domain.Balances{
		Monthly:  row.MonthlyCredits,
		Rollover: row.RolloverCredits,
		Topup:    row.TopupCredits,
	}, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
