package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountrepo "github.com/formforge/formforge/internal/account/repository"
	"github.com/formforge/formforge/internal/actorcontext"
	auditdomain "github.com/formforge/formforge/internal/audit/domain"
	"github.com/formforge/formforge/internal/clock"
	"github.com/formforge/formforge/internal/limits/domain"
	tierdomain "github.com/formforge/formforge/internal/tier/domain"
	tierrepo "github.com/formforge/formforge/internal/tier/repository"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type auditStub struct {
	mu      sync.Mutex
	entries []auditdomain.Entry
}

func (a *auditStub) Record(ctx context.Context, entry auditdomain.Entry) {
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()
}

func (a *auditStub) List(ctx context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	return auditdomain.ListResponse{}, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, conn.Exec(`CREATE TABLE accounts (
		id BIGINT PRIMARY KEY,
		external_key TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		tier_key TEXT NOT NULL,
		monthly_credits BIGINT NOT NULL DEFAULT 0,
		rollover_credits BIGINT NOT NULL DEFAULT 0,
		topup_credits BIGINT NOT NULL DEFAULT 0,
		credits_used_total BIGINT NOT NULL DEFAULT 0,
		total_runs BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error)

	require.NoError(t, conn.Exec(`CREATE TABLE tiers (
		id BIGINT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		max_template_bytes BIGINT NOT NULL,
		max_data_bytes BIGINT NOT NULL,
		max_rows_per_batch INTEGER NOT NULL,
		max_daily_jobs INTEGER NOT NULL,
		monthly_credits BIGINT NOT NULL DEFAULT 0,
		can_save_templates BOOLEAN NOT NULL DEFAULT 0,
		can_use_api BOOLEAN NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error)

	require.NoError(t, conn.Exec(`CREATE TABLE account_custom_limits (
		id BIGINT PRIMARY KEY,
		account_id BIGINT NOT NULL UNIQUE,
		max_template_bytes BIGINT,
		max_data_bytes BIGINT,
		max_rows_per_batch INTEGER,
		max_daily_jobs INTEGER,
		can_save_templates BOOLEAN,
		can_use_api BOOLEAN,
		reason TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`).Error)

	return conn
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func seedTier(t *testing.T, conn *gorm.DB, node *snowflake.Node, key string, rows int) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, conn.Create(&tierdomain.Tier{
		ID:               node.Generate(),
		Key:              key,
		DisplayName:      key,
		MaxTemplateBytes: 1 << 20,
		MaxDataBytes:     256 << 10,
		MaxRowsPerBatch:  rows,
		MaxDailyJobs:     3,
		MonthlyCredits:   150,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}).Error)
}

func seedAccount(t *testing.T, conn *gorm.DB, node *snowflake.Node, tierKey string) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Now().UTC()
	require.NoError(t, conn.Exec(
		`INSERT INTO accounts (id, external_key, tier_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, "acct-"+id.String(), tierKey, now, now,
	).Error)
	return id
}

func newLimits(t *testing.T, conn *gorm.DB, node *snowflake.Node, audit auditdomain.Service) domain.Service {
	t.Helper()
	if audit == nil {
		audit = &auditStub{}
	}
	return NewService(Params{
		DB:          conn,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		AccountRepo: accountrepo.Provide(),
		TierRepo:    tierrepo.Provide(),
		AuditSvc:    audit,
	})
}

func adminCtx() context.Context {
	return actorcontext.WithActor(context.Background(), actorcontext.Actor{ID: "admin-1", Admin: true})
}

func TestResolveUsesTierDefaults(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	seedTier(t, conn, node, "free", 50)
	accountID := seedAccount(t, conn, node, "free")
	svc := newLimits(t, conn, node, nil)

	effective, err := svc.Resolve(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, "free", effective.TierKey)
	assert.Equal(t, 50, effective.MaxRowsPerBatch)
	assert.False(t, effective.Customized)
}

func TestResolveMergesCustomOverridesFieldByField(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	seedTier(t, conn, node, "free", 50)
	accountID := seedAccount(t, conn, node, "free")
	svc := newLimits(t, conn, node, nil)

	rows := 500
	_, err := svc.SetCustomLimits(adminCtx(), accountID, domain.Overrides{MaxRowsPerBatch: &rows}, "beta customer")
	require.NoError(t, err)

	effective, err := svc.Resolve(context.Background(), accountID)
	require.NoError(t, err)
	assert.True(t, effective.Customized)
	assert.Equal(t, 500, effective.MaxRowsPerBatch)
	// Untouched fields keep the tier values.
	assert.Equal(t, int64(1<<20), effective.MaxTemplateBytes)
	assert.Equal(t, 3, effective.MaxDailyJobs)
}

func TestSetCustomLimitsValidation(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	seedTier(t, conn, node, "free", 50)
	accountID := seedAccount(t, conn, node, "free")
	svc := newLimits(t, conn, node, nil)

	rows := 500
	_, err := svc.SetCustomLimits(context.Background(), accountID, domain.Overrides{MaxRowsPerBatch: &rows}, "x")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = svc.SetCustomLimits(adminCtx(), accountID, domain.Overrides{MaxRowsPerBatch: &rows}, "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidReason)

	_, err = svc.SetCustomLimits(adminCtx(), accountID, domain.Overrides{}, "reason")
	assert.ErrorIs(t, err, domain.ErrEmptyOverrides)

	negative := -1
	_, err = svc.SetCustomLimits(adminCtx(), accountID, domain.Overrides{MaxRowsPerBatch: &negative}, "reason")
	assert.ErrorIs(t, err, domain.ErrInvalidOverride)
}

func TestClearCustomLimitsRestoresTier(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	seedTier(t, conn, node, "free", 50)
	accountID := seedAccount(t, conn, node, "free")
	svc := newLimits(t, conn, node, nil)

	rows := 500
	_, err := svc.SetCustomLimits(adminCtx(), accountID, domain.Overrides{MaxRowsPerBatch: &rows}, "beta customer")
	require.NoError(t, err)
	require.NoError(t, svc.ClearCustomLimits(adminCtx(), accountID))

	effective, err := svc.Resolve(context.Background(), accountID)
	require.NoError(t, err)
	assert.False(t, effective.Customized)
	assert.Equal(t, 50, effective.MaxRowsPerBatch)
}

func TestChangeTierDropsOverrides(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	seedTier(t, conn, node, "free", 50)
	seedTier(t, conn, node, "pro", 1000)
	accountID := seedAccount(t, conn, node, "free")
	svc := newLimits(t, conn, node, nil)

	rows := 500
	_, err := svc.SetCustomLimits(adminCtx(), accountID, domain.Overrides{MaxRowsPerBatch: &rows}, "beta customer")
	require.NoError(t, err)

	require.NoError(t, svc.ChangeTier(adminCtx(), accountID, "pro"))

	effective, err := svc.Resolve(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, "pro", effective.TierKey)
	assert.Equal(t, 1000, effective.MaxRowsPerBatch)
	assert.False(t, effective.Customized, "overrides granted against the old tier must not carry")
}

func TestChangeTierUnknownTier(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	seedTier(t, conn, node, "free", 50)
	accountID := seedAccount(t, conn, node, "free")
	svc := newLimits(t, conn, node, nil)

	err := svc.ChangeTier(adminCtx(), accountID, "platinum")
	assert.ErrorIs(t, err, tierdomain.ErrNotFound)
}
