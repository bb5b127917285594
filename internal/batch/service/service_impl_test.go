package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/formforge/formforge/internal/audit/domain"
	"github.com/formforge/formforge/internal/batch/domain"
	"github.com/formforge/formforge/internal/clock"
	"github.com/formforge/formforge/internal/config"
	"github.com/formforge/formforge/internal/formfill"
	jobdomain "github.com/formforge/formforge/internal/job/domain"
	ledgerdomain "github.com/formforge/formforge/internal/ledger/domain"
	ledgerservice "github.com/formforge/formforge/internal/ledger/service"
	limitsdomain "github.com/formforge/formforge/internal/limits/domain"
	"github.com/formforge/formforge/internal/packager"
	"github.com/formforge/formforge/internal/ratelimit"
	"github.com/formforge/formforge/internal/storage"
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

type limitsStub struct {
	limits limitsdomain.EffectiveLimits
}

func (l *limitsStub) Resolve(ctx context.Context, accountID snowflake.ID) (limitsdomain.EffectiveLimits, error) {
	return l.limits, nil
}

func (l *limitsStub) SetCustomLimits(ctx context.Context, accountID snowflake.ID, overrides limitsdomain.Overrides, reason string) (*limitsdomain.CustomLimits, error) {
	return nil, errors.New("not implemented")
}

func (l *limitsStub) ClearCustomLimits(ctx context.Context, accountID snowflake.ID) error {
	return errors.New("not implemented")
}

func (l *limitsStub) ChangeTier(ctx context.Context, accountID snowflake.ID, tierKey string) error {
	return errors.New("not implemented")
}

// fakeFiller fails any row whose "name" field is FAIL; everything else
// renders a stub PDF.
type fakeFiller struct {
	allow   chan struct{}
	release chan struct{}
	jitter  time.Duration
}

func (f *fakeFiller) Fill(ctx context.Context, req formfill.Request) ([]byte, error) {
	if f.allow != nil {
		select {
		case <-f.allow:
		case <-f.release:
		}
	}
	if f.jitter > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(f.jitter))))
	}
	for _, field := range req.Fields {
		if field.Value == "FAIL" {
			return nil, &formfill.FillError{Reason: "unrenderable row", Err: errors.New("boom")}
		}
	}
	return []byte("%PDF-1.4 fake"), nil
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
	require.NoError(t, conn.Exec("PRAGMA busy_timeout = 5000").Error)

	for _, ddl := range []string{
		`CREATE TABLE accounts (
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
		)`,
		`CREATE TABLE credit_reservations (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			monthly_held BIGINT NOT NULL,
			rollover_held BIGINT NOT NULL,
			topup_held BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			settled_at DATETIME
		)`,
		`CREATE TABLE jobs (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			template_ref TEXT NOT NULL,
			template_name TEXT NOT NULL DEFAULT '',
			data_ref TEXT NOT NULL,
			idempotency_key TEXT UNIQUE,
			row_count INTEGER NOT NULL DEFAULT 0,
			completed_rows INTEGER NOT NULL DEFAULT 0,
			succeeded_rows INTEGER NOT NULL DEFAULT 0,
			failed_rows INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			cancelled BOOLEAN NOT NULL DEFAULT 0,
			reservation_id BIGINT,
			monthly_used BIGINT NOT NULL DEFAULT 0,
			rollover_used BIGINT NOT NULL DEFAULT 0,
			topup_used BIGINT NOT NULL DEFAULT 0,
			total_used BIGINT NOT NULL DEFAULT 0,
			output_ref TEXT NOT NULL DEFAULT '',
			limits_snapshot JSON,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE TABLE row_outcomes (
			id BIGINT PRIMARY KEY,
			job_id BIGINT NOT NULL,
			row_index INTEGER NOT NULL,
			status TEXT NOT NULL,
			artifact_ref TEXT NOT NULL DEFAULT '',
			output_name TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
	} {
		require.NoError(t, conn.Exec(ddl).Error)
	}
	return conn
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func seedAccount(t *testing.T, conn *gorm.DB, node *snowflake.Node, credits int64) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Now().UTC()
	require.NoError(t, conn.Exec(
		`INSERT INTO accounts (id, external_key, tier_key, monthly_credits, created_at, updated_at)
		 VALUES (?, ?, 'free', ?, ?, ?)`,
		id, "acct-"+id.String(), credits, now, now,
	).Error)
	return id
}

func defaultLimits() limitsdomain.EffectiveLimits {
	return limitsdomain.EffectiveLimits{
		TierKey:          "free",
		MaxTemplateBytes: 1 << 20,
		MaxDataBytes:     256 << 10,
		MaxRowsPerBatch:  50,
		MaxDailyJobs:     0, // unlimited in tests unless overridden
	}
}

type harness struct {
	svc    domain.Service
	db     *gorm.DB
	store  storage.Store
	filler *fakeFiller
	audit  *auditStub
}

func newHarness(t *testing.T, conn *gorm.DB, node *snowflake.Node, limits limitsdomain.EffectiveLimits, filler *fakeFiller, workers int) *harness {
	t.Helper()

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	audit := &auditStub{}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:       conn,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Config:   config.Config{},
		AuditSvc: audit,
	})

	cfg := config.Config{
		Batch: config.BatchConfig{
			WorkerCount: workers,
			RowTimeout:  time.Second,
			PerRowCost:  1,
		},
	}

	svc := NewService(Params{
		DB:       conn,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Config:   cfg,
		Store:    store,
		Filler:   filler,
		Packager: packager.New(packager.Params{Log: log, Store: store}),
		Ledger:   ledgerSvc,
		Limits:   &limitsStub{limits: limits},
		Audit:    audit,
		Guard:    ratelimit.NewDailyGuard(nil, conn, clk),
	})

	return &harness{svc: svc, db: conn, store: store, filler: filler, audit: audit}
}

func csvOf(rows ...string) []byte {
	return []byte(strings.Join(rows, "\n") + "\n")
}

func loadJob(t *testing.T, conn *gorm.DB, id snowflake.ID) *jobdomain.Job {
	t.Helper()
	var job jobdomain.Job
	require.NoError(t, conn.First(&job, "id = ?", id).Error)
	return &job
}

func accountBalance(t *testing.T, conn *gorm.DB, id snowflake.ID) int64 {
	t.Helper()
	var total int64
	require.NoError(t, conn.Raw(
		`SELECT monthly_credits + rollover_credits + topup_credits FROM accounts WHERE id = ?`, id,
	).Scan(&total).Error)
	return total
}

func TestSubmitCompletesAndPackagesAllRows(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)
	h := newHarness(t, conn, node, defaultLimits(), &fakeFiller{}, 4)

	job, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID:    accountID,
		TemplateName: "invoice.pdf",
		Template:     []byte("%PDF-1.4 template"),
		Data: csvOf(
			"name,amount,Filename",
			"alice,10,alice.pdf",
			"bob,20,bob.pdf",
			"carol,30,carol.pdf",
		),
	})
	require.NoError(t, err)
	h.svc.Wait(job.ID)

	final := loadJob(t, conn, job.ID)
	assert.Equal(t, jobdomain.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.RowCount)
	assert.Equal(t, 3, final.SucceededRows)
	assert.Zero(t, final.FailedRows)
	assert.Equal(t, int64(3), final.TotalUsed)
	assert.Equal(t, int64(3), final.MonthlyUsed)
	require.NotEmpty(t, final.OutputRef)

	assert.Equal(t, int64(97), accountBalance(t, conn, accountID))

	// The archive holds one entry per row, named from the Filename column.
	data, err := h.store.Read(context.Background(), final.OutputRef)
	require.NoError(t, err)
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(archive.File))
	for _, f := range archive.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"alice.pdf", "bob.pdf", "carol.pdf"}, names)
}

func TestSubmitBillsOnlySucceededRows(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)
	h := newHarness(t, conn, node, defaultLimits(), &fakeFiller{}, 4)

	rows := []string{"name,Filename"}
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("row%d", i)
		if i == 3 || i == 7 {
			name = "FAIL"
		}
		rows = append(rows, fmt.Sprintf("%s,out%d.pdf", name, i))
	}

	job, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 template"),
		Data:      csvOf(rows...),
	})
	require.NoError(t, err)
	h.svc.Wait(job.ID)

	final := loadJob(t, conn, job.ID)
	assert.Equal(t, jobdomain.StatusPartiallyCompleted, final.Status)
	assert.Equal(t, 8, final.SucceededRows)
	assert.Equal(t, 2, final.FailedRows)
	assert.Equal(t, int64(8), final.TotalUsed)
	assert.Equal(t, int64(92), accountBalance(t, conn, accountID))

	_, outcomes, err := h.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 10)
	for i, outcome := range outcomes {
		assert.Equal(t, i, outcome.RowIndex, "outcomes keep CSV order")
		if i == 3 || i == 7 {
			assert.Equal(t, jobdomain.RowStatusFailed, outcome.Status)
			assert.NotEmpty(t, outcome.ErrorMessage)
		} else {
			assert.Equal(t, jobdomain.RowStatusOK, outcome.Status)
			assert.Equal(t, fmt.Sprintf("out%d.pdf", i), outcome.OutputName)
		}
	}
}

func TestOutputOrderIsStableUnderRandomRowDelays(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)
	h := newHarness(t, conn, node, defaultLimits(), &fakeFiller{jitter: 20 * time.Millisecond}, 4)

	rows := []string{"name,Filename"}
	for i := 0; i < 12; i++ {
		rows = append(rows, fmt.Sprintf("row%d,entry%02d.pdf", i, i))
	}

	job, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 template"),
		Data:      csvOf(rows...),
	})
	require.NoError(t, err)
	h.svc.Wait(job.ID)

	final := loadJob(t, conn, job.ID)
	require.Equal(t, jobdomain.StatusCompleted, final.Status)

	// Rows finish out of order; the archive must still follow CSV order.
	data, err := h.store.Read(context.Background(), final.OutputRef)
	require.NoError(t, err)
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, archive.File, 12)
	for i, f := range archive.File {
		assert.Equal(t, fmt.Sprintf("entry%02d.pdf", i), f.Name)
	}

	_, outcomes, err := h.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 12)
	for i, outcome := range outcomes {
		assert.Equal(t, i, outcome.RowIndex)
	}
}

func TestSubmitAllRowsFailReleasesReservation(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)
	h := newHarness(t, conn, node, defaultLimits(), &fakeFiller{}, 2)

	job, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 template"),
		Data:      csvOf("name", "FAIL", "FAIL", "FAIL"),
	})
	require.NoError(t, err)
	h.svc.Wait(job.ID)

	final := loadJob(t, conn, job.ID)
	assert.Equal(t, jobdomain.StatusFailed, final.Status)
	assert.Zero(t, final.TotalUsed)
	assert.Empty(t, final.OutputRef)
	assert.NotEmpty(t, final.FailureReason)
	assert.Equal(t, int64(100), accountBalance(t, conn, accountID))
}

func TestSubmitRejectsEmptyData(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)
	h := newHarness(t, conn, node, defaultLimits(), &fakeFiller{}, 2)

	_, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 template"),
		Data:      csvOf("name,amount"),
	})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "data", validation.Field)
	assert.Equal(t, int64(100), accountBalance(t, conn, accountID))
}

func TestSubmitRejectsRowCountOverLimit(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)
	limits := defaultLimits()
	limits.MaxRowsPerBatch = 2
	h := newHarness(t, conn, node, limits, &fakeFiller{}, 2)

	_, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 template"),
		Data:      csvOf("name", "a", "b", "c"),
	})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, "row limit")
	assert.Equal(t, int64(100), accountBalance(t, conn, accountID))
}

func TestSubmitRejectsOversizedTemplate(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)
	limits := defaultLimits()
	limits.MaxTemplateBytes = 8
	h := newHarness(t, conn, node, limits, &fakeFiller{}, 2)

	_, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 far too large"),
		Data:      csvOf("name", "a"),
	})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "template", validation.Field)
}

func TestSubmitInsufficientCreditsFailsBeforeProcessing(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 2)
	h := newHarness(t, conn, node, defaultLimits(), &fakeFiller{}, 2)

	_, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 template"),
		Data:      csvOf("name", "a", "b", "c", "d", "e"),
	})
	var insufficient *ledgerdomain.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(5), insufficient.Required)
	assert.Equal(t, int64(2), insufficient.Available)
	assert.Equal(t, int64(2), accountBalance(t, conn, accountID))

	// The rejected job is still visible for support, marked failed.
	var count int64
	require.NoError(t, conn.Raw(
		`SELECT COUNT(*) FROM jobs WHERE account_id = ? AND status = 'failed'`, accountID,
	).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSubmitDuplicateIdempotencyKeyReturnsExistingJob(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)
	h := newHarness(t, conn, node, defaultLimits(), &fakeFiller{}, 2)

	req := domain.SubmitRequest{
		AccountID:      accountID,
		Template:       []byte("%PDF-1.4 template"),
		Data:           csvOf("name", "a", "b"),
		IdempotencyKey: "retry-abc",
	}

	first, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	h.svc.Wait(first.ID)

	second, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Charged once, not twice.
	assert.Equal(t, int64(98), accountBalance(t, conn, accountID))
}

func TestDailyJobLimitEnforced(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)
	limits := defaultLimits()
	limits.MaxDailyJobs = 1
	h := newHarness(t, conn, node, limits, &fakeFiller{}, 2)

	first, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 template"),
		Data:      csvOf("name", "a"),
	})
	require.NoError(t, err)
	h.svc.Wait(first.ID)

	_, err = h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 template"),
		Data:      csvOf("name", "a"),
	})
	assert.ErrorIs(t, err, ratelimit.ErrDailyLimitReached)
}

func TestCancelBillsCompletedRowsOnly(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)

	filler := &fakeFiller{
		allow:   make(chan struct{}, 10),
		release: make(chan struct{}),
	}
	h := newHarness(t, conn, node, defaultLimits(), filler, 1)

	rows := []string{"name"}
	for i := 0; i < 10; i++ {
		rows = append(rows, fmt.Sprintf("row%d", i))
	}
	job, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 template"),
		Data:      csvOf(rows...),
	})
	require.NoError(t, err)

	// Let four rows through, then cancel and unblock whatever is in
	// flight. In-flight work finishes; undispatched rows are skipped.
	for i := 0; i < 4; i++ {
		filler.allow <- struct{}{}
	}
	require.Eventually(t, func() bool {
		return loadJob(t, conn, job.ID).CompletedRows >= 4
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.Cancel(context.Background(), job.ID))
	close(filler.release)
	h.svc.Wait(job.ID)

	final := loadJob(t, conn, job.ID)
	assert.True(t, final.Cancelled)
	assert.Equal(t, jobdomain.StatusPartiallyCompleted, final.Status)
	assert.GreaterOrEqual(t, final.SucceededRows, 4)
	assert.Equal(t, int64(final.SucceededRows), final.TotalUsed)
	assert.Equal(t, int64(100)-final.TotalUsed, accountBalance(t, conn, accountID))

	_, outcomes, err := h.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	skipped := 0
	for _, outcome := range outcomes {
		if outcome.Status == jobdomain.RowStatusSkipped {
			skipped++
		}
	}
	assert.Equal(t, 10-final.SucceededRows-final.FailedRows, skipped)
	assert.GreaterOrEqual(t, skipped, 3)
}

func TestCancelTerminalJobFails(t *testing.T) {
	conn := newTestDB(t)
	node := mustNode(t)
	accountID := seedAccount(t, conn, node, 100)
	h := newHarness(t, conn, node, defaultLimits(), &fakeFiller{}, 2)

	job, err := h.svc.Submit(context.Background(), domain.SubmitRequest{
		AccountID: accountID,
		Template:  []byte("%PDF-1.4 template"),
		Data:      csvOf("name", "a"),
	})
	require.NoError(t, err)
	h.svc.Wait(job.ID)

	err = h.svc.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrNotCancellable)

	err = h.svc.Cancel(context.Background(), node.Generate())
	assert.ErrorIs(t, err, jobdomain.ErrNotFound)
}
