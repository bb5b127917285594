package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/internal/audit/domain"
	"github.com/formforge/formforge/internal/audit/repository"
	"github.com/formforge/formforge/internal/clock"
	"github.com/formforge/formforge/pkg/db/pagination"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, conn.Exec(`CREATE TABLE activity_logs (
		id BIGINT PRIMARY KEY,
		category TEXT NOT NULL,
		activity TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		account_id BIGINT,
		description TEXT NOT NULL DEFAULT '',
		changes JSON,
		created_at DATETIME NOT NULL
	)`).Error)

	return conn
}

func newAudit(t *testing.T, conn *gorm.DB) *Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
}

func TestRecordIsAsyncAndFlushedOnClose(t *testing.T) {
	conn := newTestDB(t)
	svc := newAudit(t, conn)

	for i := 0; i < 5; i++ {
		svc.Record(context.Background(), domain.Entry{
			Category: domain.CategoryJobs,
			Activity: "job.completed",
			ActorID:  "batch",
			Changes:  map[string]any{"index": i},
		})
	}
	svc.Close()

	var count int64
	require.NoError(t, conn.Raw(`SELECT COUNT(*) FROM activity_logs`).Scan(&count).Error)
	assert.Equal(t, int64(5), count)
}

func TestRecordDropsEntryWithoutActivity(t *testing.T) {
	conn := newTestDB(t)
	svc := newAudit(t, conn)

	svc.Record(context.Background(), domain.Entry{Category: domain.CategoryJobs, Activity: "  "})
	svc.Close()

	var count int64
	require.NoError(t, conn.Raw(`SELECT COUNT(*) FROM activity_logs`).Scan(&count).Error)
	assert.Zero(t, count)
}

func TestListFiltersAndPaginates(t *testing.T) {
	conn := newTestDB(t)
	svc := newAudit(t, conn)

	for i := 0; i < 30; i++ {
		activity := "credits.adjusted"
		category := domain.CategoryCredits
		if i%3 == 0 {
			activity = "job.completed"
			category = domain.CategoryJobs
		}
		svc.Record(context.Background(), domain.Entry{
			Category: category,
			Activity: activity,
			ActorID:  "admin-1",
		})
	}
	svc.Close()

	resp, err := svc.List(context.Background(), domain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 10},
		Category:   string(domain.CategoryCredits),
	})
	require.NoError(t, err)
	assert.Len(t, resp.Entries, 10)
	assert.True(t, resp.HasMore)
	require.NotEmpty(t, resp.NextPageToken)

	// Newest first, no overlap across pages.
	next, err := svc.List(context.Background(), domain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 10, PageToken: resp.NextPageToken},
		Category:   string(domain.CategoryCredits),
	})
	require.NoError(t, err)
	assert.Len(t, next.Entries, 10)
	assert.False(t, next.HasMore)
	assert.True(t, next.Entries[0].ID < resp.Entries[len(resp.Entries)-1].ID)
}

func TestListRejectsBadToken(t *testing.T) {
	conn := newTestDB(t)
	svc := newAudit(t, conn)
	defer svc.Close()

	_, err := svc.List(context.Background(), domain.ListRequest{
		Pagination: pagination.Pagination{PageToken: "not-base64!!"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestListRejectsInvertedTimeRange(t *testing.T) {
	conn := newTestDB(t)
	svc := newAudit(t, conn)
	defer svc.Close()

	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.List(context.Background(), domain.ListRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, domain.ErrInvalidTimeRange)
}
