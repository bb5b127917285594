package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/internal/clock"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ErrDailyLimitReached reports that the account already submitted its
// allowed number of jobs today.
var ErrDailyLimitReached = errors.New("daily_job_limit_reached")

// DailyGuard enforces the per-day submission limit from the account's
// effective limits. With redis configured it uses an atomic day-scoped
// counter; otherwise it falls back to counting today's jobs in the
// database.
type DailyGuard struct {
	client *redis.Client
	db     *gorm.DB
	clock  clock.Clock
}

func NewDailyGuard(client *redis.Client, db *gorm.DB, clk clock.Clock) *DailyGuard {
	return &DailyGuard{client: client, db: db, clock: clk}
}

// Check reserves one submission slot for today. The redis counter is
// incremented first and decremented again on rejection, so concurrent
// submissions cannot slip past the limit.
func (g *DailyGuard) Check(ctx context.Context, accountID snowflake.ID, maxDailyJobs int) error {
	if maxDailyJobs <= 0 {
		return nil
	}

	now := g.clock.Now()
	if g.client != nil {
		key := fmt.Sprintf("formforge:daily_jobs:%s:%s", accountID.String(), now.Format("2006-01-02"))
		count, err := g.client.Incr(ctx, key).Result()
		if err == nil {
			if count == 1 {
				g.client.Expire(ctx, key, 48*time.Hour)
			}
			if count > int64(maxDailyJobs) {
				g.client.Decr(ctx, key)
				return ErrDailyLimitReached
			}
			return nil
		}
		// Redis down: degrade to the DB count rather than rejecting.
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var count int64
	err := g.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM jobs WHERE account_id = ? AND created_at >= ?`,
		accountID,
		dayStart,
	).Scan(&count).Error
	if err != nil {
		return err
	}
	if count >= int64(maxDailyJobs) {
		return ErrDailyLimitReached
	}
	return nil
}
