package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Category string

const (
	CategoryCredits Category = "credits"
	CategoryLimits  Category = "limits"
	CategoryJobs    Category = "jobs"
	CategoryAdmin   Category = "admin"
)

// ActivityLog is an immutable, append-only audit record.
type ActivityLog struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	Category    Category          `gorm:"type:text;not null;index" json:"category"`
	Activity    string            `gorm:"type:text;not null;index" json:"activity"`
	ActorType   string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID     string            `gorm:"type:text;not null" json:"actor_id"`
	AccountID   *snowflake.ID     `gorm:"index" json:"account_id"`
	Description string            `gorm:"type:text" json:"description"`
	Changes     datatypes.JSONMap `gorm:"type:jsonb" json:"changes"`
	CreatedAt   time.Time         `gorm:"not null;index" json:"created_at"`
}

// TableName sets the database table name.
func (ActivityLog) TableName() string { return "activity_logs" }

// Entry is what callers hand to the recorder; IDs and timestamps are
// filled in on write.
type Entry struct {
	Category    Category
	Activity    string
	ActorType   string
	ActorID     string
	AccountID   *snowflake.ID
	Description string
	Changes     map[string]any
}

type ListRequest struct {
	pagination.Pagination
	Category  string
	Activity  string
	AccountID snowflake.ID
	StartAt   *time.Time
	EndAt     *time.Time
}

type ListResponse struct {
	pagination.PageInfo
	Entries []ActivityLog `json:"entries"`
}

var (
	ErrInvalidActivity  = errors.New("invalid_activity")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)

// Service records activity entries without ever blocking or failing the
// operation being documented.
type Service interface {
	Record(ctx context.Context, entry Entry)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type ListFilter struct {
	Category  string
	Activity  string
	AccountID snowflake.ID
	StartAt   *time.Time
	EndAt     *time.Time
	AfterID   snowflake.ID
	Limit     int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *ActivityLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]ActivityLog, error)
}
