package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the job state machine. Completed, PartiallyCompleted and
// Failed are terminal; a job is immutable once terminal.
type Status string

const (
	StatusSubmitted          Status = "submitted"
	StatusValidating         Status = "validating"
	StatusReserving          Status = "reserving"
	StatusProcessing         Status = "processing"
	StatusPackaging          Status = "packaging"
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed:
		return true
	}
	return false
}

type RowStatus string

const (
	RowStatusOK      RowStatus = "ok"
	RowStatusFailed  RowStatus = "failed"
	RowStatusSkipped RowStatus = "skipped"
)

// Job is one batch run. Owned by the submitting account; mutated only by
// the orchestrator and the ledger.
type Job struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID snowflake.ID `gorm:"not null;index" json:"account_id"`

	TemplateRef  string `gorm:"type:text;not null" json:"template_ref"`
	TemplateName string `gorm:"type:text" json:"template_name"`
	DataRef      string `gorm:"type:text;not null" json:"data_ref"`

	IdempotencyKey *string `gorm:"uniqueIndex" json:"idempotency_key,omitempty"`

	RowCount      int `gorm:"not null;default:0" json:"row_count"`
	CompletedRows int `gorm:"not null;default:0" json:"completed_rows"`
	SucceededRows int `gorm:"not null;default:0" json:"succeeded_rows"`
	FailedRows    int `gorm:"not null;default:0" json:"failed_rows"`

	Status        Status `gorm:"type:text;not null;index" json:"status"`
	FailureReason string `gorm:"type:text" json:"failure_reason,omitempty"`
	Cancelled     bool   `gorm:"not null;default:false" json:"cancelled"`

	ReservationID snowflake.ID `gorm:"index" json:"reservation_id"`
	MonthlyUsed   int64        `gorm:"not null;default:0" json:"monthly_used"`
	RolloverUsed  int64        `gorm:"not null;default:0" json:"rollover_used"`
	TopupUsed     int64        `gorm:"not null;default:0" json:"topup_used"`
	TotalUsed     int64        `gorm:"not null;default:0" json:"total_used"`

	OutputRef string `gorm:"type:text" json:"output_ref,omitempty"`

	// Limits the job validated against, frozen at submission so a later
	// admin override never retroactively affects a run in flight.
	LimitsSnapshot datatypes.JSON `gorm:"type:jsonb" json:"limits_snapshot"`

	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }

// RowOutcome is one row's result, created during processing and never
// mutated afterward. Indices always map back to CSV row order.
type RowOutcome struct {
	ID       snowflake.ID `gorm:"primaryKey" json:"id"`
	JobID    snowflake.ID `gorm:"not null;index" json:"job_id"`
	RowIndex int          `gorm:"not null" json:"row_index"`

	Status       RowStatus `gorm:"type:text;not null" json:"status"`
	ArtifactRef  string    `gorm:"type:text" json:"artifact_ref,omitempty"`
	OutputName   string    `gorm:"type:text" json:"output_name,omitempty"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (RowOutcome) TableName() string { return "row_outcomes" }

var (
	ErrNotFound       = errors.New("job_not_found")
	ErrNotCancellable = errors.New("job_not_cancellable")
)
