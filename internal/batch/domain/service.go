package domain

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/formforge/formforge/internal/job/domain"
)

// SubmitRequest carries one batch submission. Template and data bytes are
// already uploaded; the orchestrator stores them and owns them from here.
type SubmitRequest struct {
	AccountID      snowflake.ID
	TemplateName   string
	Template       []byte
	Data           []byte
	IdempotencyKey string
}

// ValidationError rejects a submission before any credits are touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// CostPolicy prices a batch. Flat per-row by default; kept behind an
// interface so pricing can change without touching the pipeline.
type CostPolicy interface {
	PerRow() int64
	Estimate(rowCount int) int64
}

type FlatPerRow struct {
	Credits int64
}

func (p FlatPerRow) PerRow() int64 {
	if p.Credits <= 0 {
		return 1
	}
	return p.Credits
}

func (p FlatPerRow) Estimate(rowCount int) int64 {
	return int64(rowCount) * p.PerRow()
}

type Service interface {
	// Submit validates the inputs and reserves credits synchronously, so
	// validation and insufficient-credit failures surface immediately.
	// Row processing continues in the background; poll Get for progress.
	Submit(ctx context.Context, req SubmitRequest) (*jobdomain.Job, error)

	Get(ctx context.Context, jobID snowflake.ID) (*jobdomain.Job, []jobdomain.RowOutcome, error)
	ListByAccount(ctx context.Context, accountID snowflake.ID, limit int) ([]jobdomain.Job, error)

	// Cancel stops a running job. In-flight rows finish, the rest are
	// skipped, and whatever succeeded is billed.
	Cancel(ctx context.Context, jobID snowflake.ID) error

	// Wait blocks until the job reaches a terminal state. Test hook and
	// graceful-shutdown aid; the HTTP surface only polls.
	Wait(jobID snowflake.ID)
}
