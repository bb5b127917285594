package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/formforge/formforge/internal/audit/domain"
	"github.com/formforge/formforge/internal/batch/domain"
	"github.com/formforge/formforge/internal/clock"
	"github.com/formforge/formforge/internal/config"
	"github.com/formforge/formforge/internal/csvdata"
	"github.com/formforge/formforge/internal/formfill"
	jobdomain "github.com/formforge/formforge/internal/job/domain"
	ledgerdomain "github.com/formforge/formforge/internal/ledger/domain"
	limitsdomain "github.com/formforge/formforge/internal/limits/domain"
	obsmetrics "github.com/formforge/formforge/internal/observability/metrics"
	"github.com/formforge/formforge/internal/packager"
	"github.com/formforge/formforge/internal/ratelimit"
	"github.com/formforge/formforge/internal/storage"
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
	Store    storage.Store
	Filler   formfill.Filler
	Packager *packager.Packager
	Ledger   ledgerdomain.Service
	Limits   limitsdomain.Service
	Audit    auditdomain.Service
	Guard    *ratelimit.DailyGuard
	Locker   *ratelimit.Locker   `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	store     storage.Store
	processor *Processor
	packager  *packager.Packager
	ledger    ledgerdomain.Service
	limits    limitsdomain.Service
	audit     auditdomain.Service
	guard     *ratelimit.DailyGuard
	locker    *ratelimit.Locker
	metrics   *obsmetrics.Metrics

	cost    domain.CostPolicy
	workers int

	mu   sync.Mutex
	runs map[snowflake.ID]*run
}

func NewService(p Params) domain.Service {
	workers := p.Config.Batch.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("batch.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		store:     p.Store,
		processor: NewProcessor(p.Store, p.Filler, p.Config.Batch.RowTimeout),
		packager:  p.Packager,
		ledger:    p.Ledger,
		limits:    p.Limits,
		audit:     p.Audit,
		guard:     p.Guard,
		locker:    p.Locker,
		metrics:   p.Metrics,
		cost:      domain.FlatPerRow{Credits: p.Config.Batch.PerRowCost},
		workers:   workers,
		runs:      map[snowflake.ID]*run{},
	}
}

func (s *Service) Submit(ctx context.Context, req domain.SubmitRequest) (*jobdomain.Job, error) {
	if req.AccountID == 0 {
		return nil, &domain.ValidationError{Field: "account_id", Reason: "missing"}
	}
	if len(req.Template) == 0 {
		return nil, &domain.ValidationError{Field: "template", Reason: "empty file"}
	}
	if len(req.Data) == 0 {
		return nil, &domain.ValidationError{Field: "data", Reason: "empty file"}
	}

	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		if existing, err := s.findByIdempotencyKey(ctx, req.AccountID, key); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
		if s.locker != nil {
			lockKey := "formforge:submit:" + key
			token, ok, err := s.locker.TryLock(ctx, lockKey, 30*time.Second)
			if err == nil && ok {
				defer func() { _ = s.locker.Release(ctx, lockKey, token) }()
				// Re-check under the lock: a concurrent submission may have
				// won the race before we acquired it.
				if existing, err := s.findByIdempotencyKey(ctx, req.AccountID, key); err != nil {
					return nil, err
				} else if existing != nil {
					return existing, nil
				}
			}
		}
	}

	// Resolved fresh on every submission; the snapshot below is what the
	// job is held to even if an admin changes limits mid-flight.
	effective, err := s.limits.Resolve(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	if err := s.guard.Check(ctx, req.AccountID, effective.MaxDailyJobs); err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(effective)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	job := &jobdomain.Job{
		ID:             s.genID.Generate(),
		AccountID:      req.AccountID,
		TemplateName:   strings.TrimSpace(req.TemplateName),
		Status:         jobdomain.StatusSubmitted,
		LimitsSnapshot: snapshot,
		CreatedAt:      now,
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		scoped := fmt.Sprintf("%s:%s", req.AccountID.String(), key)
		job.IdempotencyKey = &scoped
	}

	jobKey := "jobs/" + job.ID.String()
	if job.TemplateRef, err = s.store.Save(ctx, jobKey+"/template.pdf", req.Template); err != nil {
		return nil, err
	}
	if job.DataRef, err = s.store.Save(ctx, jobKey+"/data.csv", req.Data); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}

	// Validating: limits were frozen above; violations fail the job with
	// no credits touched.
	s.setStatus(ctx, job, jobdomain.StatusValidating)
	doc, verr := s.validate(req, effective)
	if verr != nil {
		s.finishRejected(ctx, job, verr.Error())
		return nil, verr
	}
	job.RowCount = len(doc.Rows)

	// Reserving: estimate is all-or-nothing; the job never starts on
	// insufficient funds.
	s.setStatus(ctx, job, jobdomain.StatusReserving)
	reservation, err := s.ledger.Reserve(ctx, req.AccountID, s.cost.Estimate(job.RowCount))
	if err != nil {
		var insufficient *ledgerdomain.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			s.finishRejected(ctx, job, insufficient.Error())
		}
		return nil, err
	}
	job.ReservationID = reservation.ID

	started := s.clock.Now()
	job.StartedAt = &started
	job.Status = jobdomain.StatusProcessing
	if err := s.db.WithContext(ctx).Model(&jobdomain.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"row_count":      job.RowCount,
			"reservation_id": job.ReservationID,
			"status":         job.Status,
			"started_at":     started,
		}).Error; err != nil {
		// The reservation must not leak when we cannot start the run.
		_ = s.ledger.Release(context.Background(), reservation.ID)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.runs[job.ID] = r
	s.mu.Unlock()

	snapshotJob := *job
	go s.process(runCtx, r, &snapshotJob, req.Template, doc)

	return job, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, accountID snowflake.ID, key string) (*jobdomain.Job, error) {
	scoped := fmt.Sprintf("%s:%s", accountID.String(), key)
	var existing jobdomain.Job
	err := s.db.WithContext(ctx).First(&existing, "idempotency_key = ?", scoped).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Service) validate(req domain.SubmitRequest, effective limitsdomain.EffectiveLimits) (*csvdata.Document, *domain.ValidationError) {
	if int64(len(req.Template)) > effective.MaxTemplateBytes {
		return nil, &domain.ValidationError{
			Field:  "template",
			Reason: fmt.Sprintf("file size %d exceeds the %d byte limit for tier %s", len(req.Template), effective.MaxTemplateBytes, effective.TierKey),
		}
	}
	if int64(len(req.Data)) > effective.MaxDataBytes {
		return nil, &domain.ValidationError{
			Field:  "data",
			Reason: fmt.Sprintf("file size %d exceeds the %d byte limit for tier %s", len(req.Data), effective.MaxDataBytes, effective.TierKey),
		}
	}

	doc, err := csvdata.Parse(req.Data)
	if err != nil {
		return nil, &domain.ValidationError{Field: "data", Reason: err.Error()}
	}
	if len(doc.Rows) == 0 {
		return nil, &domain.ValidationError{Field: "data", Reason: "no data rows"}
	}
	if len(doc.Rows) > effective.MaxRowsPerBatch {
		return nil, &domain.ValidationError{
			Field:  "data",
			Reason: fmt.Sprintf("%d rows exceed the %d row limit for tier %s", len(doc.Rows), effective.MaxRowsPerBatch, effective.TierKey),
		}
	}
	return doc, nil
}

func (s *Service) process(ctx context.Context, r *run, job *jobdomain.Job, template []byte, doc *csvdata.Document) {
	defer func() {
		s.mu.Lock()
		delete(s.runs, job.ID)
		s.mu.Unlock()
		close(r.done)
	}()

	jobKey := "jobs/" + job.ID.String()
	results := make([]rowResult, len(doc.Rows))
	for i := range results {
		results[i] = rowResult{index: i, err: errSkipped}
	}

	inputs := make(chan rowInput)
	collected := make(chan rowResult, len(doc.Rows))

	var wg sync.WaitGroup
	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for in := range inputs {
				// Rows run on the background context so a cancel lets
				// in-flight work finish instead of corrupting output.
				collected <- s.processor.process(context.Background(), in)
			}
		}()
	}

	// Single writer for progress so parallel workers never contend on the
	// job row.
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for result := range collected {
			results[result.index] = result
			s.recordProgress(job.ID, result)
		}
	}()

	cancelled := false
dispatch:
	for i, row := range doc.Rows {
		// Checked before the blocking send so at most one row slips
		// through after a cancel.
		select {
		case <-ctx.Done():
			cancelled = true
			break dispatch
		default:
		}
		in := rowInput{
			jobKey:       jobKey,
			index:        i,
			templateName: job.TemplateName,
			template:     template,
			header:       doc.Header,
			row:          row,
		}
		select {
		case <-ctx.Done():
			cancelled = true
			break dispatch
		case inputs <- in:
		}
	}
	close(inputs)
	wg.Wait()
	close(collected)
	<-collectorDone

	s.finish(job, doc, results, cancelled)
}

// errSkipped marks rows never dispatched because the job was cancelled.
var errSkipped = errors.New("skipped")

func (s *Service) recordProgress(jobID snowflake.ID, result rowResult) {
	updates := map[string]any{
		"completed_rows": gorm.Expr("completed_rows + 1"),
	}
	if result.err == nil {
		updates["succeeded_rows"] = gorm.Expr("succeeded_rows + 1")
		if s.metrics != nil {
			s.metrics.RecordRow("ok")
		}
	} else {
		updates["failed_rows"] = gorm.Expr("failed_rows + 1")
		if s.metrics != nil {
			s.metrics.RecordRow("failed")
		}
	}
	if err := s.db.Model(&jobdomain.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		s.log.Warn("failed to record row progress", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

func (s *Service) finish(job *jobdomain.Job, doc *csvdata.Document, results []rowResult, cancelled bool) {
	ctx := context.Background()

	successCount := 0
	artifacts := make([]packager.Artifact, 0, len(results))
	for _, result := range results {
		if result.err == nil {
			successCount++
			artifacts = append(artifacts, packager.Artifact{Name: result.outputName, Ref: result.ref})
		}
	}

	// Terminal charge: only rows that generated successfully are billed;
	// the rest of the reservation flows back, topup first.
	actual := int64(successCount) * s.cost.PerRow()
	settlement, err := s.ledger.Commit(ctx, job.ReservationID, actual)
	if err != nil {
		s.log.Error("failed to settle reservation",
			zap.String("job_id", job.ID.String()),
			zap.String("reservation_id", job.ReservationID.String()),
			zap.Error(err))
	}

	s.insertOutcomes(ctx, job, results)

	status := jobdomain.StatusFailed
	failureReason := ""
	outputRef := ""
	switch {
	case successCount == 0 && cancelled:
		failureReason = "cancelled before any row completed"
	case successCount == 0:
		failureReason = "no rows generated: " + firstRowError(results)
	default:
		s.setStatus(ctx, job, jobdomain.StatusPackaging)
		ref, packErr := s.packager.Pack(ctx, "jobs/"+job.ID.String(), artifacts)
		if packErr != nil {
			// Delivery failure, not a generation failure: the charge for
			// generated rows stands.
			failureReason = fmt.Sprintf("%d PDFs were generated but could not be packaged: %v", successCount, packErr)
		} else {
			outputRef = ref
			if successCount == len(doc.Rows) {
				status = jobdomain.StatusCompleted
			} else {
				status = jobdomain.StatusPartiallyCompleted
			}
		}
	}

	now := s.clock.Now()
	updates := map[string]any{
		"status":        status,
		"monthly_used":  settlement.MonthlyUsed,
		"rollover_used": settlement.RolloverUsed,
		"topup_used":    settlement.TopupUsed,
		"total_used":    settlement.Total(),
		"finished_at":   now,
		"cancelled":     cancelled,
	}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	if outputRef != "" {
		updates["output_ref"] = outputRef
	}
	if err := s.db.Model(&jobdomain.Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		s.log.Error("failed to finalize job", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.RecordJob(string(status), now.Sub(job.CreatedAt).Seconds())
	}

	s.audit.Record(ctx, auditdomain.Entry{
		Category:  auditdomain.CategoryJobs,
		Activity:  "job." + string(status),
		ActorType: "system",
		ActorID:   "batch",
		AccountID: &job.AccountID,
		Changes: map[string]any{
			"job_id":       job.ID.String(),
			"row_count":    len(doc.Rows),
			"succeeded":    successCount,
			"credits_used": settlement.Total(),
			"cancelled":    cancelled,
		},
	})

	s.log.Info("job finished",
		zap.String("job_id", job.ID.String()),
		zap.String("status", string(status)),
		zap.Int("rows", len(doc.Rows)),
		zap.Int("succeeded", successCount),
		zap.Int64("credits_used", settlement.Total()))
}

func (s *Service) insertOutcomes(ctx context.Context, job *jobdomain.Job, results []rowResult) {
	outcomes := make([]jobdomain.RowOutcome, 0, len(results))
	now := s.clock.Now()
	for _, result := range results {
		outcome := jobdomain.RowOutcome{
			ID:        s.genID.Generate(),
			JobID:     job.ID,
			RowIndex:  result.index,
			CreatedAt: now,
		}
		switch {
		case result.err == nil:
			outcome.Status = jobdomain.RowStatusOK
			outcome.ArtifactRef = result.ref
			outcome.OutputName = result.outputName
		case errors.Is(result.err, errSkipped):
			outcome.Status = jobdomain.RowStatusSkipped
		default:
			outcome.Status = jobdomain.RowStatusFailed
			outcome.ErrorMessage = result.err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	if err := s.db.WithContext(ctx).CreateInBatches(outcomes, 200).Error; err != nil {
		s.log.Error("failed to insert row outcomes", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

func firstRowError(results []rowResult) string {
	for _, result := range results {
		if result.err != nil && !errors.Is(result.err, errSkipped) {
			return result.err.Error()
		}
	}
	return "unknown error"
}

func (s *Service) Get(ctx context.Context, jobID snowflake.ID) (*jobdomain.Job, []jobdomain.RowOutcome, error) {
	var job jobdomain.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, jobdomain.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	var outcomes []jobdomain.RowOutcome
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("row_index ASC").
		Find(&outcomes).Error; err != nil {
		return nil, nil, err
	}
	return &job, outcomes, nil
}

func (s *Service) ListByAccount(ctx context.Context, accountID snowflake.ID, limit int) ([]jobdomain.Job, error) {
	if limit <= 0 || limit > 250 {
		limit = 25
	}
	var jobs []jobdomain.Job
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (s *Service) Cancel(ctx context.Context, jobID snowflake.ID) error {
	s.mu.Lock()
	r, running := s.runs[jobID]
	s.mu.Unlock()

	if !running {
		var job jobdomain.Job
		err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jobdomain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return jobdomain.ErrNotCancellable
	}

	r.cancel()
	return nil
}

func (s *Service) Wait(jobID snowflake.ID) {
	s.mu.Lock()
	r, running := s.runs[jobID]
	s.mu.Unlock()
	if running {
		<-r.done
	}
}

func (s *Service) setStatus(ctx context.Context, job *jobdomain.Job, status jobdomain.Status) {
	job.Status = status
	if err := s.db.WithContext(ctx).Model(&jobdomain.Job{}).
		Where("id = ?", job.ID).
		Update("status", status).Error; err != nil {
		s.log.Warn("failed to update job status",
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// finishRejected terminates a job that never reached processing. No
// credits were touched.
func (s *Service) finishRejected(ctx context.Context, job *jobdomain.Job, reason string) {
	now := s.clock.Now()
	job.Status = jobdomain.StatusFailed
	if err := s.db.WithContext(ctx).Model(&jobdomain.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":         jobdomain.StatusFailed,
			"failure_reason": reason,
			"finished_at":    now,
		}).Error; err != nil {
		s.log.Warn("failed to mark job rejected", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.RecordJob(string(jobdomain.StatusFailed), now.Sub(job.CreatedAt).Seconds())
	}
	s.audit.Record(ctx, auditdomain.Entry{
		Category:    auditdomain.CategoryJobs,
		Activity:    "job.failed",
		ActorType:   "system",
		ActorID:     "batch",
		AccountID:   &job.AccountID,
		Description: reason,
		Changes:     map[string]any{"job_id": job.ID.String()},
	})
}
