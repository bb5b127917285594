package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/internal/audit/domain"
	"github.com/formforge/formforge/internal/clock"
	"github.com/formforge/formforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	BufferSize int `name:"audit_buffer_size" optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository

	queue chan domain.ActivityLog
	done  chan struct{}
}

func NewService(p Params) *Service {
	size := p.BufferSize
	if size <= 0 {
		size = 256
	}
	s := &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		queue: make(chan domain.ActivityLog, size),
		done:  make(chan struct{}),
	}
	go s.drain()
	return s
}

// Record enqueues the entry and returns immediately. A full queue drops the
// entry with a warning rather than stalling the caller; an audit write must
// never block the operation it documents.
func (s *Service) Record(ctx context.Context, entry domain.Entry) {
	_ = ctx

	activity := strings.TrimSpace(entry.Activity)
	if activity == "" {
		s.log.Warn("dropping audit entry without activity")
		return
	}

	actorType := strings.TrimSpace(entry.ActorType)
	if actorType == "" {
		actorType = "system"
	}

	changes := map[string]any{}
	for key, value := range entry.Changes {
		if key == "" {
			continue
		}
		changes[key] = value
	}

	row := domain.ActivityLog{
		ID:          s.genID.Generate(),
		Category:    entry.Category,
		Activity:    activity,
		ActorType:   actorType,
		ActorID:     strings.TrimSpace(entry.ActorID),
		AccountID:   entry.AccountID,
		Description: strings.TrimSpace(entry.Description),
		Changes:     datatypes.JSONMap(changes),
		CreatedAt:   s.clock.Now(),
	}

	select {
	case s.queue <- row:
	default:
		s.log.Warn("audit queue full, dropping entry",
			zap.String("activity", activity),
			zap.String("actor_id", row.ActorID))
	}
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return domain.ListResponse{}, domain.ErrInvalidTimeRange
	}

	filter := domain.ListFilter{
		Category:  req.Category,
		Activity:  req.Activity,
		AccountID: req.AccountID,
		StartAt:   req.StartAt,
		EndAt:     req.EndAt,
		Limit:     req.PageSize,
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		filter.AfterID = snowflake.ID(id)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 25
	}

	logs, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return domain.ListResponse{}, err
	}

	resp := domain.ListResponse{Entries: logs}
	if len(logs) > limit {
		resp.Entries = logs[:limit]
		resp.HasMore = true
		last := resp.Entries[len(resp.Entries)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: last.ID.String()})
		if err == nil {
			resp.NextPageToken = token
		}
	}
	return resp, nil
}

// Close flushes queued entries and stops the writer. Used on shutdown and
// by tests that need the queue drained deterministically.
func (s *Service) Close() {
	close(s.queue)
	<-s.done
}

func (s *Service) drain() {
	defer close(s.done)
	for row := range s.queue {
		if err := s.repo.Insert(context.Background(), s.db, &row); err != nil {
			// Fallback channel: the entry survives in the app log even when
			// the table write fails.
			s.log.Error("audit write failed",
				zap.String("activity", row.Activity),
				zap.String("actor_id", row.ActorID),
				zap.Any("changes", map[string]any(row.Changes)),
				zap.Error(err))
		}
	}
}
