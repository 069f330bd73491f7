package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// GenerationMetricRepo is append-only: callers only ever Create, never
// mutate a row after insert.
type GenerationMetricRepo interface {
	Create(dbc dbctx.Context, metrics []*types.GenerationMetric) ([]*types.GenerationMetric, error)
	GetByRequestID(dbc dbctx.Context, requestID uuid.UUID) ([]*types.GenerationMetric, error)
}

type generationMetricRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationMetricRepo(db *gorm.DB, baseLog *logger.Logger) GenerationMetricRepo {
	return &generationMetricRepo{db: db, log: baseLog.With("repo", "GenerationMetricRepo")}
}

func (r *generationMetricRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *generationMetricRepo) Create(dbc dbctx.Context, metrics []*types.GenerationMetric) ([]*types.GenerationMetric, error) {
	if len(metrics) == 0 {
		return []*types.GenerationMetric{}, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&metrics).Error; err != nil {
		return nil, err
	}
	return metrics, nil
}

func (r *generationMetricRepo) GetByRequestID(dbc dbctx.Context, requestID uuid.UUID) ([]*types.GenerationMetric, error) {
	var out []*types.GenerationMetric
	if requestID == uuid.Nil {
		return out, nil
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("request_id = ?", requestID).
		Order("started_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
