package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// CoverageAnalysisRepo writes one row per requirement per request during
// optimization, replacing any prior rows for the same request.
type CoverageAnalysisRepo interface {
	ReplaceForRequest(dbc dbctx.Context, requestID uuid.UUID, rows []*types.CoverageAnalysis) error
	GetByRequestID(dbc dbctx.Context, requestID uuid.UUID) ([]*types.CoverageAnalysis, error)
}

type coverageAnalysisRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCoverageAnalysisRepo(db *gorm.DB, baseLog *logger.Logger) CoverageAnalysisRepo {
	return &coverageAnalysisRepo{db: db, log: baseLog.With("repo", "CoverageAnalysisRepo")}
}

func (r *coverageAnalysisRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *coverageAnalysisRepo) ReplaceForRequest(dbc dbctx.Context, requestID uuid.UUID, rows []*types.CoverageAnalysis) error {
	if requestID == uuid.Nil {
		return nil
	}
	transaction := r.tx(dbc)
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("request_id = ?", requestID).Delete(&types.CoverageAnalysis{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return txx.Create(&rows).Error
	})
}

func (r *coverageAnalysisRepo) GetByRequestID(dbc dbctx.Context, requestID uuid.UUID) ([]*types.CoverageAnalysis, error) {
	var out []*types.CoverageAnalysis
	if requestID == uuid.Nil {
		return out, nil
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("request_id = ?", requestID).
		Order("requirement_index ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
