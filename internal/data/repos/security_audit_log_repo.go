package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// SecurityAuditLogRepo is append-only, same as GenerationMetricRepo.
type SecurityAuditLogRepo interface {
	Create(dbc dbctx.Context, rows []*types.SecurityAuditLog) ([]*types.SecurityAuditLog, error)
	GetByRequestID(dbc dbctx.Context, requestID uuid.UUID) ([]*types.SecurityAuditLog, error)
}

type securityAuditLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSecurityAuditLogRepo(db *gorm.DB, baseLog *logger.Logger) SecurityAuditLogRepo {
	return &securityAuditLogRepo{db: db, log: baseLog.With("repo", "SecurityAuditLogRepo")}
}

func (r *securityAuditLogRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *securityAuditLogRepo) Create(dbc dbctx.Context, rows []*types.SecurityAuditLog) ([]*types.SecurityAuditLog, error) {
	if len(rows) == 0 {
		return []*types.SecurityAuditLog{}, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *securityAuditLogRepo) GetByRequestID(dbc dbctx.Context, requestID uuid.UUID) ([]*types.SecurityAuditLog, error) {
	var out []*types.SecurityAuditLog
	if requestID == uuid.Nil {
		return out, nil
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
