package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// RequestRepo is the persistence boundary for Request rows: generation jobs
// that double as the queue workers claim via ClaimNextRunnable.
type RequestRepo interface {
	Create(dbc dbctx.Context, reqs []*types.Request) ([]*types.Request, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Request, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Request, error)
	List(dbc dbctx.Context, search string, testType string, page, pageSize int) ([]*types.Request, int64, error)
	ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.Request, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
}

type requestRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRequestRepo(db *gorm.DB, baseLog *logger.Logger) RequestRepo {
	return &requestRepo{db: db, log: baseLog.With("repo", "RequestRepo")}
}

func (r *requestRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *requestRepo) Create(dbc dbctx.Context, reqs []*types.Request) ([]*types.Request, error) {
	if len(reqs) == 0 {
		return []*types.Request{}, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

func (r *requestRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Request, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var req types.Request
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *requestRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Request, error) {
	var out []*types.Request
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *requestRepo) List(dbc dbctx.Context, search string, testType string, page, pageSize int) ([]*types.Request, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&types.Request{})
	if search != "" {
		q = q.Where("url ILIKE ?", "%"+search+"%")
	}
	if testType != "" {
		q = q.Where("test_type = ?", testType)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []*types.Request
	err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ClaimNextRunnable claims the oldest pending request, or a running request
// whose worker died (stale heartbeat). Failed requests stay terminal until
// an explicit Resume flips them back to pending; in-stage retries never
// leave the engine.
func (r *requestRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.Request, error) {
	transaction := r.tx(dbc)
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.Request
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var req types.Request
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          status = ?
          OR (
            status NOT IN (?, ?, ?)
            AND attempts < ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, types.RequestPending,
				types.RequestCompleted, types.RequestFailed, types.RequestCancelled,
				maxAttempts, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&req).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		updates := map[string]interface{}{
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_at":    now,
			"heartbeat_at": now,
			"updated_at":   now,
		}
		// A fresh claim enters the first stage; a stale-running reclaim
		// keeps its in-flight status so the state machine never regresses.
		if req.Status == types.RequestPending {
			updates["status"] = types.RequestReconnaissance
		}
		if req.StartedAt == nil {
			updates["started_at"] = now
		}
		uErr := txx.Model(&types.Request{}).Where("id = ?", req.ID).Updates(updates).Error
		if uErr != nil {
			return uErr
		}
		if req.Status == types.RequestPending {
			req.Status = types.RequestReconnaissance
		}
		req.Attempts++
		req.LockedAt = &now
		req.HeartbeatAt = &now
		if req.StartedAt == nil {
			req.StartedAt = &now
		}
		req.UpdatedAt = now
		claimed = &req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *requestRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Model(&types.Request{}).Where("id = ?", id).Updates(updates).Error
}

func (r *requestRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&types.Request{}).Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *requestRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Request{}).
		Where("id = ? AND status NOT IN (?, ?, ?)", id, types.RequestCompleted, types.RequestFailed, types.RequestCancelled).
		Updates(map[string]interface{}{"heartbeat_at": now, "updated_at": now}).Error
}
