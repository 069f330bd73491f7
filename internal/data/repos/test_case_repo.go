package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

type TestCaseRepo interface {
	Create(dbc dbctx.Context, tests []*types.TestCase) ([]*types.TestCase, error)
	GetByRequestID(dbc dbctx.Context, requestID uuid.UUID) ([]*types.TestCase, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.TestCase, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	DeleteByRequestID(dbc dbctx.Context, requestID uuid.UUID) error
	Search(dbc dbctx.Context, search, testType string, page, pageSize int) ([]*types.TestCase, int64, error)
}

type testCaseRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTestCaseRepo(db *gorm.DB, baseLog *logger.Logger) TestCaseRepo {
	return &testCaseRepo{db: db, log: baseLog.With("repo", "TestCaseRepo")}
}

func (r *testCaseRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *testCaseRepo) Create(dbc dbctx.Context, tests []*types.TestCase) ([]*types.TestCase, error) {
	if len(tests) == 0 {
		return []*types.TestCase{}, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&tests).Error; err != nil {
		return nil, err
	}
	return tests, nil
}

func (r *testCaseRepo) GetByRequestID(dbc dbctx.Context, requestID uuid.UUID) ([]*types.TestCase, error) {
	var out []*types.TestCase
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

func (r *testCaseRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.TestCase, error) {
	var out []*types.TestCase
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *testCaseRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Model(&types.TestCase{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteByRequestID clears a request's tests. The validation stage uses it
// to replace its own output when a crashed attempt is rerun.
func (r *testCaseRepo) DeleteByRequestID(dbc dbctx.Context, requestID uuid.UUID) error {
	if requestID == uuid.Nil {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Where("request_id = ?", requestID).Delete(&types.TestCase{}).Error
}

func (r *testCaseRepo) Search(dbc dbctx.Context, search, testType string, page, pageSize int) ([]*types.TestCase, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&types.TestCase{}).Where("is_duplicate = ? AND validation_status <> ?", false, types.ValidationFailed)
	if search != "" {
		q = q.Where("name ILIKE ? OR code ILIKE ?", "%"+search+"%", "%"+search+"%")
	}
	if testType != "" {
		q = q.Where("test_type = ?", testType)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []*types.TestCase
	err := q.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
