package testgen

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
)

// In-memory repo fakes. They honor the same guarded-update semantics the
// GORM implementations have so the engine's cancellation behavior is
// exercised for real.

type memRequestRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.Request
}

func newMemRequestRepo() *memRequestRepo {
	return &memRequestRepo{rows: map[uuid.UUID]*types.Request{}}
}

func (r *memRequestRepo) Create(_ dbctx.Context, reqs []*types.Request) ([]*types.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range reqs {
		cp := *req
		r.rows[req.ID] = &cp
	}
	return reqs, nil
}

func (r *memRequestRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (r *memRequestRepo) GetByIDs(_ dbctx.Context, ids []uuid.UUID) ([]*types.Request, error) {
	var out []*types.Request
	for _, id := range ids {
		if row, err := r.GetByID(dbctx.Context{}, id); err == nil && row != nil {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memRequestRepo) List(_ dbctx.Context, _ string, _ string, _, _ int) ([]*types.Request, int64, error) {
	return nil, 0, nil
}

func (r *memRequestRepo) ClaimNextRunnable(_ dbctx.Context, _ int, _, _ time.Duration) (*types.Request, error) {
	return nil, nil
}

func (r *memRequestRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		applyRequestUpdates(row, updates)
	}
	return nil
}

func (r *memRequestRepo) UpdateFieldsUnlessStatus(_ dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	for _, s := range disallowed {
		if string(row.Status) == s {
			return false, nil
		}
	}
	applyRequestUpdates(row, updates)
	return true, nil
}

func (r *memRequestRepo) Heartbeat(_ dbctx.Context, _ uuid.UUID) error { return nil }

// forceStatus bypasses guards, standing in for a Cancel issued by another
// process.
func (r *memRequestRepo) forceStatus(id uuid.UUID, status types.RequestStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		row.Status = status
	}
}

func applyRequestUpdates(row *types.Request, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "status":
			switch s := v.(type) {
			case types.RequestStatus:
				row.Status = s
			case string:
				row.Status = types.RequestStatus(s)
			}
		case "stage":
			row.Stage, _ = v.(string)
		case "progress":
			if n, ok := v.(int); ok {
				row.Progress = n
			}
		case "message":
			row.Message, _ = v.(string)
		case "error":
			row.Error, _ = v.(string)
		case "error_code":
			row.ErrorCode, _ = v.(string)
		case "result":
			if b, ok := v.(datatypes.JSON); ok {
				row.Result = b
			}
		case "result_summary":
			if b, ok := v.(datatypes.JSON); ok {
				row.ResultSummary = b
			}
		case "locked_at":
			row.LockedAt = timePtr(v)
		case "heartbeat_at":
			row.HeartbeatAt = timePtr(v)
		case "last_error_at":
			row.LastErrorAt = timePtr(v)
		case "started_at":
			row.StartedAt = timePtr(v)
		case "completed_at":
			row.CompletedAt = timePtr(v)
		case "duration_seconds":
			if f, ok := v.(float64); ok {
				row.DurationSeconds = &f
			}
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				row.UpdatedAt = t
			}
		}
	}
}

func timePtr(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	default:
		return nil
	}
}

// -------------------- test cases --------------------

type memTestCaseRepo struct {
	mu              sync.Mutex
	rows            map[uuid.UUID]*types.TestCase
	order           []uuid.UUID
	failNextCreate  bool
	createFailError error
}

func newMemTestCaseRepo() *memTestCaseRepo {
	return &memTestCaseRepo{rows: map[uuid.UUID]*types.TestCase{}}
}

func (r *memTestCaseRepo) Create(_ dbctx.Context, tests []*types.TestCase) ([]*types.TestCase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNextCreate {
		r.failNextCreate = false
		return nil, r.createFailError
	}
	for _, t := range tests {
		cp := *t
		r.rows[t.ID] = &cp
		r.order = append(r.order, t.ID)
	}
	return tests, nil
}

func (r *memTestCaseRepo) GetByRequestID(_ dbctx.Context, requestID uuid.UUID) ([]*types.TestCase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.TestCase
	for _, id := range r.order {
		if t := r.rows[id]; t != nil && t.RequestID == requestID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memTestCaseRepo) GetByIDs(_ dbctx.Context, ids []uuid.UUID) ([]*types.TestCase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.TestCase
	for _, id := range ids {
		if t := r.rows[id]; t != nil {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memTestCaseRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[id]
	if !ok {
		return nil
	}
	for k, v := range updates {
		switch k {
		case "is_duplicate":
			t.IsDuplicate, _ = v.(bool)
		case "duplicate_of":
			if u, ok := v.(uuid.UUID); ok {
				t.DuplicateOf = &u
			}
		case "similarity_score":
			if f, ok := v.(float64); ok {
				t.SimilarityScore = &f
			}
		case "semantic_embedding":
			if b, ok := v.(datatypes.JSON); ok {
				t.SemanticEmbedding = b
			}
		case "covered_requirements":
			if b, ok := v.(datatypes.JSON); ok {
				t.CoveredRequirements = b
			}
		}
	}
	return nil
}

func (r *memTestCaseRepo) DeleteByRequestID(_ dbctx.Context, requestID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keep []uuid.UUID
	for _, id := range r.order {
		if t := r.rows[id]; t != nil && t.RequestID == requestID {
			delete(r.rows, id)
			continue
		}
		keep = append(keep, id)
	}
	r.order = keep
	return nil
}

func (r *memTestCaseRepo) Search(_ dbctx.Context, _, _ string, _, _ int) ([]*types.TestCase, int64, error) {
	return nil, 0, nil
}

// -------------------- metrics, coverage, audit --------------------

type memMetricRepo struct {
	mu   sync.Mutex
	rows []*types.GenerationMetric
}

func (r *memMetricRepo) Create(_ dbctx.Context, metrics []*types.GenerationMetric) ([]*types.GenerationMetric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, metrics...)
	return metrics, nil
}

func (r *memMetricRepo) GetByRequestID(_ dbctx.Context, requestID uuid.UUID) ([]*types.GenerationMetric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.GenerationMetric
	for _, m := range r.rows {
		if m.RequestID == requestID {
			out = append(out, m)
		}
	}
	return out, nil
}

type memCoverageRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID][]*types.CoverageAnalysis
}

func newMemCoverageRepo() *memCoverageRepo {
	return &memCoverageRepo{rows: map[uuid.UUID][]*types.CoverageAnalysis{}}
}

func (r *memCoverageRepo) ReplaceForRequest(_ dbctx.Context, requestID uuid.UUID, rows []*types.CoverageAnalysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[requestID] = rows
	return nil
}

func (r *memCoverageRepo) GetByRequestID(_ dbctx.Context, requestID uuid.UUID) ([]*types.CoverageAnalysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[requestID], nil
}

type memAuditRepo struct {
	mu   sync.Mutex
	rows []*types.SecurityAuditLog
}

func (r *memAuditRepo) Create(_ dbctx.Context, rows []*types.SecurityAuditLog) ([]*types.SecurityAuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rows...)
	return rows, nil
}

func (r *memAuditRepo) GetByRequestID(_ dbctx.Context, requestID uuid.UUID) ([]*types.SecurityAuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.SecurityAuditLog
	for _, a := range r.rows {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}
	return out, nil
}

// -------------------- notifier --------------------

type recordedEvent struct {
	Kind   string
	Stage  string
	Status types.RequestStatus
}

type memNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *memNotifier) RequestProgress(req *types.Request, stage string, progress int, message string) {
	n.record("progress", stage, req.Status)
}

func (n *memNotifier) RequestFailed(req *types.Request, stage string, errorMessage string) {
	n.record("failed", stage, types.RequestFailed)
}

func (n *memNotifier) RequestDone(req *types.Request) {
	n.record("done", req.Stage, types.RequestCompleted)
}

func (n *memNotifier) record(kind, stage string, status types.RequestStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{Kind: kind, Stage: stage, Status: status})
}

func (n *memNotifier) stages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.Kind+":"+e.Stage)
	}
	return out
}
