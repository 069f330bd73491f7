package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

type stubRequestRepo struct {
	rows map[uuid.UUID]*types.Request
}

func newStubRequestRepo() *stubRequestRepo {
	return &stubRequestRepo{rows: map[uuid.UUID]*types.Request{}}
}

func (r *stubRequestRepo) Create(_ dbctx.Context, reqs []*types.Request) ([]*types.Request, error) {
	for _, req := range reqs {
		cp := *req
		r.rows[req.ID] = &cp
	}
	return reqs, nil
}

func (r *stubRequestRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.Request, error) {
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (r *stubRequestRepo) GetByIDs(_ dbctx.Context, ids []uuid.UUID) ([]*types.Request, error) {
	return nil, nil
}

func (r *stubRequestRepo) List(_ dbctx.Context, _ string, _ string, _, _ int) ([]*types.Request, int64, error) {
	return nil, 0, nil
}

func (r *stubRequestRepo) ClaimNextRunnable(_ dbctx.Context, _ int, _, _ time.Duration) (*types.Request, error) {
	return nil, nil
}

func (r *stubRequestRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if row, ok := r.rows[id]; ok {
		applyStatus(row, updates)
	}
	return nil
}

func (r *stubRequestRepo) UpdateFieldsUnlessStatus(_ dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	row, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	for _, s := range disallowed {
		if string(row.Status) == s {
			return false, nil
		}
	}
	applyStatus(row, updates)
	return true, nil
}

func (r *stubRequestRepo) Heartbeat(_ dbctx.Context, _ uuid.UUID) error { return nil }

func applyStatus(row *types.Request, updates map[string]interface{}) {
	if v, ok := updates["status"]; ok {
		switch s := v.(type) {
		case types.RequestStatus:
			row.Status = s
		case string:
			row.Status = types.RequestStatus(s)
		}
	}
}

func newService(t *testing.T, repo *stubRequestRepo) RequestService {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return NewRequestService(log, repo, nil, nil, nil, nil, nil, 3)
}

func TestSubmitRejectsMissingURL(t *testing.T) {
	svc := newService(t, newStubRequestRepo())
	_, err := svc.Submit(context.Background(), SubmitInput{Requirements: []string{"x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
}

func TestSubmitRejectsUnknownTestType(t *testing.T) {
	svc := newService(t, newStubRequestRepo())
	_, err := svc.Submit(context.Background(), SubmitInput{URL: "https://x", TestType: "bogus"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
}

func TestSubmitCreatesPendingRequest(t *testing.T) {
	repo := newStubRequestRepo()
	svc := newService(t, repo)

	req, err := svc.Submit(context.Background(), SubmitInput{
		URL:          "https://example.com",
		Requirements: []string{"login works"},
		TestType:     types.TestTypeUI,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RequestPending, req.Status)
	assert.Equal(t, []string{"login works"}, req.RequirementsList())
	assert.Equal(t, 3, req.MaxRetries)
	assert.NotNil(t, repo.rows[req.ID])
}

func TestGetUnknownRequestIsNotFound(t *testing.T) {
	svc := newService(t, newStubRequestRepo())
	_, err := svc.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestCancelIsIdempotentOnTerminalRequests(t *testing.T) {
	repo := newStubRequestRepo()
	svc := newService(t, repo)

	req, err := svc.Submit(context.Background(), SubmitInput{URL: "https://x", TestType: types.TestTypeUI})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RequestCancelled, cancelled.Status)

	// Cancelling a completed request leaves it completed.
	repo.rows[req.ID].Status = types.RequestCompleted
	again, err := svc.Cancel(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RequestCompleted, again.Status)
}

func TestResumeRejectsCorruptCheckpoint(t *testing.T) {
	repo := newStubRequestRepo()
	svc := newService(t, repo)

	req, err := svc.Submit(context.Background(), SubmitInput{URL: "https://x", TestType: types.TestTypeUI})
	require.NoError(t, err)
	repo.rows[req.ID].Status = types.RequestFailed
	repo.rows[req.ID].Result = datatypes.JSON([]byte("garbage"))

	_, err = svc.Resume(context.Background(), req.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrCheckpointCorrupt)
}

func TestResumeMakesFailedRequestRunnable(t *testing.T) {
	repo := newStubRequestRepo()
	svc := newService(t, repo)

	req, err := svc.Submit(context.Background(), SubmitInput{URL: "https://x", TestType: types.TestTypeUI})
	require.NoError(t, err)
	repo.rows[req.ID].Status = types.RequestFailed

	resumed, err := svc.Resume(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RequestPending, resumed.Status)
}
