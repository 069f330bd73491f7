package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/austenmoss/testforge/internal/domain"
	jobrt "github.com/austenmoss/testforge/internal/jobs/runtime"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
	"gorm.io/datatypes"
)

func TestComputeBackoffBounds(t *testing.T) {
	r := RetryPolicy{MinBackoff: 1 * time.Second, MaxBackoff: 4 * time.Second, JitterFrac: 0.2}
	for attempt := 1; attempt <= 5; attempt++ {
		d := computeBackoff(r, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Duration(float64(4*time.Second)*1.2))
	}
	// Attempt 1 centers on MinBackoff, attempt 3 on 4x.
	d1 := computeBackoff(r, 1)
	assert.InDelta(t, float64(time.Second), float64(d1), float64(time.Second)*0.25)
	d3 := computeBackoff(r, 3)
	assert.InDelta(t, float64(4*time.Second), float64(d3), float64(4*time.Second)*0.25)
}

func TestShouldRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Retryable: pkgerrors.IsRetryable}

	transient := pkgerrors.ErrTransient
	permanent := errors.New("boom")

	assert.True(t, shouldRetry(policy, 1, transient))
	assert.True(t, shouldRetry(policy, 2, transient))
	assert.False(t, shouldRetry(policy, 3, transient), "attempts exhausted")
	assert.False(t, shouldRetry(policy, 1, permanent), "not retryable")
	assert.False(t, shouldRetry(RetryPolicy{}, 1, transient), "zero MaxAttempts never retries")
}

func TestValidateStages(t *testing.T) {
	run := func(ctx *jobrt.Context, st *OrchestratorState) (map[string]any, error) { return nil, nil }

	assert.NoError(t, validateStages([]Stage{
		{Name: "a", StartPct: 0, EndPct: 50, Run: run},
		{Name: "b", StartPct: 50, EndPct: 100, Run: run},
	}))
	assert.Error(t, validateStages([]Stage{{Name: "", Run: run}}))
	assert.Error(t, validateStages([]Stage{{Name: "a", Run: run}, {Name: "a", Run: run}}))
	assert.Error(t, validateStages([]Stage{{Name: "a", Run: nil}}))
	assert.Error(t, validateStages([]Stage{{Name: "a", StartPct: 60, EndPct: 40, Run: run}}))
}

func TestLoadStateRoundTrip(t *testing.T) {
	st := &OrchestratorState{Version: 1}
	ss := st.EnsureStage("generation")
	ss.Status = StageSucceeded
	ss.Outputs["tests"] = []string{"func TestX(t *testing.T) {}"}
	st.LastProgress = 60

	job := &types.Request{}
	ctx := &jobrt.Context{Job: job}
	require.NoError(t, SaveState(ctx, st))
	require.NotEmpty(t, job.Result)

	loaded, err := LoadState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)
	assert.Equal(t, 60, loaded.LastProgress)
	require.NotNil(t, loaded.Stages["generation"])
	assert.Equal(t, StageSucceeded, loaded.Stages["generation"].Status)
	assert.NotEmpty(t, loaded.Stages["generation"].Outputs["tests"])
}

func TestLoadStateEmptyCheckpoint(t *testing.T) {
	ctx := &jobrt.Context{Job: &types.Request{}}
	st, err := LoadState(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, st.Stages)
}

func TestLoadStateCorruptCheckpoint(t *testing.T) {
	job := &types.Request{Result: datatypes.JSON([]byte(`not json at all`))}
	_, err := LoadState(&jobrt.Context{Job: job}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrCheckpointCorrupt)
}

func TestLoadStateReadsNextVersionEnvelope(t *testing.T) {
	// A checkpoint produced by version V decodes under version V+1: unknown
	// fields are ignored, known ones survive.
	raw := `{"orchestrator":{"version":1,"stages":{"reconnaissance":{"name":"reconnaissance","status":"succeeded"}},"last_progress":30,"future_field":true}}`
	job := &types.Request{Result: datatypes.JSON([]byte(raw))}
	st, err := LoadState(&jobrt.Context{Job: job}, 2)
	require.NoError(t, err)
	assert.Equal(t, StageSucceeded, st.Stages["reconnaissance"].Status)
	assert.Equal(t, 30, st.LastProgress)
}
