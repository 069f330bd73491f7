package testgen

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austenmoss/testforge/internal/config"
	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/generator"
	jobrt "github.com/austenmoss/testforge/internal/jobs/runtime"
	"github.com/austenmoss/testforge/internal/llmcache"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	"github.com/austenmoss/testforge/internal/pkg/logger"
	"github.com/austenmoss/testforge/internal/optimizer"
	"github.com/austenmoss/testforge/internal/platform/openai"
	"github.com/austenmoss/testforge/internal/recon"
	"github.com/austenmoss/testforge/internal/validator"
)

const goodTestA = "```go\nfunc TestLoginValidCredentials(t *testing.T) {\n\trunner.Run(t, \"login works\", func(t provider.T) {\n\t\tt.Feature(\"Authentication\")\n\t\tt.Story(\"Login\")\n\t\tt.Title(\"login works with valid credentials\")\n\t\tt.Tag(\"CRITICAL\")\n\t\tassert.True(t, true)\n\t})\n}\n\nfunc TestLoginShowsDashboard(t *testing.T) {\n\trunner.Run(t, \"login works\", func(t provider.T) {\n\t\tt.Feature(\"Authentication\")\n\t\tt.Story(\"Login\")\n\t\tt.Title(\"after login works the dashboard is shown\")\n\t\tt.Tag(\"NORMAL\")\n\t\tassert.NotNil(t, t)\n\t})\n}\n```"

const evalTestContent = "```go\nfunc TestLoginValidCredentials(t *testing.T) {\n\trunner.Run(t, \"login works\", func(t provider.T) {\n\t\tt.Feature(\"Authentication\")\n\t\tt.Story(\"Login\")\n\t\tt.Title(\"login works with valid credentials\")\n\t\tt.Tag(\"CRITICAL\")\n\t\tassert.True(t, true)\n\t})\n}\n\nfunc TestSneaky(t *testing.T) {\n\tout := eval(\"2+2\")\n\t_ = out\n}\n```"

const duplicatePairContent = "```go\nfunc TestLoginValidCredentials(t *testing.T) {\n\trunner.Run(t, \"login works\", func(t provider.T) {\n\t\tt.Feature(\"Authentication\")\n\t\tt.Story(\"Login\")\n\t\tt.Title(\"login works with valid credentials\")\n\t\tt.Tag(\"CRITICAL\")\n\t\tassert.True(t, true)\n\t})\n}\n\nfunc TestLoginValidCredentials(t *testing.T) {\n\trunner.Run(t, \"login works\", func(t provider.T) {\n\t\tt.Feature(\"Authentication\")\n\t\tt.Story(\"Login\")\n\t\tt.Title(\"login works with valid credentials\")\n\t\tt.Tag(\"CRITICAL\")\n\t\tassert.True(t, true)\n\t})\n}\n```"

// scriptedLLM fails its first failures generation calls with a transient
// error, then returns content. Embeddings are always unavailable so the
// deterministic fallback kicks in.
type scriptedLLM struct {
	content  string
	failures int64
	calls    int64
}

func (s *scriptedLLM) GenerateText(ctx context.Context, system, user string, opts openai.GenerateOptions) (openai.TextResult, error) {
	n := atomic.AddInt64(&s.calls, 1)
	if n <= atomic.LoadInt64(&s.failures) {
		return openai.TextResult{}, fmt.Errorf("llm /chat/completions http 503: %w", pkgerrors.ErrTransient)
	}
	return openai.TextResult{Content: s.content, Model: opts.Model, TokensInput: 100, TokensOutput: 400, TokensTotal: 500}, nil
}

func (s *scriptedLLM) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding endpoint unavailable: %w", pkgerrors.ErrTransient)
}

type fixture struct {
	pipeline *Pipeline
	requests *memRequestRepo
	tests    *memTestCaseRepo
	metrics  *memMetricRepo
	coverage *memCoverageRepo
	audits   *memAuditRepo
	notifier *memNotifier
	llm      *scriptedLLM
	log      *logger.Logger
}

func testConfig() config.Config {
	return config.Config{
		LLMModel:            "test-model",
		CacheTTL:            time.Hour,
		EmbeddingDim:        384,
		SimilarityThreshold: 0.85,
		ValidatorFanout:     4,
		StageTimeouts: config.StageTimeouts{
			Recon:      10 * time.Second,
			Generation: 10 * time.Second,
			Validation: 10 * time.Second,
			Optimize:   10 * time.Second,
		},
		StageRetries: config.StageRetries{Recon: 2, Generation: 3},
		MaxRetries:   3,
	}
}

func loginPage() *recon.PageStructure {
	return &recon.PageStructure{
		Title: "Login Portal",
		Buttons: []recon.Button{
			{Text: "Sign in", Selector: `[data-testid="login-button"]`, Visible: true},
		},
		Inputs: []recon.Input{
			{Name: "username", Type: "text", Selector: `[data-testid="username-input"]`, Visible: true},
		},
		Links:     []recon.Link{},
		Selectors: map[string]string{},
	}
}

func newFixture(t *testing.T, content string, gen generator.Generator) *fixture {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	cfg := testConfig()

	llm := &scriptedLLM{content: content}
	cache := llmcache.New(log, llm, llmcache.NewMemoryStore(), cfg.CacheTTL, cfg.EmbeddingDim)
	if gen == nil {
		gen = generator.NewLLMGenerator(log, cache, cfg.LLMModel)
	}

	f := &fixture{
		requests: newMemRequestRepo(),
		tests:    newMemTestCaseRepo(),
		metrics:  &memMetricRepo{},
		coverage: newMemCoverageRepo(),
		audits:   &memAuditRepo{},
		notifier: &memNotifier{},
		llm:      llm,
		log:      log,
	}
	f.pipeline = New(Deps{
		Log:       log,
		Cfg:       cfg,
		Recon:     &recon.StaticRecon{Structure: loginPage()},
		Generator: gen,
		Validator: validator.New(log, &validator.SafetyGuard{}, cfg.ValidatorFanout),
		Optimizer: optimizer.New(log, cache, cfg.SimilarityThreshold),
		Tests:     f.tests,
		Metrics:   f.metrics,
		Coverage:  f.coverage,
		Audits:    f.audits,
	})
	return f
}

func (f *fixture) submit(t *testing.T, requirements []string) *types.Request {
	t.Helper()
	req := &types.Request{
		ID:       uuid.New(),
		URL:      "https://example.com/login",
		TestType: types.TestTypeUI,
		Status:   types.RequestReconnaissance, // as set by the claim
		Stage:    "queued",
	}
	now := time.Now().UTC()
	req.StartedAt = &now
	req.SetRequirements(requirements)
	_, err := f.requests.Create(dbctx.Context{}, []*types.Request{req})
	require.NoError(t, err)
	return req
}

func (f *fixture) run(t *testing.T, req *types.Request) *types.Request {
	t.Helper()
	jc := jobrt.NewContext(context.Background(), nil, req, f.requests, f.notifier)
	require.NoError(t, f.pipeline.Run(jc))
	row, err := f.requests.GetByID(dbctx.Context{}, req.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row
}

func TestPipelineHappyPath(t *testing.T) {
	f := newFixture(t, goodTestA, nil)
	req := f.submit(t, []string{"login works"})
	row := f.run(t, req)

	assert.Equal(t, types.RequestCompleted, row.Status)
	assert.Equal(t, 100, row.Progress)
	require.NotNil(t, row.CompletedAt)
	require.NotNil(t, row.StartedAt)
	assert.False(t, row.CompletedAt.Before(*row.StartedAt))

	tests, _ := f.tests.GetByRequestID(dbctx.Context{}, req.ID)
	require.Len(t, tests, 2)
	for _, tc := range tests {
		assert.Equal(t, types.ValidationPassed, tc.ValidationStatus)
		assert.False(t, tc.IsDuplicate)
	}

	cov, _ := f.coverage.GetByRequestID(dbctx.Context{}, req.ID)
	require.Len(t, cov, 1)
	assert.True(t, cov[0].IsCovered)
	assert.Equal(t, 2, cov[0].CoverageCount)
	assert.Equal(t, 1.0, cov[0].CoverageScore)
	assert.False(t, cov[0].HasGap)
	assert.Len(t, cov[0].CoveringTestIDs(), 2)

	// One success metric per stage, in state-machine order.
	metrics, _ := f.metrics.GetByRequestID(dbctx.Context{}, req.ID)
	require.Len(t, metrics, 4)
	wantAgents := []types.AgentName{types.AgentReconnaissance, types.AgentGenerator, types.AgentValidator, types.AgentOptimizer}
	for i, m := range metrics {
		assert.Equal(t, wantAgents[i], m.AgentName)
		assert.Equal(t, types.MetricSuccess, m.Status)
		assert.Equal(t, i+1, m.StepNumber)
	}
	assert.Equal(t, "test-model", metrics[1].Model)
	require.NotNil(t, metrics[1].TokensTotal)
	assert.Equal(t, 500, *metrics[1].TokensTotal)

	// The last progress event is the completion event.
	stages := f.notifier.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, "done:done", stages[len(stages)-1])
}

func TestPipelineExactDuplicate(t *testing.T) {
	f := newFixture(t, duplicatePairContent, nil)
	req := f.submit(t, []string{"login works"})
	row := f.run(t, req)

	assert.Equal(t, types.RequestCompleted, row.Status)

	tests, _ := f.tests.GetByRequestID(dbctx.Context{}, req.ID)
	require.Len(t, tests, 2)

	var kept, dup *types.TestCase
	for _, tc := range tests {
		if tc.IsDuplicate {
			dup = tc
		} else {
			kept = tc
		}
	}
	require.NotNil(t, kept)
	require.NotNil(t, dup)
	require.NotNil(t, dup.DuplicateOf)
	assert.Equal(t, kept.ID, *dup.DuplicateOf)
	require.NotNil(t, dup.SimilarityScore)
	assert.Equal(t, 1.0, *dup.SimilarityScore)
	assert.False(t, kept.IsDuplicate)
}

func TestPipelineSafetyBlocked(t *testing.T) {
	f := newFixture(t, evalTestContent, nil)
	req := f.submit(t, []string{"login works"})
	row := f.run(t, req)

	assert.Equal(t, types.RequestCompleted, row.Status)

	tests, _ := f.tests.GetByRequestID(dbctx.Context{}, req.ID)
	require.Len(t, tests, 2)
	blocked := tests[1]
	assert.Equal(t, types.ValidationFailed, blocked.ValidationStatus)
	assert.Equal(t, types.RiskCritical, blocked.SafetyRiskLevel)

	audits, _ := f.audits.GetByRequestID(dbctx.Context{}, req.ID)
	require.Len(t, audits, 1)
	assert.Equal(t, types.SecurityLayerStatic, audits[0].SecurityLayer)
	assert.Equal(t, types.ActionBlocked, audits[0].ActionTaken)
	assert.NotEmpty(t, audits[0].BlockedPatternsList())

	// The blocked test never reaches the optimizer: it keeps no duplicate
	// flags and appears in no coverage row.
	cov, _ := f.coverage.GetByRequestID(dbctx.Context{}, req.ID)
	require.Len(t, cov, 1)
	for _, id := range cov[0].CoveringTestIDs() {
		assert.NotEqual(t, blocked.ID, id)
	}
}

func TestPipelineTransientLLMFailureRetries(t *testing.T) {
	f := newFixture(t, goodTestA, nil)
	f.llm.failures = 1 // first generation call 503s, retry succeeds
	req := f.submit(t, []string{"login works"})
	row := f.run(t, req)

	assert.Equal(t, types.RequestCompleted, row.Status)

	metrics, _ := f.metrics.GetByRequestID(dbctx.Context{}, req.ID)
	var genStatuses []types.MetricStatus
	for _, m := range metrics {
		if m.AgentName == types.AgentGenerator {
			genStatuses = append(genStatuses, m.Status)
		}
	}
	require.Len(t, genStatuses, 2)
	assert.Equal(t, types.MetricRetry, genStatuses[0])
	assert.Equal(t, types.MetricSuccess, genStatuses[1])
}

// cancellingGenerator flips the request to cancelled while generation is in
// flight, standing in for a client cancel that lands between generation and
// validation.
type cancellingGenerator struct {
	inner    generator.Generator
	requests *memRequestRepo
	id       uuid.UUID
}

func (g *cancellingGenerator) GenerateUITests(ctx context.Context, url string, page *recon.PageStructure, requirements []string, testType types.TestType, opts generator.Options) (*generator.Result, error) {
	res, err := g.inner.GenerateUITests(ctx, url, page, requirements, testType, opts)
	g.requests.forceStatus(g.id, types.RequestCancelled)
	return res, err
}

func (g *cancellingGenerator) GenerateAPITests(ctx context.Context, openapiURL string, endpoints []string, requirements []string, opts generator.Options) (*generator.Result, error) {
	return g.inner.GenerateAPITests(ctx, openapiURL, endpoints, requirements, opts)
}

func TestPipelineCancelBetweenGenerationAndValidation(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	cfg := testConfig()

	llm := &scriptedLLM{content: goodTestA}
	cache := llmcache.New(log, llm, llmcache.NewMemoryStore(), cfg.CacheTTL, cfg.EmbeddingDim)
	inner := generator.NewLLMGenerator(log, cache, cfg.LLMModel)

	f := newFixture(t, goodTestA, inner)
	req := f.submit(t, []string{"login works"})

	cg := &cancellingGenerator{inner: inner, requests: f.requests, id: req.ID}
	f.pipeline.generator = cg

	row := f.run(t, req)
	assert.Equal(t, types.RequestCancelled, row.Status)

	// Generated tests are preserved in the checkpoint; nothing was
	// validated or optimized.
	assert.Contains(t, string(row.Result), "TestLoginValidCredentials")
	tests, _ := f.tests.GetByRequestID(dbctx.Context{}, req.ID)
	assert.Empty(t, tests)
	cov, _ := f.coverage.GetByRequestID(dbctx.Context{}, req.ID)
	assert.Empty(t, cov)
}

func TestPipelineResumeEquivalence(t *testing.T) {
	// Reference: an uninterrupted run.
	ref := newFixture(t, goodTestA, nil)
	refReq := ref.submit(t, []string{"login works"})
	refRow := ref.run(t, refReq)
	require.Equal(t, types.RequestCompleted, refRow.Status)
	refTests, _ := ref.tests.GetByRequestID(dbctx.Context{}, refReq.ID)
	refCov, _ := ref.coverage.GetByRequestID(dbctx.Context{}, refReq.ID)

	// Crash run: validation dies on the first persist attempt.
	f := newFixture(t, goodTestA, nil)
	req := f.submit(t, []string{"login works"})
	f.tests.failNextCreate = true
	f.tests.createFailError = fmt.Errorf("connection reset")

	row := f.run(t, req)
	require.Equal(t, types.RequestFailed, row.Status)
	callsAfterCrash := atomic.LoadInt64(&f.llm.calls)

	// Resume: back to runnable, rerun the pipeline over the same row.
	f.requests.forceStatus(req.ID, types.RequestValidation)
	resumed := f.run(t, row)

	assert.Equal(t, types.RequestCompleted, resumed.Status)
	assert.Equal(t, callsAfterCrash, atomic.LoadInt64(&f.llm.calls),
		"resume must replay from the checkpoint, not regenerate")

	gotTests, _ := f.tests.GetByRequestID(dbctx.Context{}, req.ID)
	gotCov, _ := f.coverage.GetByRequestID(dbctx.Context{}, req.ID)

	require.Len(t, gotTests, len(refTests))
	for i := range refTests {
		assert.Equal(t, refTests[i].Code, gotTests[i].Code)
		assert.Equal(t, refTests[i].CodeHash, gotTests[i].CodeHash)
		assert.Equal(t, refTests[i].ValidationStatus, gotTests[i].ValidationStatus)
		assert.Equal(t, refTests[i].IsDuplicate, gotTests[i].IsDuplicate)
	}
	require.Len(t, gotCov, len(refCov))
	for i := range refCov {
		assert.Equal(t, refCov[i].IsCovered, gotCov[i].IsCovered)
		assert.Equal(t, refCov[i].CoverageCount, gotCov[i].CoverageCount)
		assert.Equal(t, refCov[i].CoverageScore, gotCov[i].CoverageScore)
	}
}

func TestPipelineNoTestsFailure(t *testing.T) {
	// Every generated test is safety-blocked, so optimization has nothing
	// left and the request fails with the stable no_tests code.
	onlyEval := "```go\nfunc TestSneaky(t *testing.T) {\n\tout := eval(\"2+2\")\n\t_ = out\n}\n```"
	f := newFixture(t, onlyEval, nil)
	req := f.submit(t, []string{"login works"})
	row := f.run(t, req)

	assert.Equal(t, types.RequestFailed, row.Status)
	assert.Equal(t, pkgerrors.CodeNoTests, row.ErrorCode)
}
