package testgen

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/austenmoss/testforge/internal/config"
	"github.com/austenmoss/testforge/internal/data/repos"
	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/generator"
	"github.com/austenmoss/testforge/internal/jobs/orchestrator"
	jobrt "github.com/austenmoss/testforge/internal/jobs/runtime"
	"github.com/austenmoss/testforge/internal/observability"
	"github.com/austenmoss/testforge/internal/optimizer"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
	"github.com/austenmoss/testforge/internal/pkg/logger"
	"github.com/austenmoss/testforge/internal/pkg/pointers"
	"github.com/austenmoss/testforge/internal/platform/pinecone"
	"github.com/austenmoss/testforge/internal/recon"
	"github.com/austenmoss/testforge/internal/validator"
)

// JobType keys the pipeline in the runtime registry and on the Temporal
// task queue.
const JobType = "test_generation"

const (
	stageRecon    = "reconnaissance"
	stageGenerate = "generation"
	stageValidate = "validation"
	stageOptimize = "optimization"
)

// Pipeline drives one Request through the four stages. It implements both
// runtime.Handler (dispatch) and orchestrator.Recorder (per-attempt
// GenerationMetric rows).
type Pipeline struct {
	log    *logger.Logger
	engine *orchestrator.Engine
	cfg    config.Config

	recon     recon.Recon
	generator generator.Generator
	validator *validator.Validator
	optimizer *optimizer.Optimizer

	tests    repos.TestCaseRepo
	metrics  repos.GenerationMetricRepo
	coverage repos.CoverageAnalysisRepo
	audits   repos.SecurityAuditLogRepo

	// vectors, when configured, mirrors unique-test embeddings into the
	// vector index for read-side similarity queries. Never on the critical
	// path: failures log and move on.
	vectors pinecone.VectorStore
}

type Deps struct {
	Log       *logger.Logger
	Cfg       config.Config
	Recon     recon.Recon
	Generator generator.Generator
	Validator *validator.Validator
	Optimizer *optimizer.Optimizer
	Tests     repos.TestCaseRepo
	Metrics   repos.GenerationMetricRepo
	Coverage  repos.CoverageAnalysisRepo
	Audits    repos.SecurityAuditLogRepo
	Vectors   pinecone.VectorStore
}

func New(d Deps) *Pipeline {
	p := &Pipeline{
		log:       d.Log.With("pipeline", JobType),
		cfg:       d.Cfg,
		recon:     d.Recon,
		generator: d.Generator,
		validator: d.Validator,
		optimizer: d.Optimizer,
		tests:     d.Tests,
		metrics:   d.Metrics,
		coverage:  d.Coverage,
		audits:    d.Audits,
		vectors:   d.Vectors,
	}
	p.engine = orchestrator.NewEngine(p)
	return p
}

func (p *Pipeline) Type() string { return JobType }

func (p *Pipeline) Run(ctx *jobrt.Context) error {
	return p.engine.Run(ctx, p.stages(), nil)
}

func (p *Pipeline) stages() []orchestrator.Stage {
	return []orchestrator.Stage{
		{
			Name:     stageRecon,
			Agent:    types.AgentReconnaissance,
			Status:   types.RequestReconnaissance,
			Timeout:  p.cfg.StageTimeouts.Recon,
			StartPct: 5, EndPct: 30,
			StartMsg: "Analyzing target",
			DoneMsg:  "Target analyzed",
			Retry: orchestrator.RetryPolicy{
				MaxAttempts: p.cfg.StageRetries.Recon + 1,
				Retryable:   pkgerrors.IsRetryable,
				MinBackoff:  2 * time.Second,
				MaxBackoff:  2 * time.Second,
			},
			Run: p.runRecon,
		},
		{
			Name:     stageGenerate,
			Agent:    types.AgentGenerator,
			Status:   types.RequestGeneration,
			Timeout:  p.cfg.StageTimeouts.Generation,
			StartPct: 30, EndPct: 60,
			StartMsg: "Generating tests",
			DoneMsg:  "Tests generated",
			Retry: orchestrator.RetryPolicy{
				MaxAttempts: p.cfg.StageRetries.Generation + 1,
				Retryable:   pkgerrors.IsRetryable,
				MinBackoff:  1 * time.Second,
				MaxBackoff:  4 * time.Second,
			},
			Run: p.runGenerate,
		},
		{
			Name:     stageValidate,
			Agent:    types.AgentValidator,
			Status:   types.RequestValidation,
			Timeout:  p.cfg.StageTimeouts.Validation,
			StartPct: 60, EndPct: 85,
			StartMsg: "Validating tests",
			DoneMsg:  "Tests validated",
			Run:      p.runValidate,
		},
		{
			Name:     stageOptimize,
			Agent:    types.AgentOptimizer,
			Status:   types.RequestOptimization,
			Timeout:  p.cfg.StageTimeouts.Optimize,
			StartPct: 85, EndPct: 100,
			StartMsg: "Optimizing tests",
			DoneMsg:  "Tests optimized",
			Run:      p.runOptimize,
		},
	}
}

// -------------------- stage 1: reconnaissance --------------------

func (p *Pipeline) runRecon(ctx *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	req := ctx.Job
	if req.OpenAPIURL != "" {
		// API requests carry their endpoint list; no page to analyze.
		return map[string]any{
			"mode":        "api",
			"openapi_url": req.OpenAPIURL,
			"endpoints":   req.EndpointsList(),
		}, nil
	}

	ps, err := p.recon.AnalyzePage(ctx.Ctx, req.URL, p.cfg.StageTimeouts.Recon)
	if err != nil {
		return nil, fmt.Errorf("reconnaissance: %w", err)
	}
	return map[string]any{
		"mode":           "ui",
		"page_structure": ps,
		"button_count":   len(ps.Buttons),
		"input_count":    len(ps.Inputs),
		"link_count":     len(ps.Links),
	}, nil
}

// -------------------- stage 2: generation --------------------

func (p *Pipeline) runGenerate(ctx *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	req := ctx.Job
	reconOut := st.StageOutputs(stageRecon)

	var opts generator.Options
	if len(req.Options) > 0 {
		_ = json.Unmarshal(req.Options, &opts)
	}

	var res *generator.Result
	var err error
	if mode, _ := reconOut["mode"].(string); mode == "api" {
		endpoints := stringSlice(reconOut["endpoints"])
		res, err = p.generator.GenerateAPITests(ctx.Ctx, req.OpenAPIURL, endpoints, req.RequirementsList(), opts)
	} else {
		var ps recon.PageStructure
		if err := decodeInto(reconOut["page_structure"], &ps); err != nil {
			return nil, fmt.Errorf("generation: checkpointed page structure: %w", pkgerrors.ErrCheckpointCorrupt)
		}
		res, err = p.generator.GenerateUITests(ctx.Ctx, req.URL, &ps, req.RequirementsList(), req.TestType, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}

	return map[string]any{
		"tests":         res.Tests,
		"test_count":    len(res.Tests),
		"model":         res.Model,
		"tokens_input":  res.TokensInput,
		"tokens_output": res.TokensOutput,
		"tokens_total":  res.TokensTotal,
		"cached":        res.Cached,
	}, nil
}

// -------------------- stage 3: validation --------------------

func (p *Pipeline) runValidate(ctx *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	req := ctx.Job
	sources := stringSlice(st.StageOutputs(stageGenerate)["tests"])
	if len(sources) == 0 {
		return nil, fmt.Errorf("validation: no generated tests in checkpoint: %w", pkgerrors.ErrEmptyOutput)
	}

	results := p.validator.ValidateAll(ctx.Ctx, sources)

	rows := make([]*types.TestCase, 0, len(sources))
	var auditRows []*types.SecurityAuditLog
	passed, warned, failed := 0, 0, 0

	for i, code := range sources {
		vr := results[i]
		t := &types.TestCase{
			ID:               uuid.New(),
			RequestID:        req.ID,
			Name:             testName(code, i),
			Code:             code,
			TestType:         testCaseType(req.TestType),
			Feature:          vr.Metadata.Feature,
			Story:            vr.Metadata.Story,
			Title:            vr.Metadata.Title,
			Severity:         vr.Metadata.Severity,
			CodeHash:         optimizer.CodeHash(code),
			ASTHash:          vr.ASTHash,
			Priority:         5,
			ValidationStatus: vr.Status,
			SafetyRiskLevel:  vr.Risk,
		}
		t.SetTags(vr.Metadata.Tags)
		t.SetIssues(vr.IssueMessages())
		t.SetCoveredRequirements(nil)
		rows = append(rows, t)

		switch vr.Status {
		case types.ValidationPassed:
			passed++
		case types.ValidationWarning:
			warned++
		default:
			failed++
		}

		for _, f := range vr.Findings {
			audit := &types.SecurityAuditLog{
				ID:            uuid.New(),
				RequestID:     req.ID,
				TestID:        &t.ID,
				SecurityLayer: f.Layer,
				RiskLevel:     f.RiskLevel,
				ActionTaken:   actionFor(vr.Risk),
			}
			audit.SetIssues(f.Issues)
			audit.SetBlockedPatterns(f.BlockedPatterns)
			audit.Details = mustJSON(map[string]any{"score": vr.Score, "status": vr.Status})
			auditRows = append(auditRows, audit)
			if vr.Risk.ExceedsMedium() {
				if obs := observability.Current(); obs != nil {
					obs.IncSafetyBlocked(string(vr.Risk))
				}
			}
		}
	}

	dbc := dbctx.Context{Ctx: ctx.Ctx}
	// A rerun of this stage replaces its own prior output.
	if err := p.tests.DeleteByRequestID(dbc, req.ID); err != nil {
		return nil, fmt.Errorf("validation: clear prior tests: %w", err)
	}
	if _, err := p.tests.Create(dbc, rows); err != nil {
		return nil, fmt.Errorf("validation: persist tests: %w", err)
	}
	if len(auditRows) > 0 {
		if _, err := p.audits.Create(dbc, auditRows); err != nil {
			return nil, fmt.Errorf("validation: persist audit rows: %w", err)
		}
	}

	ids := make([]string, 0, len(rows))
	for _, t := range rows {
		ids = append(ids, t.ID.String())
	}
	return map[string]any{
		"test_ids":     ids,
		"passed_count": passed,
		"warn_count":   warned,
		"failed_count": failed,
	}, nil
}

// -------------------- stage 4: optimization --------------------

func (p *Pipeline) runOptimize(ctx *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	req := ctx.Job
	dbc := dbctx.Context{Ctx: ctx.Ctx}

	ids := uuidSlice(st.StageOutputs(stageValidate)["test_ids"])
	rows, err := p.tests.GetByIDs(dbc, ids)
	if err != nil {
		return nil, fmt.Errorf("optimization: load tests: %w", err)
	}
	// GetByIDs does not guarantee order; restore the generator's insertion
	// order, which the dedup tie-break depends on.
	byID := make(map[uuid.UUID]*types.TestCase, len(rows))
	for _, t := range rows {
		byID[t.ID] = t
	}
	ordered := make([]*types.TestCase, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok && t.ValidationStatus != types.ValidationFailed {
			ordered = append(ordered, t)
		}
	}

	if len(ordered) == 0 {
		return nil, fmt.Errorf("optimization: %w", pkgerrors.ErrNoTests)
	}

	requirements := req.RequirementsList()
	res, err := p.optimizer.Optimize(ctx.Ctx, ordered, requirements)
	if err != nil {
		return nil, fmt.Errorf("optimization: %w", err)
	}
	if len(res.Unique) == 0 {
		return nil, fmt.Errorf("optimization: %w", pkgerrors.ErrNoTests)
	}

	for _, d := range res.Duplicates {
		if err := p.tests.UpdateFields(dbc, d.TestID, map[string]interface{}{
			"is_duplicate":     true,
			"duplicate_of":     d.DuplicateOf,
			"similarity_score": d.Similarity,
		}); err != nil {
			return nil, fmt.Errorf("optimization: mark duplicate: %w", err)
		}
	}
	for _, t := range res.Unique {
		if err := p.tests.UpdateFields(dbc, t.ID, map[string]interface{}{
			"semantic_embedding":   t.SemanticEmbedding,
			"covered_requirements": coveredFor(t.ID, res),
		}); err != nil {
			return nil, fmt.Errorf("optimization: persist embedding: %w", err)
		}
	}

	covRows := make([]*types.CoverageAnalysis, 0, len(res.Coverage))
	for _, c := range res.Coverage {
		row := &types.CoverageAnalysis{
			ID:               uuid.New(),
			RequestID:        req.ID,
			RequirementText:  c.RequirementText,
			RequirementIndex: c.RequirementIndex,
			IsCovered:        c.IsCovered,
			CoverageCount:    c.CoverageCount,
			CoverageScore:    c.CoverageScore,
			HasGap:           c.HasGap,
			GapDescription:   c.GapDescription,
		}
		row.SetCoveringTests(c.CoveringTests)
		covRows = append(covRows, row)
	}
	if err := p.coverage.ReplaceForRequest(dbc, req.ID, covRows); err != nil {
		return nil, fmt.Errorf("optimization: persist coverage: %w", err)
	}

	p.mirrorEmbeddings(ctx, req.ID, res.Unique)

	summary := map[string]any{
		"unique_count":    len(res.Unique),
		"duplicate_count": len(res.Duplicates),
		"coverage_score":  res.CoverageScore,
		"gap_count":       len(res.Gaps),
		"recommendations": res.Recommendations,
	}
	_ = ctx.Update(map[string]any{"result_summary": mustJSON(summary)})
	return summary, nil
}

func (p *Pipeline) mirrorEmbeddings(ctx *jobrt.Context, requestID uuid.UUID, tests []*types.TestCase) {
	if p.vectors == nil {
		return
	}
	vecs := make([]pinecone.Vector, 0, len(tests))
	for _, t := range tests {
		emb := t.EmbeddingVector()
		if len(emb) == 0 {
			continue
		}
		values := make([]float32, len(emb))
		for i, f := range emb {
			values[i] = float32(f)
		}
		vecs = append(vecs, pinecone.Vector{
			ID:     t.ID.String(),
			Values: values,
			Metadata: map[string]any{
				"request_id": requestID.String(),
				"name":       t.Name,
			},
		})
	}
	if len(vecs) == 0 {
		return
	}
	if err := p.vectors.Upsert(ctx.Ctx, "tests", vecs); err != nil {
		p.log.Warn("vector mirror upsert failed", "request_id", requestID, "error", err)
	}
}

// -------------------- Recorder --------------------

// Record appends one GenerationMetric row per stage attempt. Inserts are
// append-only and race-safe, so no transaction is needed here.
func (p *Pipeline) Record(ctx *jobrt.Context, m orchestrator.StageMetric) {
	dur := m.CompletedAt.Sub(m.StartedAt).Milliseconds()
	row := &types.GenerationMetric{
		ID:          uuid.New(),
		RequestID:   ctx.Job.ID,
		AgentName:   m.Agent,
		StepNumber:  m.StepNumber,
		StartedAt:   m.StartedAt,
		CompletedAt: pointers.Ptr(m.CompletedAt),
		DurationMs:  pointers.Ptr(dur),
		Status:      m.Status,
	}
	if m.Err != nil {
		row.ErrorMessage = m.Err.Error()
	}
	if m.Outputs != nil {
		scalars := map[string]any{}
		for k, v := range m.Outputs {
			switch v.(type) {
			case string, bool, int, int64, float64:
				scalars[k] = v
			}
		}
		if model, ok := scalars["model"].(string); ok {
			row.Model = model
		}
		if v, ok := intFrom(scalars["tokens_input"]); ok {
			row.TokensInput = pointers.Int(v)
		}
		if v, ok := intFrom(scalars["tokens_output"]); ok {
			row.TokensOutput = pointers.Int(v)
		}
		if v, ok := intFrom(scalars["tokens_total"]); ok {
			row.TokensTotal = pointers.Int(v)
		}
		row.AgentMetrics = mustJSON(scalars)
	}
	if _, err := p.metrics.Create(dbctx.Context{Ctx: ctx.Ctx}, []*types.GenerationMetric{row}); err != nil {
		p.log.Warn("failed to record stage metric", "request_id", ctx.Job.ID, "agent", m.Agent, "error", err)
	}
	if obs := observability.Current(); obs != nil {
		obs.ObserveStage(string(row.AgentName), string(row.Status), time.Duration(dur)*time.Millisecond)
	}
}

// -------------------- helpers --------------------

func testName(code string, idx int) string {
	if name := generator.TestName(code); name != "" {
		return name
	}
	return fmt.Sprintf("test_%d", idx+1)
}

func testCaseType(t types.TestType) types.TestType {
	switch t {
	case types.TestTypeManual:
		return types.TestTypeManual
	default:
		return types.TestTypeAutomated
	}
}

func actionFor(risk types.SafetyRiskLevel) types.ActionTaken {
	if risk.ExceedsMedium() {
		return types.ActionBlocked
	}
	if risk == types.RiskSafe {
		return types.ActionAllowed
	}
	return types.ActionWarning
}

func coveredFor(testID uuid.UUID, res *optimizer.Result) datatypes.JSON {
	var indices []int
	for _, c := range res.Coverage {
		for _, id := range c.CoveringTests {
			if id == testID {
				indices = append(indices, c.RequirementIndex)
				break
			}
		}
	}
	if indices == nil {
		indices = []int{}
	}
	return mustJSON(indices)
}

func decodeInto(v any, out any) error {
	if v == nil {
		return fmt.Errorf("missing value")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func stringSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func uuidSlice(v any) []uuid.UUID {
	var out []uuid.UUID
	for _, s := range stringSlice(v) {
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func intFrom(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(b)
}
