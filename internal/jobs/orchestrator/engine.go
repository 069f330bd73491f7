package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"gorm.io/datatypes"

	types "github.com/austenmoss/testforge/internal/domain"
	jobrt "github.com/austenmoss/testforge/internal/jobs/runtime"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
)

// -------------------- Public API --------------------

type RetryPolicy struct {
	MaxAttempts int
	Retryable   func(err error) bool

	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

// Stage is one step of the request state machine. Run executes against the
// checkpoint loaded into st; its returned outputs are merged into the
// stage's checkpoint slot before the next stage starts.
type Stage struct {
	Name   string
	Agent  types.AgentName
	Status types.RequestStatus // request status while this stage runs

	Timeout  time.Duration
	StartPct int
	EndPct   int
	StartMsg string
	DoneMsg  string
	Retry    RetryPolicy

	IsDone func(ctx *jobrt.Context, st *OrchestratorState) (bool, error)
	Run    func(ctx *jobrt.Context, st *OrchestratorState) (map[string]any, error)
}

// StageMetric is one execution attempt, reported to the Recorder as it
// happens. Status is success, failed, or retry.
type StageMetric struct {
	Agent       types.AgentName
	StepNumber  int
	StartedAt   time.Time
	CompletedAt time.Time
	Status      types.MetricStatus
	Err         error
	Outputs     map[string]any
}

// Recorder receives one StageMetric per attempt. The pipeline uses it to
// append GenerationMetric rows; the engine never touches that table itself.
type Recorder interface {
	Record(ctx *jobrt.Context, m StageMetric)
}

type Engine struct {
	Recorder Recorder

	StateVersion int // default 1
}

func NewEngine(rec Recorder) *Engine {
	return &Engine{
		Recorder:     rec,
		StateVersion: 1,
	}
}

// Run drives the stage list for a single request to a terminal state.
// Already-succeeded stages (from a prior run's checkpoint) are skipped, which
// is what makes Resume re-enter at the stage after the last one persisted.
func (e *Engine) Run(ctx *jobrt.Context, stages []Stage, finalResult map[string]any) error {
	jc, st, ok := e.preflight(ctx, stages, finalResult)
	if !ok {
		return nil
	}
	for i := range stages {
		def := stages[i]
		ss := st.EnsureStage(def.Name)
		if ss.Status == StageSucceeded || ss.Status == StageSkipped {
			continue
		}
		if e.observeCancelled(jc) {
			return nil
		}
		e.startStage(jc, st, def, ss, i+1)
		if e.runStage(jc, st, def, ss, i+1) {
			return nil
		}
	}
	e.succeed(jc, st, stages, finalResult)
	return nil
}

// -------------------- tight helpers --------------------

func (e *Engine) preflight(ctx *jobrt.Context, stages []Stage, finalResult map[string]any) (*jobrt.Context, *OrchestratorState, bool) {
	if ctx == nil || ctx.Job == nil {
		return nil, nil, false
	}
	if len(stages) == 0 {
		ctx.Succeed("done", finalResult)
		return ctx, nil, false
	}
	if err := validateStages(stages); err != nil {
		ctx.Fail("validate", err)
		return ctx, nil, false
	}
	st, err := LoadState(ctx, e.StateVersion)
	if err != nil {
		ctx.Fail("checkpoint", err)
		return ctx, nil, false
	}
	return ctx, st, true
}

func (e *Engine) startStage(ctx *jobrt.Context, st *OrchestratorState, def Stage, ss *StageState, step int) {
	if def.Status != "" && ctx.Job.CanTransitionTo(def.Status) {
		_ = ctx.Update(map[string]any{"status": def.Status})
		ctx.Job.Status = def.Status
	}
	setProgress(ctx, st, def.Name, step, def.StartPct, msgOr(def.StartMsg, "Starting "+def.Name))
	ss.Status = StageRunning
	markStarted(ss)
	_ = SaveState(ctx, st)
}

// runStage executes the attempt loop for one stage. Returns true when the
// run must stop (terminal failure or cancellation observed).
func (e *Engine) runStage(ctx *jobrt.Context, st *OrchestratorState, def Stage, ss *StageState, step int) bool {
	for {
		if def.IsDone != nil {
			done, derr := safeIsDone(def, ctx, st)
			if derr == nil && done {
				e.finishStage(ctx, st, def, ss, step, nil)
				return false
			}
		}
		started := time.Now().UTC()
		outs, runErr := runWithTimeout(def, ctx, st)
		if runErr == nil {
			if outs != nil {
				mergeOutputs(ss, outs)
			}
			e.record(ctx, StageMetric{
				Agent: def.Agent, StepNumber: step,
				StartedAt: started, CompletedAt: time.Now().UTC(),
				Status: types.MetricSuccess, Outputs: outs,
			})
			e.finishStage(ctx, st, def, ss, step, outs)
			return false
		}

		ss.Attempts++
		ss.LastError = runErr.Error()
		willRetry := shouldRetry(def.Retry, ss.Attempts, runErr)
		status := types.MetricFailed
		if willRetry {
			status = types.MetricRetry
		}
		e.record(ctx, StageMetric{
			Agent: def.Agent, StepNumber: step,
			StartedAt: started, CompletedAt: time.Now().UTC(),
			Status: status, Err: runErr,
		})
		if !willRetry {
			ss.Status = StageFailed
			markFinished(ss, ss.LastError)
			_ = SaveState(ctx, st)
			ctx.FailWithCode(def.Name, failureCode(def, runErr), runErr)
			return true
		}
		_ = SaveState(ctx, st)
		if sleepCancellable(ctx.Ctx, computeBackoff(def.Retry, ss.Attempts)) {
			return true
		}
		if e.observeCancelled(ctx) {
			return true
		}
	}
}

func (e *Engine) finishStage(ctx *jobrt.Context, st *OrchestratorState, def Stage, ss *StageState, step int, outs map[string]any) {
	ss.Status = StageSucceeded
	markFinished(ss, "")
	setProgress(ctx, st, def.Name, step, def.EndPct, msgOr(def.DoneMsg, "Done "+def.Name))
	_ = SaveState(ctx, st)
}

func (e *Engine) record(ctx *jobrt.Context, m StageMetric) {
	if e.Recorder == nil {
		return
	}
	e.Recorder.Record(ctx, m)
}

// observeCancelled reloads the request row. Cancel flips the status in
// storage; every guarded write the engine issues afterwards affects zero
// rows, and this check turns that into a clean early exit.
func (e *Engine) observeCancelled(ctx *jobrt.Context) bool {
	if ctx == nil || ctx.Job == nil || ctx.Repo == nil {
		return false
	}
	row, err := ctx.Repo.GetByID(dbctx.Context{Ctx: ctx.Ctx}, ctx.Job.ID)
	if err != nil || row == nil {
		return false
	}
	if row.Status == types.RequestCancelled {
		ctx.Job.Status = types.RequestCancelled
		return true
	}
	return false
}

func (e *Engine) succeed(ctx *jobrt.Context, st *OrchestratorState, stages []Stage, finalResult map[string]any) {
	out := map[string]any{}
	for _, sdef := range stages {
		if ss := st.Stages[sdef.Name]; ss != nil && ss.Outputs != nil {
			out[sdef.Name] = ss.Outputs
		}
	}
	final := map[string]any{
		"orchestrator": st,
		"outputs":      out,
	}
	for k, v := range finalResult {
		final[k] = v
	}
	ctx.Succeed("done", final)
}

// -------------------- state persistence --------------------

// LoadState decodes the checkpoint blob from the request row. Both the
// bare-state and {"orchestrator": ...} envelope layouts decode, so a V
// checkpoint stays readable by V+1.
func LoadState(ctx *jobrt.Context, version int) (*OrchestratorState, error) {
	st := &OrchestratorState{Version: version, Stages: map[string]*StageState{}, Meta: map[string]any{}}
	if ctx == nil || ctx.Job == nil {
		st.ensure()
		return st, nil
	}
	raw := ctx.Job.Result
	if len(raw) == 0 || string(raw) == "null" {
		st.ensure()
		return st, nil
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err == nil {
		if v, ok := probe["orchestrator"]; ok {
			b, _ := json.Marshal(v)
			if err := json.Unmarshal(b, st); err != nil {
				return nil, fmt.Errorf("%w: %v", pkgerrors.ErrCheckpointCorrupt, err)
			}
			st.ensure()
			return st, nil
		}
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrCheckpointCorrupt, err)
	}
	st.ensure()
	return st, nil
}

// SaveState writes the checkpoint into the request's result column through
// UpdateAlways, so it lands even after a cancel. It is an update of its own:
// a stage's status change is written separately, so an observer can briefly
// see the new checkpoint next to the old status, or the reverse.
func SaveState(ctx *jobrt.Context, st *OrchestratorState) error {
	if ctx == nil || ctx.Job == nil || st == nil {
		return nil
	}
	st.ensure()
	b, _ := json.Marshal(map[string]any{"orchestrator": st})
	_ = ctx.UpdateAlways(map[string]any{"result": datatypes.JSON(b)})
	ctx.Job.Result = datatypes.JSON(b)
	return nil
}

// -------------------- stage validation --------------------

func validateStages(stages []Stage) error {
	seen := map[string]bool{}
	lastEnd := -1
	for _, s := range stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("stage missing Name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Run == nil {
			return fmt.Errorf("stage %q: Run is nil", s.Name)
		}
		if s.StartPct < 0 || s.StartPct > 100 || s.EndPct < 0 || s.EndPct > 100 {
			return fmt.Errorf("stage %q: progress must be 0..100", s.Name)
		}
		if s.EndPct < s.StartPct {
			return fmt.Errorf("stage %q: EndPct must be >= StartPct", s.Name)
		}
		if s.EndPct < lastEnd {
			return fmt.Errorf("stage %q: EndPct must be >= previous stage EndPct", s.Name)
		}
		lastEnd = s.EndPct
	}
	return nil
}

func safeIsDone(def Stage, ctx *jobrt.Context, st *OrchestratorState) (bool, error) {
	defer func() { _ = recover() }()
	return def.IsDone(ctx, st)
}

func runWithTimeout(def Stage, ctx *jobrt.Context, st *OrchestratorState) (map[string]any, error) {
	run := func(c *jobrt.Context) (map[string]any, error) { return def.Run(c, st) }
	if def.Timeout <= 0 {
		return run(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx.Ctx, def.Timeout)
	defer cancel()
	tmp := *ctx
	tmp.Ctx = tctx
	type out struct {
		m map[string]any
		e error
	}
	ch := make(chan out, 1)
	go func() {
		m, e := run(&tmp)
		ch <- out{m: m, e: e}
	}()
	select {
	case <-tctx.Done():
		// Deadline expiry is reported exactly like a transient failure.
		return nil, fmt.Errorf("stage %q timed out: %w", def.Name, pkgerrors.ErrTransient)
	case o := <-ch:
		return o.m, o.e
	}
}

func failureCode(def Stage, err error) string {
	if def.Agent == types.AgentReconnaissance && pkgerrors.IsRetryable(err) {
		return pkgerrors.CodeReconTimeout
	}
	return pkgerrors.CodeOf(err)
}

// -------------------- progress + timestamps --------------------

func setProgress(ctx *jobrt.Context, st *OrchestratorState, stage string, step int, pct int, msg string) {
	if ctx == nil || st == nil {
		return
	}
	if pct < st.LastProgress {
		pct = st.LastProgress
	} else {
		st.LastProgress = pct
	}
	st.LastStep = step
	ctx.Progress(stage, pct, msg)
}

func markStarted(ss *StageState) {
	if ss == nil || ss.StartedAt != nil {
		return
	}
	now := time.Now().UTC()
	ss.StartedAt = &now
}

func markFinished(ss *StageState, lastErr string) {
	if ss == nil {
		return
	}
	now := time.Now().UTC()
	ss.FinishedAt = &now
	if strings.TrimSpace(lastErr) != "" {
		ss.LastError = lastErr
	}
}

func mergeOutputs(ss *StageState, outs map[string]any) {
	if ss == nil || outs == nil {
		return
	}
	if ss.Outputs == nil {
		ss.Outputs = map[string]any{}
	}
	for k, v := range outs {
		ss.Outputs[k] = v
	}
}

// -------------------- retry/backoff --------------------

func shouldRetry(r RetryPolicy, attempts int, err error) bool {
	if r.MaxAttempts <= 0 || attempts >= r.MaxAttempts {
		return false
	}
	if r.Retryable == nil {
		return true
	}
	return r.Retryable(err)
}

func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB := r.MinBackoff
	maxB := r.MaxBackoff
	j := r.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// sleepCancellable returns true if the context was cancelled mid-sleep.
func sleepCancellable(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	if ctx == nil {
		time.Sleep(d)
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}

// -------------------- misc --------------------

func msgOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
