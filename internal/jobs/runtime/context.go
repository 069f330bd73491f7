package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/austenmoss/testforge/internal/data/repos"
	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/ctxutil"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
)

// Notifier is the side-channel through which a running stage tells
// subscribers about progress, without pipeline code ever touching the SSE
// hub directly.
type Notifier interface {
	RequestProgress(req *types.Request, stage string, progress int, message string)
	RequestFailed(req *types.Request, stage string, errorMessage string)
	RequestDone(req *types.Request)
}

/*
The execution contract between the job system and all pipeline code.
runtime.Context is a capability-scoped execution handle for a single request
run. It wraps:
	- The database transaction boundary,
	- The mutable Request row,
	- The notification side-effects,
	- And the only sanctioned ways to report progress or terminate execution
Struct:
	- Ctx: request-scoped context.Context (timeouts, cancellation)
	- DB: DB handle (used by pipelines/usecases)
	- Job: the Request row in memory
	- Notify: side-channel notifier (SSE)
	- payload: decoded job input
*Pipelines never touch the requests table directly. They must go through this object.*
*/

type Context struct {
	Ctx         context.Context
	DB          *gorm.DB
	Job         *types.Request
	Repo        repos.RequestRepo
	Notify      Notifier
	LastMessage string // Convenience: pipeline can write human messages without deciding event type
	payload     map[string]any
}

/*
NewContext constructs a runtime.Context for a claimed request execution.
It eagerly decodes the job payload JSON (Options) so handlers can access
inputs via Payload()/PayloadUUID(). Any payload decode failure is treated as
non-fatal here; handlers typically validate required fields.
*/
func NewContext(ctx context.Context, db *gorm.DB, job *types.Request, repo repos.RequestRepo, notify Notifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	c.applyTraceData()
	return c
}

/*
decodePayload parses Job.Options JSON into a map for access.
Invariants / behavior:
	- If Job is nil: no-op
	- If Options is empty: sets payload to empty map
	- On unmarshal error: sets payload to empty map and returns the error,
	  allowing callers to decide whether malformed options should fail the job.
*/
func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Options) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Options, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

func (c *Context) applyTraceData() {
	if c == nil || c.Ctx == nil {
		return
	}
	payload := c.Payload()
	traceID := strings.TrimSpace(fmt.Sprint(payload["trace_id"]))
	reqID := ""
	if c.Job != nil {
		reqID = c.Job.ID.String()
	}
	if traceID == "" && reqID == "" {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, &ctxutil.TraceData{
		TraceID:   traceID,
		RequestID: reqID,
	})
}

/*
Payload returns the decoded options map for this request execution.
Guarantees:
	- Never returns nil (returns an empty map if options are unset/unparseable)
	- The map represents the JSON object stored on Job.Options, not Job.Result
*/
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

/*
PayloadUUID reads a payload field by key and attempts to parse it as a UUID.
Returns:
	- (uuid, true) if key exists and parses cleanly as a non-empty UUID string
	- (uuid.Nil, false) if missing, nil, or not parseable
This keeps UUID validation logic out of pipelines and makes payload parsing uniform.
*/
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	s := fmt.Sprint(v)
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

/*
Update applies arbitrary field updates to the underlying request row in
storage, guarded by "UnlessStatus(cancelled)".
Intended use:
	- low-level state writes (e.g., the status flip when a stage starts, or a
	  result summary); checkpoint snapshots go through UpdateAlways instead
	- rare custom transitions not covered by Progress/Fail/Succeed
Not intended as a general replacement for Progress/Fail/Succeed. Prefer those
for lifecycle transitions so invariants remain centralized.
*/
func (c *Context) Update(updates map[string]any) error {
	if c.Job == nil || c.Job.ID == uuid.Nil {
		return nil
	}
	_, err := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, []string{string(types.RequestCancelled)}, toIfaceMap(updates))
	return err
}

/*
UpdateAlways writes fields regardless of status. It exists for checkpoint
persistence: a cancelled request keeps its partial checkpoint, so the
orchestrator's result writes must land even after the status flips to
cancelled. Never use it for lifecycle fields.
*/
func (c *Context) UpdateAlways(updates map[string]any) error {
	if c.Job == nil || c.Job.ID == uuid.Nil {
		return nil
	}
	return c.Repo.UpdateFields(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, toIfaceMap(updates))
}

/*
Progress publishes a non-terminal status update for this request.
What it does:
	- Persists stage/progress/message + heartbeat timestamps into the request
	  row, guarded so cancelled requests are not overwritten.
	- Updates the in-memory c.Job fields to match.
	- Emits a notifier event so clients can update UI promptly.
*/
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, []string{string(types.RequestCancelled)}, map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"message":      msg,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Stage = stage
		c.Job.Progress = pct
		c.Job.Message = msg
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
		// status remains whatever it is in DB (advances via orchestrator's own transitions)
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.RequestProgress(c.Job, stage, pct, msg)
	}
}

/*
Fail marks this request as terminally failed and records an error message.
What it does:
	- Sets status=failed, stage=<stage>, error=<err>, last_error_at=now
	- Clears locked_at so other workers won't treat it as in-progress
	- Updates in-memory job object
	- Emits a 'failed' notification
Guarding:
	- Uses UpdateFieldsUnlessStatus(..., [cancelled]) so a cancelled request is not overwritten
	- If update is rejected, exits without emitting notifications
*/
func (c *Context) Fail(stage string, err error) {
	c.FailWithCode(stage, pkgerrors.CodeOf(err), err)
}

// FailWithCode is Fail with an explicit stable error_code on the row.
func (c *Context) FailWithCode(stage string, code string, err error) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		updates := map[string]interface{}{
			"status":        types.RequestFailed,
			"stage":         stage,
			"message":       "",
			"error":         msg,
			"error_code":    code,
			"last_error_at": now,
			"locked_at":     nil,
			"completed_at":  now,
			"updated_at":    now,
		}
		if c.Job.StartedAt != nil {
			updates["duration_seconds"] = now.Sub(*c.Job.StartedAt).Seconds()
		}
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, []string{string(types.RequestCancelled)}, updates)
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = types.RequestFailed
		c.Job.Stage = stage
		c.Job.Message = ""
		c.Job.Error = msg
		c.Job.ErrorCode = code
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
		c.Job.CompletedAt = &now
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.RequestFailed(c.Job, stage, msg)
	}
}

/*
Succeed marks this request as terminally succeeded and persists a result payload.
What it does:
	- Sets status=completed, stage=<finalStage>, progress=100
	- Clears error/message, clears locked_at, updates heartbeat
	- Serializes 'result' as JSON and stores it in requests.result
	- Sets completed_at and duration_seconds relative to started_at
	- Updates in-memory job object
	- Emits a 'done' notification
Guarding:
	- Uses UpdateFieldsUnlessStatus(..., [cancelled]) so a cancelled request is not overwritten
	- If update is rejected, exits without emitting notifications
*/
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	updates := map[string]interface{}{
		"status":       types.RequestCompleted,
		"stage":        finalStage,
		"progress":     100,
		"message":      "",
		"error":        "",
		"result":       res,
		"locked_at":    nil,
		"heartbeat_at": now,
		"completed_at": now,
		"updated_at":   now,
	}
	if c.Job != nil && c.Job.StartedAt != nil {
		updates["duration_seconds"] = now.Sub(*c.Job.StartedAt).Seconds()
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, []string{string(types.RequestCancelled)}, updates)
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = types.RequestCompleted
		c.Job.Stage = finalStage
		c.Job.Progress = 100
		c.Job.Message = ""
		c.Job.Error = ""
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
		c.Job.CompletedAt = &now
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.RequestDone(c.Job)
	}
}

/*
toIfaceMap converts a map[string]any into map[string]interface{}.
This exists because some repository APIs take map[string]interface{} for DB updates,
but callers usually build map[string]any. It keeps the conversion centralized and
avoids repeating boilerplate at call sites.
*/
func toIfaceMap(in map[string]any) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
