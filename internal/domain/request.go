package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RequestStatus enumerates the Request state machine. Status may only move
// forward through this order, except that any non-terminal status may
// transition directly to RequestFailed or RequestCancelled.
type RequestStatus string

const (
	RequestPending         RequestStatus = "pending"
	RequestReconnaissance  RequestStatus = "reconnaissance"
	RequestGeneration      RequestStatus = "generation"
	RequestValidation      RequestStatus = "validation"
	RequestOptimization    RequestStatus = "optimization"
	RequestCompleted       RequestStatus = "completed"
	RequestFailed          RequestStatus = "failed"
	RequestCancelled       RequestStatus = "cancelled"
)

// TestType is shared by Request and TestCase.
type TestType string

const (
	TestTypeUI        TestType = "ui"
	TestTypeAPI       TestType = "api"
	TestTypeManual    TestType = "manual"
	TestTypeAutomated TestType = "automated"
	TestTypeBoth      TestType = "both"
)

// Request is one generation job: the unit the workflow orchestrator drives
// through the four pipeline stages to a terminal state. It doubles as the
// queue row workers claim with ClaimNextRunnable, so it carries both the
// domain attributes (url, requirements, test_type) and the job-runtime
// bookkeeping (status, stage, progress, attempts, locked_at, heartbeat_at)
// in one table.
type Request struct {
	ID       uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID  *uuid.UUID `gorm:"type:uuid;index" json:"owner_id,omitempty"`
	URL      string     `gorm:"column:url" json:"url"`
	OpenAPIURL string   `gorm:"column:openapi_url" json:"openapi_url,omitempty"`

	Requirements datatypes.JSON `gorm:"column:requirements;type:jsonb" json:"requirements"`
	Endpoints    datatypes.JSON `gorm:"column:endpoints;type:jsonb" json:"endpoints,omitempty"`
	TestType     TestType       `gorm:"column:test_type;not null" json:"test_type"`
	Options      datatypes.JSON `gorm:"column:options;type:jsonb" json:"options,omitempty"`

	Status   RequestStatus `gorm:"column:status;not null;index" json:"status"`
	Stage    string        `gorm:"column:stage;not null;index" json:"stage"`
	Progress int           `gorm:"column:progress;not null;default:0" json:"progress"`
	Message  string        `gorm:"column:message" json:"message,omitempty"`

	ResultSummary datatypes.JSON `gorm:"column:result_summary;type:jsonb" json:"result_summary,omitempty"`
	Error         string         `gorm:"column:error" json:"error_message,omitempty"`
	ErrorCode     string         `gorm:"column:error_code" json:"error_code,omitempty"`

	RetryCount int `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries int `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	Attempts   int `gorm:"column:attempts;not null;default:0" json:"attempts"`

	LockedAt    *time.Time `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`

	StartedAt         *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DurationSeconds   *float64   `gorm:"column:duration_seconds" json:"duration_seconds,omitempty"`
	WorkflowCheckpointID string  `gorm:"column:workflow_checkpoint_id" json:"workflow_checkpoint_id,omitempty"`

	// Result holds the orchestrator's opaque checkpoint: {"orchestrator":
	// <OrchestratorState>, "outputs": {...}}. Only the orchestrator writes it.
	Result datatypes.JSON `gorm:"column:result;type:jsonb" json:"-"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Request) TableName() string { return "requests" }

// CanTransitionTo reports whether moving from r.Status to next is a legal
// forward transition in the state machine. Failed and cancelled are
// reachable from any non-terminal state; everything else only moves forward.
func (r Request) CanTransitionTo(next RequestStatus) bool {
	if next == RequestFailed || next == RequestCancelled {
		return r.Status != RequestCompleted && r.Status != RequestFailed && r.Status != RequestCancelled
	}
	order := []RequestStatus{
		RequestPending, RequestReconnaissance, RequestGeneration,
		RequestValidation, RequestOptimization, RequestCompleted,
	}
	cur, next_ := -1, -1
	for i, s := range order {
		if s == r.Status {
			cur = i
		}
		if s == next {
			next_ = i
		}
	}
	return cur >= 0 && next_ > cur
}

// RequirementsList decodes Requirements into an ordered string slice.
func (r Request) RequirementsList() []string {
	return decodeStringSlice(r.Requirements)
}

func (r *Request) SetRequirements(reqs []string) {
	r.Requirements = encodeStringSlice(reqs)
}

func (r Request) EndpointsList() []string {
	return decodeStringSlice(r.Endpoints)
}

func (r *Request) SetEndpoints(eps []string) {
	r.Endpoints = encodeStringSlice(eps)
}

func decodeStringSlice(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func encodeStringSlice(in []string) datatypes.JSON {
	if in == nil {
		in = []string{}
	}
	b, _ := json.Marshal(in)
	return datatypes.JSON(b)
}
