package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AgentName string

const (
	AgentReconnaissance AgentName = "reconnaissance"
	AgentGenerator      AgentName = "generator"
	AgentValidator      AgentName = "validator"
	AgentOptimizer      AgentName = "optimizer"
)

type MetricStatus string

const (
	MetricSuccess MetricStatus = "success"
	MetricFailed  MetricStatus = "failed"
	MetricRetry   MetricStatus = "retry"
)

// GenerationMetric is an append-only record of one stage execution attempt.
// Rows are never mutated after insert.
type GenerationMetric struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RequestID  uuid.UUID `gorm:"type:uuid;not null;index" json:"request_id"`
	AgentName  AgentName `gorm:"column:agent_name;not null;index" json:"agent_name"`
	StepNumber int       `gorm:"column:step_number;not null" json:"step_number"`

	StartedAt   time.Time  `gorm:"column:started_at;not null;index" json:"started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DurationMs  *int64     `gorm:"column:duration_ms" json:"duration_ms,omitempty"`

	Model          string   `gorm:"column:model" json:"model,omitempty"`
	TokensInput    *int     `gorm:"column:tokens_input" json:"tokens_input,omitempty"`
	TokensOutput   *int     `gorm:"column:tokens_output" json:"tokens_output,omitempty"`
	TokensTotal    *int     `gorm:"column:tokens_total" json:"tokens_total,omitempty"`
	CostUSD        *float64 `gorm:"column:cost_usd" json:"cost_usd,omitempty"`

	Status       MetricStatus   `gorm:"column:status;not null;index" json:"status"`
	ErrorMessage string         `gorm:"column:error_message" json:"error_message,omitempty"`
	AgentMetrics datatypes.JSON `gorm:"column:agent_metrics;type:jsonb" json:"agent_metrics,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (GenerationMetric) TableName() string { return "generation_metrics" }
