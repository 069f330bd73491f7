package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SecurityLayer string

const (
	SecurityLayerStatic     SecurityLayer = "static"
	SecurityLayerAST        SecurityLayer = "ast"
	SecurityLayerBehavioral SecurityLayer = "behavioral"
	SecurityLayerSandbox    SecurityLayer = "sandbox"
)

type ActionTaken string

const (
	ActionAllowed    ActionTaken = "allowed"
	ActionBlocked    ActionTaken = "blocked"
	ActionWarning    ActionTaken = "warning"
	ActionRegenerate ActionTaken = "regenerate"
)

// SecurityAuditLog is one Safety Guard decision, append-only: one row per
// sub-layer that produced a finding for a given test.
type SecurityAuditLog struct {
	ID        uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RequestID uuid.UUID  `gorm:"type:uuid;not null;index" json:"request_id"`
	TestID    *uuid.UUID `gorm:"type:uuid;column:test_id;index" json:"test_id,omitempty"`

	SecurityLayer   SecurityLayer   `gorm:"column:security_layer;not null;index" json:"security_layer"`
	RiskLevel       SafetyRiskLevel `gorm:"column:risk_level;not null" json:"risk_level"`
	Issues          datatypes.JSON  `gorm:"column:issues;type:jsonb" json:"issues,omitempty"`
	BlockedPatterns datatypes.JSON  `gorm:"column:blocked_patterns;type:jsonb" json:"blocked_patterns,omitempty"`
	ActionTaken     ActionTaken     `gorm:"column:action_taken;not null;index" json:"action_taken"`
	Details         datatypes.JSON  `gorm:"column:details;type:jsonb" json:"details,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (SecurityAuditLog) TableName() string { return "security_audit_logs" }

func (s SecurityAuditLog) IssuesList() []string          { return decodeStringSlice(s.Issues) }
func (s *SecurityAuditLog) SetIssues(v []string)         { s.Issues = encodeStringSlice(v) }
func (s SecurityAuditLog) BlockedPatternsList() []string { return decodeStringSlice(s.BlockedPatterns) }
func (s *SecurityAuditLog) SetBlockedPatterns(v []string) {
	s.BlockedPatterns = encodeStringSlice(v)
}
