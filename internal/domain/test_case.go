package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ValidationStatus string

const (
	ValidationPassed  ValidationStatus = "passed"
	ValidationWarning ValidationStatus = "warning"
	ValidationFailed  ValidationStatus = "failed"
)

type SafetyRiskLevel string

const (
	RiskSafe     SafetyRiskLevel = "SAFE"
	RiskLow      SafetyRiskLevel = "LOW"
	RiskMedium   SafetyRiskLevel = "MEDIUM"
	RiskHigh     SafetyRiskLevel = "HIGH"
	RiskCritical SafetyRiskLevel = "CRITICAL"
)

// riskOrder gives SafetyRiskLevel a total order so the maximum across
// sub-layers (and the MEDIUM ceiling in the pass/fail formula) can be
// computed with a plain comparison.
var riskOrder = map[SafetyRiskLevel]int{
	RiskSafe:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

func (r SafetyRiskLevel) Worse(other SafetyRiskLevel) SafetyRiskLevel {
	if riskOrder[other] > riskOrder[r] {
		return other
	}
	return r
}

func (r SafetyRiskLevel) ExceedsMedium() bool {
	return riskOrder[r] > riskOrder[RiskMedium]
}

// TestCase is one generated test, owned exclusively by its Request.
type TestCase struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RequestID uuid.UUID `gorm:"type:uuid;not null;index" json:"request_id"`

	Name     string   `gorm:"column:name" json:"name"`
	Code     string   `gorm:"column:code;type:text" json:"code"`
	TestType TestType `gorm:"column:test_type;not null" json:"test_type"`

	Feature  string         `gorm:"column:feature" json:"feature,omitempty"`
	Story    string         `gorm:"column:story" json:"story,omitempty"`
	Title    string         `gorm:"column:title" json:"title,omitempty"`
	Severity string         `gorm:"column:severity" json:"severity,omitempty"`
	Tags     datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`

	CodeHash          string         `gorm:"column:code_hash;not null;index" json:"code_hash"`
	ASTHash           string         `gorm:"column:ast_hash" json:"ast_hash,omitempty"`
	SemanticEmbedding datatypes.JSON `gorm:"column:semantic_embedding;type:jsonb" json:"-"`

	CoveredRequirements datatypes.JSON `gorm:"column:covered_requirements;type:jsonb" json:"covered_requirements,omitempty"`
	Priority             int           `gorm:"column:priority;not null;default:5" json:"priority"`

	ValidationStatus ValidationStatus `gorm:"column:validation_status;index" json:"validation_status"`
	ValidationIssues datatypes.JSON   `gorm:"column:validation_issues;type:jsonb" json:"validation_issues,omitempty"`
	SafetyRiskLevel  SafetyRiskLevel  `gorm:"column:safety_risk_level" json:"safety_risk_level"`

	IsDuplicate     bool       `gorm:"column:is_duplicate;not null;default:false;index" json:"is_duplicate"`
	DuplicateOf     *uuid.UUID `gorm:"type:uuid;column:duplicate_of" json:"duplicate_of,omitempty"`
	SimilarityScore *float64   `gorm:"column:similarity_score" json:"similarity_score,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (TestCase) TableName() string { return "test_cases" }

func (t TestCase) TagsList() []string           { return decodeStringSlice(t.Tags) }
func (t *TestCase) SetTags(v []string)          { t.Tags = encodeStringSlice(v) }
func (t TestCase) EmbeddingVector() []float64   { return decodeFloatSlice(t.SemanticEmbedding) }
func (t *TestCase) SetEmbedding(v []float64)    { t.SemanticEmbedding = encodeFloatSlice(v) }
func (t TestCase) CoveredRequirementIndices() []int {
	if len(t.CoveredRequirements) == 0 {
		return nil
	}
	var out []int
	_ = json.Unmarshal(t.CoveredRequirements, &out)
	return out
}
func (t *TestCase) SetCoveredRequirements(idx []int) {
	if idx == nil {
		idx = []int{}
	}
	b, _ := json.Marshal(idx)
	t.CoveredRequirements = datatypes.JSON(b)
}
func (t TestCase) IssuesList() []string  { return decodeStringSlice(t.ValidationIssues) }
func (t *TestCase) SetIssues(v []string) { t.ValidationIssues = encodeStringSlice(v) }

func decodeFloatSlice(raw datatypes.JSON) []float64 {
	if len(raw) == 0 {
		return nil
	}
	var out []float64
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func encodeFloatSlice(in []float64) datatypes.JSON {
	if in == nil {
		in = []float64{}
	}
	b, _ := json.Marshal(in)
	return datatypes.JSON(b)
}
