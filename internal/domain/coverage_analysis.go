package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CoverageAnalysis is one (request, requirement) row, written once per
// requirement per request during optimization; replaces any prior rows for
// the same request.
type CoverageAnalysis struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RequestID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"request_id"`
	RequirementText  string         `gorm:"column:requirement_text;type:text" json:"requirement_text"`
	RequirementIndex int            `gorm:"column:requirement_index;not null" json:"requirement_index"`
	IsCovered        bool           `gorm:"column:is_covered;not null" json:"is_covered"`
	CoveringTests    datatypes.JSON `gorm:"column:covering_tests;type:jsonb" json:"covering_tests"`
	CoverageCount    int            `gorm:"column:coverage_count;not null" json:"coverage_count"`
	CoverageScore    float64        `gorm:"column:coverage_score;not null" json:"coverage_score"`
	HasGap           bool           `gorm:"column:has_gap;not null;index" json:"has_gap"`
	GapDescription   string         `gorm:"column:gap_description" json:"gap_description,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (CoverageAnalysis) TableName() string { return "coverage_analyses" }

func (c CoverageAnalysis) CoveringTestIDs() []uuid.UUID {
	if len(c.CoveringTests) == 0 {
		return nil
	}
	var out []uuid.UUID
	_ = json.Unmarshal(c.CoveringTests, &out)
	return out
}

func (c *CoverageAnalysis) SetCoveringTests(ids []uuid.UUID) {
	if ids == nil {
		ids = []uuid.UUID{}
	}
	b, _ := json.Marshal(ids)
	c.CoveringTests = datatypes.JSON(b)
}
