package generator

import (
	"context"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/recon"
)

// Options are the generation knobs carried in Request.Options.
type Options struct {
	Framework      string  `json:"framework,omitempty"`
	ManualCount    int     `json:"manual_count,omitempty"`
	AutomatedCount int     `json:"automated_count,omitempty"`
	Model          string  `json:"model,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
}

// Result is the generation outcome: the split test sources plus the usage
// accounting the metrics layer records.
type Result struct {
	Tests        []string `json:"tests"`
	Model        string   `json:"model"`
	TokensInput  int      `json:"tokens_input"`
	TokensOutput int      `json:"tokens_output"`
	TokensTotal  int      `json:"tokens_total"`
	Cached       bool     `json:"cached"`
}

// Generator produces raw test sources, one string per test, split at test
// function boundaries. Implementations must route every model call through
// the LLM cache wrapper and must return at least one test or an
// ErrEmptyOutput-wrapped error.
type Generator interface {
	GenerateUITests(ctx context.Context, url string, page *recon.PageStructure, requirements []string, testType types.TestType, opts Options) (*Result, error)
	GenerateAPITests(ctx context.Context, openapiURL string, endpoints []string, requirements []string, opts Options) (*Result, error)
}
