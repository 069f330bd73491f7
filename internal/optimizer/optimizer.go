package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// Embedder supplies the fixed-dimension vectors for semantic dedup. In
// production this is the LLM cache wrapper; tests can substitute anything
// deterministic.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float64, error)
}

// Duplicate records one test folded into its canonical survivor.
type Duplicate struct {
	TestID      uuid.UUID `json:"test_id"`
	DuplicateOf uuid.UUID `json:"duplicate_of"`
	Kind        string    `json:"kind"` // exact or semantic
	Similarity  float64   `json:"similarity_score"`
}

// CoverageRow is the per-requirement analysis, one row per requirement.
type CoverageRow struct {
	RequirementIndex int         `json:"requirement_index"`
	RequirementText  string      `json:"requirement_text"`
	CoveringTests    []uuid.UUID `json:"covering_tests"`
	CoverageCount    int         `json:"coverage_count"`
	CoverageScore    float64     `json:"coverage_score"`
	IsCovered        bool        `json:"is_covered"`
	HasGap           bool        `json:"has_gap"`
	Quality          string      `json:"quality"`
	GapDescription   string      `json:"gap_description,omitempty"`
}

// Result is everything optimization produced. Unique preserves the input's
// insertion order; no code field is ever mutated.
type Result struct {
	Unique          []*types.TestCase `json:"unique_tests"`
	Duplicates      []Duplicate       `json:"duplicates"`
	Coverage        []CoverageRow     `json:"coverage"`
	Gaps            []string          `json:"gaps"`
	CoverageScore   float64           `json:"coverage_score"`
	Recommendations []string          `json:"recommendations"`
}

type Optimizer struct {
	log       *logger.Logger
	embed     Embedder
	Threshold float64
}

func New(log *logger.Logger, embed Embedder, threshold float64) *Optimizer {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &Optimizer{
		log:       log.With("component", "Optimizer"),
		embed:     embed,
		Threshold: threshold,
	}
}

// Optimize runs exact dedup, then semantic dedup over the exact survivors,
// then coverage analysis over the remaining unique set. Duplicate flags are
// written onto the in-memory tests; persisting them is the caller's job.
func (o *Optimizer) Optimize(ctx context.Context, tests []*types.TestCase, requirements []string) (*Result, error) {
	res := &Result{
		Unique:          []*types.TestCase{},
		Duplicates:      []Duplicate{},
		Coverage:        []CoverageRow{},
		Gaps:            []string{},
		Recommendations: []string{},
	}

	kept := o.exactDedup(tests, res)
	kept, err := o.semanticDedup(ctx, kept, res)
	if err != nil {
		return nil, err
	}
	res.Unique = kept

	o.analyzeCoverage(kept, requirements, res)
	res.Recommendations = recommendations(res)
	return res, nil
}

// CodeHash is the exact-dedup fingerprint: SHA-256 over the canonicalized
// source.
func CodeHash(code string) string {
	sum := sha256.Sum256([]byte(Canonicalize(code)))
	return hex.EncodeToString(sum[:])
}

// Canonicalize normalizes line endings and strips trailing whitespace so
// that cosmetic variants of the same source hash identically.
func Canonicalize(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	lines := strings.Split(code, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// exactDedup groups by code hash; within a group the first-inserted test is
// kept and the rest point at it with similarity 1.0.
func (o *Optimizer) exactDedup(tests []*types.TestCase, res *Result) []*types.TestCase {
	seen := map[string]*types.TestCase{}
	kept := make([]*types.TestCase, 0, len(tests))
	for _, t := range tests {
		hash := t.CodeHash
		if hash == "" {
			hash = CodeHash(t.Code)
			t.CodeHash = hash
		}
		if first, dup := seen[hash]; dup {
			markDuplicate(t, first, 1.0)
			res.Duplicates = append(res.Duplicates, Duplicate{
				TestID: t.ID, DuplicateOf: first.ID, Kind: "exact", Similarity: 1.0,
			})
			continue
		}
		seen[hash] = t
		kept = append(kept, t)
	}
	return kept
}

// semanticDedup computes pairwise cosine similarity over the exact
// survivors. For each pair (i, j) with i < j at or above the threshold, j is
// folded into i; a test similar to several kept tests attaches to the one
// with the smallest index because i ascends.
func (o *Optimizer) semanticDedup(ctx context.Context, tests []*types.TestCase, res *Result) ([]*types.TestCase, error) {
	if len(tests) < 2 {
		return tests, nil
	}

	vectors := make([][]float64, len(tests))
	for i, t := range tests {
		vec := t.EmbeddingVector()
		if len(vec) == 0 {
			var err error
			vec, err = o.embed.GetEmbedding(ctx, t.Name+"\n"+t.Code)
			if err != nil {
				return nil, fmt.Errorf("embedding for test %s: %w", t.ID, err)
			}
			t.SetEmbedding(vec)
		}
		vectors[i] = vec
	}

	dropped := make([]bool, len(tests))
	for i := 0; i < len(tests); i++ {
		if dropped[i] {
			continue
		}
		for j := i + 1; j < len(tests); j++ {
			if dropped[j] {
				continue
			}
			sim := Cosine(vectors[i], vectors[j])
			if sim >= o.Threshold {
				dropped[j] = true
				markDuplicate(tests[j], tests[i], sim)
				res.Duplicates = append(res.Duplicates, Duplicate{
					TestID: tests[j].ID, DuplicateOf: tests[i].ID, Kind: "semantic", Similarity: sim,
				})
			}
		}
	}

	kept := make([]*types.TestCase, 0, len(tests))
	for i, t := range tests {
		if !dropped[i] {
			kept = append(kept, t)
		}
	}
	return kept, nil
}

// analyzeCoverage writes one row per requirement. A test covers requirement
// k iff the case-folded requirement text appears in its code or k is among
// its declared covered_requirements. Duplicates never appear here: coverage
// runs after dedup.
func (o *Optimizer) analyzeCoverage(tests []*types.TestCase, requirements []string, res *Result) {
	covered := 0
	for k, reqText := range requirements {
		row := CoverageRow{
			RequirementIndex: k,
			RequirementText:  reqText,
			CoveringTests:    []uuid.UUID{},
		}
		needle := strings.ToLower(reqText)
		for _, t := range tests {
			declares := false
			for _, idx := range t.CoveredRequirementIndices() {
				if idx == k {
					declares = true
					break
				}
			}
			if declares || strings.Contains(strings.ToLower(t.Code), needle) {
				row.CoveringTests = append(row.CoveringTests, t.ID)
			}
		}
		row.CoverageCount = len(row.CoveringTests)
		row.IsCovered = row.CoverageCount > 0
		row.HasGap = !row.IsCovered || row.CoverageCount < 2
		row.CoverageScore = math.Min(1.0, float64(row.CoverageCount)/2.0)
		if row.CoverageCount >= 2 {
			row.Quality = "good"
		} else {
			row.Quality = "insufficient"
		}
		if !row.IsCovered {
			row.GapDescription = fmt.Sprintf("no tests cover requirement: %s", reqText)
			res.Gaps = append(res.Gaps, row.GapDescription)
		}
		if row.IsCovered {
			covered++
		}
		res.Coverage = append(res.Coverage, row)
	}
	if len(requirements) > 0 {
		res.CoverageScore = float64(covered) / float64(len(requirements))
	}
}

func recommendations(res *Result) []string {
	var out []string
	if n := len(res.Duplicates); n > 0 {
		out = append(out, fmt.Sprintf("Remove %d duplicate tests", n))
	}
	if n := len(res.Gaps); n > 0 {
		out = append(out, fmt.Sprintf("Add tests for %d uncovered requirements", n))
	}
	return out
}

func markDuplicate(t, of *types.TestCase, sim float64) {
	t.IsDuplicate = true
	dupOf := of.ID
	t.DuplicateOf = &dupOf
	s := sim
	t.SimilarityScore = &s
}

// Cosine is the similarity between two vectors; zero when either is empty
// or zero-length.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
