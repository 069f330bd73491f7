package optimizer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/llmcache"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// fallbackEmbedder mirrors production's deterministic path: identical code
// gets identical vectors; the different tests used here land below the 0.85
// threshold (their components are all positive, so cosines sit near 0.75).
type fallbackEmbedder struct{}

func (fallbackEmbedder) GetEmbedding(_ context.Context, text string) ([]float64, error) {
	return llmcache.FallbackEmbedding(text, 384), nil
}

// fixedEmbedder returns a canned vector per text.
type fixedEmbedder struct {
	vectors map[string][]float64
}

func (f fixedEmbedder) GetEmbedding(_ context.Context, text string) ([]float64, error) {
	return f.vectors[text], nil
}

func newOptimizer(t *testing.T, embed Embedder) *Optimizer {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return New(log, embed, 0.85)
}

func tc(name, code string) *types.TestCase {
	return &types.TestCase{ID: uuid.New(), Name: name, Code: code}
}

func TestCanonicalizeNormalizesEndingsAndTrailingWhitespace(t *testing.T) {
	a := "func TestX(t *testing.T) {  \r\n\tx := 1 \r\n}\r\n"
	b := "func TestX(t *testing.T) {\n\tx := 1\n}"
	assert.Equal(t, Canonicalize(a), Canonicalize(b))
	assert.Equal(t, CodeHash(a), CodeHash(b))
}

func TestExactDedupKeepsFirstInserted(t *testing.T) {
	o := newOptimizer(t, fallbackEmbedder{})

	a := tc("TestLogin", "func TestLogin(t *testing.T) { /* login works */ }")
	aPrime := tc("TestLoginCopy", "func TestLogin(t *testing.T) { /* login works */ }")

	res, err := o.Optimize(context.Background(), []*types.TestCase{a, aPrime}, nil)
	require.NoError(t, err)

	require.Len(t, res.Unique, 1)
	assert.Equal(t, a.ID, res.Unique[0].ID)
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, aPrime.ID, res.Duplicates[0].TestID)
	assert.Equal(t, a.ID, res.Duplicates[0].DuplicateOf)
	assert.Equal(t, 1.0, res.Duplicates[0].Similarity)

	assert.True(t, aPrime.IsDuplicate)
	require.NotNil(t, aPrime.DuplicateOf)
	assert.Equal(t, a.ID, *aPrime.DuplicateOf)
	require.NotNil(t, aPrime.SimilarityScore)
	assert.Equal(t, 1.0, *aPrime.SimilarityScore)
	assert.False(t, a.IsDuplicate)
}

func TestSemanticDedupSmallestIndexTieBreak(t *testing.T) {
	// Three distinct codes; vectors make C similar to both A and B, and A
	// comes first, so C must attach to A.
	a := tc("TestA", "code a")
	b := tc("TestB", "code b")
	c := tc("TestC", "code c")

	va := []float64{1, 0, 0}
	vb := []float64{0.9, 0.4358898943540674, 0} // ~0.9 similar to A
	vc := []float64{0.95, 0.3122498999199199, 0}

	o := newOptimizer(t, fixedEmbedder{vectors: map[string][]float64{
		a.Name + "\n" + a.Code: va,
		b.Name + "\n" + b.Code: vb,
		c.Name + "\n" + c.Code: vc,
	}})

	res, err := o.Optimize(context.Background(), []*types.TestCase{a, b, c}, nil)
	require.NoError(t, err)

	// B is ~0.9 similar to A, so B folds into A; C likewise.
	require.Len(t, res.Unique, 1)
	assert.Equal(t, a.ID, res.Unique[0].ID)
	for _, d := range res.Duplicates {
		assert.Equal(t, a.ID, d.DuplicateOf)
		assert.Equal(t, "semantic", d.Kind)
		assert.InDelta(t, 0.9, d.Similarity, 0.1)
	}
}

func TestSemanticDedupBelowThresholdKeepsBoth(t *testing.T) {
	a := tc("TestA", "code a")
	b := tc("TestB", "code b")

	o := newOptimizer(t, fixedEmbedder{vectors: map[string][]float64{
		a.Name + "\n" + a.Code: {1, 0},
		b.Name + "\n" + b.Code: {0, 1},
	}})

	res, err := o.Optimize(context.Background(), []*types.TestCase{a, b}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Unique, 2)
	assert.Empty(t, res.Duplicates)
}

func TestCoverageSubstringAndDeclared(t *testing.T) {
	o := newOptimizer(t, fallbackEmbedder{})

	t1 := tc("TestLoginA", `func TestLoginA(t *testing.T) { /* verifies Login Works */ }`)
	t2 := tc("TestLoginB", `func TestLoginB(t *testing.T) { /* also checks login works twice */ }`)
	t3 := tc("TestOther", `func TestOther(t *testing.T) {}`)
	t3.SetCoveredRequirements([]int{1})

	res, err := o.Optimize(context.Background(), []*types.TestCase{t1, t2, t3}, []string{"login works", "logout works"})
	require.NoError(t, err)

	require.Len(t, res.Coverage, 2)

	first := res.Coverage[0]
	assert.Equal(t, 0, first.RequirementIndex)
	assert.Equal(t, 2, first.CoverageCount)
	assert.True(t, first.IsCovered)
	assert.False(t, first.HasGap)
	assert.Equal(t, 1.0, first.CoverageScore)
	assert.Equal(t, "good", first.Quality)

	second := res.Coverage[1]
	assert.Equal(t, 1, second.CoverageCount, "declared coverage counts without substring match")
	assert.True(t, second.IsCovered)
	assert.True(t, second.HasGap, "single covering test is still a gap")
	assert.Equal(t, 0.5, second.CoverageScore)
	assert.Equal(t, "insufficient", second.Quality)

	assert.Equal(t, 1.0, res.CoverageScore)
	assert.Empty(t, res.Gaps)
}

func TestCoverageUncoveredRequirementProducesGap(t *testing.T) {
	o := newOptimizer(t, fallbackEmbedder{})
	t1 := tc("TestA", "func TestA(t *testing.T) {}")

	res, err := o.Optimize(context.Background(), []*types.TestCase{t1}, []string{"payment flow"})
	require.NoError(t, err)

	require.Len(t, res.Coverage, 1)
	assert.False(t, res.Coverage[0].IsCovered)
	assert.True(t, res.Coverage[0].HasGap)
	assert.Equal(t, 0.0, res.CoverageScore)
	require.Len(t, res.Gaps, 1)
	assert.Contains(t, res.Recommendations, "Add tests for 1 uncovered requirements")
}

func TestOptimizeEmptyRequirements(t *testing.T) {
	o := newOptimizer(t, fallbackEmbedder{})
	t1 := tc("TestA", "func TestA(t *testing.T) {}")

	res, err := o.Optimize(context.Background(), []*types.TestCase{t1}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Coverage)
	assert.Equal(t, 0.0, res.CoverageScore)
	assert.Len(t, res.Unique, 1)
}

func TestOptimizeSingleTestNoPairs(t *testing.T) {
	o := newOptimizer(t, fallbackEmbedder{})
	t1 := tc("TestA", "func TestA(t *testing.T) {}")

	res, err := o.Optimize(context.Background(), []*types.TestCase{t1}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Unique, 1)
	assert.Empty(t, res.Duplicates)
}

func TestOptimizeIdempotence(t *testing.T) {
	o := newOptimizer(t, fallbackEmbedder{})

	tests := []*types.TestCase{
		tc("TestA", "func TestA(t *testing.T) { a() }"),
		tc("TestB", "func TestB(t *testing.T) { b() }"),
		tc("TestACopy", "func TestA(t *testing.T) { a() }"),
	}
	reqs := []string{"a", "b"}

	first, err := o.Optimize(context.Background(), tests, reqs)
	require.NoError(t, err)

	second, err := o.Optimize(context.Background(), first.Unique, reqs)
	require.NoError(t, err)

	require.Len(t, second.Unique, len(first.Unique))
	for i := range first.Unique {
		assert.Equal(t, first.Unique[i].ID, second.Unique[i].ID)
	}
	assert.Empty(t, second.Duplicates, "optimizing its own output flags nothing new")
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine(nil, []float64{1}))
	assert.Equal(t, 0.0, Cosine([]float64{1}, []float64{1, 2}))
}

func TestN200CompletesQuickly(t *testing.T) {
	o := newOptimizer(t, fallbackEmbedder{})
	tests := make([]*types.TestCase, 0, 200)
	for i := 0; i < 200; i++ {
		code := "func Test" + string(rune('A'+i%26)) + "(t *testing.T) { /* variant " + uuid.NewString() + " */ }"
		tests = append(tests, tc("T", code))
	}
	res, err := o.Optimize(context.Background(), tests, []string{"something"})
	require.NoError(t, err)
	assert.NotNil(t, res)
}
