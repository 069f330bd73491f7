package llmcache

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austenmoss/testforge/internal/pkg/logger"
	"github.com/austenmoss/testforge/internal/platform/openai"
)

type fakeClient struct {
	mu        sync.Mutex
	calls     int64
	slow      time.Duration
	embedErr  error
	embedDim  int
	generated func(system, user string) string
}

func (f *fakeClient) GenerateText(ctx context.Context, system, user string, opts openai.GenerateOptions) (openai.TextResult, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.slow > 0 {
		time.Sleep(f.slow)
	}
	content := "response for " + user
	if f.generated != nil {
		content = f.generated(system, user)
	}
	return openai.TextResult{Content: content, Model: opts.Model, TokensTotal: 10}, nil
}

func (f *fakeClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	dim := f.embedDim
	if dim == 0 {
		dim = 384
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		v := make([]float32, dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestCallKeyExcludesTemperatureAndMaxTokens(t *testing.T) {
	a := CallKey("sys", "user", "model-a")
	b := CallKey("sys", "user", "model-a")
	c := CallKey("sys", "user", "model-b")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCallCachesWithinTTL(t *testing.T) {
	fc := &fakeClient{}
	cache := New(testLogger(t), fc, NewMemoryStore(), time.Hour, 384)

	req := CallRequest{SystemPrompt: "sys", UserPrompt: "generate", Model: "m", Temperature: 0.3, MaxTokens: 100}

	first, err := cache.Call(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := cache.Call(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.EqualValues(t, 1, atomic.LoadInt64(&fc.calls))

	// A different temperature hits the same cache entry: the key excludes it.
	req.Temperature = 0.9
	third, err := cache.Call(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, third.Cached)
	assert.EqualValues(t, 1, atomic.LoadInt64(&fc.calls))
}

func TestCallDisableCacheBypassesStore(t *testing.T) {
	fc := &fakeClient{}
	cache := New(testLogger(t), fc, NewMemoryStore(), time.Hour, 384)

	req := CallRequest{UserPrompt: "q", Model: "m", DisableCache: true}
	first, err := cache.Call(context.Background(), req)
	require.NoError(t, err)
	second, err := cache.Call(context.Background(), req)
	require.NoError(t, err)

	// Deterministic upstream: identical bytes with or without caching.
	assert.Equal(t, first.Content, second.Content)
	assert.EqualValues(t, 2, atomic.LoadInt64(&fc.calls))
}

func TestCallSingleFlightCollapsesConcurrentMisses(t *testing.T) {
	fc := &fakeClient{slow: 50 * time.Millisecond}
	cache := New(testLogger(t), fc, NewMemoryStore(), time.Hour, 384)

	req := CallRequest{UserPrompt: "same prompt", Model: "m"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Call(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt64(&fc.calls))
}

func TestGetEmbeddingFallbackIsDeterministicAndNormalized(t *testing.T) {
	a := FallbackEmbedding("some test code", 384)
	b := FallbackEmbedding("some test code", 384)
	c := FallbackEmbedding("different code", 384)

	require.Len(t, a, 384)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	var norm float64
	for _, x := range a {
		norm += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
}

func TestGetEmbeddingUsesFallbackWhenRemoteUnavailable(t *testing.T) {
	fc := &fakeClient{embedErr: assert.AnError}
	cache := New(testLogger(t), fc, NewMemoryStore(), time.Hour, 384)

	vec, err := cache.GetEmbedding(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, FallbackEmbedding("text", 384), vec)

	// Cached on the second read.
	again, err := cache.GetEmbedding(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, vec, again)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	s.Set(context.Background(), "k", []byte("v"), 10*time.Millisecond)

	_, ok := s.Get(context.Background(), "k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = s.Get(context.Background(), "k")
	assert.False(t, ok)
}
