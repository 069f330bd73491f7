package llmcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/austenmoss/testforge/internal/observability"
	"github.com/austenmoss/testforge/internal/pkg/logger"
	"github.com/austenmoss/testforge/internal/platform/openai"
)

const (
	callKeyPrefix  = "llm_cache:"
	embedKeyPrefix = "emb_cache:"
)

// CallRequest is one generation call through the cache.
type CallRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Temperature  float64
	MaxTokens    int
	// DisableCache bypasses lookup and write-back for this call.
	DisableCache bool
}

// Response is the completion plus whether it was served from cache.
type Response struct {
	openai.TextResult
	Cached bool `json:"cached"`
}

// Cache wraps the model client with a fingerprinted response cache and
// in-process single-flight collapsing of concurrent identical-key misses.
type Cache struct {
	log    *logger.Logger
	client openai.Client
	store  Store
	ttl    time.Duration
	dim    int

	sf singleflight.Group
}

func New(log *logger.Logger, client openai.Client, store Store, ttl time.Duration, embeddingDim int) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if embeddingDim <= 0 {
		embeddingDim = 384
	}
	return &Cache{
		log:    log.With("component", "LLMCache"),
		client: client,
		store:  store,
		ttl:    ttl,
		dim:    embeddingDim,
	}
}

// CallKey fingerprints a generation call. Temperature and max_tokens are
// deliberately excluded; a temperature change will not invalidate the cache.
func CallKey(systemPrompt, userPrompt, model string) string {
	sum := sha256.Sum256([]byte(systemPrompt + userPrompt + model))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) Call(ctx context.Context, req CallRequest) (Response, error) {
	if c.client == nil {
		return Response{}, fmt.Errorf("llm client not configured")
	}
	key := callKeyPrefix + CallKey(req.SystemPrompt, req.UserPrompt, req.Model)

	if !req.DisableCache {
		if raw, ok := c.store.Get(ctx, key); ok {
			var cached Response
			if err := json.Unmarshal(raw, &cached); err == nil {
				cached.Cached = true
				if m := observability.Current(); m != nil {
					m.IncCacheHit()
				}
				return cached, nil
			}
		}
		if m := observability.Current(); m != nil {
			m.IncCacheMiss()
		}
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		res, err := c.client.GenerateText(ctx, req.SystemPrompt, req.UserPrompt, openai.GenerateOptions{
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		resp := Response{TextResult: res}
		if !req.DisableCache {
			if raw, mErr := json.Marshal(resp); mErr == nil {
				c.store.Set(ctx, key, raw, c.ttl)
			}
		}
		return resp, nil
	})
	if err != nil {
		return Response{}, err
	}
	return v.(Response), nil
}

// GetEmbedding returns a fixed-dimension L2-normalized vector for text,
// cached under the same TTL contract as Call. When the remote embedding
// endpoint is unavailable the deterministic hash-derived fallback is used,
// which keeps dedup reproducible in tests.
func (c *Cache) GetEmbedding(ctx context.Context, text string) ([]float64, error) {
	sum := sha256.Sum256([]byte(text))
	key := embedKeyPrefix + hex.EncodeToString(sum[:])

	if raw, ok := c.store.Get(ctx, key); ok {
		var cached []float64
		if err := json.Unmarshal(raw, &cached); err == nil && len(cached) == c.dim {
			if m := observability.Current(); m != nil {
				m.IncCacheHit()
			}
			return cached, nil
		}
	}
	if m := observability.Current(); m != nil {
		m.IncCacheMiss()
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		vec := c.remoteEmbedding(ctx, text)
		if vec == nil {
			vec = FallbackEmbedding(text, c.dim)
		}
		if raw, mErr := json.Marshal(vec); mErr == nil {
			c.store.Set(ctx, key, raw, c.ttl)
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

func (c *Cache) remoteEmbedding(ctx context.Context, text string) []float64 {
	if c.client == nil {
		return nil
	}
	vecs, err := c.client.Embed(ctx, []string{text})
	if err != nil || len(vecs) != 1 || len(vecs[0]) != c.dim {
		if err != nil {
			c.log.Warn("embedding endpoint unavailable, using deterministic fallback", "error", err)
		}
		return nil
	}
	out := make([]float64, len(vecs[0]))
	for i, f := range vecs[0] {
		out[i] = float64(f)
	}
	return normalize(out)
}

// FallbackEmbedding derives a deterministic dim-length vector from the
// SHA-256 digest of text, L2-normalized. Identical text always yields an
// identical vector.
func FallbackEmbedding(text string, dim int) []float64 {
	if dim <= 0 {
		dim = 384
	}
	digest := sha256.Sum256([]byte(text))
	out := make([]float64, dim)
	for i := 0; i < dim; i++ {
		b := digest[i%len(digest)]
		next := digest[(i+1)%len(digest)]
		out[i] = (float64(b) + float64(next)*256.0) / 65535.0
	}
	return normalize(out)
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}
