package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/austenmoss/testforge/internal/config"
	"github.com/austenmoss/testforge/internal/observability"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
	"github.com/austenmoss/testforge/internal/pkg/httpx"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// GenerateOptions are the per-call knobs of a text generation request.
type GenerateOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// TextResult is one model completion plus its usage accounting.
type TextResult struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	TokensInput  int    `json:"tokens_input"`
	TokensOutput int    `json:"tokens_output"`
	TokensTotal  int    `json:"tokens_total"`
}

// Client is the model-API client used by the rest of the backend. The cache
// wrapper is the only intended caller for generation; nothing else should
// hold one of these directly.
type Client interface {
	GenerateText(ctx context.Context, system, user string, opts GenerateOptions) (TextResult, error)
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type client struct {
	log *logger.Logger

	baseURL    string
	iamURL     string
	keyID      string
	keySecret  string
	model      string
	embedModel string

	httpClient *http.Client

	maxRetries int
	baseDelay  time.Duration

	tokenMu        sync.Mutex
	accessToken    string
	tokenExpiresAt time.Time
}

func NewClient(log *logger.Logger, cfg config.Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.LLMBaseURL) == "" {
		return nil, fmt.Errorf("missing LLM_BASE_URL")
	}
	return &client{
		log:        log.With("client", "LLMClient"),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.LLMBaseURL), "/"),
		iamURL:     strings.TrimSpace(cfg.LLMIAMURL),
		keyID:      strings.TrimSpace(cfg.LLMKeyID),
		keySecret:  strings.TrimSpace(cfg.LLMKeySecret),
		model:      strings.TrimSpace(cfg.LLMModel),
		embedModel: strings.TrimSpace(cfg.EmbedModel),
		httpClient: &http.Client{Timeout: 120 * time.Second},
		maxRetries: 3,
		baseDelay:  1 * time.Second,
	}, nil
}

// -------------------- auth --------------------

// bearerToken returns a usable access token, refreshing through the IAM
// endpoint 5 minutes before expiry. Without an IAM URL the key secret is
// used as a plain API key.
func (c *client) bearerToken(ctx context.Context) (string, error) {
	if c.iamURL == "" {
		if c.keySecret == "" {
			return "", fmt.Errorf("missing LLM credentials: %w", pkgerrors.ErrPermanent)
		}
		return c.keySecret, nil
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiresAt.Add(-5*time.Minute)) {
		return c.accessToken, nil
	}
	if c.keyID == "" || c.keySecret == "" {
		return "", fmt.Errorf("missing LLM_KEY_ID/LLM_KEY_SECRET: %w", pkgerrors.ErrPermanent)
	}

	body, _ := json.Marshal(map[string]string{"keyId": c.keyID, "secret": c.keySecret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.iamURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("iam token request: %v: %w", err, pkgerrors.ErrTransient)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.log.Error("IAM token error", "status", resp.StatusCode, "body", truncate(string(raw), 500))
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			return "", fmt.Errorf("iam token http %d: %w", resp.StatusCode, pkgerrors.ErrTransient)
		}
		return "", fmt.Errorf("iam token http %d: %w", resp.StatusCode, pkgerrors.ErrPermanent)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("iam token decode: %w", err)
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = 3600
	}
	c.accessToken = out.AccessToken
	c.tokenExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// -------------------- transport --------------------

func (c *client) doJSON(ctx context.Context, path string, payload any, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("llm call cancelled: %w", pkgerrors.ErrCancelled)
			case <-t.C:
			}
		}
		lastErr = c.doOnce(ctx, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !pkgerrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *client) doOnce(ctx context.Context, path string, payload any, out any) error {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm %s: %v: %w", path, err, pkgerrors.ErrTransient)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("LLM API error", "path", path, "status", resp.StatusCode, "body", truncate(string(raw), 500))
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			return fmt.Errorf("llm %s http %d: %w", path, resp.StatusCode, pkgerrors.ErrTransient)
		}
		return fmt.Errorf("llm %s http %d: %w", path, resp.StatusCode, pkgerrors.ErrPermanent)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("llm %s decode: %w", path, err)
	}
	return nil
}

// -------------------- generation --------------------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *client) GenerateText(ctx context.Context, system, user string, opts GenerateOptions) (TextResult, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = c.model
	}
	req := chatRequest{Model: model, MaxTokens: opts.MaxTokens}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	if strings.TrimSpace(system) != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: user})

	started := time.Now()
	var resp chatResponse
	err := c.doJSON(ctx, "/chat/completions", req, &resp)
	if m := observability.Current(); m != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.ObserveLLMRequest(model, status, time.Since(started), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	if err != nil {
		return TextResult{}, err
	}
	if len(resp.Choices) == 0 {
		return TextResult{}, fmt.Errorf("llm returned no choices: %w", pkgerrors.ErrEmptyOutput)
	}
	return TextResult{
		Content:      resp.Choices[0].Message.Content,
		Model:        model,
		TokensInput:  resp.Usage.PromptTokens,
		TokensOutput: resp.Usage.CompletionTokens,
		TokensTotal:  resp.Usage.TotalTokens,
	}, nil
}

// -------------------- embeddings --------------------

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	var resp embedResponse
	if err := c.doJSON(ctx, "/embeddings", embedRequest{Model: c.embedModel, Input: inputs}, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("embedding missing for input %d", i)
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
