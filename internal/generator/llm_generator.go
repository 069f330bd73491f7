package generator

import (
	"context"
	"fmt"
	"strings"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/llmcache"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
	"github.com/austenmoss/testforge/internal/pkg/logger"
	"github.com/austenmoss/testforge/internal/recon"
)

const uiSystemPrompt = `You are a senior QA automation engineer generating production-ready
browser tests in Go, using playwright-go for browser control, testify for
assertions, and allure-go for reporting metadata.

Every test you produce must:
1. Be a complete Go test function named TestXxx, runnable under "go test".
2. Carry allure-go metadata calls: t.Feature(...), t.Story(...),
   t.Title(...), t.Severity(...) and t.Tag(...).
3. Follow arrange-act-assert, with each logical step wrapped in
   t.WithNewStep(...).
4. Prefer data-testid selectors, then id, then CSS class.
5. Use explicit waits (locator expectations), never time.Sleep.
6. Contain at least one assertion via the assert or require package.

Output only Go code. Separate tests are separate top-level functions.`

const apiSystemPrompt = `You are a senior QA automation engineer generating production-ready
HTTP API tests in Go, using net/http with testify assertions and allure-go
reporting metadata.

Every test you produce must:
1. Be a complete Go test function named TestXxx, runnable under "go test".
2. Carry allure-go metadata calls: t.Feature(...), t.Story(...),
   t.Title(...), t.Severity(...) and t.Tag(...).
3. Cover for each endpoint: a positive case, a validation-failure case
   (400/422), an unauthenticated case (401), and a not-found case (404).
4. Assert on status code and on response body structure.
5. Send a Bearer token in the Authorization header where auth applies.

Output only Go code. Separate tests are separate top-level functions.`

// LLMGenerator is the one caller in the codebase allowed to spend model
// tokens for generation. It holds only the cache wrapper, never a raw HTTP
// client, so every call is fingerprint-cached.
type LLMGenerator struct {
	log   *logger.Logger
	cache *llmcache.Cache
	model string
}

func NewLLMGenerator(log *logger.Logger, cache *llmcache.Cache, model string) *LLMGenerator {
	return &LLMGenerator{
		log:   log.With("component", "Generator"),
		cache: cache,
		model: model,
	}
}

func (g *LLMGenerator) GenerateUITests(ctx context.Context, url string, page *recon.PageStructure, requirements []string, testType types.TestType, opts Options) (*Result, error) {
	prompt := buildUIPrompt(url, page, requirements, testType, opts)
	return g.generate(ctx, uiSystemPrompt, prompt, opts)
}

func (g *LLMGenerator) GenerateAPITests(ctx context.Context, openapiURL string, endpoints []string, requirements []string, opts Options) (*Result, error) {
	prompt := buildAPIPrompt(openapiURL, endpoints, requirements)
	return g.generate(ctx, apiSystemPrompt, prompt, opts)
}

func (g *LLMGenerator) generate(ctx context.Context, system, user string, opts Options) (*Result, error) {
	model := opts.Model
	if model == "" {
		model = g.model
	}
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = 0.3
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	resp, err := g.cache.Call(ctx, llmcache.CallRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		Model:        model,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generator llm call: %w", err)
	}

	tests := SplitTests(resp.Content)
	if len(tests) == 0 {
		// One regeneration attempt, uncached so the model actually reruns.
		g.log.Warn("generator produced no recognizable tests, regenerating once")
		resp, err = g.cache.Call(ctx, llmcache.CallRequest{
			SystemPrompt: system,
			UserPrompt:   user + "\n\nThe previous attempt produced no test functions. Output complete Go test functions only.",
			Model:        model,
			Temperature:  temperature,
			MaxTokens:    maxTokens,
			DisableCache: true,
		})
		if err != nil {
			return nil, fmt.Errorf("generator regeneration: %w", err)
		}
		tests = SplitTests(resp.Content)
	}
	if len(tests) == 0 {
		return nil, fmt.Errorf("generator: %w", pkgerrors.ErrEmptyOutput)
	}
	g.log.Info("tests generated", "count", len(tests), "model", model, "cached", resp.Cached)
	return &Result{
		Tests:        tests,
		Model:        resp.Model,
		TokensInput:  resp.TokensInput,
		TokensOutput: resp.TokensOutput,
		TokensTotal:  resp.TokensTotal,
		Cached:       resp.Cached,
	}, nil
}

func buildUIPrompt(url string, page *recon.PageStructure, requirements []string, testType types.TestType, opts Options) string {
	var b strings.Builder
	b.WriteString("Generate complete, production-ready test cases for a web page.\n\n")
	fmt.Fprintf(&b, "URL: %s\n", url)
	if page != nil {
		fmt.Fprintf(&b, "Page title: %s\n", page.Title)
		b.WriteString("\nButtons available for interaction:\n")
		for i, btn := range page.Buttons {
			if i >= 10 || !btn.Visible {
				continue
			}
			fmt.Fprintf(&b, "- %q (selector: %s)\n", btn.Text, btn.Selector)
		}
		b.WriteString("\nInput fields:\n")
		for i, in := range page.Inputs {
			if i >= 10 || !in.Visible {
				continue
			}
			fmt.Fprintf(&b, "- %s (type: %s, selector: %s)\n", in.Name, in.Type, in.Selector)
		}
		b.WriteString("\nLinks:\n")
		for i, l := range page.Links {
			if i >= 10 || !l.Visible {
				continue
			}
			fmt.Fprintf(&b, "- %q -> %s\n", l.Text, l.Href)
		}
	}
	b.WriteString("\nUser requirements:\n")
	for i, req := range requirements {
		fmt.Fprintf(&b, "%d. %s\n", i+1, req)
	}
	fmt.Fprintf(&b, "\nTest type: %s\n", testType)
	if opts.AutomatedCount > 0 || opts.ManualCount > 0 {
		fmt.Fprintf(&b, "Target counts: %d automated, %d manual\n", opts.AutomatedCount, opts.ManualCount)
	}
	b.WriteString(`
Instructions:
1. Produce at least one test per requirement, covering the happy path and edge cases.
2. Name each test's Title after the requirement it covers, quoting the requirement text verbatim inside the test.
3. Check element visibility and state, not just presence.
`)
	return b.String()
}

func buildAPIPrompt(openapiURL string, endpoints []string, requirements []string) string {
	var b strings.Builder
	b.WriteString("Generate API test cases from an OpenAPI specification.\n\n")
	fmt.Fprintf(&b, "OpenAPI spec URL: %s\n", openapiURL)
	b.WriteString("\nEndpoints to cover:\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "- %s\n", ep)
	}
	if len(requirements) > 0 {
		b.WriteString("\nUser requirements:\n")
		for i, req := range requirements {
			fmt.Fprintf(&b, "%d. %s\n", i+1, req)
		}
	}
	return b.String()
}
