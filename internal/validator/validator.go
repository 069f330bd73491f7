package validator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"go/ast"
	"go/printer"
	"go/token"
	"regexp"
	"strings"
	"sync"
	"time"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// Level selects how deep a single validation call goes.
type Level string

const (
	LevelSyntax   Level = "syntax"
	LevelSemantic Level = "semantic"
	LevelFull     Level = "full"
)

// Issue is one finding, ordered deterministically by layer then by
// appearance in source.
type Issue struct {
	Layer    string `json:"layer"` // syntax, semantic, logic, safety
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Metadata is what the semantic layer reads off the reporting calls.
type Metadata struct {
	Feature  string   `json:"feature,omitempty"`
	Story    string   `json:"story,omitempty"`
	Title    string   `json:"title,omitempty"`
	Severity string   `json:"severity,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Result is the classification of one test. For identical input code every
// field here is identical across runs.
type Result struct {
	Index    int                    `json:"index"`
	Status   types.ValidationStatus `json:"status"`
	Score    int                    `json:"score"`
	Issues   []Issue                `json:"issues"`
	Risk     types.SafetyRiskLevel  `json:"risk_level"`
	Findings []LayerFinding         `json:"-"`
	Metadata Metadata               `json:"metadata"`
	ASTHash  string                 `json:"ast_hash,omitempty"`

	HasRequiredMetadata bool `json:"has_required_metadata"`
	SyntaxOK            bool `json:"syntax_ok"`
}

func (r Result) IssueMessages() []string {
	out := make([]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		out = append(out, is.Layer+": "+is.Message)
	}
	return out
}

// Validator classifies generated tests independently, in parallel up to
// Fanout, never rejecting a whole batch over individual failures.
type Validator struct {
	log    *logger.Logger
	guard  *SafetyGuard
	Fanout int

	// PerTestTimeout bounds one test's validation; the stage-wide cap is
	// enforced by the orchestrator's stage timeout. Zero means unbounded.
	PerTestTimeout time.Duration
}

func New(log *logger.Logger, guard *SafetyGuard, fanout int) *Validator {
	if guard == nil {
		guard = &SafetyGuard{}
	}
	if fanout <= 0 {
		fanout = 8
	}
	return &Validator{
		log:    log.With("component", "Validator"),
		guard:  guard,
		Fanout: fanout,
	}
}

// ValidateAll validates each test concurrently. Results follow input order
// regardless of completion order.
func (v *Validator) ValidateAll(ctx context.Context, tests []string) []Result {
	results := make([]Result, len(tests))
	sem := make(chan struct{}, v.Fanout)
	var wg sync.WaitGroup
	for i := range tests {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			tctx := ctx
			if v.PerTestTimeout > 0 {
				var cancel context.CancelFunc
				tctx, cancel = context.WithTimeout(ctx, v.PerTestTimeout)
				defer cancel()
			}
			r := v.Validate(tctx, tests[idx], LevelFull)
			r.Index = idx
			results[idx] = r
		}(i)
	}
	wg.Wait()
	return results
}

// Validate runs the four layers in order; the first hard-block
// short-circuits.
func (v *Validator) Validate(ctx context.Context, code string, level Level) Result {
	res := Result{Score: 100, Risk: types.RiskSafe, Issues: []Issue{}}

	// Layer 1: syntax.
	file, _, parseErr := parseTestSource(code)
	if parseErr != nil {
		res.Issues = append(res.Issues, Issue{Layer: "syntax", Severity: "error", Message: parseErr.Error()})
		res.Status = types.ValidationWarning
		res.Score = 0
		return res
	}
	res.SyntaxOK = true
	res.ASTHash = astHash(file)
	if level == LevelSyntax {
		res.Status = types.ValidationPassed
		return res
	}

	// Layer 2: semantic. Missing metadata and missing assertions are
	// warnings, never errors; the generator is expected to inject them and
	// a stylistic omission must not regress a passing test. They still
	// deduct from the score.
	res.Metadata, res.HasRequiredMetadata = extractMetadata(code)
	for _, msg := range semanticChecks(code) {
		res.Issues = append(res.Issues, Issue{Layer: "semantic", Severity: "warning", Message: msg})
		res.Score -= 30
	}
	if level == LevelSemantic {
		res.Score = clampScore(res.Score)
		res.Status = semanticOnlyStatus(res)
		return res
	}

	// Layer 3: logic.
	for _, msg := range logicChecks(code) {
		res.Issues = append(res.Issues, Issue{Layer: "logic", Severity: "warning", Message: msg})
		res.Score -= 20
	}

	// Layer 4: safety guard.
	risk, findings := v.guard.Evaluate(ctx, code)
	res.Risk = risk
	res.Findings = findings
	for _, f := range findings {
		for _, msg := range f.Issues {
			res.Issues = append(res.Issues, Issue{Layer: "safety", Severity: severityFor(f.RiskLevel), Message: msg})
		}
		for _, p := range f.BlockedPatterns {
			res.Issues = append(res.Issues, Issue{Layer: "safety", Severity: "error", Message: "blocked pattern: " + p})
		}
	}

	res.Score = clampScore(res.Score)
	if res.Risk.ExceedsMedium() {
		res.Score = 0
		res.Status = types.ValidationFailed
		return res
	}
	if res.HasRequiredMetadata || res.Score >= 50 {
		res.Status = types.ValidationPassed
	} else {
		res.Status = types.ValidationWarning
	}
	return res
}

func semanticOnlyStatus(res Result) types.ValidationStatus {
	if res.HasRequiredMetadata || res.Score >= 50 {
		return types.ValidationPassed
	}
	return types.ValidationWarning
}

func severityFor(risk types.SafetyRiskLevel) string {
	if risk.ExceedsMedium() {
		return "error"
	}
	return "warning"
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	return s
}

// -------------------- semantic --------------------

var (
	reMetaFeature  = regexp.MustCompile(`\.Feature\s*\(\s*"([^"]*)"`)
	reMetaStory    = regexp.MustCompile(`\.Story\s*\(\s*"([^"]*)"`)
	reMetaTitle    = regexp.MustCompile(`\.Title\s*\(\s*"([^"]*)"`)
	reMetaSeverity = regexp.MustCompile(`\.Severity\s*\(\s*([\w.]+)`)
	reMetaTag      = regexp.MustCompile(`\.Tags?\s*\(\s*"([^"]*)"`)
	reAssertion    = regexp.MustCompile(`\bassert\.|\brequire\.|\.Assert\s*\(|\bexpect\s*\(|\bExpect\s*\(`)
)

func extractMetadata(code string) (Metadata, bool) {
	md := Metadata{}
	if m := reMetaFeature.FindStringSubmatch(code); len(m) == 2 {
		md.Feature = m[1]
	}
	if m := reMetaStory.FindStringSubmatch(code); len(m) == 2 {
		md.Story = m[1]
	}
	if m := reMetaTitle.FindStringSubmatch(code); len(m) == 2 {
		md.Title = m[1]
	}
	if m := reMetaSeverity.FindStringSubmatch(code); len(m) == 2 {
		md.Severity = m[1]
	}
	for _, m := range reMetaTag.FindAllStringSubmatch(code, -1) {
		md.Tags = append(md.Tags, m[1])
	}
	hasSeverityOrTag := md.Severity != "" || len(md.Tags) > 0
	complete := md.Feature != "" && md.Story != "" && md.Title != "" && hasSeverityOrTag
	return md, complete
}

func semanticChecks(code string) []string {
	var out []string
	if m := reMetaFeature.FindStringSubmatch(code); len(m) < 2 {
		out = append(out, "missing Feature metadata")
	}
	if m := reMetaStory.FindStringSubmatch(code); len(m) < 2 {
		out = append(out, "missing Story metadata")
	}
	if m := reMetaTitle.FindStringSubmatch(code); len(m) < 2 {
		out = append(out, "missing Title metadata")
	}
	if reMetaSeverity.FindStringSubmatch(code) == nil && reMetaTag.FindStringSubmatch(code) == nil {
		out = append(out, "missing Severity/Tag metadata")
	}
	if !reAssertion.MatchString(code) {
		out = append(out, "no assertion-like construct found")
	}
	return out
}

// -------------------- logic --------------------

var (
	reUnboundedFor = regexp.MustCompile(`(?m)^\s*for\s*\{`)
	reSleep        = regexp.MustCompile(`\btime\.Sleep\s*\(`)
)

func logicChecks(code string) []string {
	var out []string
	if reUnboundedFor.MatchString(code) && !strings.Contains(code, "break") {
		out = append(out, "unbounded loop without break")
	}
	if reSleep.MatchString(code) {
		out = append(out, "sleep-based synchronization; use explicit waits")
	}
	return out
}

// -------------------- ast hash --------------------

// astHash hashes the printed parse tree. The file is parsed without
// comments, and printing against a fresh FileSet discards source positions,
// so comment- and formatting-only edits hash identically.
func astHash(file *ast.File) string {
	var buf bytes.Buffer
	if err := printer.Fprint(&buf, token.NewFileSet(), file); err != nil {
		return ""
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
