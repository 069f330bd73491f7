package validator

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"

	types "github.com/austenmoss/testforge/internal/domain"
)

// LayerFinding is one sub-layer's contribution: the pipeline writes one
// SecurityAuditLog row per finding.
type LayerFinding struct {
	Layer           types.SecurityLayer
	RiskLevel       types.SafetyRiskLevel
	Issues          []string
	BlockedPatterns []string
}

// SandboxRunner is the optional fourth layer. When nil the sandbox
// contributes nothing.
type SandboxRunner interface {
	Inspect(ctx context.Context, code string) (*LayerFinding, error)
}

// staticBlacklist is the first, cheapest layer: any match is CRITICAL and
// short-circuits the remaining layers. It covers the dynamic-evaluation
// primitives by name plus process spawning, raw sockets, dynamic loading,
// and unsafe memory access.
var staticBlacklist = []*regexp.Regexp{
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bexec\s*\(`),
	regexp.MustCompile(`\bcompile\s*\(`),
	regexp.MustCompile(`\b__import__\s*\(`),
	regexp.MustCompile(`\bexec\.Command\s*\(`),
	regexp.MustCompile(`\bexec\.CommandContext\s*\(`),
	regexp.MustCompile(`\bos\.StartProcess\s*\(`),
	regexp.MustCompile(`\bsyscall\.(Exec|ForkExec|StartProcess)\s*\(`),
	regexp.MustCompile(`\bos\.system\s*\(`),
	regexp.MustCompile(`\bsubprocess\.`),
	regexp.MustCompile(`\bsocket\.`),
	regexp.MustCompile(`\bnet\.(Dial|DialTimeout|Listen)\s*\(`),
	regexp.MustCompile(`\bplugin\.Open\s*\(`),
	regexp.MustCompile(`\bunsafe\.Pointer\b`),
}

// blacklistedCalls are function names whose bare invocation the AST layer
// treats as CRITICAL regardless of where they came from.
var blacklistedCalls = map[string]bool{
	"eval":       true,
	"exec":       true,
	"compile":    true,
	"__import__": true,
}

// importWhitelist is what generated tests may legitimately pull in. Anything
// else is HIGH: probably not hostile, definitely not reviewable as a test.
var importWhitelist = map[string]bool{
	"testing":           true,
	"fmt":               true,
	"strings":           true,
	"strconv":           true,
	"time":              true,
	"context":           true,
	"errors":            true,
	"encoding/json":     true,
	"net/http":          true,
	"net/http/httptest": true,
	"net/url":           true,
	"regexp":            true,
	"math":              true,
	"math/rand":         true,
	"os":                true,
	"io":                true,
	"bytes":             true,
	"sort":              true,
}

// importWhitelistPrefixes whitelists test-tooling module trees wholesale.
var importWhitelistPrefixes = []string{
	"github.com/stretchr/testify/",
	"github.com/ozontech/allure-go/",
	"github.com/playwright-community/playwright-go",
}

var (
	reFileWrite  = regexp.MustCompile(`\bos\.(Create|WriteFile|OpenFile)\s*\(|\bioutil\.WriteFile\s*\(`)
	reFileDelete = regexp.MustCompile(`\bos\.(Remove|RemoveAll)\s*\(`)
)

// SafetyGuard is the fourth validation layer, itself structured as four
// sub-layers: static regex, AST, behavioral, and optional sandbox. The
// test's overall risk is the maximum across sub-layers.
type SafetyGuard struct {
	Sandbox SandboxRunner
}

// Evaluate runs the sub-layers in order. A static-layer hit short-circuits:
// nothing else can lower a CRITICAL.
func (g *SafetyGuard) Evaluate(ctx context.Context, code string) (types.SafetyRiskLevel, []LayerFinding) {
	risk := types.RiskSafe
	var findings []LayerFinding

	if f := g.staticAnalysis(code); f != nil {
		return f.RiskLevel, []LayerFinding{*f}
	}

	if f := g.astAnalysis(code); f != nil {
		findings = append(findings, *f)
		risk = risk.Worse(f.RiskLevel)
	}

	if f := g.behavioralAnalysis(code); f != nil {
		findings = append(findings, *f)
		risk = risk.Worse(f.RiskLevel)
	}

	if g.Sandbox != nil {
		if f, err := g.Sandbox.Inspect(ctx, code); err == nil && f != nil {
			f.Layer = types.SecurityLayerSandbox
			findings = append(findings, *f)
			risk = risk.Worse(f.RiskLevel)
		}
	}

	return risk, findings
}

func (g *SafetyGuard) staticAnalysis(code string) *LayerFinding {
	var blocked []string
	for _, re := range staticBlacklist {
		if re.MatchString(code) {
			blocked = append(blocked, re.String())
		}
	}
	if len(blocked) == 0 {
		return nil
	}
	return &LayerFinding{
		Layer:           types.SecurityLayerStatic,
		RiskLevel:       types.RiskCritical,
		Issues:          []string{"blacklisted pattern in source"},
		BlockedPatterns: blocked,
	}
}

func (g *SafetyGuard) astAnalysis(code string) *LayerFinding {
	file, _, err := parseTestSource(code)
	if err != nil {
		// Syntax failures are layer 1's concern, not the guard's.
		return nil
	}

	risk := types.RiskSafe
	var issues, blocked []string

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !importAllowed(path) {
			issues = append(issues, fmt.Sprintf("import outside whitelist: %s", path))
			risk = risk.Worse(types.RiskHigh)
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		if ident, ok := call.Fun.(*ast.Ident); ok && blacklistedCalls[ident.Name] {
			blocked = append(blocked, fmt.Sprintf("forbidden call: %s", ident.Name))
			risk = risk.Worse(types.RiskCritical)
		}
		return true
	})

	if len(issues) == 0 && len(blocked) == 0 {
		return nil
	}
	return &LayerFinding{
		Layer:           types.SecurityLayerAST,
		RiskLevel:       risk,
		Issues:          issues,
		BlockedPatterns: blocked,
	}
}

func (g *SafetyGuard) behavioralAnalysis(code string) *LayerFinding {
	var issues []string
	if reFileWrite.MatchString(code) {
		issues = append(issues, "file write operation detected")
	}
	if reFileDelete.MatchString(code) {
		issues = append(issues, "file deletion operation detected")
	}
	if len(issues) == 0 {
		return nil
	}
	return &LayerFinding{
		Layer:     types.SecurityLayerBehavioral,
		RiskLevel: types.RiskMedium,
		Issues:    issues,
	}
}

func importAllowed(path string) bool {
	if importWhitelist[path] {
		return true
	}
	for _, prefix := range importWhitelistPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// parseTestSource parses a generated test chunk, wrapping it in a package
// clause when the model omitted one.
func parseTestSource(code string) (*ast.File, *token.FileSet, error) {
	src := code
	if !regexp.MustCompile(`(?m)^\s*package\s+\w+`).MatchString(src) {
		src = "package generated\n\n" + src
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "test.go", src, 0)
	if err != nil {
		return nil, nil, err
	}
	return file, fset, nil
}
