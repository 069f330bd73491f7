package generator

import (
	"regexp"
	"strings"
)

var (
	reFence    = regexp.MustCompile("(?s)```(?:go)?\n(.*?)```")
	reTestFunc = regexp.MustCompile(`(?m)^func\s+(Test\w+)\s*\(`)
)

// SplitTests extracts individual test sources from raw model output: fenced
// code blocks are unwrapped, then the text is cut at top-level test-function
// boundaries. Returns nil when no test function is recognizable.
func SplitTests(content string) []string {
	code := content
	if blocks := reFence.FindAllStringSubmatch(content, -1); len(blocks) > 0 {
		var parts []string
		for _, b := range blocks {
			parts = append(parts, b[1])
		}
		code = strings.Join(parts, "\n")
	}

	locs := reTestFunc.FindAllStringIndex(code, -1)
	if len(locs) == 0 {
		return nil
	}

	tests := make([]string, 0, len(locs))
	for i, loc := range locs {
		start := loc[0]
		end := len(code)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		t := strings.TrimSpace(code[start:end])
		if t != "" {
			tests = append(tests, t)
		}
	}
	return tests
}

// TestName returns the first test function name declared in code, or "".
func TestName(code string) string {
	m := reTestFunc.FindStringSubmatch(code)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
