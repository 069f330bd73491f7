package recon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

const maxElementsPerKind = 50

// HTTPRecon fetches the page over plain HTTP and extracts structure with a
// heuristic markup scan. No JavaScript executes, so dynamically rendered
// elements are invisible to it; a browser-driver implementation would slot
// in behind the same interface.
type HTTPRecon struct {
	log  *logger.Logger
	http *http.Client
}

func NewHTTPRecon(log *logger.Logger) *HTTPRecon {
	return &HTTPRecon{
		log:  log.With("component", "HTTPRecon"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

var (
	reTitle    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	reButton   = regexp.MustCompile(`(?is)<button([^>]*)>(.*?)</button>`)
	reRoleBtn  = regexp.MustCompile(`(?is)<(\w+)([^>]*\brole\s*=\s*["']button["'][^>]*)>(.*?)</\w+>`)
	reInput    = regexp.MustCompile(`(?is)<(input|textarea|select)\b([^>]*)/?>`)
	reLink     = regexp.MustCompile(`(?is)<a\b([^>]*\bhref\s*=\s*["'][^"']*["'][^>]*)>(.*?)</a>`)
	reTag      = regexp.MustCompile(`(?is)<[^>]+>`)
	reTestID   = regexp.MustCompile(`(?i)\bdata-testid\s*=\s*["']([^"']+)["']`)
	reAttrID   = regexp.MustCompile(`(?i)\bid\s*=\s*["']([^"']+)["']`)
	reAttrCls  = regexp.MustCompile(`(?i)\bclass\s*=\s*["']([^"']+)["']`)
	reAttrName = regexp.MustCompile(`(?i)\bname\s*=\s*["']([^"']+)["']`)
	reAttrType = regexp.MustCompile(`(?i)\btype\s*=\s*["']([^"']+)["']`)
	reAttrHref = regexp.MustCompile(`(?i)\bhref\s*=\s*["']([^"']*)["']`)
	reHidden   = regexp.MustCompile(`(?i)\btype\s*=\s*["']hidden["']|\bhidden\b|display\s*:\s*none`)
)

func (r *HTTPRecon) AnalyzePage(ctx context.Context, url string, timeout time.Duration) (*PageStructure, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("recon request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recon fetch %s: %v: %w", url, err, pkgerrors.ErrTransient)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("recon fetch %s: http %d: %w", url, resp.StatusCode, pkgerrors.ErrTransient)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("recon read %s: %v: %w", url, err, pkgerrors.ErrTransient)
	}

	ps := ExtractStructure(url, string(body))
	r.log.Debug("page analyzed",
		"url", url,
		"buttons", len(ps.Buttons),
		"inputs", len(ps.Inputs),
		"links", len(ps.Links),
	)
	return ps, nil
}

// ExtractStructure scans raw markup for interactive elements. Selector
// preference per element is data-testid, then id, then class.
func ExtractStructure(url, html string) *PageStructure {
	ps := &PageStructure{
		URL:       url,
		Buttons:   []Button{},
		Inputs:    []Input{},
		Links:     []Link{},
		Selectors: map[string]string{},
	}

	if m := reTitle.FindStringSubmatch(html); len(m) == 2 {
		ps.Title = strings.TrimSpace(stripTags(m[1]))
	}

	for _, m := range reButton.FindAllStringSubmatch(html, maxElementsPerKind) {
		attrs, inner := m[1], m[2]
		ps.Buttons = append(ps.Buttons, Button{
			Text:     strings.TrimSpace(stripTags(inner)),
			Selector: preferredSelector(attrs),
			Visible:  !reHidden.MatchString(attrs),
		})
	}
	for _, m := range reRoleBtn.FindAllStringSubmatch(html, maxElementsPerKind) {
		if strings.EqualFold(m[1], "button") {
			continue
		}
		attrs, inner := m[2], m[3]
		if len(ps.Buttons) >= maxElementsPerKind {
			break
		}
		ps.Buttons = append(ps.Buttons, Button{
			Text:     strings.TrimSpace(stripTags(inner)),
			Selector: preferredSelector(attrs),
			Visible:  !reHidden.MatchString(attrs),
		})
	}

	for _, m := range reInput.FindAllStringSubmatch(html, maxElementsPerKind) {
		tag, attrs := strings.ToLower(m[1]), m[2]
		typ := firstMatch(reAttrType, attrs)
		if typ == "" {
			typ = tag
		}
		name := firstMatch(reAttrName, attrs)
		sel := preferredSelector(attrs)
		if sel == "" {
			sel = name
		}
		ps.Inputs = append(ps.Inputs, Input{
			Name:     name,
			Type:     typ,
			Selector: sel,
			Visible:  !reHidden.MatchString(attrs),
		})
	}

	for _, m := range reLink.FindAllStringSubmatch(html, maxElementsPerKind) {
		attrs, inner := m[1], m[2]
		ps.Links = append(ps.Links, Link{
			Text:    strings.TrimSpace(stripTags(inner)),
			Href:    firstMatch(reAttrHref, attrs),
			Visible: !reHidden.MatchString(attrs),
		})
	}

	for _, m := range reTestID.FindAllStringSubmatch(html, -1) {
		id := m[1]
		ps.Selectors[id] = `[data-testid="` + id + `"]`
	}

	return ps
}

func preferredSelector(attrs string) string {
	if id := firstMatch(reTestID, attrs); id != "" {
		return `[data-testid="` + id + `"]`
	}
	if id := firstMatch(reAttrID, attrs); id != "" {
		return "#" + id
	}
	if cls := firstMatch(reAttrCls, attrs); cls != "" {
		return "." + strings.Fields(cls)[0]
	}
	return ""
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func stripTags(s string) string {
	return reTag.ReplaceAllString(s, "")
}
