package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"browserbridge-mcp-server/internal/inject"
)

// Evaluator runs a zero-argument JS arrow function in the current page and
// decodes its JSON return into out. The browser host implements this; tests
// substitute a canned evaluator.
type Evaluator interface {
	Eval(ctx context.Context, js string, out interface{}) error
}

// candidate is the wire shape the page-side probes return per element.
type candidate struct {
	Selector     string  `json:"selector"`
	Tag          string  `json:"tag"`
	Type         string  `json:"type"`
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	Value        string  `json:"value"`
	Enabled      bool    `json:"enabled"`
	Visible      bool    `json:"visible"`
	HasTestID    bool    `json:"has_testid"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	PrimaryClass string  `json:"primary_class"`
	ContextTag   string  `json:"context_tag"`
	Ordinal      int     `json:"ordinal"`
	Area         string  `json:"area"`
}

// QuickMatch is one quick-pass result: enough to act on immediately, or to
// expand via the detailed pass.
type QuickMatch struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	Confidence int    `json:"confidence"`
	Enabled    bool   `json:"enabled"`
	Source     string `json:"source"`
}

// DiscoverResult is the quick-pass response.
type DiscoverResult struct {
	Intent         Intent       `json:"intent"`
	Matches        []QuickMatch `json:"matches"`
	PageClass      string       `json:"page_class"`
	SuggestedAreas []string     `json:"suggested_areas,omitempty"`
}

// DetailedElement is one detailed-pass result.
type DetailedElement struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Role        string `json:"role,omitempty"`
	Value       string `json:"value,omitempty"`
	Enabled     bool   `json:"enabled"`
	Fingerprint string `json:"fingerprint"`
}

// DetailRequest narrows the detailed pass. QuickIDs expands prior quick
// matches; FocusAreas sweeps named regions; both empty means a full sweep.
type DetailRequest struct {
	QuickIDs   []string `json:"quick_ids,omitempty"`
	FocusAreas []string `json:"focus_areas,omitempty"`
}

// Match sources, in descending confidence order.
const (
	sourceBypass  = "bypass"
	sourcePattern = "pattern"
	sourceScan    = "scan"
)

const (
	bypassBase = 90
	scanBase   = 40
	nameLimit  = 80
)

// Engine runs the two discovery passes against a single page.
type Engine struct {
	eval        Evaluator
	rules       *RuleSet
	registry    *Registry
	maxQuick    int
	maxDetailed int
}

func NewEngine(eval Evaluator, rules *RuleSet, registry *Registry, maxQuick, maxDetailed int) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if maxQuick <= 0 {
		maxQuick = 10
	}
	if maxDetailed <= 0 {
		maxDetailed = 30
	}
	return &Engine{eval: eval, rules: rules, registry: registry, maxQuick: maxQuick, maxDetailed: maxDetailed}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// Discover runs the quick pass: origin bypass table first, then pattern
// rules, then a viewport scan. Each tier is only consulted when the tier
// above found nothing, so the common case stays at one page round-trip.
func (e *Engine) Discover(ctx context.Context, origin, hint string) (*DiscoverResult, error) {
	intent := ParseIntent(hint)
	res := &DiscoverResult{
		Intent:    intent,
		Matches:   []QuickMatch{},
		PageClass: ClassifyOrigin(origin),
	}

	if intent.Category == CategoryPublish {
		if p := inject.PlatformFor(origin); p != nil {
			cands, err := e.probeSelectors(ctx, p.TextboxSelectors())
			if err != nil {
				return nil, err
			}
			e.appendMatches(res, cands, bypassBase, sourceBypass)
		}
	}

	if len(res.Matches) == 0 {
		for _, rule := range e.rules.Find(intent.Category, intent.Action) {
			cands, err := e.probeSelectors(ctx, rule.Selectors)
			if err != nil {
				return nil, err
			}
			e.appendMatches(res, cands, int(rule.Confidence*100), sourcePattern)
			if len(res.Matches) >= e.maxQuick {
				break
			}
		}
	}

	if len(res.Matches) == 0 {
		cands, err := e.viewportScan(ctx, intent.Action)
		if err != nil {
			return nil, err
		}
		e.appendMatches(res, cands, scanBase, sourceScan)
	}

	sort.SliceStable(res.Matches, func(i, j int) bool {
		return res.Matches[i].Confidence > res.Matches[j].Confidence
	})
	if len(res.Matches) > e.maxQuick {
		res.Matches = res.Matches[:e.maxQuick]
	}
	res.SuggestedAreas = e.suggestAreas(ctx)
	return res, nil
}

// Detailed runs the expensive pass. Quick-id expansion re-probes each
// registered selector; otherwise a semantic sweep runs, scoped to focus
// areas when given.
func (e *Engine) Detailed(ctx context.Context, req DetailRequest) ([]DetailedElement, error) {
	var cands []candidate
	if len(req.QuickIDs) > 0 {
		for _, id := range req.QuickIDs {
			reg, err := e.registry.Resolve(id)
			if err != nil {
				return nil, err
			}
			found, err := e.probeSelectors(ctx, []string{reg.Selector})
			if err != nil {
				return nil, err
			}
			cands = append(cands, found...)
		}
	} else {
		var err error
		cands, err = e.semanticSweep(ctx, req.FocusAreas)
		if err != nil {
			return nil, err
		}
	}

	out := make([]DetailedElement, 0, len(cands))
	seen := make(map[string]bool)
	for _, c := range cands {
		if len(out) >= e.maxDetailed {
			break
		}
		fp := BuildFingerprint(c.Tag, c.PrimaryClass, c.ContextTag, c.Ordinal)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		out = append(out, DetailedElement{
			ID:          e.registry.RegisterDetailed(c.Selector, c.Tag),
			Type:        elementType(c),
			Name:        truncateName(c.Name),
			Role:        c.Role,
			Value:       c.Value,
			Enabled:     c.Enabled,
			Fingerprint: fp,
		})
	}
	return out, nil
}

func (e *Engine) appendMatches(res *DiscoverResult, cands []candidate, base int, source string) {
	for _, c := range cands {
		if len(res.Matches) >= e.maxQuick {
			return
		}
		res.Matches = append(res.Matches, QuickMatch{
			ID:         e.registry.RegisterQuick(c.Selector, c.Tag),
			Type:       elementType(c),
			Name:       truncateName(c.Name),
			Confidence: scoreCandidate(base, c),
			Enabled:    c.Enabled,
			Source:     source,
		})
	}
}

// scoreCandidate adds stability bonuses on a tier base and clamps to 100.
// A testid marks an element the site itself targets in tests; a nonzero
// visible box rules out offscreen clones.
func scoreCandidate(base int, c candidate) int {
	score := base
	if c.HasTestID {
		score += 5
	}
	if c.Visible && c.Width > 0 && c.Height > 0 {
		score += 5
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func elementType(c candidate) string {
	switch c.Tag {
	case "a":
		return "link"
	case "button":
		return "button"
	case "select":
		return "select"
	case "textarea":
		return "textbox"
	case "input":
		switch c.Type {
		case "submit", "button":
			return "button"
		case "checkbox", "radio":
			return c.Type
		default:
			return "textbox"
		}
	}
	if c.Role != "" {
		return c.Role
	}
	return c.Tag
}

func truncateName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) <= nameLimit {
		return name
	}
	// Cut on a rune boundary so the name stays valid UTF-8.
	cut := nameLimit
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}

// ClassifyOrigin buckets an origin into a coarse page class from its host
// alone. Host heuristics are cheap and stable where page content is not.
func ClassifyOrigin(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return "general"
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	switch {
	case inject.PlatformFor(origin) != nil:
		return "social"
	case strings.Contains(host, "google") || strings.Contains(host, "bing") || strings.Contains(host, "duckduckgo"):
		return "search"
	case strings.Contains(host, "github") || strings.Contains(host, "gitlab"):
		return "code"
	case strings.Contains(host, "youtube") || strings.Contains(host, "vimeo") || strings.Contains(host, "twitch"):
		return "media"
	case strings.Contains(host, "amazon") || strings.Contains(host, "ebay") || strings.Contains(host, "shop"):
		return "commerce"
	default:
		return "general"
	}
}

// suggestAreas asks the page which semantic regions carry interactive
// content. Failure degrades to no suggestions, never to a failed quick
// pass.
func (e *Engine) suggestAreas(ctx context.Context) []string {
	var areas []string
	if err := e.eval.Eval(ctx, areaProbeJS(), &areas); err != nil {
		return nil
	}
	return areas
}

func (e *Engine) probeSelectors(ctx context.Context, selectors []string) ([]candidate, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	var cands []candidate
	if err := e.eval.Eval(ctx, selectorProbeJS(selectors, e.maxQuick), &cands); err != nil {
		return nil, fmt.Errorf("selector probe failed: %w", err)
	}
	return cands, nil
}

func (e *Engine) viewportScan(ctx context.Context, action string) ([]candidate, error) {
	var cands []candidate
	if err := e.eval.Eval(ctx, viewportScanJS(action, e.maxQuick), &cands); err != nil {
		return nil, fmt.Errorf("viewport scan failed: %w", err)
	}
	return cands, nil
}

func (e *Engine) semanticSweep(ctx context.Context, areas []string) ([]candidate, error) {
	var cands []candidate
	if err := e.eval.Eval(ctx, semanticSweepJS(areas, e.maxDetailed), &cands); err != nil {
		return nil, fmt.Errorf("semantic sweep failed: %w", err)
	}
	return cands, nil
}

func jsStringArray(items []string) string {
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func selectorProbeJS(selectors []string, limit int) string {
	return fmt.Sprintf(`
	() => {
		const selectors = %s;
		const limit = %d;
		const out = [];
		const seen = new Set();

		const describe = (el, sel, idx) => {
			const rect = el.getBoundingClientRect();
			const style = getComputedStyle(el);
			const visible = rect.width > 0 && rect.height > 0 &&
				style.display !== 'none' && style.visibility !== 'hidden';
			const parent = el.parentElement;
			const siblings = parent ? Array.from(parent.children).filter(s => s.tagName === el.tagName) : [el];
			return {
				selector: sel,
				tag: el.tagName.toLowerCase(),
				type: el.getAttribute('type') || '',
				name: (el.getAttribute('aria-label') || el.innerText || el.getAttribute('placeholder') || el.getAttribute('name') || '').trim().substring(0, 120),
				role: el.getAttribute('role') || '',
				value: ('value' in el ? el.value : el.innerText || '').substring(0, 120),
				enabled: !el.disabled && el.getAttribute('aria-disabled') !== 'true',
				visible: visible,
				has_testid: !!(el.getAttribute('data-testid') || el.getAttribute('data-test-id')),
				width: rect.width,
				height: rect.height,
				primary_class: (el.className && typeof el.className === 'string') ? el.className.split(/\s+/)[0] : '',
				context_tag: el.closest('form, nav, header, footer, main, aside, dialog')?.tagName.toLowerCase() || 'body',
				ordinal: siblings.indexOf(el),
				area: el.closest('nav') ? 'navigation' : el.closest('form') ? 'forms' : 'main'
			};
		};

		for (const sel of selectors) {
			let nodes;
			try { nodes = document.querySelectorAll(sel); } catch (e) { continue; }
			nodes.forEach((el, idx) => {
				if (out.length >= limit) return;
				if (seen.has(el)) return;
				seen.add(el);
				const d = describe(el, sel, idx);
				if (!d.visible) return;
				out.push(d);
			});
			if (out.length >= limit) break;
		}
		return out;
	}`, jsStringArray(selectors), limit)
}

func viewportScanJS(action string, limit int) string {
	return fmt.Sprintf(`
	() => {
		const action = '%s';
		const limit = %d;
		const typing = action === 'type';
		const selector = typing
			? 'input:not([type="hidden"]), textarea, [contenteditable="true"], [role="textbox"]'
			: 'button, [role="button"], a[href], input[type="submit"], [role="menuitem"], [role="tab"]';
		const out = [];

		document.querySelectorAll(selector).forEach((el, idx) => {
			if (out.length >= limit) return;
			const rect = el.getBoundingClientRect();
			if (rect.width === 0 || rect.height === 0) return;
			if (rect.bottom < 0 || rect.top > window.innerHeight) return;
			const parent = el.parentElement;
			const siblings = parent ? Array.from(parent.children).filter(s => s.tagName === el.tagName) : [el];
			out.push({
				selector: el.id ? '#' + CSS.escape(el.id) : el.tagName.toLowerCase() + ':nth-of-type(' + (siblings.indexOf(el) + 1) + ')',
				tag: el.tagName.toLowerCase(),
				type: el.getAttribute('type') || '',
				name: (el.getAttribute('aria-label') || el.innerText || el.getAttribute('placeholder') || '').trim().substring(0, 120),
				role: el.getAttribute('role') || '',
				value: '',
				enabled: !el.disabled,
				visible: true,
				has_testid: !!(el.getAttribute('data-testid') || el.getAttribute('data-test-id')),
				width: rect.width,
				height: rect.height,
				primary_class: (el.className && typeof el.className === 'string') ? el.className.split(/\s+/)[0] : '',
				context_tag: el.closest('form, nav, header, footer, main, aside, dialog')?.tagName.toLowerCase() || 'body',
				ordinal: siblings.indexOf(el),
				area: el.closest('nav') ? 'navigation' : el.closest('form') ? 'forms' : 'main'
			});
		});
		return out;
	}`, action, limit)
}

func semanticSweepJS(areas []string, limit int) string {
	return fmt.Sprintf(`
	() => {
		const areas = %s;
		const limit = %d;
		const areaRoots = {
			navigation: 'nav, header, [role="navigation"]',
			forms: 'form, [role="form"], [role="search"]',
			main: 'main, [role="main"], article',
			footer: 'footer, [role="contentinfo"]',
			dialog: 'dialog, [role="dialog"], [aria-modal="true"]'
		};

		let roots = [document];
		if (areas.length > 0) {
			roots = [];
			for (const a of areas) {
				const sel = areaRoots[a];
				if (sel) roots.push(...document.querySelectorAll(sel));
			}
			if (roots.length === 0) roots = [document];
		}

		const selector = 'button, a[href], input:not([type="hidden"]), textarea, select, [role="button"], [role="textbox"], [role="menuitem"], [contenteditable="true"]';
		const out = [];
		const seen = new Set();

		for (const root of roots) {
			root.querySelectorAll(selector).forEach((el) => {
				if (out.length >= limit) return;
				if (seen.has(el)) return;
				seen.add(el);
				const rect = el.getBoundingClientRect();
				const parent = el.parentElement;
				const siblings = parent ? Array.from(parent.children).filter(s => s.tagName === el.tagName) : [el];
				out.push({
					selector: el.id ? '#' + CSS.escape(el.id) : el.tagName.toLowerCase() + ':nth-of-type(' + (siblings.indexOf(el) + 1) + ')',
					tag: el.tagName.toLowerCase(),
					type: el.getAttribute('type') || '',
					name: (el.getAttribute('aria-label') || el.innerText || el.getAttribute('placeholder') || '').trim().substring(0, 120),
					role: el.getAttribute('role') || '',
					value: ('value' in el ? el.value : '').substring(0, 120),
					enabled: !el.disabled,
					visible: rect.width > 0 && rect.height > 0,
					has_testid: !!(el.getAttribute('data-testid') || el.getAttribute('data-test-id')),
					width: rect.width,
					height: rect.height,
					primary_class: (el.className && typeof el.className === 'string') ? el.className.split(/\s+/)[0] : '',
					context_tag: el.closest('form, nav, header, footer, main, aside, dialog')?.tagName.toLowerCase() || 'body',
					ordinal: siblings.indexOf(el),
					area: el.closest('nav') ? 'navigation' : el.closest('form') ? 'forms' : 'main'
				});
			});
			if (out.length >= limit) break;
		}
		return out;
	}`, jsStringArray(areas), limit)
}

func areaProbeJS() string {
	return `
	() => {
		const probes = {
			navigation: 'nav, [role="navigation"]',
			forms: 'form, [role="search"]',
			main: 'main, [role="main"], article',
			dialog: 'dialog, [role="dialog"], [aria-modal="true"]',
			footer: 'footer'
		};
		const out = [];
		for (const [name, sel] of Object.entries(probes)) {
			const root = document.querySelector(sel);
			if (!root) continue;
			if (root.querySelector('button, a[href], input, textarea, select')) out.push(name);
		}
		return out;
	}`
}
