package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

// fakeEval dispatches on markers in the generated script so each probe
// tier can be scripted independently.
type fakeEval struct {
	probe []candidate
	scan  []candidate
	sweep []candidate
	areas []string

	probeCalls int
	scanCalls  int
	failAll    bool
}

func (f *fakeEval) Eval(_ context.Context, js string, out interface{}) error {
	if f.failAll {
		return errors.New("page gone")
	}
	var payload interface{}
	switch {
	case strings.Contains(js, "const selectors ="):
		f.probeCalls++
		payload = f.probe
	case strings.Contains(js, "const action ="):
		f.scanCalls++
		payload = f.scan
	case strings.Contains(js, "areaRoots"):
		payload = f.sweep
	case strings.Contains(js, "const probes ="):
		payload = f.areas
	default:
		return errors.New("unexpected script")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func cand(selector, tag, name string) candidate {
	return candidate{
		Selector: selector,
		Tag:      tag,
		Name:     name,
		Enabled:  true,
		Visible:  true,
		Width:    120,
		Height:   40,
	}
}

func TestParseIntent(t *testing.T) {
	tests := []struct {
		hint     string
		category string
		action   string
	}{
		{"post a tweet", CategoryPublish, ActionType},
		{"click the reply button", CategoryPublish, ActionClick},
		{"search for cats", CategorySearch, ActionType},
		{"log in to my account", CategoryAuth, ActionType},
		{"open the settings menu", CategoryNavigation, ActionClick},
		{"play the video", CategoryMedia, ActionClick},
		{"frobnicate the widget", CategoryGeneral, ActionClick},
		{"enter my address", CategoryGeneral, ActionType},
		{"", CategoryGeneral, ActionClick},
	}
	for _, tt := range tests {
		got := ParseIntent(tt.hint)
		if got.Category != tt.category || got.Action != tt.action {
			t.Errorf("ParseIntent(%q) = %s/%s, want %s/%s", tt.hint, got.Category, got.Action, tt.category, tt.action)
		}
	}
}

func TestTruncateNameCutsOnRuneBoundary(t *testing.T) {
	name := strings.Repeat("日", 40) // 120 bytes of 3-byte runes
	got := truncateName(name)
	if !utf8.ValidString(got) {
		t.Fatalf("truncateName emitted invalid UTF-8: %q", got)
	}
	if len(got) > nameLimit {
		t.Errorf("len = %d, want <= %d", len(got), nameLimit)
	}
	if got != strings.Repeat("日", 26) {
		t.Errorf("truncateName = %q, want 26 whole runes", got)
	}
}

func TestBuildFingerprint(t *testing.T) {
	tests := []struct {
		tag, class, ctx string
		ordinal         int
		want            string
	}{
		{"button", "btn-primary", "form", 2, "button.btn-primary@form.2"},
		{"DIV", "", "NAV", 0, "div@nav.0"},
		{"a", "link featured wide", "", 5, "a.link@body.5"},
		{"", "", "", 0, "node@body.0"},
	}
	for _, tt := range tests {
		got := BuildFingerprint(tt.tag, tt.class, tt.ctx, tt.ordinal)
		if got != tt.want {
			t.Errorf("BuildFingerprint(%q, %q, %q, %d) = %q, want %q", tt.tag, tt.class, tt.ctx, tt.ordinal, got, tt.want)
		}
	}
}

func TestRegistryInvalidation(t *testing.T) {
	r := NewRegistry()
	id := r.RegisterQuick("#compose", "textarea")
	if _, err := r.Resolve(id); err != nil {
		t.Fatalf("fresh id should resolve: %v", err)
	}

	r.InvalidateAll()
	if _, err := r.Resolve(id); err == nil {
		t.Fatal("id should not survive navigation")
	}
	if r.Generation() != 1 {
		t.Fatalf("generation = %d, want 1", r.Generation())
	}

	det := r.RegisterDetailed("button", "button")
	if _, err := r.Resolve(det); err != nil {
		t.Fatalf("detailed id should resolve: %v", err)
	}
}

func TestResolveUnknownID(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("q-deadbeef")
	if err == nil {
		t.Fatal("expected error for unknown id")
	}
	if !strings.Contains(err.Error(), "discovery") {
		t.Errorf("error should tell the caller to re-discover, got %q", err)
	}
}

func TestDiscoverBypassTier(t *testing.T) {
	fe := &fakeEval{
		probe: []candidate{func() candidate {
			c := cand(`[data-testid="tweetTextarea_0"]`, "div", "Post text")
			c.HasTestID = true
			c.Role = "textbox"
			return c
		}()},
	}
	e := NewEngine(fe, nil, nil, 10, 30)

	res, err := e.Discover(context.Background(), "https://x.com/compose/post", "post a tweet")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(res.Matches))
	}
	m := res.Matches[0]
	if m.Source != "bypass" {
		t.Errorf("source = %q, want bypass", m.Source)
	}
	if m.Confidence != 100 {
		t.Errorf("confidence = %d, want 100", m.Confidence)
	}
	if !strings.HasPrefix(m.ID, "q-") {
		t.Errorf("quick id %q should carry the q- prefix", m.ID)
	}
	if res.PageClass != "social" {
		t.Errorf("page class = %q, want social", res.PageClass)
	}
}

func TestDiscoverPatternTier(t *testing.T) {
	fe := &fakeEval{probe: []candidate{cand(`input[name="q"]`, "input", "Search")}}
	e := NewEngine(fe, nil, nil, 10, 30)

	res, err := e.Discover(context.Background(), "https://example.org", "search for go modules")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) == 0 {
		t.Fatal("pattern tier should produce matches")
	}
	m := res.Matches[0]
	if m.Source != "pattern" {
		t.Errorf("source = %q, want pattern", m.Source)
	}
	// 0.85 rule base plus visibility bonus.
	if m.Confidence != 90 {
		t.Errorf("confidence = %d, want 90", m.Confidence)
	}
	if m.Type != "textbox" {
		t.Errorf("type = %q, want textbox", m.Type)
	}
}

func TestDiscoverScanFallback(t *testing.T) {
	fe := &fakeEval{scan: []candidate{cand("button:nth-of-type(1)", "button", "OK")}}
	e := NewEngine(fe, nil, nil, 10, 30)

	res, err := e.Discover(context.Background(), "https://example.org", "frobnicate")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(res.Matches))
	}
	if res.Matches[0].Source != "scan" {
		t.Errorf("source = %q, want scan", res.Matches[0].Source)
	}
	if res.Matches[0].Confidence != 45 {
		t.Errorf("confidence = %d, want 45", res.Matches[0].Confidence)
	}
	if fe.scanCalls != 1 {
		t.Errorf("scan calls = %d, want 1", fe.scanCalls)
	}
}

func TestDiscoverCapsQuickMatches(t *testing.T) {
	var many []candidate
	for i := 0; i < 20; i++ {
		many = append(many, cand("button", "button", "btn"))
	}
	fe := &fakeEval{probe: many}
	e := NewEngine(fe, nil, nil, 10, 30)

	res, err := e.Discover(context.Background(), "https://example.org", "search")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 10 {
		t.Fatalf("matches = %d, want capped at 10", len(res.Matches))
	}
}

func TestDiscoverEvalFailure(t *testing.T) {
	e := NewEngine(&fakeEval{failAll: true}, nil, nil, 10, 30)
	if _, err := e.Discover(context.Background(), "https://example.org", "search"); err == nil {
		t.Fatal("expected error when the page probe fails")
	}
}

func TestDetailedExpandsQuickIDs(t *testing.T) {
	fe := &fakeEval{probe: []candidate{cand(`input[name="q"]`, "input", "Search")}}
	e := NewEngine(fe, nil, nil, 10, 30)

	res, err := e.Discover(context.Background(), "https://example.org", "search")
	if err != nil {
		t.Fatal(err)
	}

	det := cand(`input[name="q"]`, "input", "Search the site")
	det.PrimaryClass = "search-box"
	det.ContextTag = "form"
	det.Ordinal = 1
	fe.probe = []candidate{det}

	elems, err := e.Detailed(context.Background(), DetailRequest{QuickIDs: []string{res.Matches[0].ID}})
	if err != nil {
		t.Fatal(err)
	}
	if len(elems) != 1 {
		t.Fatalf("elements = %d, want 1", len(elems))
	}
	el := elems[0]
	if el.Fingerprint != "input.search-box@form.1" {
		t.Errorf("fingerprint = %q, want input.search-box@form.1", el.Fingerprint)
	}
	if !strings.HasPrefix(el.ID, "e-") {
		t.Errorf("detailed id %q should carry the e- prefix", el.ID)
	}
}

func TestDetailedStaleQuickID(t *testing.T) {
	fe := &fakeEval{probe: []candidate{cand(`input[name="q"]`, "input", "Search")}}
	e := NewEngine(fe, nil, nil, 10, 30)

	res, err := e.Discover(context.Background(), "https://example.org", "search")
	if err != nil {
		t.Fatal(err)
	}

	e.Registry().InvalidateAll()
	if _, err := e.Detailed(context.Background(), DetailRequest{QuickIDs: []string{res.Matches[0].ID}}); err == nil {
		t.Fatal("stale quick id should fail the detailed pass")
	}
}

func TestDetailedSweepDedupesAndCaps(t *testing.T) {
	var sweep []candidate
	for i := 0; i < 40; i++ {
		c := cand("a", "a", "link")
		c.Ordinal = i % 35
		sweep = append(sweep, c)
	}
	fe := &fakeEval{sweep: sweep}
	e := NewEngine(fe, nil, nil, 10, 30)

	elems, err := e.Detailed(context.Background(), DetailRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(elems) != 30 {
		t.Fatalf("elements = %d, want capped at 30", len(elems))
	}
	seen := make(map[string]bool)
	for _, el := range elems {
		if seen[el.Fingerprint] {
			t.Fatalf("duplicate fingerprint %q", el.Fingerprint)
		}
		seen[el.Fingerprint] = true
	}
}

func TestClassifyOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{"https://x.com", "social"},
		{"https://x.com/home", "social"},
		{"https://www.linkedin.com", "social"},
		{"https://www.linkedin.com/feed/", "social"},
		{"https://www.google.com", "search"},
		{"https://github.com", "code"},
		{"https://www.youtube.com", "media"},
		{"https://www.amazon.com", "commerce"},
		{"https://example.org", "general"},
		{"not a url", "general"},
	}
	for _, tt := range tests {
		if got := ClassifyOrigin(tt.origin); got != tt.want {
			t.Errorf("ClassifyOrigin(%q) = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestLoadRulesMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	content := `rules:
  - category: search
    action: type
    confidence: 0.95
    selectors:
      - "#custom-search"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	rs, err := LoadRules(path)
	if err != nil {
		t.Fatal(err)
	}
	rules := rs.Find(CategorySearch, ActionType)
	found := false
	for _, r := range rules {
		if r.Confidence == 0.95 && len(r.Selectors) == 1 && r.Selectors[0] == "#custom-search" {
			found = true
		}
	}
	if !found {
		t.Error("file rule not merged into rule set")
	}
	if len(rules) < 2 {
		t.Error("defaults should survive the merge")
	}
}

func TestLoadRulesValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	content := `rules:
  - category: search
    action: type
    confidence: 1.5
    selectors: ["#x"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Fatal("out-of-range confidence should be rejected")
	}
}

func TestLoadRulesMissingFile(t *testing.T) {
	rs, err := LoadRules("/nonexistent/patterns.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(rs.Find(CategoryGeneral, ActionClick)) == 0 {
		t.Error("defaults should be returned when the file is absent")
	}
}
