package discovery

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PatternRule maps an (category, action) intent to the selectors that tend
// to satisfy it on ordinary pages. Confidence is the rule's base score in
// the 0..1 range; candidate bonuses are added on top after scaling to 100.
type PatternRule struct {
	Category   string   `yaml:"category"`
	Action     string   `yaml:"action"`
	Confidence float64  `yaml:"confidence"`
	Selectors  []string `yaml:"selectors"`
}

// RuleSet indexes pattern rules by intent. Lookup misses are normal: the
// engine falls through to a viewport scan.
type RuleSet struct {
	byIntent map[string][]PatternRule
}

func ruleKey(category, action string) string {
	return category + "/" + action
}

// DefaultRules returns the built-in pattern table. File-loaded rules are
// layered on top, they never replace the defaults wholesale.
func DefaultRules() *RuleSet {
	rs := &RuleSet{byIntent: make(map[string][]PatternRule)}
	for _, r := range builtinRules {
		rs.add(r)
	}
	return rs
}

// LoadRules reads additional rules from a YAML file and merges them over
// the defaults. A missing path returns the defaults untouched.
func LoadRules(path string) (*RuleSet, error) {
	rs := DefaultRules()
	if path == "" {
		return rs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rs, nil
		}
		return nil, fmt.Errorf("failed to read pattern rules: %w", err)
	}
	var extra struct {
		Rules []PatternRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("failed to parse pattern rules: %w", err)
	}
	for _, r := range extra.Rules {
		if r.Category == "" || r.Action == "" || len(r.Selectors) == 0 {
			return nil, fmt.Errorf("pattern rule missing category, action, or selectors")
		}
		if r.Confidence <= 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("pattern rule %s/%s: confidence must be in (0, 1]", r.Category, r.Action)
		}
		rs.add(r)
	}
	return rs, nil
}

func (rs *RuleSet) add(r PatternRule) {
	k := ruleKey(r.Category, r.Action)
	rs.byIntent[k] = append(rs.byIntent[k], r)
}

// Find returns the rules for an intent, most specific first. The general
// fallback rules are appended so a category hit still benefits from them
// when its own selectors come up empty.
func (rs *RuleSet) Find(category, action string) []PatternRule {
	rules := append([]PatternRule{}, rs.byIntent[ruleKey(category, action)]...)
	if category != CategoryGeneral {
		rules = append(rules, rs.byIntent[ruleKey(CategoryGeneral, action)]...)
	}
	return rules
}

var builtinRules = []PatternRule{
	{
		Category:   CategoryPublish,
		Action:     ActionType,
		Confidence: 0.85,
		Selectors: []string{
			`[contenteditable="true"][role="textbox"]`,
			`textarea[placeholder]`,
			`[data-testid*="compose"]`,
			`[aria-label*="post" i]`,
			`[aria-label*="comment" i]`,
		},
	},
	{
		Category:   CategoryPublish,
		Action:     ActionClick,
		Confidence: 0.8,
		Selectors: []string{
			`[data-testid*="tweetButton"]`,
			`button[type="submit"]`,
			`[aria-label*="post" i][role="button"]`,
			`[aria-label*="send" i]`,
			`[aria-label*="reply" i]`,
		},
	},
	{
		Category:   CategorySearch,
		Action:     ActionType,
		Confidence: 0.85,
		Selectors: []string{
			`input[type="search"]`,
			`[role="searchbox"]`,
			`input[name="q"]`,
			`input[placeholder*="search" i]`,
			`[aria-label*="search" i]`,
		},
	},
	{
		Category:   CategoryAuth,
		Action:     ActionType,
		Confidence: 0.85,
		Selectors: []string{
			`input[type="email"]`,
			`input[type="password"]`,
			`input[autocomplete="username"]`,
			`input[name="username"]`,
		},
	},
	{
		Category:   CategoryAuth,
		Action:     ActionClick,
		Confidence: 0.75,
		Selectors: []string{
			`button[type="submit"]`,
			`[aria-label*="sign in" i]`,
			`[aria-label*="log in" i]`,
			`input[type="submit"]`,
		},
	},
	{
		Category:   CategoryNavigation,
		Action:     ActionClick,
		Confidence: 0.7,
		Selectors: []string{
			`nav a[href]`,
			`[role="menuitem"]`,
			`[role="tab"]`,
			`[aria-label*="menu" i]`,
			`header a[href]`,
		},
	},
	{
		Category:   CategoryMedia,
		Action:     ActionClick,
		Confidence: 0.7,
		Selectors: []string{
			`[aria-label*="play" i]`,
			`[aria-label*="pause" i]`,
			`video`,
			`input[type="file"]`,
			`[aria-label*="upload" i]`,
		},
	},
	{
		Category:   CategoryGeneral,
		Action:     ActionClick,
		Confidence: 0.5,
		Selectors: []string{
			`button`,
			`[role="button"]`,
			`a[href]`,
			`input[type="submit"]`,
		},
	},
	{
		Category:   CategoryGeneral,
		Action:     ActionType,
		Confidence: 0.5,
		Selectors: []string{
			`input:not([type="hidden"])`,
			`textarea`,
			`[contenteditable="true"]`,
		},
	},
}
