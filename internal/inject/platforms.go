// Package inject delivers text into page elements, working around sites
// whose frameworks filter synthetic input events.
package inject

import (
	"net/url"
	"strings"
)

// Bypass method tags. Each names an ordered step variant; all variants
// converge on the same verification step.
const (
	MethodExecCommand   = "exec_command"
	MethodRangeInsert   = "range_insert"
	MethodValueSetter   = "value_setter"
	MethodClipboardLike = "clipboard_like"
)

// Platform describes one site needing special input handling. Immutable,
// loaded at startup; matched by exact origin first, then by host suffix.
type Platform struct {
	Name            string
	Origins         []string            // exact scheme://host origins, e.g. "https://x.com"
	Suffixes        []string            // registrable host suffixes, e.g. "x.com"
	SelectorsByRole map[string][]string // role -> candidate selectors
	Method          string              // bypass method tag
}

// TextboxSelectors returns the platform's selectors for its compose/textarea
// role, the precondition for taking the bypass path at all.
func (p *Platform) TextboxSelectors() []string {
	return p.SelectorsByRole["textbox"]
}

var platforms = []Platform{
	{
		Name:     "x",
		Origins:  []string{"https://x.com", "https://twitter.com", "https://mobile.twitter.com"},
		Suffixes: []string{"x.com", "twitter.com"},
		SelectorsByRole: map[string][]string{
			"textbox": {
				`[data-testid="tweetTextarea_0"]`,
				`[role="textbox"][contenteditable="true"]`,
			},
			"submit": {
				`[data-testid="tweetButtonInline"]`,
				`[data-testid="tweetButton"]`,
			},
		},
		Method: MethodExecCommand,
	},
	{
		Name:     "linkedin",
		Origins:  []string{"https://www.linkedin.com", "https://linkedin.com"},
		Suffixes: []string{"linkedin.com"},
		SelectorsByRole: map[string][]string{
			"textbox": {
				`.ql-editor[contenteditable="true"]`,
				`[role="textbox"][contenteditable="true"]`,
			},
			"submit": {
				`button.share-actions__primary-action`,
			},
		},
		Method: MethodRangeInsert,
	},
	{
		Name:     "facebook",
		Origins:  []string{"https://www.facebook.com", "https://facebook.com"},
		Suffixes: []string{"facebook.com"},
		SelectorsByRole: map[string][]string{
			"textbox": {
				`[role="textbox"][contenteditable="true"]`,
			},
			"submit": {
				`[aria-label="Post"]`,
			},
		},
		Method: MethodRangeInsert,
	},
	{
		Name:     "instagram",
		Origins:  []string{"https://www.instagram.com", "https://instagram.com"},
		Suffixes: []string{"instagram.com"},
		SelectorsByRole: map[string][]string{
			"textbox": {
				`textarea[aria-label]`,
				`[role="textbox"][contenteditable="true"]`,
			},
		},
		Method: MethodValueSetter,
	},
	{
		Name:     "reddit",
		Origins:  []string{"https://www.reddit.com", "https://reddit.com"},
		Suffixes: []string{"reddit.com"},
		SelectorsByRole: map[string][]string{
			"textbox": {
				`div[contenteditable="true"][role="textbox"]`,
				`shreddit-composer textarea`,
			},
		},
		Method: MethodClipboardLike,
	},
}

// PlatformFor matches a page URL against the bypass table: exact
// scheme://host origin first, then host suffix. The input is a full URL
// as reported by the tab, path and query included. Returns nil when no
// special handling is needed.
func PlatformFor(pageURL string) *Platform {
	pageURL = strings.ToLower(strings.TrimSpace(pageURL))
	if pageURL == "" {
		return nil
	}

	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return nil
	}
	origin := u.Scheme + "://" + u.Host
	host := u.Hostname()

	for i := range platforms {
		for _, o := range platforms[i].Origins {
			if origin == o {
				return &platforms[i]
			}
		}
	}

	for i := range platforms {
		for _, suffix := range platforms[i].Suffixes {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return &platforms[i]
			}
		}
	}
	return nil
}
