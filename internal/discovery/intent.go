// Package discovery locates actionable page elements with a cheap quick
// pass and an expensive detailed pass, backed by two generation-scoped
// registries of opaque element ids.
package discovery

import "strings"

// Intent categories. Two-level taxonomy: (category, action) keys the
// pattern-rule table.
const (
	CategoryPublish    = "publish"
	CategorySearch     = "search"
	CategoryAuth       = "auth"
	CategoryNavigation = "navigation"
	CategoryMedia      = "media"
	CategoryGeneral    = "general"
)

// Intent actions.
const (
	ActionClick = "click"
	ActionType  = "type"
)

// Intent is the parsed form of a free-text hint.
type Intent struct {
	Category string `json:"category"`
	Action   string `json:"action"`
	Raw      string `json:"raw,omitempty"`
}

var categoryKeywords = []struct {
	category string
	words    []string
}{
	{CategoryPublish, []string{"post", "tweet", "publish", "compose", "share", "reply", "comment", "send"}},
	{CategorySearch, []string{"search", "find", "query", "look for", "lookup"}},
	{CategoryAuth, []string{"login", "log in", "sign in", "signin", "sign up", "signup", "register", "password", "logout", "log out"}},
	{CategoryMedia, []string{"play", "pause", "video", "upload", "attach", "mute", "volume"}},
	{CategoryNavigation, []string{"menu", "home", "back", "next", "open", "go to", "navigate", "tab", "settings"}},
}

var typeWords = []string{"type", "fill", "enter", "write", "text", "input", "compose", "search", "password", "email", "message"}

// ParseIntent is total over free text: an unrecognized hint falls through
// to the general category instead of erroring. A wrong default costs one
// low-confidence result; a hard failure would break the assistant loop.
func ParseIntent(hint string) Intent {
	lower := strings.ToLower(strings.TrimSpace(hint))

	intent := Intent{Category: CategoryGeneral, Action: ActionClick, Raw: lower}
	if lower == "" {
		return intent
	}

	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(lower, w) {
				intent.Category = ck.category
				intent.Action = defaultAction(ck.category, lower)
				return intent
			}
		}
	}

	if containsAny(lower, typeWords) {
		intent.Action = ActionType
	}
	return intent
}

func defaultAction(category, hint string) string {
	switch category {
	case CategoryPublish, CategorySearch, CategoryAuth:
		// These intents usually begin at a text target; an explicit click
		// word overrides.
		if strings.Contains(hint, "click") || strings.Contains(hint, "press") || strings.Contains(hint, "button") {
			return ActionClick
		}
		return ActionType
	default:
		if containsAny(hint, typeWords) {
			return ActionType
		}
		return ActionClick
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
