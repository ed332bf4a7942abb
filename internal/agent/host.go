// Package agent is the browser-resident half of the bridge: it keeps a
// websocket to the bridge process, registers the tool surface, and executes
// forwarded tool calls against the browser.
package agent

import (
	"context"

	"browserbridge-mcp-server/internal/inject"
)

// TabInfo summarizes one open tab for the listing surface.
type TabInfo struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// Tab is one browser page. It doubles as the discovery evaluator and the
// injection actor for that page, so handlers never reach around it.
type Tab interface {
	ID() string
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	// Eval runs a zero-argument JS arrow function and decodes its JSON
	// return into out.
	Eval(ctx context.Context, js string, out interface{}) error
	inject.Actor
}

// Host is the browser the agent drives. The Rod adapter implements it in
// production; tests use fakes.
type Host interface {
	ActiveTab(ctx context.Context) (Tab, error)
	TabByID(ctx context.Context, id string) (Tab, error)
	ListTabs(ctx context.Context) ([]TabInfo, error)
	// OpenTab creates a tab and returns its id. Active selects it as the
	// focused tab; background tabs load without stealing focus.
	OpenTab(ctx context.Context, url string, active bool) (string, error)
	ActivateTab(ctx context.Context, id string) error
}
