package agent

import (
	"sync"

	"browserbridge-mcp-server/internal/protocol"
)

// TabNames maps caller-chosen names to browser tab ids. Names are the only
// handle callers hold across calls; raw tab ids are an internal detail that
// changes when the browser restarts.
type TabNames struct {
	mu     sync.Mutex
	byName map[string]string
}

func NewTabNames() *TabNames {
	return &TabNames{byName: make(map[string]string)}
}

// Bind associates a name with a tab id, replacing any prior binding.
func (t *TabNames) Bind(name, tabID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[name] = tabID
}

// Resolve returns the tab id bound to a name.
func (t *TabNames) Resolve(name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byName[name]
	if !ok {
		return "", protocol.Wrapf(protocol.ErrContextNotFound, "no tab named %q: open it with navigate first", name)
	}
	return id, nil
}

// NameOf returns the name bound to a tab id, if any.
func (t *TabNames) NameOf(tabID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, id := range t.byName {
		if id == tabID {
			return name
		}
	}
	return ""
}

// Forget drops any binding for a tab id. Called when a tab is found dead.
func (t *TabNames) Forget(tabID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, id := range t.byName {
		if id == tabID {
			delete(t.byName, name)
		}
	}
}
