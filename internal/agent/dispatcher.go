package agent

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"browserbridge-mcp-server/internal/batch"
	"browserbridge-mcp-server/internal/bridge"
	"browserbridge-mcp-server/internal/config"
	"browserbridge-mcp-server/internal/discovery"
	"browserbridge-mcp-server/internal/inject"
	"browserbridge-mcp-server/internal/protocol"
)

// Schemes where synthetic input is off limits. The browser's own surfaces
// and extension pages reject script injection, and attempting it can wedge
// the debugger session.
var restrictedSchemes = []string{
	"chrome:", "about:", "devtools:", "view-source:", "chrome-extension:", "edge:",
}

// Extension-gallery hosts enforce the same restriction on ordinary https
// pages.
var restrictedHosts = []string{
	"chrome.google.com", "chromewebstore.google.com", "microsoftedge.microsoft.com",
}

// Dispatcher executes forwarded tool calls against the browser host. One
// discovery registry exists per tab; navigation invalidates it wholesale.
type Dispatcher struct {
	host  Host
	names *TabNames
	rules *discovery.RuleSet
	cfg   config.Config
	orch  *batch.Orchestrator

	mu         sync.Mutex
	registries map[string]*discovery.Registry

	sleep func(time.Duration)
}

func NewDispatcher(host Host, rules *discovery.RuleSet, cfg config.Config) *Dispatcher {
	if rules == nil {
		rules = discovery.DefaultRules()
	}
	return &Dispatcher{
		host:  host,
		names: NewTabNames(),
		rules: rules,
		cfg:   cfg,
		orch: batch.NewOrchestrator(
			host,
			cfg.Batch.GetMaxURLs(),
			cfg.Batch.GetDefaultChunkSize(),
			cfg.Batch.GetItemDelay(),
			cfg.Batch.GetChunkDelay(),
		),
		registries: make(map[string]*discovery.Registry),
		sleep:      time.Sleep,
	}
}

// Tools reports the tool surface this dispatcher answers. It is the same
// surface the bridge advertises as its fallback, so a connected agent never
// shrinks the visible tool set.
func (d *Dispatcher) Tools() []protocol.ToolSpec {
	return bridge.FallbackTools()
}

// Handle routes one forwarded call. Unknown methods and malformed params
// are validation errors; everything else surfaces the handler's own code.
func (d *Dispatcher) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "navigate":
		return d.handleNavigate(ctx, params)
	case "get-page-state":
		return d.handlePageState(ctx, params)
	case "list-tabs":
		return d.handleListTabs(ctx)
	case "activate-tab":
		return d.handleActivateTab(ctx, params)
	case "discover-elements":
		return d.handleDiscover(ctx, params)
	case "detail-elements":
		return d.handleDetail(ctx, params)
	case "click-element":
		return d.handleClick(ctx, params)
	case "fill-element":
		return d.handleFill(ctx, params)
	case "open-tabs-batch":
		return d.handleBatch(ctx, params)
	default:
		return nil, protocol.Wrapf(protocol.ErrValidation, "unknown method %q", method)
	}
}

func decode(params json.RawMessage, into interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return protocol.Wrapf(protocol.ErrValidation, "malformed params: %v", err)
	}
	return nil
}

// resolveTab maps a tab name to a live tab. Empty means the active tab. A
// bound name whose tab has since died is unbound and reported as gone.
func (d *Dispatcher) resolveTab(ctx context.Context, name string) (Tab, error) {
	if name == "" {
		tab, err := d.host.ActiveTab(ctx)
		if err != nil {
			return nil, protocol.Wrapf(protocol.ErrContextNotFound, "no active tab: %v", err)
		}
		return tab, nil
	}
	id, err := d.names.Resolve(name)
	if err != nil {
		return nil, err
	}
	tab, err := d.host.TabByID(ctx, id)
	if err != nil {
		d.names.Forget(id)
		return nil, protocol.Wrapf(protocol.ErrContextNotFound, "tab %q is gone: %v", name, err)
	}
	return tab, nil
}

func (d *Dispatcher) registryFor(tabID string) *discovery.Registry {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.registries[tabID]
	if !ok {
		reg = discovery.NewRegistry()
		d.registries[tabID] = reg
	}
	return reg
}

func (d *Dispatcher) engineFor(tab Tab, maxDetailed int) *discovery.Engine {
	if maxDetailed <= 0 || maxDetailed > d.cfg.Discovery.GetMaxDetailed() {
		maxDetailed = d.cfg.Discovery.GetMaxDetailed()
	}
	return discovery.NewEngine(tab, d.rules, d.registryFor(tab.ID()), d.cfg.Discovery.GetMaxQuick(), maxDetailed)
}

type navigateParams struct {
	URL string `json:"url"`
	Tab string `json:"tab"`
}

func (d *Dispatcher) handleNavigate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p navigateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, protocol.Wrap(protocol.ErrValidation, "url is required")
	}

	if p.Tab != "" {
		if _, err := d.names.Resolve(p.Tab); err != nil {
			// First use of a name opens a fresh background tab for it.
			id, openErr := d.host.OpenTab(ctx, "about:blank", false)
			if openErr != nil {
				return nil, protocol.Wrapf(protocol.ErrToolExecutionFailed, "failed to open tab %q: %v", p.Tab, openErr)
			}
			d.names.Bind(p.Tab, id)
		}
	}
	tab, err := d.resolveTab(ctx, p.Tab)
	if err != nil {
		return nil, err
	}

	if err := tab.Navigate(ctx, p.URL); err != nil {
		return nil, protocol.Wrapf(protocol.ErrToolExecutionFailed, "navigation failed: %v", err)
	}
	// Every element id minted for the old document is now meaningless.
	d.registryFor(tab.ID()).InvalidateAll()

	title, _ := tab.Title(ctx)
	current, _ := tab.URL(ctx)
	return map[string]interface{}{
		"url":   current,
		"title": title,
		"tab":   p.Tab,
	}, nil
}

type tabParams struct {
	Tab string `json:"tab"`
}

func (d *Dispatcher) handlePageState(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p tabParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	tab, err := d.resolveTab(ctx, p.Tab)
	if err != nil {
		return nil, err
	}
	if err := d.ensureHelper(ctx, tab); err != nil {
		return nil, err
	}

	var state map[string]interface{}
	if err := tab.Eval(ctx, pageStateJS(), &state); err != nil {
		return nil, protocol.Wrapf(protocol.ErrToolExecutionFailed, "page state probe failed: %v", err)
	}
	current, _ := tab.URL(ctx)
	state["url"] = current
	state["page_class"] = discovery.ClassifyOrigin(current)
	return state, nil
}

func (d *Dispatcher) handleListTabs(ctx context.Context) (interface{}, error) {
	infos, err := d.host.ListTabs(ctx)
	if err != nil {
		return nil, protocol.Wrapf(protocol.ErrToolExecutionFailed, "tab listing failed: %v", err)
	}
	out := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]interface{}{
			"name":   d.names.NameOf(info.ID),
			"url":    info.URL,
			"title":  info.Title,
			"active": info.Active,
		})
	}
	return map[string]interface{}{"tabs": out, "count": len(out)}, nil
}

func (d *Dispatcher) handleActivateTab(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p tabParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Tab == "" {
		return nil, protocol.Wrap(protocol.ErrValidation, "tab is required")
	}
	id, err := d.names.Resolve(p.Tab)
	if err != nil {
		return nil, err
	}
	if err := d.host.ActivateTab(ctx, id); err != nil {
		d.names.Forget(id)
		return nil, protocol.Wrapf(protocol.ErrContextNotFound, "tab %q is gone: %v", p.Tab, err)
	}
	return map[string]interface{}{"activated": p.Tab}, nil
}

type discoverParams struct {
	Intent string `json:"intent"`
	Tab    string `json:"tab"`
}

func (d *Dispatcher) handleDiscover(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p discoverParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	tab, err := d.resolveTab(ctx, p.Tab)
	if err != nil {
		return nil, err
	}
	if err := d.ensureHelper(ctx, tab); err != nil {
		return nil, err
	}
	origin, _ := tab.URL(ctx)

	res, err := d.engineFor(tab, 0).Discover(ctx, origin, p.Intent)
	if err != nil {
		return nil, protocol.Wrapf(protocol.ErrToolExecutionFailed, "discovery failed: %v", err)
	}
	return res, nil
}

type detailParams struct {
	QuickIDs   []string `json:"quick_ids"`
	FocusAreas []string `json:"focus_areas"`
	Max        int      `json:"max"`
	Tab        string   `json:"tab"`
}

func (d *Dispatcher) handleDetail(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p detailParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	tab, err := d.resolveTab(ctx, p.Tab)
	if err != nil {
		return nil, err
	}
	if err := d.ensureHelper(ctx, tab); err != nil {
		return nil, err
	}

	elems, err := d.engineFor(tab, p.Max).Detailed(ctx, discovery.DetailRequest{
		QuickIDs:   p.QuickIDs,
		FocusAreas: p.FocusAreas,
	})
	if err != nil {
		if protocol.IsCode(err, protocol.ErrContextNotFound) {
			return nil, err
		}
		return nil, protocol.Wrapf(protocol.ErrContextNotFound, "%v", err)
	}
	return map[string]interface{}{"elements": elems, "count": len(elems)}, nil
}

type clickParams struct {
	ElementID string `json:"element_id"`
	Tab       string `json:"tab"`
}

func (d *Dispatcher) handleClick(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p clickParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ElementID == "" {
		return nil, protocol.Wrap(protocol.ErrValidation, "element_id is required")
	}
	tab, err := d.resolveTab(ctx, p.Tab)
	if err != nil {
		return nil, err
	}
	if err := d.checkInjectable(ctx, tab); err != nil {
		return nil, err
	}
	if err := d.ensureHelper(ctx, tab); err != nil {
		return nil, err
	}

	reg, err := d.registryFor(tab.ID()).Resolve(p.ElementID)
	if err != nil {
		return nil, protocol.Wrapf(protocol.ErrContextNotFound, "%v", err)
	}
	if err := tab.ScrollIntoView(ctx, reg.Selector); err != nil {
		return nil, protocol.Wrapf(protocol.ErrToolExecutionFailed, "scroll failed: %v", err)
	}
	if err := tab.Click(ctx, reg.Selector); err != nil {
		return nil, protocol.Wrapf(protocol.ErrToolExecutionFailed, "click failed: %v", err)
	}
	return map[string]interface{}{"clicked": true, "element_id": p.ElementID}, nil
}

type fillParams struct {
	ElementID string `json:"element_id"`
	Value     string `json:"value"`
	Tab       string `json:"tab"`
}

func (d *Dispatcher) handleFill(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p fillParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ElementID == "" || p.Value == "" {
		return nil, protocol.Wrap(protocol.ErrValidation, "element_id and value are required")
	}
	tab, err := d.resolveTab(ctx, p.Tab)
	if err != nil {
		return nil, err
	}
	if err := d.checkInjectable(ctx, tab); err != nil {
		return nil, err
	}
	if err := d.ensureHelper(ctx, tab); err != nil {
		return nil, err
	}

	reg, err := d.registryFor(tab.ID()).Resolve(p.ElementID)
	if err != nil {
		return nil, protocol.Wrapf(protocol.ErrContextNotFound, "%v", err)
	}
	origin, _ := tab.URL(ctx)

	machine := inject.NewMachine(tab, d.cfg.Inject.GetSettleDelay())
	attempts := d.cfg.Agent.GetInjectAttempts()
	var result inject.Result
	for i := 0; i < attempts; i++ {
		result = machine.Fill(ctx, origin, reg.Selector, p.Value)
		if result.Success {
			break
		}
		if i < attempts-1 {
			d.sleep(d.cfg.Inject.GetSettleDelay())
		}
	}

	out := map[string]interface{}{
		"success":    result.Success,
		"strategy":   result.Strategy,
		"verified":   result.Verified,
		"element_id": p.ElementID,
	}
	if result.Method != "" {
		out["method"] = result.Method
	}
	if result.FellBack {
		out["fell_back"] = true
	}
	if result.FinalValue != "" {
		out["final_value"] = result.FinalValue
	}
	if result.Error != "" {
		out["error"] = result.Error
	}
	return out, nil
}

func (d *Dispatcher) handleBatch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req batch.Request
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	res, err := d.orch.Open(ctx, req)
	if err != nil {
		return nil, protocol.Wrapf(protocol.ErrValidation, "%v", err)
	}
	return res, nil
}

// ensureHelper gates page-scoped handlers on a live in-page helper. Probe
// with a short timeout; if the marker is absent, install it once, settle,
// and re-probe. Bounded attempts, then the page counts as unreachable. A
// page that never answers the probe is usually blocking script execution
// entirely.
func (d *Dispatcher) ensureHelper(ctx context.Context, tab Tab) error {
	attempts := d.cfg.Agent.GetInjectAttempts()
	for i := 0; i < attempts; i++ {
		if d.probeHelper(ctx, tab) {
			return nil
		}
		if err := d.checkInjectable(ctx, tab); err != nil {
			return err
		}
		if err := tab.Eval(ctx, helperInstallJS(), nil); err != nil {
			d.sleep(d.cfg.Agent.GetInjectSettle())
			continue
		}
		d.sleep(d.cfg.Agent.GetInjectSettle())
	}
	if d.probeHelper(ctx, tab) {
		return nil
	}
	return protocol.Wrap(protocol.ErrAgentUnreachable, "page helper never became ready; the page may block script execution")
}

func (d *Dispatcher) probeHelper(ctx context.Context, tab Tab) bool {
	pctx, cancel := context.WithTimeout(ctx, d.cfg.Agent.GetProbeTimeout())
	defer cancel()
	var ready bool
	if err := tab.Eval(pctx, helperProbeJS(), &ready); err != nil {
		return false
	}
	return ready
}

func helperProbeJS() string {
	return `
	() => {
		return window.__bbHelperReady === true;
	}`
}

func helperInstallJS() string {
	return `
	() => {
		window.__bbHelperVersion = 1;
		window.__bbHelperReady = true;
		return true;
	}`
}

// checkInjectable rejects input injection on browser-internal and
// extension-gallery pages.
func (d *Dispatcher) checkInjectable(ctx context.Context, tab Tab) error {
	raw, err := tab.URL(ctx)
	if err != nil {
		return protocol.Wrapf(protocol.ErrToolExecutionFailed, "cannot read tab url: %v", err)
	}
	lower := strings.ToLower(raw)
	for _, scheme := range restrictedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return protocol.Wrapf(protocol.ErrInjectionRestricted, "input injection is not allowed on %s pages", scheme)
		}
	}
	if u, err := url.Parse(raw); err == nil {
		host := strings.ToLower(u.Hostname())
		for _, h := range restrictedHosts {
			if host == h {
				return protocol.Wrapf(protocol.ErrInjectionRestricted, "input injection is not allowed on %s", h)
			}
		}
	}
	return nil
}

func pageStateJS() string {
	return `
	() => {
		return {
			title: document.title,
			ready_state: document.readyState,
			forms: document.forms.length,
			links: document.links.length,
			inputs: document.querySelectorAll('input, textarea, select').length,
			buttons: document.querySelectorAll('button, [role="button"]').length,
			scroll_y: Math.round(window.scrollY),
			viewport: { width: window.innerWidth, height: window.innerHeight },
			has_dialog: !!document.querySelector('dialog[open], [role="dialog"], [aria-modal="true"]')
		};
	}`
}
