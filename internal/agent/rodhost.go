package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"browserbridge-mcp-server/internal/config"
)

// RodHost drives Chrome through Rod, either attaching to a running
// debugger endpoint or launching its own instance.
type RodHost struct {
	cfg config.BrowserConfig

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
	activeID   string
}

func NewRodHost(cfg config.BrowserConfig) *RodHost {
	return &RodHost{cfg: cfg}
}

// Start connects to an existing Chrome or launches a new one using Rod's
// launcher.
func (h *RodHost) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.browser != nil {
		if _, err := h.browser.Version(); err == nil {
			return nil
		}
		log.Printf("stale browser connection detected, reconnecting")
		_ = h.browser.Close()
		h.browser = nil
		h.controlURL = ""
	}

	controlURL := h.cfg.DebuggerURL
	if controlURL == "" && len(h.cfg.Launch) > 0 {
		bin := h.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(h.cfg.IsHeadless())
		for _, rawFlag := range h.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	h.browser = browser
	h.controlURL = controlURL
	log.Printf("browser connected at %s", controlURL)
	return nil
}

// Close disconnects from the browser. A launched instance keeps running;
// killing the user's browser on agent restart would lose their tabs.
func (h *RodHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.browser == nil {
		return nil
	}
	err := h.browser.Close()
	h.browser = nil
	return err
}

func (h *RodHost) pages() (rod.Pages, error) {
	h.mu.Lock()
	browser := h.browser
	h.mu.Unlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}
	return browser.Pages()
}

func (h *RodHost) ActiveTab(ctx context.Context) (Tab, error) {
	pages, err := h.pages()
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, errors.New("no open tabs")
	}
	h.mu.Lock()
	active := h.activeID
	h.mu.Unlock()
	if active != "" {
		for _, p := range pages {
			if string(p.TargetID) == active {
				return &rodTab{page: p, navTimeout: h.cfg.NavigationTimeout()}, nil
			}
		}
	}
	return &rodTab{page: pages[0], navTimeout: h.cfg.NavigationTimeout()}, nil
}

func (h *RodHost) TabByID(ctx context.Context, id string) (Tab, error) {
	h.mu.Lock()
	browser := h.browser
	h.mu.Unlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}
	page, err := browser.PageFromTarget(proto.TargetTargetID(id))
	if err != nil {
		return nil, fmt.Errorf("tab %s: %w", id, err)
	}
	return &rodTab{page: page, navTimeout: h.cfg.NavigationTimeout()}, nil
}

func (h *RodHost) ListTabs(ctx context.Context) ([]TabInfo, error) {
	pages, err := h.pages()
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	active := h.activeID
	h.mu.Unlock()

	infos := make([]TabInfo, 0, len(pages))
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		infos = append(infos, TabInfo{
			ID:     string(p.TargetID),
			URL:    info.URL,
			Title:  info.Title,
			Active: string(p.TargetID) == active,
		})
	}
	return infos, nil
}

func (h *RodHost) OpenTab(ctx context.Context, url string, active bool) (string, error) {
	h.mu.Lock()
	browser := h.browser
	h.mu.Unlock()
	if browser == nil {
		return "", errors.New("browser not connected")
	}
	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url, Background: !active})
	if err != nil {
		return "", fmt.Errorf("create tab: %w", err)
	}
	id := string(page.TargetID)
	if active {
		h.mu.Lock()
		h.activeID = id
		h.mu.Unlock()
	}
	return id, nil
}

func (h *RodHost) ActivateTab(ctx context.Context, id string) error {
	tab, err := h.TabByID(ctx, id)
	if err != nil {
		return err
	}
	rt := tab.(*rodTab)
	if _, err := rt.page.Activate(); err != nil {
		return fmt.Errorf("activate tab: %w", err)
	}
	h.mu.Lock()
	h.activeID = id
	h.mu.Unlock()
	return nil
}

// rodTab adapts one rod.Page to the Tab contract, including the discovery
// evaluator and the injection actor.
type rodTab struct {
	page       *rod.Page
	navTimeout time.Duration
}

func (t *rodTab) ID() string {
	return string(t.page.TargetID)
}

func (t *rodTab) URL(ctx context.Context) (string, error) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (t *rodTab) Title(ctx context.Context) (string, error) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (t *rodTab) Navigate(ctx context.Context, url string) error {
	page := t.page.Context(ctx)
	if t.navTimeout > 0 {
		page = page.Timeout(t.navTimeout)
	}
	if err := page.Navigate(url); err != nil {
		return err
	}
	return page.WaitLoad()
}

func (t *rodTab) Eval(ctx context.Context, js string, out interface{}) error {
	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{JS: js, ByValue: true, AwaitPromise: true})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(res.Value.JSON("", "")), out)
}

func (t *rodTab) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := t.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %s: %w", selector, err)
	}
	return el, nil
}

func (t *rodTab) ScrollIntoView(ctx context.Context, selector string) error {
	el, err := t.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.ScrollIntoView()
}

func (t *rodTab) Focus(ctx context.Context, selector string) error {
	el, err := t.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Focus()
}

func (t *rodTab) Click(ctx context.Context, selector string) error {
	el, err := t.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (t *rodTab) Clear(ctx context.Context, selector string) error {
	return t.Eval(ctx, fmt.Sprintf(`
	() => {
		const el = document.querySelector(%s);
		if (!el) throw new Error('element not found');
		if ('value' in el && el.tagName !== 'DIV') {
			el.value = '';
		} else if (el.isContentEditable) {
			const range = document.createRange();
			range.selectNodeContents(el);
			const sel = window.getSelection();
			sel.removeAllRanges();
			sel.addRange(range);
			document.execCommand('delete', false, null);
		}
		el.dispatchEvent(new Event('input', { bubbles: true }));
		return true;
	}`, jsString(selector)), nil)
}

// InsertText performs one of the synthetic insertion variants. Each mimics
// how a particular class of editor expects text to arrive.
func (t *rodTab) InsertText(ctx context.Context, selector, text, method string) error {
	return t.Eval(ctx, fmt.Sprintf(`
	() => {
		const el = document.querySelector(%s);
		if (!el) throw new Error('element not found');
		const text = %s;
		const method = %s;
		el.focus();

		switch (method) {
		case 'exec_command':
			if (!document.execCommand('insertText', false, text)) {
				throw new Error('execCommand insertText refused');
			}
			break;
		case 'range_insert': {
			const sel = window.getSelection();
			if (!sel.rangeCount) {
				const range = document.createRange();
				range.selectNodeContents(el);
				range.collapse(false);
				sel.removeAllRanges();
				sel.addRange(range);
			}
			const range = sel.getRangeAt(0);
			range.deleteContents();
			range.insertNode(document.createTextNode(text));
			sel.collapseToEnd();
			el.dispatchEvent(new InputEvent('input', { bubbles: true, inputType: 'insertText', data: text }));
			break;
		}
		case 'value_setter': {
			const proto = el.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
			const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
			setter.call(el, text);
			el.dispatchEvent(new Event('input', { bubbles: true }));
			el.dispatchEvent(new Event('change', { bubbles: true }));
			break;
		}
		case 'clipboard_like': {
			const dt = new DataTransfer();
			dt.setData('text/plain', text);
			const pasted = el.dispatchEvent(new ClipboardEvent('paste', { bubbles: true, cancelable: true, clipboardData: dt }));
			if (pasted) {
				// Nothing consumed the paste; fall through to insertText.
				document.execCommand('insertText', false, text);
			}
			break;
		}
		default:
			throw new Error('unknown insertion method: ' + method);
		}
		return true;
	}`, jsString(selector), jsString(text), jsString(method)), nil)
}

// StandardFill runs the scripted focus sequence, writes the value, and
// fires the event sequence plain form inputs expect.
func (t *rodTab) StandardFill(ctx context.Context, selector, text string) error {
	return t.Eval(ctx, fmt.Sprintf(`
	() => {
		const el = document.querySelector(%s);
		if (!el) throw new Error('element not found');
		const text = %s;

		el.scrollIntoView({ block: 'center' });
		for (const type of ['pointerdown', 'pointerup', 'click']) {
			el.dispatchEvent(new PointerEvent(type, { bubbles: true }));
		}
		el.focus();

		if (el.isContentEditable) {
			el.textContent = text;
			el.dispatchEvent(new InputEvent('input', { bubbles: true, inputType: 'insertText', data: text }));
			el.dispatchEvent(new CompositionEvent('compositionend', { bubbles: true, data: text }));
		} else {
			el.value = text;
			el.dispatchEvent(new Event('input', { bubbles: true }));
			el.dispatchEvent(new Event('change', { bubbles: true }));
		}
		return true;
	}`, jsString(selector), jsString(text)), nil)
}

func (t *rodTab) ReadValue(ctx context.Context, selector string) (string, error) {
	var value string
	err := t.Eval(ctx, fmt.Sprintf(`
	() => {
		const el = document.querySelector(%s);
		if (!el) throw new Error('element not found');
		if ('value' in el && el.tagName !== 'DIV') return el.value;
		return el.innerText || el.textContent || '';
	}`, jsString(selector)), &value)
	return value, err
}

func (t *rodTab) Matches(ctx context.Context, selector string, candidates []string) (bool, error) {
	data, err := json.Marshal(candidates)
	if err != nil {
		return false, err
	}
	var matched bool
	err = t.Eval(ctx, fmt.Sprintf(`
	() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		for (const sel of %s) {
			try { if (el.matches(sel)) return true; } catch (e) {}
		}
		return false;
	}`, jsString(selector), string(data)), &matched)
	return matched, err
}

func jsString(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}
