package inject

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Actor abstracts the DOM operations a fill needs. The agent implements it
// over the page helper; tests substitute a fake. Every method is a
// suspension point: other work may interleave between steps.
type Actor interface {
	ScrollIntoView(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Clear(ctx context.Context, selector string) error
	// InsertText performs the platform-specific synthetic insertion.
	InsertText(ctx context.Context, selector, text, method string) error
	// StandardFill runs the scripted focus sequence (pointerdown/up, click,
	// focus) then writes the value and fires the minimal event sequence the
	// element type needs.
	StandardFill(ctx context.Context, selector, text string) error
	ReadValue(ctx context.Context, selector string) (string, error)
	// Matches reports whether the target satisfies any of the candidate
	// selectors.
	Matches(ctx context.Context, selector string, candidates []string) (bool, error)
}

// Result is the structured outcome of a fill. Fills never propagate
// exceptions; a broken bypass falls back to the standard path and failure
// is reported in-band.
type Result struct {
	Success    bool   `json:"success"`
	Strategy   string `json:"strategy"` // "standard" or the platform name
	Method     string `json:"method,omitempty"`
	FellBack   bool   `json:"fell_back,omitempty"`
	Verified   bool   `json:"verified"`
	FinalValue string `json:"final_value,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Machine runs the per-origin fill strategy:
//
//	Idle -> PlatformCheck -> {StandardFill | BypassSequence} -> Verify -> Done
//
// All bypass variants converge on the same Verify step.
type Machine struct {
	actor  Actor
	settle time.Duration
	sleep  func(time.Duration)
}

// NewMachine builds a fill machine around the given actor.
func NewMachine(actor Actor, settle time.Duration) *Machine {
	return &Machine{actor: actor, settle: settle, sleep: time.Sleep}
}

type step func(ctx context.Context, selector string) error

// bypassSteps returns the ordered step list for a method tag. Variants
// differ only in ordering and which preparatory steps run; sites change
// without notice, so the exact recipes are the product of observation,
// not principle.
func (m *Machine) bypassSteps(method, text string) []step {
	scroll := m.actor.ScrollIntoView
	focus := m.actor.Focus
	click := m.actor.Click
	clear := m.actor.Clear
	insert := func(ctx context.Context, selector string) error {
		return m.actor.InsertText(ctx, selector, text, method)
	}

	switch method {
	case MethodExecCommand:
		return []step{scroll, focus, click, clear, insert}
	case MethodRangeInsert:
		return []step{scroll, click, focus, clear, insert}
	case MethodValueSetter:
		return []step{focus, clear, insert}
	case MethodClipboardLike:
		return []step{scroll, focus, click, clear, insert}
	default:
		return []step{scroll, focus, clear, insert}
	}
}

// Fill delivers text into the element addressed by selector, choosing the
// strategy for the page origin.
func (m *Machine) Fill(ctx context.Context, origin, selector, value string) Result {
	platform := PlatformFor(origin)
	if platform != nil {
		isTextbox, err := m.actor.Matches(ctx, selector, platform.TextboxSelectors())
		if err != nil || !isTextbox {
			platform = nil
		}
	}

	if platform == nil {
		return m.standardFill(ctx, selector, value, false)
	}

	if err := m.runBypass(ctx, platform, selector, value); err != nil {
		// Bypass recipes rot as sites change; one silent fallback to the
		// standard path beats surfacing a brittle error.
		return m.standardFill(ctx, selector, value, true)
	}

	result := m.verify(ctx, selector, value)
	result.Strategy = platform.Name
	result.Method = platform.Method
	return result
}

func (m *Machine) runBypass(ctx context.Context, platform *Platform, selector, value string) error {
	for _, s := range m.bypassSteps(platform.Method, value) {
		if err := s(ctx, selector); err != nil {
			return fmt.Errorf("bypass %s: %w", platform.Method, err)
		}
	}
	m.sleep(m.settle)
	return nil
}

func (m *Machine) standardFill(ctx context.Context, selector, value string, fellBack bool) Result {
	if err := m.actor.StandardFill(ctx, selector, value); err != nil {
		return Result{
			Success:  false,
			Strategy: "standard",
			FellBack: fellBack,
			Error:    err.Error(),
		}
	}
	result := m.verify(ctx, selector, value)
	result.Strategy = "standard"
	result.FellBack = fellBack
	return result
}

// verify re-reads the element's current text and declares success iff it
// contains the requested value.
func (m *Machine) verify(ctx context.Context, selector, value string) Result {
	current, err := m.actor.ReadValue(ctx, selector)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("verify read failed: %v", err)}
	}

	ok := strings.Contains(current, value)
	result := Result{
		Success:    ok,
		Verified:   true,
		FinalValue: truncate(current, 120),
	}
	if !ok {
		result.Error = "element text does not contain the requested value after fill"
	}
	return result
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary so the reported value stays valid UTF-8.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
