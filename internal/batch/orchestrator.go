// Package batch opens groups of browser tabs in paced chunks so a large
// request cannot freeze the browser UI or trip popup heuristics.
package batch

import (
	"context"
	"fmt"
	"time"
)

// TabHost creates tabs. The browser adapter implements this; tests use a
// recording fake.
type TabHost interface {
	OpenTab(ctx context.Context, url string, active bool) (tabID string, err error)
}

// Request is one batch-open call. URL and URLs are mutually exclusive;
// Count repeats URL and is rejected alongside URLs.
type Request struct {
	URL   string   `json:"url,omitempty"`
	URLs  []string `json:"urls,omitempty"`
	Count int      `json:"count,omitempty"`
	// ChunkSize overrides the configured default when positive.
	ChunkSize int `json:"chunk_size,omitempty"`
	// ActiveIndex selects which requested tab gets focus; nil means the
	// last one. At most one tab of a batch is ever active.
	ActiveIndex *int `json:"active_tab_index,omitempty"`
}

// Opened records one successfully created tab.
type Opened struct {
	TabID string `json:"tab_id"`
	URL   string `json:"url"`
	Index int    `json:"index"`
}

// Failure records one tab that could not be created.
type Failure struct {
	URL   string `json:"url"`
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Result reports the batch outcome. Created plus Failed always equals
// Requested. Success means every tab opened; PartialSuccess marks a mixed
// outcome so callers can tell "some failed" apart from "all failed".
type Result struct {
	Success        bool      `json:"success"`
	PartialSuccess bool      `json:"partial_success,omitempty"`
	Requested      int       `json:"total_requested"`
	Created        int       `json:"created"`
	Failed         int       `json:"failed"`
	Tabs           []Opened  `json:"tabs"`
	Failures       []Failure `json:"failures,omitempty"`
}

// Orchestrator paces tab creation. Exactly one tab of a batch gets focus,
// the last created unless the request picks another; the rest open in the
// background.
type Orchestrator struct {
	host       TabHost
	maxTabs    int
	chunkSize  int
	itemDelay  time.Duration
	chunkDelay time.Duration
	sleep      func(context.Context, time.Duration) error
}

func NewOrchestrator(host TabHost, maxTabs, chunkSize int, itemDelay, chunkDelay time.Duration) *Orchestrator {
	if maxTabs <= 0 {
		maxTabs = 50
	}
	if chunkSize <= 0 {
		chunkSize = 5
	}
	return &Orchestrator{
		host:       host,
		maxTabs:    maxTabs,
		chunkSize:  chunkSize,
		itemDelay:  itemDelay,
		chunkDelay: chunkDelay,
		sleep:      sleepCtx,
	}
}

// Validate rejects malformed requests before any tab is touched.
func (o *Orchestrator) Validate(req Request) error {
	if req.URL == "" && len(req.URLs) == 0 {
		return fmt.Errorf("either url or urls is required")
	}
	if req.URL != "" && len(req.URLs) > 0 {
		return fmt.Errorf("url and urls are mutually exclusive")
	}
	if req.Count != 0 && req.URL == "" {
		return fmt.Errorf("count requires url, not urls")
	}
	if req.Count < 0 {
		return fmt.Errorf("count must be positive")
	}
	n := o.expandCount(req)
	if n < 1 || n > o.maxTabs {
		return fmt.Errorf("batch size %d out of range: must be between 1 and %d", n, o.maxTabs)
	}
	if req.ActiveIndex != nil && (*req.ActiveIndex < 0 || *req.ActiveIndex >= n) {
		return fmt.Errorf("active_tab_index %d out of range for %d tabs", *req.ActiveIndex, n)
	}
	return nil
}

func (o *Orchestrator) expandCount(req Request) int {
	if len(req.URLs) > 0 {
		return len(req.URLs)
	}
	if req.Count > 0 {
		return req.Count
	}
	return 1
}

func (o *Orchestrator) expandURLs(req Request) []string {
	if len(req.URLs) > 0 {
		return req.URLs
	}
	n := req.Count
	if n == 0 {
		n = 1
	}
	urls := make([]string, n)
	for i := range urls {
		urls[i] = req.URL
	}
	return urls
}

// Open executes a validated request. A failed tab never aborts the batch;
// each remaining URL still gets its attempt and the result reports both
// sides.
func (o *Orchestrator) Open(ctx context.Context, req Request) (*Result, error) {
	if err := o.Validate(req); err != nil {
		return nil, err
	}
	urls := o.expandURLs(req)
	chunk := o.chunkSize
	if req.ChunkSize > 0 {
		chunk = req.ChunkSize
	}
	activeIdx := len(urls) - 1
	if req.ActiveIndex != nil {
		activeIdx = *req.ActiveIndex
	}

	res := &Result{Requested: len(urls), Tabs: []Opened{}}
	for i, u := range urls {
		if i > 0 {
			delay := o.itemDelay
			if i%chunk == 0 {
				delay = o.chunkDelay
			}
			if err := o.sleep(ctx, delay); err != nil {
				// Cancellation counts the rest as failed so the invariant
				// created+failed == requested still holds.
				for j := i; j < len(urls); j++ {
					res.Failures = append(res.Failures, Failure{URL: urls[j], Index: j, Error: err.Error()})
				}
				break
			}
		}

		id, err := o.host.OpenTab(ctx, u, i == activeIdx)
		if err != nil {
			res.Failures = append(res.Failures, Failure{URL: u, Index: i, Error: err.Error()})
			continue
		}
		res.Tabs = append(res.Tabs, Opened{TabID: id, URL: u, Index: i})
	}

	res.Created = len(res.Tabs)
	res.Failed = len(res.Failures)
	res.Success = res.Failed == 0
	res.PartialSuccess = res.Created > 0 && res.Failed > 0
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
