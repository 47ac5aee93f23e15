// Package engine implements the single-threaded filter engine worker and
// its typed request client (spec components C and D): one goroutine owns
// the compiled rule database and answers network-match, cosmetic-match, and
// replace-engine queries sent over a channel with a one-shot reply address.
package engine

import (
	"context"
	"net/url"
	"sync/atomic"
)

// NetworkResult is the answer to a network-match query.
type NetworkResult struct {
	Blocked      bool
	Important    bool
	Exception    bool
	Filter       string
	RewrittenURL string
}

// CosmeticResult is the answer to a cosmetic-match query.
type CosmeticResult struct {
	HiddenSelectors []string
	StyleSelectors  map[string]string // selector → semicolon-joined declarations
	InjectedScript  string
	Generichide     bool
	Exceptions      []string
}

// Flag is the process-wide blocking-enabled switch (spec component I).
// Reads and writes use relaxed atomic semantics: a reader may observe a
// stale value for the duration of one in-flight request, which is
// acceptable — toggling blocking is an administrative action, not a
// correctness-critical one.
type Flag struct {
	enabled atomic.Bool
}

// NewFlag returns a Flag initialized to enabled.
func NewFlag() *Flag {
	f := &Flag{}
	f.enabled.Store(true)
	return f
}

// Enabled reports the current state.
func (f *Flag) Enabled() bool { return f.enabled.Load() }

// SetEnabled updates the state.
func (f *Flag) SetEnabled(v bool) { f.enabled.Store(v) }

// request is the sum type of messages accepted by the worker's channel.
type request interface{ isRequest() }

type networkQuery struct {
	url, referer, resourceType string
	reply                      chan NetworkResult
}

func (networkQuery) isRequest() {}

type cosmeticQuery struct {
	url            string
	ids, classes   []string
	reply          chan CosmeticResult
}

func (cosmeticQuery) isRequest() {}

type replaceCommand struct {
	ruleText string
}

func (replaceCommand) isRequest() {}

// Worker owns the compiled rule database and drains the request channel on
// a single goroutine. It never shares the database across goroutines: all
// reads and the one writer (ReplaceEngine) happen on the worker's loop,
// which is the linearization point for engine swaps.
type Worker struct {
	ch       chan request
	blocking *Flag
	db       *database
	swaps    func() // optional hook, e.g. metrics.EngineSwaps.Add(1)
}

// NewWorker creates a Worker with an empty compiled database and the given
// blocking flag. onSwap, if non-nil, is invoked after every successful
// ReplaceEngine (used to drive an external swap counter).
func NewWorker(blocking *Flag, onSwap func()) *Worker {
	return &Worker{
		ch:       make(chan request),
		blocking: blocking,
		db:       &database{},
		swaps:    onSwap,
	}
}

// Run drains the request channel until it is closed. It is meant to run on
// its own goroutine for the lifetime of the process; a panic here is not
// recovered; the worker and therefore the process terminate, since the
// compiled rule database is not safe to leave half-updated.
func (w *Worker) Run() {
	for req := range w.ch {
		switch r := req.(type) {
		case networkQuery:
			w.handleNetwork(r)
		case cosmeticQuery:
			w.handleCosmetic(r)
		case replaceCommand:
			w.handleReplace(r)
		}
	}
}

// Stop closes the request channel, causing Run to return once drained.
func (w *Worker) Stop() { close(w.ch) }

func (w *Worker) handleNetwork(r networkQuery) {
	if !w.blocking.Enabled() {
		r.reply <- NetworkResult{}
		return
	}
	r.reply <- w.db.matchNetwork(r.url, r.referer, r.resourceType)
}

func (w *Worker) handleCosmetic(r cosmeticQuery) {
	if !w.blocking.Enabled() {
		r.reply <- CosmeticResult{StyleSelectors: map[string]string{}}
		return
	}
	host := ""
	if u, err := url.Parse(r.url); err == nil {
		host = hostOnly(u.Host)
	}
	r.reply <- w.db.cosmeticFor(host, toSet(r.ids), toSet(r.classes))
}

func (w *Worker) handleReplace(r replaceCommand) {
	w.db = compile(r.ruleText)
	if w.swaps != nil {
		w.swaps()
	}
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, v := range items {
		m[v] = true
	}
	return m
}

// Client is thin typed sugar around a Worker's request channel (spec
// component D). All methods suspend until the one-shot reply arrives, or
// until ctx is done — a cancelled caller simply abandons the receiver, which
// the worker tolerates (it writes to the reply channel unconditionally).
type Client struct {
	ch chan<- request
}

// NewClient wraps the send side of a Worker's channel.
func NewClient(w *Worker) *Client { return &Client{ch: w.ch} }

// IsBlocked issues a network-match query.
func (c *Client) IsBlocked(ctx context.Context, url, referer, resourceType string) (NetworkResult, error) {
	reply := make(chan NetworkResult, 1)
	select {
	case c.ch <- networkQuery{url: url, referer: referer, resourceType: resourceType, reply: reply}:
	case <-ctx.Done():
		return NetworkResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return NetworkResult{}, ctx.Err()
	}
}

// Cosmetic issues a cosmetic-match query for a URL given the page's observed
// id and class tokens.
func (c *Client) Cosmetic(ctx context.Context, url string, ids, classes []string) (CosmeticResult, error) {
	reply := make(chan CosmeticResult, 1)
	select {
	case c.ch <- cosmeticQuery{url: url, ids: ids, classes: classes, reply: reply}:
	case <-ctx.Done():
		return CosmeticResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return CosmeticResult{}, ctx.Err()
	}
}

// Replace sends a ReplaceEngine command. It does not wait for the rebuild to
// finish; FIFO ordering on the channel guarantees any query enqueued after
// this call observes the new database.
func (c *Client) Replace(ruleText string) {
	c.ch <- replaceCommand{ruleText: ruleText}
}
