// Package updater implements the rule-set updater (spec component G): a
// long-running task that periodically refreshes enabled filter lists
// through the persistent filter cache and atomically swaps the filter
// engine, plus an apply-configuration channel for immediate rebuilds
// triggered by an admin edit.
//
// Grounded on
// _examples/original_source/privaxy/src/server/configuration/updater.rs
// (abortable periodic task racing an apply channel) and
// .../configuration/filter.rs (per-list fetch-or-reuse-cached-copy,
// default filter list URLs/groups, content-addressed file naming).
package updater

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"privaxy-go/internal/filtercache"
	"privaxy-go/internal/logger"
)

// engineClient is the subset of *engine.Client the updater depends on.
type engineClient interface {
	Replace(ruleText string)
}

// FilterList is one remote rule list tracked by the updater.
type FilterList struct {
	Enabled  bool
	Title    string
	Group    string
	FileName string
	URL      string
}

// Updater owns the current filter list configuration and drives periodic
// and on-demand rebuilds of the compiled engine database.
type Updater struct {
	cache  *filtercache.Cache
	client *http.Client
	engine engineClient
	log    *logger.Logger

	interval time.Duration
	applyCh  chan struct{}

	mu     sync.Mutex
	lists  []FilterList
	custom string
}

// New returns an Updater. interval is the periodic sweep period (10 minutes
// in production, overridable in tests).
func New(cache *filtercache.Cache, client *http.Client, engine engineClient, log *logger.Logger, interval time.Duration) *Updater {
	return &Updater{
		cache:    cache,
		client:   client,
		engine:   engine,
		log:      log,
		interval: interval,
		applyCh:  make(chan struct{}, 1),
	}
}

// SetLists replaces the tracked filter list configuration and triggers an
// immediate rebuild.
func (u *Updater) SetLists(lists []FilterList) {
	u.mu.Lock()
	u.lists = append([]FilterList(nil), lists...)
	u.mu.Unlock()
	u.TriggerApply()
}

// SetCustomRules replaces the user-supplied custom rule text and triggers an
// immediate rebuild.
func (u *Updater) SetCustomRules(text string) {
	u.mu.Lock()
	u.custom = text
	u.mu.Unlock()
	u.TriggerApply()
}

// TriggerApply requests an immediate rebuild, cancelling the current
// periodic wait. A rebuild already pending is not duplicated: the channel
// is buffered to exactly one outstanding signal.
func (u *Updater) TriggerApply() {
	select {
	case u.applyCh <- struct{}{}:
	default:
	}
}

// Run sweeps immediately, then alternates between a periodic wait and the
// apply-configuration channel, sweeping on whichever fires first, until ctx
// is cancelled. Per spec.md §4.G, an apply signal cancels the pending
// periodic wait; the periodic loop simply restarts after each sweep.
func (u *Updater) Run(ctx context.Context) {
	u.sweep(ctx)

	timer := time.NewTimer(u.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.applyCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			u.sweep(ctx)
			timer.Reset(u.interval)
		case <-timer.C:
			u.sweep(ctx)
			timer.Reset(u.interval)
		}
	}
}

// sweep fetches every enabled list (skipping failures, per spec.md §4.G:
// "failures of individual lists do not abort the sweep"), then rebuilds the
// engine from whatever is now cached plus custom rules.
func (u *Updater) sweep(ctx context.Context) {
	u.mu.Lock()
	lists := append([]FilterList(nil), u.lists...)
	custom := u.custom
	u.mu.Unlock()

	for _, fl := range lists {
		if !fl.Enabled {
			continue
		}
		if err := u.fetchOne(ctx, fl); err != nil {
			u.log.Warnf("filter_fetch", "%s (%s): %v, keeping cached copy", fl.Title, fl.URL, err)
		}
	}

	var b strings.Builder
	for _, fl := range lists {
		if !fl.Enabled {
			continue
		}
		if body, ok := u.cache.Body(fl.URL); ok {
			b.Write(body)
			b.WriteByte('\n')
		}
	}
	b.WriteString(custom)

	u.engine.Replace(b.String())
	u.log.Info("filter_rebuild", "engine rebuilt from cached filter lists and custom rules")
}

// fetchOne GETs one list's URL, sending a conditional If-None-Match when a
// prior ETag is known. A 304 leaves the cached copy untouched; any non-2xx
// status or transport error is returned so the caller can log and move on,
// per-list, without touching the existing cached body.
func (u *Updater) fetchOne(ctx context.Context, fl FilterList) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fl.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if meta, ok := u.cache.Lookup(fl.URL); ok && meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	body := make([]byte, 0, 64*1024)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read body: %w", rerr)
		}
	}

	return u.cache.Store(fl.URL, body, resp.Header.Get("ETag"), time.Now().Unix())
}
