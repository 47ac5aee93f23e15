package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

func startWorker(t *testing.T, blocking *Flag) *Client {
	t.Helper()
	w := NewWorker(blocking, nil)
	go w.Run()
	t.Cleanup(w.Stop)
	return NewClient(w)
}

func TestIsBlocked_NoMatch(t *testing.T) {
	c := startWorker(t, NewFlag())
	ctx := context.Background()
	res, err := c.IsBlocked(ctx, "https://example.com/index.html", "", "other")
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if res.Blocked {
		t.Error("expected no match against an empty database")
	}
}

func TestIsBlocked_NetworkRuleBlocks(t *testing.T) {
	blocking := NewFlag()
	c := startWorker(t, blocking)
	c.Replace("||ads.example^$script")
	time.Sleep(10 * time.Millisecond)

	res, err := c.IsBlocked(context.Background(), "https://ads.example/track.js", "", "script")
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if !res.Blocked {
		t.Error("expected request to be blocked")
	}
}

func TestIsBlocked_ResourceTypeMismatchDoesNotBlock(t *testing.T) {
	c := startWorker(t, NewFlag())
	c.Replace("||ads.example^$image")
	time.Sleep(10 * time.Millisecond)

	res, _ := c.IsBlocked(context.Background(), "https://ads.example/track.js", "", "script")
	if res.Blocked {
		t.Error("rule scoped to $image should not block a script request")
	}
}

func TestIsBlocked_ExceptionOverridesBlock(t *testing.T) {
	c := startWorker(t, NewFlag())
	c.Replace("||ads.example^\n@@||ads.example/allowed.js^")
	time.Sleep(10 * time.Millisecond)

	res, _ := c.IsBlocked(context.Background(), "https://ads.example/allowed.js", "", "other")
	if res.Blocked {
		t.Error("exception should override the block")
	}
	if !res.Exception {
		t.Error("expected Exception to be set")
	}
}

func TestIsBlocked_ImportantOverridesException(t *testing.T) {
	c := startWorker(t, NewFlag())
	c.Replace("||ads.example^$important\n@@||ads.example^")
	time.Sleep(10 * time.Millisecond)

	res, _ := c.IsBlocked(context.Background(), "https://ads.example/x", "", "other")
	if !res.Blocked {
		t.Error("$important block should win over exception")
	}
}

// TestBlockingDisabled_ShortCircuit exercises invariant 6: when blocking is
// disabled, every query returns the neutral result regardless of rule
// content, and the database is never consulted.
func TestBlockingDisabled_ShortCircuit(t *testing.T) {
	flag := NewFlag()
	flag.SetEnabled(false)
	c := startWorker(t, flag)
	c.Replace("||ads.example^")
	time.Sleep(10 * time.Millisecond)

	res, _ := c.IsBlocked(context.Background(), "https://ads.example/x", "", "other")
	if res.Blocked {
		t.Error("blocking disabled: network query must never block")
	}

	cos, _ := c.Cosmetic(context.Background(), "https://ads.example/x", []string{"ad1"}, nil)
	if len(cos.HiddenSelectors) != 0 || cos.InjectedScript != "" {
		t.Error("blocking disabled: cosmetic query must return empty selectors")
	}
}

func TestCosmetic_CompoundSelectorIncluded(t *testing.T) {
	c := startWorker(t, NewFlag())
	c.Replace("##div[id=\"ad1\"]\nexample.com##span.unused")
	time.Sleep(10 * time.Millisecond)

	cos, err := c.Cosmetic(context.Background(), "https://example.com/page", []string{"ad1"}, nil)
	if err != nil {
		t.Fatalf("Cosmetic: %v", err)
	}
	found := false
	for _, s := range cos.HiddenSelectors {
		if s == `div[id="ad1"]` {
			found = true
		}
	}
	if !found {
		t.Errorf("expected compound selector to be included, got %v", cos.HiddenSelectors)
	}
}

func TestCosmetic_IDAnchoredSelectorRequiresObservedID(t *testing.T) {
	c := startWorker(t, NewFlag())
	c.Replace("###ad1") // "##" marker + selector "#ad1"
	time.Sleep(10 * time.Millisecond)

	cosAbsent, _ := c.Cosmetic(context.Background(), "https://example.com/page", nil, nil)
	for _, s := range cosAbsent.HiddenSelectors {
		if s == "#ad1" {
			t.Error("#ad1 should not be emitted when id \"ad1\" was not observed on the page")
		}
	}

	cosPresent, _ := c.Cosmetic(context.Background(), "https://example.com/page", []string{"ad1"}, nil)
	found := false
	for _, s := range cosPresent.HiddenSelectors {
		if s == "#ad1" {
			found = true
		}
	}
	if !found {
		t.Error("#ad1 should be emitted once id \"ad1\" is observed on the page")
	}
}

func TestCosmetic_ScriptletInjection(t *testing.T) {
	c := startWorker(t, NewFlag())
	c.Replace("##+js(set-constant, x, 1)")
	time.Sleep(10 * time.Millisecond)

	cos, _ := c.Cosmetic(context.Background(), "https://example.com/page", nil, nil)
	if cos.InjectedScript == "" {
		t.Error("expected a non-empty injected script")
	}
}

// TestEngineLinearizability exercises invariant 2: a Replace that completes
// before a query is enqueued must be visible to that query (FIFO ordering
// on the single channel guarantees this without any extra synchronization).
func TestEngineLinearizability(t *testing.T) {
	c := startWorker(t, NewFlag())
	c.Replace("||blocked.example^")
	res, _ := c.IsBlocked(context.Background(), "https://blocked.example/x", "", "other")
	if !res.Blocked {
		t.Error("query enqueued after Replace must observe the new database")
	}
}

func TestClient_ConcurrentQueries(t *testing.T) {
	c := startWorker(t, NewFlag())
	c.Replace("||blocked.example^")
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.IsBlocked(context.Background(), "https://blocked.example/x", "", "other"); err != nil {
				t.Errorf("IsBlocked: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestFlag_DefaultEnabled(t *testing.T) {
	f := NewFlag()
	if !f.Enabled() {
		t.Error("flag should default to enabled")
	}
	f.SetEnabled(false)
	if f.Enabled() {
		t.Error("SetEnabled(false) should disable")
	}
}
