package filtercache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileName_ContentAddressed(t *testing.T) {
	a := FileName("https://example.com/list.txt")
	b := FileName("https://example.com/list.txt")
	if a != b {
		t.Fatal("FileName must be deterministic for the same url")
	}
	if FileName("https://example.com/other.txt") == a {
		t.Fatal("FileName must differ for different urls")
	}
	if filepath.Ext(a) != ".txt" {
		t.Errorf("expected .txt extension, got %q", a)
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(dir, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStoreAndLookup_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	url := "https://example.com/easylist.txt"

	if err := c.Store(url, []byte("||ads.example^"), "etag-1", 1000); err != nil {
		t.Fatalf("Store: %v", err)
	}

	meta, ok := c.Lookup(url)
	if !ok {
		t.Fatal("expected metadata entry after Store")
	}
	if meta.ETag != "etag-1" || meta.LastFetched != 1000 || meta.URL != url {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	body, ok := c.Body(url)
	if !ok || string(body) != "||ads.example^" {
		t.Errorf("unexpected body: %q ok=%v", body, ok)
	}
}

func TestBody_MissingFileReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	if _, ok := c.Body("https://example.com/never-fetched.txt"); ok {
		t.Error("expected miss for a url never stored")
	}
}

func TestLookup_MissingEntryReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	if _, ok := c.Lookup("https://example.com/unknown.txt"); ok {
		t.Error("expected miss for unknown url")
	}
}

func TestForget_RemovesBodyAndMetadata(t *testing.T) {
	c := newTestCache(t)
	url := "https://example.com/removed.txt"
	if err := c.Store(url, []byte("body"), "etag", 1); err != nil {
		t.Fatalf("Store: %v", err)
	}

	c.Forget(url)

	if _, ok := c.Lookup(url); ok {
		t.Error("expected metadata gone after Forget")
	}
	if _, ok := c.Body(url); ok {
		t.Error("expected body file gone after Forget")
	}
}

func TestStore_OverwritesExistingBody(t *testing.T) {
	c := newTestCache(t)
	url := "https://example.com/changing.txt"
	if err := c.Store(url, []byte("v1"), "etag-v1", 1); err != nil {
		t.Fatalf("Store v1: %v", err)
	}
	if err := c.Store(url, []byte("v2"), "etag-v2", 2); err != nil {
		t.Fatalf("Store v2: %v", err)
	}

	body, ok := c.Body(url)
	if !ok || string(body) != "v2" {
		t.Errorf("expected overwritten body v2, got %q", body)
	}
	meta, ok := c.Lookup(url)
	if !ok || meta.ETag != "etag-v2" {
		t.Errorf("expected overwritten metadata, got %+v", meta)
	}
}

func TestEviction_BodySurvivesMetadataEviction(t *testing.T) {
	const capacity = 4
	c, err := New(t.TempDir(), capacity)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	first := "https://example.com/list-0.txt"
	if err := c.Store(first, []byte("body-0"), "etag-0", 0); err != nil {
		t.Fatalf("Store: %v", err)
	}

	for i := 1; i <= capacity*3; i++ {
		url := "https://example.com/list-" + string(rune('a'+i)) + ".txt"
		if err := c.Store(url, []byte("body"), "etag", int64(i)); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	if _, ok := c.Body(first); !ok {
		t.Error("body for an evicted-metadata list must still be readable from disk")
	}
}

func TestNew_CreatesDirAndIsReopenable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	c, err := New(dir, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url := "https://example.com/persist.txt"
	if err := c.Store(url, []byte("body"), "etag", 5); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "filtercache.db")); err != nil {
		t.Fatalf("expected bbolt file on disk: %v", err)
	}

	reopened, err := New(dir, 8)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	defer reopened.Close()

	meta, ok := reopened.Lookup(url)
	if !ok || meta.ETag != "etag" {
		t.Errorf("expected metadata to survive reopen, got %+v ok=%v", meta, ok)
	}
	if body, ok := reopened.Body(url); !ok || string(body) != "body" {
		t.Errorf("expected body to survive reopen, got %q ok=%v", body, ok)
	}
}
