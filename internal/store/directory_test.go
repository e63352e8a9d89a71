package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeFetcher serves scripted pages keyed by cursor.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]Page
	err     error
	calls   int
	block   chan struct{} // when set, FetchProspects waits on it
	started chan struct{} // signaled once a blocked fetch has begun
}

func (f *fakeFetcher) FetchProspects(_ context.Context, cursor string, _ int, _ Filters) (Page, error) {
	f.mu.Lock()
	f.calls++
	block, started := f.block, f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Page{}, f.err
	}
	return f.pages[cursor], nil
}

func prospect(key string, at int64) ProspectSummary {
	return ProspectSummary{
		ID:            "id-" + key,
		PhoneKey:      key,
		DisplayName:   "name " + key,
		LastMessageAt: at,
	}
}

func TestLoadFirstPageReplacesDirectory(t *testing.T) {
	f := &fakeFetcher{pages: map[string]Page{
		"": {Prospects: []ProspectSummary{prospect("+521", 10), prospect("+522", 20)}, HasMore: true, NextCursor: "c1"},
	}}
	d := NewDirectory(f, 25)

	d.Upsert(prospect("+999", 99))
	got, err := d.LoadFirstPage(context.Background(), Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2 (stale entry must be dropped)", len(got))
	}
	if got[0].PhoneKey != "+522" {
		t.Errorf("first entry = %s, want +522 (most recent first)", got[0].PhoneKey)
	}
	if !d.HasMore() {
		t.Error("HasMore = false, want true")
	}
}

func TestLoadNextPageAppendsAndDeduplicates(t *testing.T) {
	f := &fakeFetcher{pages: map[string]Page{
		"":   {Prospects: []ProspectSummary{prospect("+521", 30)}, HasMore: true, NextCursor: "c1"},
		"c1": {Prospects: []ProspectSummary{prospect("+521", 30), prospect("+522", 20)}, HasMore: true, NextCursor: "c2"},
		"c2": {Prospects: []ProspectSummary{prospect("+523", 10)}, HasMore: false},
	}}
	d := NewDirectory(f, 25)

	if _, err := d.LoadFirstPage(context.Background(), Filters{}); err != nil {
		t.Fatal(err)
	}
	sizes := []int{d.Len()}
	for d.HasMore() {
		if _, err := d.LoadNextPage(context.Background()); err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, d.Len())
	}

	// Strictly increasing size, no duplicate keys.
	for i := 1; i < len(sizes); i++ {
		if sizes[i] <= sizes[i-1] {
			t.Errorf("size did not grow: %v", sizes)
		}
	}
	seen := map[string]bool{}
	for _, p := range d.Snapshot() {
		if seen[p.PhoneKey] {
			t.Errorf("duplicate key %s", p.PhoneKey)
		}
		seen[p.PhoneKey] = true
	}
	if d.HasMore() {
		t.Error("HasMore = true after final page")
	}
}

func TestLoadNextPageNoopWithoutCursor(t *testing.T) {
	f := &fakeFetcher{pages: map[string]Page{
		"": {Prospects: []ProspectSummary{prospect("+521", 1)}, HasMore: false},
	}}
	d := NewDirectory(f, 25)
	if _, err := d.LoadFirstPage(context.Background(), Filters{}); err != nil {
		t.Fatal(err)
	}

	got, err := d.LoadNextPage(context.Background())
	if err != nil || got != nil {
		t.Errorf("expected silent no-op, got (%v, %v)", got, err)
	}
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls)
	}
}

func TestConcurrentLoadNextPageIsNoop(t *testing.T) {
	f := &fakeFetcher{
		pages: map[string]Page{
			"":   {Prospects: []ProspectSummary{prospect("+521", 1)}, HasMore: true, NextCursor: "c1"},
			"c1": {Prospects: []ProspectSummary{prospect("+522", 2)}, HasMore: false},
		},
	}
	d := NewDirectory(f, 25)
	if _, err := d.LoadFirstPage(context.Background(), Filters{}); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.block = make(chan struct{})
	f.started = make(chan struct{}, 1)
	f.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := d.LoadNextPage(context.Background())
		done <- err
	}()
	<-f.started

	// Second call while the first is in flight must not fetch.
	got, err := d.LoadNextPage(context.Background())
	if err != nil || got != nil {
		t.Errorf("concurrent call: got (%v, %v), want silent no-op", got, err)
	}

	close(f.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if f.calls != 2 {
		t.Errorf("fetcher called %d times, want 2", f.calls)
	}
	if d.Len() != 2 {
		t.Errorf("directory has %d entries, want 2", d.Len())
	}
}

func TestFailedFetchLeavesStateUntouched(t *testing.T) {
	f := &fakeFetcher{pages: map[string]Page{
		"":   {Prospects: []ProspectSummary{prospect("+521", 1)}, HasMore: true, NextCursor: "c1"},
		"c1": {Prospects: []ProspectSummary{prospect("+522", 2)}, HasMore: false},
	}}
	d := NewDirectory(f, 25)
	if _, err := d.LoadFirstPage(context.Background(), Filters{}); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.err = errors.New("backend down")
	f.mu.Unlock()
	if _, err := d.LoadNextPage(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if d.State() != FetchError {
		t.Errorf("state = %v, want FetchError", d.State())
	}
	if d.Err() == nil {
		t.Error("Err() = nil after failure")
	}
	if d.Len() != 1 {
		t.Errorf("directory mutated on failure: %d entries", d.Len())
	}

	// Retry with the same cursor succeeds and resumes where it left off.
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	if _, err := d.LoadNextPage(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.Len() != 2 || d.Err() != nil {
		t.Errorf("retry: len=%d err=%v", d.Len(), d.Err())
	}
}

func TestUpsertIdempotentAndResorts(t *testing.T) {
	d := NewDirectory(&fakeFetcher{}, 25)

	d.Upsert(ProspectSummary{PhoneKey: "+521", LastMessageAt: 100, LastMessagePreview: "old"})
	d.Upsert(ProspectSummary{PhoneKey: "+522", LastMessageAt: 200})
	for i := 0; i < 3; i++ {
		d.Upsert(ProspectSummary{PhoneKey: "+521", LastMessageAt: 300, LastMessagePreview: "hi"})
	}

	entries := d.Snapshot()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].PhoneKey != "+521" || entries[0].LastMessagePreview != "hi" || entries[0].LastMessageAt != 300 {
		t.Errorf("top entry = %+v", entries[0])
	}
}

func TestUpsertNeverRegressesActivity(t *testing.T) {
	d := NewDirectory(&fakeFetcher{}, 25)
	d.Upsert(ProspectSummary{PhoneKey: "+521", LastMessageAt: 500, LastMessagePreview: "fresh"})
	d.Upsert(ProspectSummary{PhoneKey: "+521", LastMessageAt: 100, LastMessagePreview: "stale"})

	p, ok := d.Get("+521")
	if !ok || p.LastMessagePreview != "fresh" || p.LastMessageAt != 500 {
		t.Errorf("got %+v", p)
	}
}

func TestUpsertPreservesKnownFields(t *testing.T) {
	f := &fakeFetcher{pages: map[string]Page{
		"": {Prospects: []ProspectSummary{{PhoneKey: "+521", DisplayName: "Ana", SourceTable: "imports", AIEnabled: true, LastMessageAt: 10}}},
	}}
	d := NewDirectory(f, 25)
	if _, err := d.LoadFirstPage(context.Background(), Filters{}); err != nil {
		t.Fatal(err)
	}

	// A live projection carries only activity fields.
	d.Upsert(ProspectSummary{PhoneKey: "+521", LastMessagePreview: "hola", LastMessageAt: 20})

	p, _ := d.Get("+521")
	if p.DisplayName != "Ana" || p.SourceTable != "imports" || !p.AIEnabled {
		t.Errorf("known fields erased: %+v", p)
	}
	if p.LastMessagePreview != "hola" || p.LastMessageAt != 20 {
		t.Errorf("activity not applied: %+v", p)
	}
}

func TestSearch(t *testing.T) {
	d := NewDirectory(&fakeFetcher{}, 25)
	d.Upsert(ProspectSummary{PhoneKey: "+5215512345678", DisplayName: "Ana Torres", LastMessageAt: 2})
	d.Upsert(ProspectSummary{PhoneKey: "+5215598765432", DisplayName: "Benito", LastMessageAt: 1})

	if got := d.Search("torres"); len(got) != 1 || got[0].DisplayName != "Ana Torres" {
		t.Errorf("name search: %v", got)
	}
	if got := d.Search("5598"); len(got) != 1 || got[0].DisplayName != "Benito" {
		t.Errorf("phone search: %v", got)
	}
	if got := d.Search(""); len(got) != 2 {
		t.Errorf("empty term: %d results, want all", len(got))
	}
	if d.Len() != 2 {
		t.Error("search mutated state")
	}
}

func TestPaginationManyPages(t *testing.T) {
	pages := map[string]Page{}
	cursor := ""
	for i := 0; i < 5; i++ {
		next := fmt.Sprintf("c%d", i+1)
		p := Page{HasMore: i < 4, NextCursor: next}
		if !p.HasMore {
			p.NextCursor = ""
		}
		for j := 0; j < 3; j++ {
			p.Prospects = append(p.Prospects, prospect(fmt.Sprintf("+52%d%d", i, j), int64(100-i*3-j)))
		}
		pages[cursor] = p
		cursor = next
	}
	d := NewDirectory(&fakeFetcher{pages: pages}, 3)

	if _, err := d.LoadFirstPage(context.Background(), Filters{}); err != nil {
		t.Fatal(err)
	}
	for d.HasMore() {
		if _, err := d.LoadNextPage(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if d.Len() != 15 {
		t.Errorf("got %d entries, want 15", d.Len())
	}
}
