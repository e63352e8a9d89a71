package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// FetchState of a directory page load.
type FetchState int

const (
	FetchIdle FetchState = iota
	FetchInFlight
	FetchError
)

// Filters narrow the prospect query sent to the backend.
type Filters struct {
	Role          string
	AdvisorFilter string
}

// Page is one directory page as returned by the backend.
type Page struct {
	Prospects  []ProspectSummary
	HasMore    bool
	NextCursor string
}

// Fetcher loads directory pages. An empty cursor requests page zero.
type Fetcher interface {
	FetchProspects(ctx context.Context, cursor string, limit int, f Filters) (Page, error)
}

// Directory is the paginated, de-duplicated collection of conversation
// summaries, keyed by normalized phone and ordered by last message time
// descending. It is a cache, not a source of truth: entries are never
// deleted outside a full reload.
type Directory struct {
	fetcher  Fetcher
	pageSize int

	mu      sync.Mutex
	entries []*ProspectSummary
	index   map[string]*ProspectSummary
	cursor  string
	hasMore bool
	state   FetchState
	filters Filters
	lastErr error
}

// NewDirectory creates an empty directory backed by f.
func NewDirectory(f Fetcher, pageSize int) *Directory {
	if pageSize <= 0 {
		pageSize = 25
	}
	return &Directory{
		fetcher:  f,
		pageSize: pageSize,
		index:    make(map[string]*ProspectSummary),
	}
}

// LoadFirstPage fetches page zero and replaces the entire directory.
// Used on mount and on explicit full refresh. Refused while another
// load is in flight. A failed fetch leaves the directory untouched.
func (d *Directory) LoadFirstPage(ctx context.Context, f Filters) ([]ProspectSummary, error) {
	d.mu.Lock()
	if d.state == FetchInFlight {
		d.mu.Unlock()
		return nil, ErrLoadInFlight
	}
	d.state = FetchInFlight
	d.filters = f
	d.mu.Unlock()

	page, err := d.fetcher.FetchProspects(ctx, "", d.pageSize, f)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.state = FetchError
		d.lastErr = err
		return nil, err
	}

	d.entries = d.entries[:0]
	d.index = make(map[string]*ProspectSummary, len(page.Prospects))
	d.merge(page.Prospects, true)
	d.cursor = page.NextCursor
	d.hasMore = page.HasMore
	d.state = FetchIdle
	d.lastErr = nil
	return copySummaries(d.entries), nil
}

// LoadNextPage fetches the page after the current cursor and appends
// it, de-duplicated by phone key. It is a no-op when no cursor is
// pending or a load is already in flight, so concurrent scroll
// triggers cannot double-fetch. A failed fetch leaves directory and
// cursor unchanged; the caller may simply retry.
func (d *Directory) LoadNextPage(ctx context.Context) ([]ProspectSummary, error) {
	d.mu.Lock()
	if d.state == FetchInFlight || !d.hasMore {
		d.mu.Unlock()
		return nil, nil
	}
	cursor := d.cursor
	filters := d.filters
	d.state = FetchInFlight
	d.mu.Unlock()

	page, err := d.fetcher.FetchProspects(ctx, cursor, d.pageSize, filters)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.state = FetchError
		d.lastErr = err
		return nil, err
	}

	d.merge(page.Prospects, true)
	d.cursor = page.NextCursor
	d.hasMore = page.HasMore
	d.state = FetchIdle
	d.lastErr = nil
	return copySummaries(d.entries), nil
}

// Upsert inserts or updates an entry by phone key and re-sorts so the
// most recently active conversation floats to the top. Idempotent.
// Used by the live channel with summaries projected from push events:
// zero fields of p never erase known fields of an existing entry, and
// LastMessageAt only moves forward, so a page fetch racing a fresher
// live event cannot regress the preview.
func (d *Directory) Upsert(p ProspectSummary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.merge([]ProspectSummary{p}, false)
}

// merge applies entries into the index, then re-sorts. Page fetches
// (authoritative=true) last-apply every field; live projections only
// fill what they carry. Caller holds mu.
func (d *Directory) merge(in []ProspectSummary, authoritative bool) {
	for _, p := range in {
		if p.PhoneKey == "" {
			continue
		}
		cur, ok := d.index[p.PhoneKey]
		if !ok {
			cp := p
			d.index[p.PhoneKey] = &cp
			d.entries = append(d.entries, &cp)
			continue
		}
		if p.ID != "" {
			cur.ID = p.ID
		}
		if p.DisplayName != "" {
			cur.DisplayName = p.DisplayName
		}
		if p.SourceTable != "" {
			cur.SourceTable = p.SourceTable
		}
		if authoritative {
			cur.AIEnabled = p.AIEnabled
		}
		if p.LastMessageAt >= cur.LastMessageAt {
			cur.LastMessageAt = p.LastMessageAt
			cur.LastMessagePreview = p.LastMessagePreview
		}
	}
	sort.SliceStable(d.entries, func(i, j int) bool {
		return d.entries[i].LastMessageAt > d.entries[j].LastMessageAt
	})
}

// Search is a pure client-side filter over name and phone substring
// match. No state is mutated and no network call is made.
func (d *Directory) Search(term string) []ProspectSummary {
	term = strings.ToLower(strings.TrimSpace(term))
	d.mu.Lock()
	defer d.mu.Unlock()
	if term == "" {
		return copySummaries(d.entries)
	}
	var out []ProspectSummary
	for _, p := range d.entries {
		if strings.Contains(strings.ToLower(p.DisplayName), term) ||
			strings.Contains(strings.ToLower(p.PhoneKey), term) {
			out = append(out, *p)
		}
	}
	return out
}

// Get returns the entry for a phone key, if known.
func (d *Directory) Get(phoneKey string) (ProspectSummary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.index[phoneKey]
	if !ok {
		return ProspectSummary{}, false
	}
	return *p, true
}

// Snapshot returns a copy of all entries in display order.
func (d *Directory) Snapshot() []ProspectSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copySummaries(d.entries)
}

// Len returns the number of directory entries.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// HasMore reports whether another page is available.
func (d *Directory) HasMore() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasMore
}

// State returns the current fetch state.
func (d *Directory) State() FetchState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the error of the last failed fetch, or nil.
func (d *Directory) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func copySummaries(in []*ProspectSummary) []ProspectSummary {
	out := make([]ProspectSummary, len(in))
	for i, p := range in {
		out[i] = *p
	}
	return out
}
