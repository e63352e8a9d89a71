package store

import (
	"sort"
	"sync"
)

// echoToleranceMs bounds the timestamp window used to match an inbound
// echo against an already stored message when no server ID is present.
// Two genuinely identical rapid messages inside the window collapse
// into one; a server-assigned idempotency key would be needed to tell
// them apart and the push channel does not carry one.
const echoToleranceMs = 5_000

// Transcript holds the ordered message log for the single open
// conversation. Messages are kept in CreatedAt ascending order
// regardless of arrival order. Selection is epoch-guarded: a history
// fetch that completes after a newer selection is discarded instead of
// overwriting it.
type Transcript struct {
	mu       sync.Mutex
	openKey  string
	epoch    uint64
	messages []*TranscriptMessage
}

// NewTranscript creates an empty transcript with no open conversation.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// BeginLoad opens phoneKey and returns the epoch token the matching
// CompleteLoad must present. Selecting a different key discards the
// previous conversation's messages immediately (any in-flight sends
// for it reconcile into nothing); re-selecting the open key keeps the
// current messages visible until the fresh history lands.
func (t *Transcript) BeginLoad(phoneKey string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	if phoneKey != t.openKey {
		t.openKey = phoneKey
		t.messages = t.messages[:0]
	}
	return t.epoch
}

// CompleteLoad replaces the transcript with fetched history. Returns
// false without mutating anything when epoch is stale, i.e. another
// selection happened while the fetch was in flight. Pending and failed
// sends not yet visible in the fetched history are carried over, so
// re-selecting the open conversation never destroys an in-flight send
// or a failed body the user may want to retry.
func (t *Transcript) CompleteLoad(epoch uint64, msgs []TranscriptMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch != t.epoch {
		return false
	}
	var carry []*TranscriptMessage
	for _, cur := range t.messages {
		if cur.Status != StatusPending && cur.Status != StatusFailed {
			continue
		}
		if !historyContains(msgs, cur) {
			carry = append(carry, cur)
		}
	}
	t.messages = t.messages[:0]
	for i := range msgs {
		m := msgs[i]
		m.PhoneKey = t.openKey
		t.insert(&m)
	}
	for _, m := range carry {
		t.insert(m)
	}
	return true
}

// historyContains reports whether fetched history already includes m,
// using the same matching rules as findDuplicate.
func historyContains(history []TranscriptMessage, m *TranscriptMessage) bool {
	for i := range history {
		h := &history[i]
		if m.ServerID != "" && h.ServerID != "" {
			if h.ServerID == m.ServerID {
				return true
			}
			continue
		}
		if h.Body == m.Body && h.Direction == m.Direction &&
			absDiff(h.CreatedAt, m.CreatedAt) <= echoToleranceMs {
			return true
		}
	}
	return false
}

// AppendOptimistic inserts a pending outbound message for the open
// conversation before any network call settles. Returns the stored
// entry; its LocalID stays stable through reconciliation so the UI
// never drops and re-adds it.
func (t *Transcript) AppendOptimistic(localID, body string, at int64) (TranscriptMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openKey == "" {
		return TranscriptMessage{}, ErrNoOpenConversation
	}
	m := &TranscriptMessage{
		LocalID:   localID,
		PhoneKey:  t.openKey,
		Body:      body,
		Direction: Outbound,
		Status:    StatusPending,
		CreatedAt: at,
	}
	t.insert(m)
	return *m, nil
}

// Confirm commits the optimistic entry with the authoritative send
// result, mutating it in place. Returns false when localID is no
// longer present (the conversation was switched since the send).
func (t *Transcript) Confirm(localID, serverID string, st Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byLocalID(localID)
	if m == nil {
		return false
	}
	m.ServerID = serverID
	if st != StatusDelivered {
		st = StatusSent
	}
	m.Status = st
	return true
}

// Fail aborts the optimistic entry: status becomes failed, the body is
// preserved so the user's typed message is never lost. Returns false
// when localID is no longer present.
func (t *Transcript) Fail(localID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byLocalID(localID)
	if m == nil {
		return false
	}
	m.Status = StatusFailed
	return true
}

// AppendInbound inserts a live message in CreatedAt order, provided it
// belongs to the open conversation. De-duplicates against stored
// entries: by ServerID when the event carries one, otherwise by body,
// direction and a timestamp tolerance window, so an optimistic send
// echoed back by the push channel is not rendered twice. Returns true
// when a new entry was inserted.
func (t *Transcript) AppendInbound(m TranscriptMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openKey == "" || m.PhoneKey != t.openKey {
		return false
	}

	if dup := t.findDuplicate(&m); dup != nil {
		if dup.ServerID == "" {
			dup.ServerID = m.ServerID
		}
		if dup.Status == StatusPending || dup.Status == StatusSent {
			dup.Status = StatusDelivered
		}
		return false
	}

	if m.Status == "" {
		m.Status = StatusDelivered
	}
	t.insert(&m)
	return true
}

func (t *Transcript) findDuplicate(m *TranscriptMessage) *TranscriptMessage {
	for _, cur := range t.messages {
		if m.ServerID != "" && cur.ServerID != "" {
			if cur.ServerID == m.ServerID {
				return cur
			}
			// Distinct confirmed messages, even if textually equal.
			continue
		}
		if cur.Body == m.Body && cur.Direction == m.Direction &&
			absDiff(cur.CreatedAt, m.CreatedAt) <= echoToleranceMs {
			return cur
		}
	}
	return nil
}

// insert places m keeping CreatedAt ascending order; equal timestamps
// preserve insertion order. Caller holds mu.
func (t *Transcript) insert(m *TranscriptMessage) {
	i := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt > m.CreatedAt
	})
	t.messages = append(t.messages, nil)
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = m
}

func (t *Transcript) byLocalID(localID string) *TranscriptMessage {
	for _, m := range t.messages {
		if m.LocalID == localID {
			return m
		}
	}
	return nil
}

// OpenKey returns the phone key of the open conversation, or "".
func (t *Transcript) OpenKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openKey
}

// Messages returns a copy of the log in CreatedAt ascending order.
func (t *Transcript) Messages() []TranscriptMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscriptMessage, len(t.messages))
	for i, m := range t.messages {
		out[i] = *m
	}
	return out
}

// Len returns the number of messages in the open conversation.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
