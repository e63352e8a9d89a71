package store

import (
	"sort"
	"sync"
)

// UnreadSet tracks conversations with activity since they were last
// actively viewed, as a set of normalized phone keys.
type UnreadSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewUnreadSet creates an empty set.
func NewUnreadSet() *UnreadSet {
	return &UnreadSet{keys: make(map[string]struct{})}
}

// MarkUnread adds a key. Returns true when the key was newly added.
func (u *UnreadSet) MarkUnread(phoneKey string) bool {
	if phoneKey == "" {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.keys[phoneKey]; ok {
		return false
	}
	u.keys[phoneKey] = struct{}{}
	return true
}

// MarkRead removes a key. Returns true when the key was present.
func (u *UnreadSet) MarkRead(phoneKey string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.keys[phoneKey]; !ok {
		return false
	}
	delete(u.keys, phoneKey)
	return true
}

// Contains reports whether a key is marked unread.
func (u *UnreadSet) Contains(phoneKey string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.keys[phoneKey]
	return ok
}

// Keys returns the unread keys in sorted order.
func (u *UnreadSet) Keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.keys))
	for k := range u.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of unread conversations.
func (u *UnreadSet) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.keys)
}
