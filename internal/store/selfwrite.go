package store

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// DefaultSuppressionTTL is how long a recorded self-write stays eligible for
// echo suppression. The filesystem notification for our own write arrives
// well inside this window on every supported platform.
const DefaultSuppressionTTL = 500 * time.Millisecond

// Fingerprint returns the content fingerprint recorded for self-writes and
// compared by the watcher.
func Fingerprint(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type selfWrite struct {
	fingerprint string
	at          time.Time
}

// SelfWriteRegistry remembers recent writes performed through the Store so
// the watcher can tell the server's own filesystem events apart from
// external ones. Entries are keyed by relative path, matched by content
// fingerprint, consumed on match, and expire after the TTL.
type SelfWriteRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]selfWrite
}

// NewSelfWriteRegistry creates a registry with the given entry TTL.
// A non-positive ttl falls back to DefaultSuppressionTTL.
func NewSelfWriteRegistry(ttl time.Duration) *SelfWriteRegistry {
	if ttl <= 0 {
		ttl = DefaultSuppressionTTL
	}
	return &SelfWriteRegistry{
		ttl:     ttl,
		entries: make(map[string]selfWrite),
	}
}

// Record notes that content was just written to rel by this process.
// A newer write to the same path replaces the previous entry.
func (r *SelfWriteRegistry) Record(rel, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked()
	r.entries[rel] = selfWrite{fingerprint: Fingerprint(content), at: time.Now()}
}

// MatchAndConsume reports whether content at rel matches a live self-write
// entry. A match consumes the entry, so each recorded write suppresses at
// most one change evaluation.
func (r *SelfWriteRegistry) MatchAndConsume(rel, content string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked()
	entry, ok := r.entries[rel]
	if !ok {
		return false
	}
	if entry.fingerprint != Fingerprint(content) {
		return false
	}
	delete(r.entries, rel)
	return true
}

func (r *SelfWriteRegistry) purgeLocked() {
	cutoff := time.Now().Add(-r.ttl)
	for rel, entry := range r.entries {
		if entry.at.Before(cutoff) {
			delete(r.entries, rel)
		}
	}
}
