package transfer

import (
	"strconv"
	"sync"
)

// Fingerprint identifies a local file for de-duplication within a session.
func Fingerprint(filename string, size int64) string {
	return filename + ":" + strconv.FormatInt(size, 10)
}

// Ledger remembers which fingerprints were already stored and under which
// key. It is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]string
	onAdd   func(fingerprint, key string)
}

// NewLedger returns a ledger seeded with entries, which may be nil.
func NewLedger(entries map[string]string) *Ledger {
	l := &Ledger{entries: make(map[string]string, len(entries))}
	for k, v := range entries {
		l.entries[k] = v
	}
	return l
}

// OnRecord registers a callback invoked after each new entry, used to
// persist the resume cursor.
func (l *Ledger) OnRecord(fn func(fingerprint, key string)) {
	l.mu.Lock()
	l.onAdd = fn
	l.mu.Unlock()
}

// Lookup returns the stored key for a fingerprint.
func (l *Ledger) Lookup(fingerprint string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.entries[fingerprint]
	return key, ok
}

// Record stores a fingerprint.
func (l *Ledger) Record(fingerprint, key string) {
	l.mu.Lock()
	_, existed := l.entries[fingerprint]
	l.entries[fingerprint] = key
	fn := l.onAdd
	l.mu.Unlock()
	if !existed && fn != nil {
		fn(fingerprint, key)
	}
}

// Snapshot copies the entries.
func (l *Ledger) Snapshot() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}
