// internal/router/counters.go
package router

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/emanueleielo/ciana-parrot/internal/store"
)

// Counters tracks per-chat session reset counters, persisted so resets
// survive restarts. Keys are "<channel>_<chat_id>"; values only ever grow.
type Counters struct {
	store *store.JSONStore

	mu     sync.Mutex
	counts map[string]int
}

// OpenCounters loads the counter file at path.
func OpenCounters(path string) (*Counters, error) {
	js, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session counters: %w", err)
	}

	counts := make(map[string]int)
	if err := js.All(&counts); err != nil {
		return nil, fmt.Errorf("decode session counters: %w", err)
	}
	for key, n := range counts {
		if n < 0 {
			delete(counts, key)
		}
	}

	return &Counters{store: js, counts: counts}, nil
}

// Get returns the counter for key (0 when never reset).
func (c *Counters) Get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// Increment bumps the counter for key, persists it, and returns the new value.
func (c *Counters) Increment(key string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.counts[key] + 1
	c.counts[key] = n
	if err := c.store.Set(key, n); err != nil {
		return n, err
	}
	return n, nil
}

// Sync reconciles the counters with thread ids observed in the conversation
// checkpoint namespace: a thread "<base>_sN" forces the counter for <base>
// to at least N+1, so restored backups cannot collide with future threads.
func (c *Counters) Sync(threadIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range threadIDs {
		base, suffix, ok := splitThreadSuffix(id)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 0 {
			continue
		}
		if n >= c.counts[base] {
			c.counts[base] = n + 1
			if err := c.store.Set(base, n+1); err != nil {
				slog.Warn("failed to persist synced counter", "key", base, "error", err)
			}
			slog.Info("session counter synced", "key", base, "counter", n+1)
		}
	}
}

// splitThreadSuffix splits "<base>_sN" at the LAST "_s" marker, mirroring a
// right-split so chat ids containing "_s" don't confuse the parse.
func splitThreadSuffix(id string) (base, suffix string, ok bool) {
	i := strings.LastIndex(id, "_s")
	if i < 0 {
		return id, "", false
	}
	return id[:i], id[i+2:], true
}
