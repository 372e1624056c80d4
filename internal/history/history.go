// Package history implements a per-user bounded ring of recent turns,
// lazily hydrated from the external store on first access.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Message is one (role, content) entry in a user's history.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Turn is one row as returned by the store, newest-first.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// TurnFetcher is the narrow slice of the Store port the registry
// needs to hydrate a user's history on first access.
type TurnFetcher interface {
	FetchRecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error)
}

// DefaultMaxRounds is MAX_HISTORY_ROUNDS' default; each round is two
// messages (user + assistant), so the ring holds 2*MaxRounds entries.
const DefaultMaxRounds = 3

type userEntry struct {
	mu         sync.Mutex
	messages   []Message
	hydrated   bool
	lastActive time.Time
}

// Registry is the UserHistoryRegistry. Zero value is not usable;
// construct with New.
type Registry struct {
	store     TurnFetcher
	maxRounds int

	mu      sync.Mutex // guards insert of a new user entry only
	entries map[string]*userEntry
}

// New constructs a Registry backed by store. maxRounds <= 0 uses
// DefaultMaxRounds.
func New(store TurnFetcher, maxRounds int) *Registry {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Registry{
		store:     store,
		maxRounds: maxRounds,
		entries:   make(map[string]*userEntry),
	}
}

// ringSize is the max message count: 2*maxRounds.
func (r *Registry) ringSize() int { return 2 * r.maxRounds }

// getOrCreate looks up a user's entry, creating it under the
// registry-wide mutex if absent. The registry-wide lock is held only
// for the map insert, never across hydrate/append/snapshot — those
// take the per-user lock, and the lock order is always
// registry-mutex-then-release before per-user-mutex-acquire, never
// the reverse, so no deadlock is possible.
func (r *Registry) getOrCreate(userID string) *userEntry {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		e = &userEntry{}
		r.entries[userID] = e
	}
	r.mu.Unlock()
	return e
}

// Get returns a hydrated snapshot of userID's history. On first
// access for this user it calls FetchRecentTurns(limit=2*maxRounds),
// which returns newest-first, reverses to oldest-first, and stores
// that as the initial ring. Concurrent first-accesses for the same
// user serialize on the per-user lock, so exactly one fetch happens
// regardless of how many goroutines race to read a cold user.
func (r *Registry) Get(ctx context.Context, userID string) ([]Message, error) {
	e := r.getOrCreate(userID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hydrated {
		turns, err := r.store.FetchRecentTurns(ctx, userID, r.ringSize())
		if err != nil {
			return nil, fmt.Errorf("hydrate history for %s: %w", userID, err)
		}
		e.messages = make([]Message, len(turns))
		for i, t := range turns {
			// turns is newest-first; reverse into oldest-first.
			e.messages[len(turns)-1-i] = Message{Role: t.Role, Content: t.Content}
		}
		e.hydrated = true
	}

	return snapshotOf(e.messages), nil
}

// Append pushes a new message onto userID's history, dropping from
// the head if the ring exceeds its bound. If the user has never been
// hydrated, Append hydrates first so the ring starts from real state
// rather than an empty one.
func (r *Registry) Append(ctx context.Context, userID, role, content string) error {
	if _, err := r.Get(ctx, userID); err != nil {
		return err
	}

	e := r.getOrCreate(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.messages = append(e.messages, Message{Role: role, Content: content})
	if over := len(e.messages) - r.ringSize(); over > 0 {
		e.messages = e.messages[over:]
	}
	e.lastActive = time.Now()
	return nil
}

// snapshotOf returns an independent copy so callers (prompt assembly)
// never observe a mutation made after the snapshot was taken.
func snapshotOf(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
