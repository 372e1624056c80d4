// Package memtrigger implements a turn-count-triggered background
// summarize-and-embed hook: after a turn is persisted, it decides
// whether to spawn a job, fully detached from the turn's response
// path, in the same shape as internal/memory/extractor.go
// (best-effort, async, errors logged never surfaced) for a different
// trigger condition.
package memtrigger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher is the narrow slice of DispatchManager the hook needs.
type Dispatcher interface {
	ExtractMemory(ctx context.Context, conversationText, kind string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the narrow slice of the Store port the hook needs.
type VectorStore interface {
	CountTurnsForMode(ctx context.Context, userID, mode string) (int, error)
	StoreMemoryVector(ctx context.Context, userID, kind, content string, embedding []float32, metadata map[string]any) (string, error)
}

// DefaultEveryNTurns is MEMORY_TRIGGER_EVERY_N_TURNS' default.
const DefaultEveryNTurns = 3

// DefaultJobTimeout bounds one background extract+embed+store job.
const DefaultJobTimeout = 60 * time.Second

// Hook is the MemoryTriggerHook. Construct with New.
type Hook struct {
	dispatch Dispatcher
	store    VectorStore
	logger   *slog.Logger
	everyN   int
	timeout  time.Duration

	wg sync.WaitGroup
}

// New constructs a Hook. everyN <= 0 uses DefaultEveryNTurns.
func New(dispatch Dispatcher, store VectorStore, logger *slog.Logger, everyN int) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	if everyN <= 0 {
		everyN = DefaultEveryNTurns
	}
	return &Hook{dispatch: dispatch, store: store, logger: logger, everyN: everyN, timeout: DefaultJobTimeout}
}

// AfterTurn computes turnCount := countTurnsForMode(userId, "chat")
// and, if turnCount mod everyN == 0, spawns a background job over
// conversationText and returns immediately. The spawn decision itself
// is synchronous (a single count query); only the extract+embed+store
// work happens in the background, so it cannot block the turn that
// triggered it.
func (h *Hook) AfterTurn(ctx context.Context, userID, conversationText string) (spawned bool, err error) {
	turnCount, err := h.store.CountTurnsForMode(ctx, userID, "chat")
	if err != nil {
		return false, err
	}
	if turnCount%h.everyN != 0 {
		return false, nil
	}

	h.wg.Add(1)
	go h.run(userID, conversationText)
	return true, nil
}

// run extracts a summary, embeds it, and persists the result, logging
// and returning early on the first failed step. Runs detached from
// the request context since the turn it was triggered by may already
// have returned its response by the time this completes.
func (h *Hook) run(userID, conversationText string) {
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	summary, err := h.dispatch.ExtractMemory(ctx, conversationText, "round_summary")
	if err != nil {
		h.logger.Warn("memory trigger: extraction failed", "user", userID, "error", err)
		return
	}

	embedding, err := h.dispatch.Embed(ctx, summary)
	if err != nil {
		h.logger.Warn("memory trigger: embedding failed", "user", userID, "error", err)
		return
	}

	if _, err := h.store.StoreMemoryVector(ctx, userID, "round_summary", summary, embedding, nil); err != nil {
		h.logger.Warn("memory trigger: persisting memory vector failed", "user", userID, "error", err)
		return
	}

	h.logger.Debug("memory trigger: persisted summary", "user", userID)
}

// Wait blocks until all spawned background jobs have finished. Tests
// use this to observe job completion deterministically; production
// callers never need it since jobs are intentionally fire-and-forget.
func (h *Hook) Wait() {
	h.wg.Wait()
}
