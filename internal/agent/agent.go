// Package agent assembles a flat prompt from recent history, retrieved
// long-term context, and the current user turn, then drives it through
// a dispatch.Manager. It is the only component that touches both
// history.Registry and the memory-vector store in the same call.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brightloop/dispatchcore/internal/dispatch"
	"github.com/brightloop/dispatchcore/internal/history"
	"github.com/brightloop/dispatchcore/internal/store"
)

// DefaultMemoryTopK bounds how many retrieved memory rows are folded
// into a prompt's "Previous relevant context" section.
const DefaultMemoryTopK = 3

// HistoryStore is the narrow slice of history.Registry the runner
// needs when the caller does not supply its own history.
type HistoryStore interface {
	Get(ctx context.Context, userID string) ([]history.Message, error)
	Append(ctx context.Context, userID, role, content string) error
}

// MemorySearcher is the narrow slice of the Store port the runner
// needs for long-term context retrieval.
type MemorySearcher interface {
	SimilaritySearch(ctx context.Context, userID string, queryEmbedding []float32, topK int) ([]store.SimilarityResult, error)
}

// TurnPersister is the narrow slice of the Store port the runner uses
// to durably record each turn in the `turns` table, independent of
// the in-memory registry ring. MemoryTriggerHook's turn-count query
// reads from this table, so with a Runner that has no persister
// configured that count stays at zero.
type TurnPersister interface {
	AppendTurn(ctx context.Context, userID, role, content, mode, agentType string) (string, error)
}

// Dispatcher is the narrow slice of dispatch.Manager the runner needs.
type Dispatcher interface {
	RunChat(ctx context.Context, systemPrompt, userPrompt, model string) (string, error)
	RunChatStream(ctx context.Context, systemPrompt, userPrompt, model string, onChunk func(string)) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelForMode(mode string) string
}

// Runner is the AgentRunner. Construct with New.
type Runner struct {
	history  HistoryStore
	search   MemorySearcher
	dispatch Dispatcher
	persist  TurnPersister
	logger   *slog.Logger

	memoryTopK   int
	legacyErrors bool
	agentType    string
}

// DefaultAgentType is the agentType recorded against persisted turns
// when no WithAgentType option is supplied.
const DefaultAgentType = "default"

// Option configures a Runner at construction time.
type Option func(*Runner)

// WithMemoryTopK overrides DefaultMemoryTopK.
func WithMemoryTopK(k int) Option {
	return func(r *Runner) { r.memoryTopK = k }
}

// WithLegacyErrors makes Run return chat failures as a
// "[OpenAI Error] ..." string with a nil error instead of a typed
// error, for callers that depend on that older string-based contract.
func WithLegacyErrors() Option {
	return func(r *Runner) { r.legacyErrors = true }
}

// WithPersister durably records every turn Run/RunStream appends to
// the registry through p as well, so MemoryTriggerHook's
// countTurnsForMode sees real data. Without this option the runner
// still works (in-memory history and prompt assembly are unaffected)
// but the turn count the trigger keys off of never advances.
func WithPersister(p TurnPersister) Option {
	return func(r *Runner) { r.persist = p }
}

// WithAgentType overrides DefaultAgentType for persisted turns.
func WithAgentType(agentType string) Option {
	return func(r *Runner) { r.agentType = agentType }
}

// New constructs a Runner backed by h (history), s (long-term memory
// search), and d (the dispatcher).
func New(h HistoryStore, s MemorySearcher, d Dispatcher, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		history:    h,
		search:     s,
		dispatch:   d,
		logger:     logger,
		memoryTopK: DefaultMemoryTopK,
		agentType:  DefaultAgentType,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run assembles the prompt for userMessage and returns the assistant's
// reply. If callerHistory is non-nil it is used verbatim and the
// registry is neither read nor appended to; otherwise the runner
// fetches and later appends to userID's registry entry. Long-term
// memory is retrieved only when mode == "chat". model selects the
// chat model; an empty string defers to ModelForMode(mode).
func (r *Runner) Run(ctx context.Context, userID, userMessage string, callerHistory []history.Message, model, mode string) (string, error) {
	prompt, err := r.assemblePrompt(ctx, userID, userMessage, callerHistory, mode)
	if err != nil {
		return "", err
	}

	if model == "" {
		model = r.dispatch.ModelForMode(mode)
	}

	reply, err := r.dispatch.RunChat(ctx, "", prompt, model)
	if err != nil {
		return r.handleChatError(err)
	}

	if callerHistory == nil {
		r.recordTurn(ctx, userID, userMessage, reply, mode)
	}
	return reply, nil
}

// RunStream is the streaming analogue of Run: onChunk is invoked once
// per content delta in arrival order, and the full accumulated reply
// is returned once the stream completes.
func (r *Runner) RunStream(ctx context.Context, userID, userMessage string, callerHistory []history.Message, model, mode string, onChunk func(string)) (string, error) {
	prompt, err := r.assemblePrompt(ctx, userID, userMessage, callerHistory, mode)
	if err != nil {
		return "", err
	}

	if model == "" {
		model = r.dispatch.ModelForMode(mode)
	}

	reply, err := r.dispatch.RunChatStream(ctx, "", prompt, model, onChunk)
	if err != nil {
		return r.handleChatError(err)
	}

	if callerHistory == nil {
		r.recordTurn(ctx, userID, userMessage, reply, mode)
	}
	return reply, nil
}

func (r *Runner) handleChatError(err error) (string, error) {
	if r.legacyErrors {
		return fmt.Sprintf("[OpenAI Error] %v", err), nil
	}
	return "", err
}

// recordTurn appends both messages of the turn to the in-memory
// registry ring and, if a persister is configured, durably records
// them in the turns table so store-backed consumers (history
// rehydration after a restart, MemoryTriggerHook's turn-count query)
// see them too. The two writes are independent best-effort operations:
// a persistence failure is logged but never fails the turn, matching
// this core's no-retry, no-exactly-once-delivery contract.
func (r *Runner) recordTurn(ctx context.Context, userID, userMessage, reply, mode string) {
	if err := r.history.Append(ctx, userID, "user", userMessage); err != nil {
		r.logger.Warn("agent: append user turn failed", "user", userID, "error", err)
	}
	if err := r.history.Append(ctx, userID, "assistant", reply); err != nil {
		r.logger.Warn("agent: append assistant turn failed", "user", userID, "error", err)
	}

	if r.persist == nil {
		return
	}
	if _, err := r.persist.AppendTurn(ctx, userID, "user", userMessage, mode, r.agentType); err != nil {
		r.logger.Warn("agent: persist user turn failed", "user", userID, "error", err)
	}
	if _, err := r.persist.AppendTurn(ctx, userID, "assistant", reply, mode, r.agentType); err != nil {
		r.logger.Warn("agent: persist assistant turn failed", "user", userID, "error", err)
	}
}

// assemblePrompt builds the exact layout:
//
//	Recent conversation history:
//	<role>: <message>
//	...
//
//	Previous relevant context from our conversations:
//	<retrieved memory block>
//
//	User: <userMessage>
//	Assistant:
//
// Each section above the final User/Assistant lines is included only
// when it has content.
func (r *Runner) assemblePrompt(ctx context.Context, userID, userMessage string, callerHistory []history.Message, mode string) (string, error) {
	msgs := callerHistory
	if msgs == nil {
		fetched, err := r.history.Get(ctx, userID)
		if err != nil {
			return "", err
		}
		msgs = fetched
	}

	var b strings.Builder

	if len(msgs) > 0 {
		b.WriteString("Recent conversation history:\n")
		for _, m := range msgs {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	if mode == "chat" {
		block, err := r.retrievedMemoryBlock(ctx, userID, userMessage)
		if err != nil {
			r.logger.Warn("agent: long-term memory retrieval failed", "user", userID, "error", err)
		} else if block != "" {
			b.WriteString("Previous relevant context from our conversations:\n")
			b.WriteString(block)
			b.WriteString("\n\n")
		}
	}

	fmt.Fprintf(&b, "User: %s\nAssistant:", userMessage)
	return b.String(), nil
}

// retrievedMemoryBlock embeds userMessage and returns the topK closest
// stored summaries for userID joined one per line. A failure to embed
// or search is reported to the caller so it can be logged and skipped
// rather than failing the whole turn.
func (r *Runner) retrievedMemoryBlock(ctx context.Context, userID, userMessage string) (string, error) {
	queryEmbedding, err := r.dispatch.Embed(ctx, userMessage)
	if err != nil {
		return "", err
	}

	results, err := r.search.SimilaritySearch(ctx, userID, queryEmbedding, r.memoryTopK)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	lines := make([]string, len(results))
	for i, res := range results {
		lines[i] = res.Content
	}
	return strings.Join(lines, "\n"), nil
}
