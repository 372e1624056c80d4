// Package dispatch implements the DispatchManager: it owns the two
// rate-limited lanes, the credential pool, the chat distribution
// counter, and a bounded worker pool, and is the only component that
// talks to an llmclient.Client.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brightloop/dispatchcore/internal/dispatcherr"
	"github.com/brightloop/dispatchcore/internal/llmclient"
	"github.com/brightloop/dispatchcore/internal/queue"
	"github.com/brightloop/dispatchcore/internal/vectormath"
)

// Kind distinguishes the two lanes a call can travel through.
type Kind int

const (
	Chat Kind = iota
	Memory
)

// Models names the three model roles as configuration rather than
// hard-coded policy.
type Models struct {
	Chat       string
	Extraction string
	Embedding  string
}

// ForMode returns the chat model for "chat" and "eval" modes (both
// modes use the same model in this deployment; the hook exists so a
// future config can diverge).
func (m Models) ForMode(mode string) string {
	return m.Chat
}

// Credentials holds the three possible upstream credentials. Memory is
// optional; when nil the dispatcher substitutes Backup for memory-lane
// calls.
type Credentials struct {
	Main   llmclient.Credential
	Backup llmclient.Credential
	Memory *llmclient.Credential
}

// Config configures a Manager. Zero-value LaneConfig fields fall back
// to DefaultConfig's defaults.
type Config struct {
	ChatLane   queue.LaneConfig
	MemoryLane queue.LaneConfig
	Workers    int
	Models     Models
	EmbedDim   int
}

// DefaultConfig returns the production defaults for both lanes.
func DefaultConfig() Config {
	return Config{
		ChatLane:   queue.LaneConfig{RPM: 250, Capacity: 1000, Timeout: secs(240)},
		MemoryLane: queue.LaneConfig{RPM: 400, Capacity: 500, Timeout: secs(120)},
		Workers:    300,
		Models:     Models{Chat: "gpt-4o", Extraction: "gpt-4o-mini", Embedding: "text-embedding-3-small"},
		EmbedDim:   1536,
	}
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

type credCounters struct {
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	total       atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
}

// Stats aggregates lane and per-credential counters.
type Stats struct {
	Chat            queue.Stats
	Memory          queue.Stats
	PerCredential   map[string]CredentialStats
	BackupFallbacks int64
}

// CredentialStats snapshots one credential's in-flight, total,
// completed, and failed call counters.
type CredentialStats struct {
	InFlight    int64
	MaxInFlight int64
	TotalCalls  int64
	Completed   int64
	Failed      int64
}

// Manager is the DispatchManager. Construct with New, then Start
// before the first call; Stop drains both lanes.
type Manager struct {
	cfg    Config
	client llmclient.Client
	creds  Credentials
	logger *slog.Logger

	chatLane   *queue.RateLimitedQueue
	memoryLane *queue.RateLimitedQueue

	counter atomic.Uint64
	workers chan struct{}

	startOnce sync.Once

	counters        map[string]*credCounters
	backupFallbacks atomic.Int64
}

// New constructs a Manager. Validates that MAIN and BACKUP credentials
// carry non-empty API keys; a deployment missing either is
// misconfigured and should fail fast at init rather than at the first
// call.
func New(cfg Config, client llmclient.Client, creds Credentials, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if creds.Main.APIKey == "" {
		return nil, dispatcherr.ConfigError("MAIN_API_KEY is required")
	}
	if creds.Backup.APIKey == "" {
		return nil, dispatcherr.ConfigError("BACKUP_API_KEY is required")
	}
	if cfg.ChatLane == (queue.LaneConfig{}) {
		cfg.ChatLane = DefaultConfig().ChatLane
	}
	if cfg.MemoryLane == (queue.LaneConfig{}) {
		cfg.MemoryLane = DefaultConfig().MemoryLane
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 300
	}
	if cfg.EmbedDim <= 0 {
		cfg.EmbedDim = 1536
	}

	m := &Manager{
		cfg:        cfg,
		client:     client,
		creds:      creds,
		logger:     logger,
		chatLane:   queue.New(cfg.ChatLane, logger.With("lane", "chat")),
		memoryLane: queue.New(cfg.MemoryLane, logger.With("lane", "memory")),
		workers:    make(chan struct{}, cfg.Workers),
		counters: map[string]*credCounters{
			creds.Main.ID:   {},
			creds.Backup.ID: {},
		},
	}
	if creds.Memory != nil {
		m.counters[creds.Memory.ID] = &credCounters{}
	} else {
		m.logger.Warn("MEMORY_API_KEY not configured, memory lane will fall back to BACKUP credential")
	}
	return m, nil
}

// Start lazily starts both lanes' release goroutines. Safe to call
// more than once (double-checked via sync.Once); call it explicitly
// at process init rather than on first admission.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.chatLane.Start()
		m.memoryLane.Start()
	})
}

// Stop signals both lanes to drain. In-flight worker-pool calls are
// allowed to complete; newly queued admissions resolve ShuttingDown.
func (m *Manager) Stop() {
	m.chatLane.Stop()
	m.memoryLane.Stop()
}

// selectChatCredential implements a deterministic 5:1 distribution:
// post-increment the counter, BACKUP on multiples of 6.
func (m *Manager) selectChatCredential() llmclient.Credential {
	n := m.counter.Add(1)
	if n%6 == 0 {
		return m.creds.Backup
	}
	return m.creds.Main
}

// VerifyDistribution computes the observed BACKUP ratio against the
// expected 1/6, for use by property tests.
func VerifyDistribution(total, backupCount int) (ratio float64, withinTolerance bool) {
	if total == 0 {
		return 0, true
	}
	ratio = float64(backupCount) / float64(total)
	const expected = 1.0 / 6.0
	const tolerance = 0.02
	diff := ratio - expected
	if diff < 0 {
		diff = -diff
	}
	return ratio, diff <= tolerance
}

func (m *Manager) selectMemoryCredential() llmclient.Credential {
	if m.creds.Memory != nil {
		return *m.creds.Memory
	}
	m.backupFallbacks.Add(1)
	return m.creds.Backup
}

func (m *Manager) acquireWorker(ctx context.Context) error {
	select {
	case m.workers <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseWorker() {
	<-m.workers
}

func (m *Manager) startCall(cred llmclient.Credential) {
	c := m.counters[cred.ID]
	if c == nil {
		return
	}
	inFlight := c.inFlight.Add(1)
	c.total.Add(1)
	for {
		max := c.maxInFlight.Load()
		if inFlight <= max || c.maxInFlight.CompareAndSwap(max, inFlight) {
			break
		}
	}
	m.logger.Debug("upstream call started", "credential", cred.ID, "in_flight", inFlight)
}

func (m *Manager) endCall(cred llmclient.Credential, err error) {
	c := m.counters[cred.ID]
	if c == nil {
		return
	}
	c.inFlight.Add(-1)
	if err != nil {
		c.failed.Add(1)
		m.logger.Debug("upstream call failed", "credential", cred.ID, "error", err)
	} else {
		c.completed.Add(1)
		m.logger.Debug("upstream call completed", "credential", cred.ID)
	}
}

// ModelForMode exposes Models.ForMode without requiring callers to
// hold the Manager's configuration directly.
func (m *Manager) ModelForMode(mode string) string {
	return m.cfg.Models.ForMode(mode)
}

// RunChat performs one blocking chat-completion call through the chat
// lane, returning a typed error on upstream failure.
func (m *Manager) RunChat(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	m.Start()
	id := uuid.NewString()
	if _, err := m.chatLane.Admit(ctx, id); err != nil {
		return "", err
	}

	cred := m.selectChatCredential()
	if err := m.acquireWorker(ctx); err != nil {
		return "", err
	}
	defer m.releaseWorker()

	m.startCall(cred)
	messages := []llmclient.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	result, err := m.client.ChatCompletion(ctx, cred, modelOrDefault(model, m.cfg.Models.Chat), messages, llmclient.ChatOptions{})
	m.endCall(cred, err)
	if err != nil {
		return "", dispatcherr.UpstreamFailure(err)
	}
	return result.Content, nil
}

// RunChatStream performs a streaming chat-completion call through the
// chat lane, invoking onChunk for each delta in arrival order.
func (m *Manager) RunChatStream(ctx context.Context, systemPrompt, userPrompt, model string, onChunk func(string)) (string, error) {
	m.Start()
	id := uuid.NewString()
	if _, err := m.chatLane.Admit(ctx, id); err != nil {
		return "", err
	}

	cred := m.selectChatCredential()
	if err := m.acquireWorker(ctx); err != nil {
		return "", err
	}
	defer m.releaseWorker()

	m.startCall(cred)
	messages := []llmclient.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	result, err := m.client.ChatCompletionStream(ctx, cred, modelOrDefault(model, m.cfg.Models.Chat), messages, llmclient.ChatOptions{},
		func(c llmclient.StreamChunk) {
			if onChunk != nil {
				onChunk(c.ContentDelta)
			}
		})
	m.endCall(cred, err)
	if err != nil {
		return "", dispatcherr.UpstreamFailure(err)
	}
	return result.Content, nil
}

// Embed returns an embedding vector through the memory lane. On
// upstream failure it returns a zero vector of the configured
// dimension rather than propagating the error, degrading retrieval
// quality gracefully instead of failing the caller.
func (m *Manager) Embed(ctx context.Context, text string) ([]float32, error) {
	m.Start()
	id := uuid.NewString()
	if _, err := m.memoryLane.Admit(ctx, id); err != nil {
		return nil, err
	}

	cred := m.selectMemoryCredential()
	if err := m.acquireWorker(ctx); err != nil {
		return nil, err
	}
	defer m.releaseWorker()

	m.startCall(cred)
	vec, err := m.client.Embedding(ctx, cred, m.cfg.Models.Embedding, text)
	m.endCall(cred, err)
	if err != nil {
		m.logger.Warn("embedding failed, falling back to zero vector", "error", err)
		return vectormath.ZeroVector(m.cfg.EmbedDim), nil
	}
	return vec, nil
}

var extractionPrompts = map[string]string{
	"round_summary":      "Summarize the key facts and decisions from this single conversation round in 2-3 sentences:\n\n",
	"conversation_chunk": "Summarize the key facts and decisions from this conversation excerpt in 2-3 sentences:\n\n",
}

const genericExtractionPrompt = "Summarize the key facts from this conversation in 2-3 sentences:\n\n"

// ExtractMemory summarizes conversationText through the memory lane,
// using the instruction selected by kind (round_summary,
// conversation_chunk, or a generic fallback for any other value).
func (m *Manager) ExtractMemory(ctx context.Context, conversationText, kind string) (string, error) {
	m.Start()
	id := uuid.NewString()
	if _, err := m.memoryLane.Admit(ctx, id); err != nil {
		return "", err
	}

	cred := m.selectMemoryCredential()
	if err := m.acquireWorker(ctx); err != nil {
		return "", err
	}
	defer m.releaseWorker()

	instruction, ok := extractionPrompts[kind]
	if !ok {
		instruction = genericExtractionPrompt
	}

	m.startCall(cred)
	messages := []llmclient.Message{
		{Role: "user", Content: instruction + conversationText},
	}
	result, err := m.client.ChatCompletion(ctx, cred, m.cfg.Models.Extraction, messages, llmclient.ChatOptions{MaxTokens: 300, Temperature: 0.3})
	m.endCall(cred, err)
	if err != nil {
		return "", dispatcherr.UpstreamFailure(err)
	}
	return result.Content, nil
}

// Stats aggregates lane and per-credential counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Chat:            m.chatLane.Stats(),
		Memory:          m.memoryLane.Stats(),
		PerCredential:   make(map[string]CredentialStats, len(m.counters)),
		BackupFallbacks: m.backupFallbacks.Load(),
	}
	for id, c := range m.counters {
		s.PerCredential[id] = CredentialStats{
			InFlight:    c.inFlight.Load(),
			MaxInFlight: c.maxInFlight.Load(),
			TotalCalls:  c.total.Load(),
			Completed:   c.completed.Load(),
			Failed:      c.failed.Load(),
		}
	}
	return s
}

func modelOrDefault(model, def string) string {
	if model == "" {
		return def
	}
	return model
}
