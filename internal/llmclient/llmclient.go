// Package llmclient defines the LLM client port and an
// OpenAI-compatible implementation. The dispatcher never parses an
// HTTP response beyond the fields this package's types expose.
package llmclient

import (
	"context"
	"net/http"
)

// Message is one entry in a chat-completion request.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// ChatOptions controls a single chat-completion call.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// ChatResult is the provider-neutral result of a chat-completion call.
type ChatResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one incremental piece of a streaming chat-completion
// response.
type StreamChunk struct {
	ContentDelta string
}

// Credential is one upstream API credential: an id (MAIN, BACKUP,
// MEMORY), the key itself, and the HTTP client it calls through.
// Each credential carries its own client rather than routing through
// a shared provider-keyed table, since the dispatcher picks a
// Credential per call rather than a provider name.
type Credential struct {
	ID         string
	APIKey     string
	HTTPClient *http.Client
}

// Client is the upstream LLM HTTP API port. The dispatcher calls
// through this interface exclusively; it never constructs HTTP
// requests itself.
type Client interface {
	// ChatCompletion sends one blocking chat-completion request.
	ChatCompletion(ctx context.Context, cred Credential, model string, messages []Message, opts ChatOptions) (*ChatResult, error)

	// ChatCompletionStream sends a streaming chat-completion request,
	// invoking onChunk for each delta in arrival order. Returns the
	// final accumulated result once the stream completes.
	ChatCompletionStream(ctx context.Context, cred Credential, model string, messages []Message, opts ChatOptions, onChunk func(StreamChunk)) (*ChatResult, error)

	// Embedding returns a fixed-length embedding vector for text.
	Embedding(ctx context.Context, cred Credential, model string, text string) ([]float32, error)
}
