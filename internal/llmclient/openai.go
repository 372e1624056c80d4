package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brightloop/dispatchcore/internal/httpkit"
)

// OpenAIClient speaks the OpenAI-compatible chat-completions and
// embeddings wire format: an httpkit-built client with a long
// response-header timeout since streaming responses can run for
// minutes, SSE decoding via bufio.Scanner, and a Credential carrying
// its own API key per call instead of one key embedded in the client.
type OpenAIClient struct {
	baseURL string
	logger  *slog.Logger
}

// NewOpenAIClient creates a client targeting baseURL (e.g.
// "https://api.openai.com/v1"). It does not itself hold a credential;
// every call receives the Credential (and its *http.Client) to use.
func NewOpenAIClient(baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

// NewCredentialHTTPClient builds the *http.Client a Credential should
// carry: no overall timeout (streaming responses can be long-lived),
// relying on context deadlines/cancellation for bounding instead.
func NewCredentialHTTPClient() *http.Client {
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	return httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		Delta        chatMessage `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func toChatMessages(msgs []Message) []chatMessage {
	out := make([]chatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func (c *OpenAIClient) newRequest(ctx context.Context, cred Credential, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.APIKey)
	return req, nil
}

func (c *OpenAIClient) httpClient(cred Credential) *http.Client {
	if cred.HTTPClient != nil {
		return cred.HTTPClient
	}
	return httpkit.NewClient()
}

// ChatCompletion sends one blocking chat-completion request.
func (c *OpenAIClient) ChatCompletion(ctx context.Context, cred Credential, model string, messages []Message, opts ChatOptions) (*ChatResult, error) {
	req, err := c.newRequest(ctx, cred, "/chat/completions", chatRequest{
		Model:       model,
		Messages:    toChatMessages(messages),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient(cred).Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completion returned status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("chat completion response had no choices")
	}

	return &ChatResult{
		Content:          decoded.Choices[0].Message.Content,
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		TotalTokens:      decoded.Usage.TotalTokens,
	}, nil
}

// ChatCompletionStream sends a streaming chat-completion request and
// decodes OpenAI's server-sent-events framing ("data: {...}\n\n",
// terminated by "data: [DONE]"), invoking onChunk for each content
// delta in arrival order.
func (c *OpenAIClient) ChatCompletionStream(ctx context.Context, cred Credential, model string, messages []Message, opts ChatOptions, onChunk func(StreamChunk)) (*ChatResult, error) {
	req, err := c.newRequest(ctx, cred, "/chat/completions", chatRequest{
		Model:       model,
		Messages:    toChatMessages(messages),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient(cred).Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion stream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completion stream returned status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		if onChunk != nil {
			onChunk(StreamChunk{ContentDelta: delta})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read chat completion stream: %w", err)
	}

	return &ChatResult{Content: content.String()}, nil
}

// Embedding returns the embedding vector for text. Callers that want
// a zero-vector fallback on failure implement that policy themselves;
// this method always returns the real error.
func (c *OpenAIClient) Embedding(ctx context.Context, cred Credential, model, text string) ([]float32, error) {
	req, err := c.newRequest(ctx, cred, "/embeddings", embeddingRequest{Model: model, Input: text})
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient(cred).Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding returned status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return nil, fmt.Errorf("embedding response had no data")
	}

	return decoded.Data[0].Embedding, nil
}
