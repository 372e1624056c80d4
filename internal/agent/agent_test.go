package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/brightloop/dispatchcore/internal/history"
	"github.com/brightloop/dispatchcore/internal/store"
)

type fakeHistory struct {
	messages []history.Message
	appended []history.Message
}

func (f *fakeHistory) Get(ctx context.Context, userID string) ([]history.Message, error) {
	return f.messages, nil
}

func (f *fakeHistory) Append(ctx context.Context, userID, role, content string) error {
	f.appended = append(f.appended, history.Message{Role: role, Content: content})
	return nil
}

type fakeSearcher struct {
	results []store.SimilarityResult
	err     error
}

func (f *fakeSearcher) SimilaritySearch(ctx context.Context, userID string, queryEmbedding []float32, topK int) ([]store.SimilarityResult, error) {
	return f.results, f.err
}

type fakeDispatcher struct {
	lastPrompt  string
	reply       string
	chatErr     error
	embedVec    []float32
	embedErr    error
	modelByMode map[string]string
}

func (f *fakeDispatcher) RunChat(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	f.lastPrompt = userPrompt
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return f.reply, nil
}

func (f *fakeDispatcher) RunChatStream(ctx context.Context, systemPrompt, userPrompt, model string, onChunk func(string)) (string, error) {
	f.lastPrompt = userPrompt
	if f.chatErr != nil {
		return "", f.chatErr
	}
	if onChunk != nil {
		onChunk(f.reply)
	}
	return f.reply, nil
}

func (f *fakeDispatcher) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.embedVec, f.embedErr
}

func (f *fakeDispatcher) ModelForMode(mode string) string {
	return f.modelByMode[mode]
}

func TestPromptAssemblyLayout(t *testing.T) {
	h := &fakeHistory{messages: []history.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello there"},
	}}
	search := &fakeSearcher{results: []store.SimilarityResult{{Content: "likes go"}}}
	disp := &fakeDispatcher{reply: "sure thing", embedVec: []float32{1, 0, 0}}
	r := New(h, search, disp, nil)

	reply, err := r.Run(context.Background(), "u1", "what's up", nil, "gpt-4o", "chat")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != "sure thing" {
		t.Fatalf("unexpected reply %q", reply)
	}

	want := "Recent conversation history:\n" +
		"user: hi\n" +
		"assistant: hello there\n" +
		"\n" +
		"Previous relevant context from our conversations:\n" +
		"likes go\n" +
		"\n" +
		"User: what's up\n" +
		"Assistant:"
	if disp.lastPrompt != want {
		t.Fatalf("prompt mismatch:\ngot:  %q\nwant: %q", disp.lastPrompt, want)
	}
}

func TestPromptOmitsEmptySections(t *testing.T) {
	h := &fakeHistory{}
	search := &fakeSearcher{}
	disp := &fakeDispatcher{reply: "ok"}
	r := New(h, search, disp, nil)

	if _, err := r.Run(context.Background(), "u2", "hello", nil, "gpt-4o", "eval"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "User: hello\nAssistant:"
	if disp.lastPrompt != want {
		t.Fatalf("expected bare prompt with no sections, got %q", disp.lastPrompt)
	}
}

func TestEvalModeSkipsMemoryRetrieval(t *testing.T) {
	h := &fakeHistory{}
	search := &fakeSearcher{results: []store.SimilarityResult{{Content: "should not appear"}}}
	disp := &fakeDispatcher{reply: "ok"}
	r := New(h, search, disp, nil)

	if _, err := r.Run(context.Background(), "u3", "hello", nil, "gpt-4o", "eval"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(disp.lastPrompt, "should not appear") {
		t.Fatalf("eval mode must not retrieve long-term memory, got prompt %q", disp.lastPrompt)
	}
}

func TestCallerSuppliedHistoryBypassesRegistry(t *testing.T) {
	h := &fakeHistory{messages: []history.Message{{Role: "user", Content: "from registry"}}}
	search := &fakeSearcher{}
	disp := &fakeDispatcher{reply: "ok"}
	r := New(h, search, disp, nil)

	callerHist := []history.Message{{Role: "user", Content: "from caller"}}
	if _, err := r.Run(context.Background(), "u4", "hello", callerHist, "gpt-4o", "eval"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(disp.lastPrompt, "from caller") {
		t.Fatalf("expected caller-supplied history in prompt, got %q", disp.lastPrompt)
	}
	if strings.Contains(disp.lastPrompt, "from registry") {
		t.Fatalf("caller-supplied history must bypass the registry, got %q", disp.lastPrompt)
	}
	if len(h.appended) != 0 {
		t.Fatalf("caller-supplied history must not be appended to the registry, got %+v", h.appended)
	}
}

func TestRunAppendsTurnWhenHistoryOmitted(t *testing.T) {
	h := &fakeHistory{}
	search := &fakeSearcher{}
	disp := &fakeDispatcher{reply: "the reply"}
	r := New(h, search, disp, nil)

	if _, err := r.Run(context.Background(), "u5", "the question", nil, "gpt-4o", "eval"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.appended) != 2 {
		t.Fatalf("expected 2 appended messages (user+assistant), got %d", len(h.appended))
	}
	if h.appended[0].Role != "user" || h.appended[0].Content != "the question" {
		t.Fatalf("unexpected first appended message: %+v", h.appended[0])
	}
	if h.appended[1].Role != "assistant" || h.appended[1].Content != "the reply" {
		t.Fatalf("unexpected second appended message: %+v", h.appended[1])
	}
}

type fakePersister struct {
	rows []struct{ userID, role, content, mode, agentType string }
}

func (f *fakePersister) AppendTurn(ctx context.Context, userID, role, content, mode, agentType string) (string, error) {
	f.rows = append(f.rows, struct{ userID, role, content, mode, agentType string }{userID, role, content, mode, agentType})
	return "row-id", nil
}

func TestRunPersistsTurnWhenPersisterConfigured(t *testing.T) {
	h := &fakeHistory{}
	search := &fakeSearcher{}
	disp := &fakeDispatcher{reply: "the reply"}
	persist := &fakePersister{}
	r := New(h, search, disp, nil, WithPersister(persist))

	if _, err := r.Run(context.Background(), "u9", "the question", nil, "gpt-4o", "chat"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(persist.rows) != 2 {
		t.Fatalf("expected 2 persisted rows (user+assistant), got %d", len(persist.rows))
	}
	if persist.rows[0].role != "user" || persist.rows[0].content != "the question" || persist.rows[0].mode != "chat" {
		t.Fatalf("unexpected first persisted row: %+v", persist.rows[0])
	}
	if persist.rows[1].role != "assistant" || persist.rows[1].content != "the reply" {
		t.Fatalf("unexpected second persisted row: %+v", persist.rows[1])
	}
	if persist.rows[0].agentType != DefaultAgentType {
		t.Fatalf("expected default agent type %q, got %q", DefaultAgentType, persist.rows[0].agentType)
	}
}

func TestRunWithoutPersisterSkipsPersistence(t *testing.T) {
	h := &fakeHistory{}
	search := &fakeSearcher{}
	disp := &fakeDispatcher{reply: "ok"}
	r := New(h, search, disp, nil)

	if _, err := r.Run(context.Background(), "u10", "hello", nil, "gpt-4o", "chat"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.appended) != 2 {
		t.Fatalf("expected in-memory registry append to still happen, got %d entries", len(h.appended))
	}
}

func TestLegacyErrorFacade(t *testing.T) {
	h := &fakeHistory{}
	search := &fakeSearcher{}
	disp := &fakeDispatcher{chatErr: errors.New("upstream exploded")}
	r := New(h, search, disp, nil, WithLegacyErrors())

	reply, err := r.Run(context.Background(), "u6", "hello", nil, "gpt-4o", "eval")
	if err != nil {
		t.Fatalf("legacy facade should not return an error, got %v", err)
	}
	if !strings.HasPrefix(reply, "[OpenAI Error]") {
		t.Fatalf("expected legacy error prefix, got %q", reply)
	}
}

func TestStrictErrorPropagation(t *testing.T) {
	h := &fakeHistory{}
	search := &fakeSearcher{}
	disp := &fakeDispatcher{chatErr: errors.New("upstream exploded")}
	r := New(h, search, disp, nil)

	_, err := r.Run(context.Background(), "u7", "hello", nil, "gpt-4o", "eval")
	if err == nil {
		t.Fatal("expected typed error in strict mode")
	}
}

func TestRunStreamInvokesOnChunk(t *testing.T) {
	h := &fakeHistory{}
	search := &fakeSearcher{}
	disp := &fakeDispatcher{reply: "streamed reply"}
	r := New(h, search, disp, nil)

	var chunks []string
	reply, err := r.RunStream(context.Background(), "u8", "hello", nil, "gpt-4o", "eval", func(c string) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	if reply != "streamed reply" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(chunks) != 1 || chunks[0] != "streamed reply" {
		t.Fatalf("expected onChunk invoked with reply, got %+v", chunks)
	}
}
