// Package integration wires the queue, dispatch, history, store, agent,
// and memtrigger packages together against a fake llmclient.Client, the
// same way cmd/dispatchd does, to exercise the end-to-end scenarios
// that no single package's unit tests can see.
package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/brightloop/dispatchcore/internal/agent"
	"github.com/brightloop/dispatchcore/internal/dispatch"
	"github.com/brightloop/dispatchcore/internal/dispatcherr"
	"github.com/brightloop/dispatchcore/internal/history"
	"github.com/brightloop/dispatchcore/internal/llmclient"
	"github.com/brightloop/dispatchcore/internal/memtrigger"
	"github.com/brightloop/dispatchcore/internal/queue"
	"github.com/brightloop/dispatchcore/internal/store"
)

// fakeClient is an llmclient.Client that records which credential each
// call used and returns a canned reply, without making any network
// call.
type fakeClient struct {
	mu        sync.Mutex
	chatCalls []string // credential ids used for ChatCompletion/ChatCompletionStream, in order
	embeds    int32
	extracts  int32
}

func (f *fakeClient) ChatCompletion(ctx context.Context, cred llmclient.Credential, model string, messages []llmclient.Message, opts llmclient.ChatOptions) (*llmclient.ChatResult, error) {
	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, cred.ID)
	f.mu.Unlock()
	if opts.MaxTokens > 0 {
		atomic.AddInt32(&f.extracts, 1)
		return &llmclient.ChatResult{Content: "summary"}, nil
	}
	return &llmclient.ChatResult{Content: "reply from " + cred.ID}, nil
}

func (f *fakeClient) ChatCompletionStream(ctx context.Context, cred llmclient.Credential, model string, messages []llmclient.Message, opts llmclient.ChatOptions, onChunk func(llmclient.StreamChunk)) (*llmclient.ChatResult, error) {
	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, cred.ID)
	f.mu.Unlock()
	if onChunk != nil {
		onChunk(llmclient.StreamChunk{ContentDelta: "reply from " + cred.ID})
	}
	return &llmclient.ChatResult{Content: "reply from " + cred.ID}, nil
}

func (f *fakeClient) Embedding(ctx context.Context, cred llmclient.Credential, model string, text string) ([]float32, error) {
	atomic.AddInt32(&f.embeds, 1)
	return []float32{1, 0, 0}, nil
}

func (f *fakeClient) chatCredentials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.chatCalls))
	copy(out, f.chatCalls)
	return out
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dispatchcore.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := store.OpenWithDB(db)
	if err != nil {
		t.Fatalf("OpenWithDB: %v", err)
	}
	return s
}

func testManager(t *testing.T, client llmclient.Client, chatRPM int) *dispatch.Manager {
	t.Helper()
	cfg := dispatch.Config{
		ChatLane:   queue.LaneConfig{RPM: chatRPM, Capacity: 1000, Timeout: 5 * time.Second},
		MemoryLane: queue.LaneConfig{RPM: 400, Capacity: 500, Timeout: 5 * time.Second},
		Workers:    50,
		Models:     dispatch.Models{Chat: "gpt-4o", Extraction: "gpt-4o-mini", Embedding: "text-embedding-3-small"},
		EmbedDim:   3,
	}
	creds := dispatch.Credentials{
		Main:   llmclient.Credential{ID: "MAIN", APIKey: "main-key"},
		Backup: llmclient.Credential{ID: "BACKUP", APIKey: "backup-key"},
	}
	m, err := dispatch.New(cfg, client, creds, nil)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

// TestBasicTurn covers S1: one user, one turn, lane idle. Expect one
// upstream chat call on MAIN and a history length of 2 afterward.
func TestBasicTurn(t *testing.T) {
	client := &fakeClient{}
	manager := testManager(t, client, 250)
	db := testStore(t)
	registry := history.New(db, 10)
	runner := agent.New(registry, db, manager, nil)

	ctx := context.Background()
	reply, err := runner.Run(ctx, "alice", "hi", nil, "", "chat")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != "reply from MAIN" {
		t.Errorf("reply = %q, want reply from MAIN", reply)
	}

	msgs, err := registry.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("history length = %d, want 2", len(msgs))
	}

	creds := client.chatCredentials()
	if len(creds) != 1 || creds[0] != "MAIN" {
		t.Errorf("chat credentials = %v, want [MAIN]", creds)
	}
}

// TestChatCredentialDistribution covers S2: 12 sequential turns from
// 12 distinct users on a cold counter land on
// [M,M,M,M,M,B,M,M,M,M,M,B].
func TestChatCredentialDistribution(t *testing.T) {
	client := &fakeClient{}
	manager := testManager(t, client, 6000)
	db := testStore(t)
	registry := history.New(db, 10)
	runner := agent.New(registry, db, manager, nil)

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		userID := fmt.Sprintf("user-%d", i)
		if _, err := runner.Run(ctx, userID, "hi", nil, "", "chat"); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}

	want := []string{"MAIN", "MAIN", "MAIN", "MAIN", "MAIN", "BACKUP", "MAIN", "MAIN", "MAIN", "MAIN", "MAIN", "BACKUP"}
	got := client.chatCredentials()
	if len(got) != len(want) {
		t.Fatalf("got %d calls, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d credential = %s, want %s", i, got[i], want[i])
		}
	}
}

// TestCapacityRejection covers S4: with the release goroutine never
// started and a capacity of 3, a 4th concurrent admit is rejected
// immediately with QueueFull.
func TestCapacityRejection(t *testing.T) {
	q := queue.New(queue.LaneConfig{RPM: 60, Capacity: 3, Timeout: 5 * time.Second}, nil)
	// Deliberately do not call q.Start(): the release goroutine stays
	// paused so admitted entries remain queued instead of draining.
	t.Cleanup(q.Stop)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := admitNonBlocking(ctx, q, fmt.Sprintf("req-%d", i)); err != nil {
			t.Fatalf("admit %d: unexpected error %v", i, err)
		}
	}

	if _, err := admitNonBlocking(ctx, q, "req-3"); !errors.Is(err, dispatcherr.QueueFull) {
		t.Errorf("4th admit error = %v, want QueueFull", err)
	}
}

// admitNonBlocking starts q.Admit in a goroutine and returns once
// either it resolves immediately (capacity rejection) or a short grace
// period passes (meaning it is parked waiting for release, which for
// this test counts as "accepted").
func admitNonBlocking(ctx context.Context, q *queue.RateLimitedQueue, id string) (*queue.Release, error) {
	resultCh := make(chan struct {
		rel *queue.Release
		err error
	}, 1)
	go func() {
		rel, err := q.Admit(ctx, id)
		resultCh <- struct {
			rel *queue.Release
			err error
		}{rel, err}
	}()

	select {
	case r := <-resultCh:
		return r.rel, r.err
	case <-time.After(100 * time.Millisecond):
		return nil, nil // still queued, not rejected
	}
}

// TestAdmitTimeout covers S5: with the release goroutine paused and a
// 200ms per-entry timeout, an admitted entry resolves QueueTimeout
// once its deadline passes.
func TestAdmitTimeout(t *testing.T) {
	q := queue.New(queue.LaneConfig{RPM: 60, Capacity: 10, Timeout: 200 * time.Millisecond}, nil)
	t.Cleanup(q.Stop)

	start := time.Now()
	_, err := q.Admit(context.Background(), "req-0")
	elapsed := time.Since(start)

	if !errors.Is(err, dispatcherr.QueueTimeout) {
		t.Fatalf("expected QueueTimeout, got %v", err)
	}
	if elapsed < 200*time.Millisecond {
		t.Errorf("resolved after %v, want at least 200ms", elapsed)
	}
}

// TestMemoryTriggerSpawnsOnCadence covers S6: 9 chat turns for one
// user spawn exactly 3 background extraction jobs (every 3rd turn),
// each producing one ExtractMemory call and one Embed call.
func TestMemoryTriggerSpawnsOnCadence(t *testing.T) {
	client := &fakeClient{}
	manager := testManager(t, client, 6000)
	db := testStore(t)
	hook := memtrigger.New(manager, db, nil, 3)

	ctx := context.Background()
	spawnedCount := 0
	for i := 0; i < 9; i++ {
		if _, err := db.AppendTurn(ctx, "bob", "user", "turn", "chat", "default"); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
		spawned, err := hook.AfterTurn(ctx, "bob", "conversation text")
		if err != nil {
			t.Fatalf("AfterTurn %d: %v", i, err)
		}
		if spawned {
			spawnedCount++
		}
	}
	hook.Wait()

	if spawnedCount != 3 {
		t.Errorf("spawned %d jobs, want 3", spawnedCount)
	}
	if got := atomic.LoadInt32(&client.extracts); got != 3 {
		t.Errorf("extraction calls = %d, want 3", got)
	}
	if got := atomic.LoadInt32(&client.embeds); got != 3 {
		t.Errorf("embed calls = %d, want 3", got)
	}
}
