package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docbridge-ai/agent/internal/agent"
	"github.com/docbridge-ai/agent/internal/config"
	"github.com/docbridge-ai/agent/internal/llm"
	"github.com/docbridge-ai/agent/internal/log"
	"github.com/docbridge-ai/agent/internal/platform"
	"github.com/docbridge-ai/agent/internal/registry"
	"github.com/docbridge-ai/agent/internal/store"
)

// testEnv is a running server with fake collaborators.
type testEnv struct {
	server   *httptest.Server
	store    *store.Memory
	fake     *platform.Fake
	registry *registry.Registry
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Mode:              config.ModeReadOnly,
		Persona:           config.PersonaDefault,
		RedisHost:         "localhost",
		RedisPort:         6379,
		MaxIterations:     10,
		ModelName:         "test-model",
		SummaryModel:      "test-summary",
		KeepaliveInterval: config.DefaultKeepaliveInterval,
		WriteStall:        config.DefaultWriteStall,
		SupersedeGrace:    time.Second,
		OutputDir:         t.TempDir(),
	}
}

func newEnv(t *testing.T, cfg *config.Config, provider llm.Provider) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}

	fake := platform.NewFake()
	fake.Register(platform.ToolInfo{Name: "get_queue", ReadOnly: true},
		func(_ context.Context, args map[string]any) (*platform.CallResult, error) {
			return platform.OKResult(map[string]any{"id": args["queue_id"], "name": "Q"}), nil
		})
	fake.SetCatalog([]platform.Category{{
		Name: "queues", Keywords: []string{"queue"}, Tools: []string{"get_queue"},
	}})

	st := store.NewMemory()
	reg := registry.New(cfg.SupersedeGrace, log.NewNop())

	srv := NewServer(Options{
		Config:   cfg,
		Store:    st,
		Registry: reg,
		Provider: provider,
		Connect: func(context.Context, Credentials, string) (platform.Client, error) {
			return fake, nil
		},
		Logger: log.NewNop(),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: st, fake: fake, registry: reg}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("X-API-Token", "test-token")
	req.Header.Set("X-API-Base-URL", "https://platform.test")
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) createChat(t *testing.T, body any) string {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/v1/chats", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created CreateChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ChatID)
	return created.ChatID
}

// sseEvent is one parsed SSE frame.
type sseEvent struct {
	Name string
	Data string
}

// readSSE consumes the whole stream and returns events plus the count of
// keepalive comments.
func readSSE(t *testing.T, resp *http.Response) ([]sseEvent, int) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []sseEvent
	keepalives := 0
	var current sseEvent

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		case strings.HasPrefix(line, ":ka"):
			keepalives++
		case strings.HasPrefix(line, ":"):
			// initial comment frame
		case strings.HasPrefix(line, "event: "):
			current.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events, keepalives
}

func stepEvents(t *testing.T, events []sseEvent) []agent.StepEvent {
	t.Helper()
	var steps []agent.StepEvent
	for _, e := range events {
		if e.Name != agent.EventStep {
			continue
		}
		var step agent.StepEvent
		require.NoError(t, json.Unmarshal([]byte(e.Data), &step))
		steps = append(steps, step)
	}
	return steps
}

func TestChatCRUD(t *testing.T) {
	env := newEnv(t, nil, llm.NewScriptedProvider())

	chatID := env.createChat(t, CreateChatRequest{Mode: "read-write", Persona: "cautious"})

	// Get.
	resp := env.request(t, http.MethodGet, "/api/v1/chats/"+chatID, nil)
	var detail ChatDetailResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	resp.Body.Close()
	assert.Equal(t, "read-write", detail.Mode)
	assert.Equal(t, "cautious", detail.Persona)
	assert.Empty(t, detail.Messages)

	// List.
	resp = env.request(t, http.MethodGet, "/api/v1/chats", nil)
	var list ChatListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Equal(t, 1, list.Total)
	assert.Equal(t, chatID, list.Chats[0].ChatID)

	// Delete.
	resp = env.request(t, http.MethodDelete, "/api/v1/chats/"+chatID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodGet, "/api/v1/chats/"+chatID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateChatValidation(t *testing.T) {
	env := newEnv(t, nil, llm.NewScriptedProvider())

	resp := env.request(t, http.MethodPost, "/api/v1/chats", CreateChatRequest{Mode: "yolo"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodPost, "/api/v1/chats", CreateChatRequest{Persona: "wild"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSendMessageStreamsToFinalAnswer(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.TextTurn("Hello! Your queues look fine.", llm.Usage{InputTokens: 50, OutputTokens: 10}),
	)
	env := newEnv(t, nil, provider)
	chatID := env.createChat(t, nil)

	resp := env.request(t, http.MethodPost, "/api/v1/chats/"+chatID+"/messages",
		MessageRequest{Content: "how are my queues?"})
	events, _ := readSSE(t, resp)

	steps := stepEvents(t, events)
	require.NotEmpty(t, steps)

	var sawFinal bool
	for _, s := range steps {
		if s.Type == agent.StepFinalAnswer && s.IsFinal {
			sawFinal = true
			assert.Contains(t, s.Content, "queues look fine")
		}
	}
	assert.True(t, sawFinal)

	// The stream terminates with done carrying token usage.
	last := events[len(events)-1]
	require.Equal(t, agent.EventDone, last.Name)
	var done agent.DoneEvent
	require.NoError(t, json.Unmarshal([]byte(last.Data), &done))
	assert.Equal(t, 50, done.InputTokens)
	assert.Equal(t, 10, done.OutputTokens)

	// No events after done.
	assert.Equal(t, agent.EventDone, events[len(events)-1].Name)

	// Transcript persisted; preview set.
	meta, err := env.store.Chat(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.MessageCount)
	assert.Equal(t, "how are my queues?", meta.Preview)
}

func TestSendMessageUnknownChat(t *testing.T) {
	env := newEnv(t, nil, llm.NewScriptedProvider())
	resp := env.request(t, http.MethodPost, "/api/v1/chats/chat_nope/messages",
		MessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSendMessageValidation(t *testing.T) {
	env := newEnv(t, nil, llm.NewScriptedProvider())
	chatID := env.createChat(t, nil)

	resp := env.request(t, http.MethodPost, "/api/v1/chats/"+chatID+"/messages",
		MessageRequest{Content: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodPost, "/api/v1/chats/"+chatID+"/messages",
		MessageRequest{Content: "x", Images: []ImageContent{{MediaType: "image/bmp", Data: "aGk="}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	env := newEnv(t, nil, llm.NewScriptedProvider())
	resp := env.request(t, http.MethodGet, "/health", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.StoreConnected)
}

func TestCommands(t *testing.T) {
	env := newEnv(t, nil, llm.NewScriptedProvider())
	resp := env.request(t, http.MethodGet, "/api/v1/commands", nil)
	defer resp.Body.Close()

	var list CommandListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.NotEmpty(t, list.Commands)
	assert.Equal(t, "/list-commands", list.Commands[0].Name)
}

func TestCancelEndpoint(t *testing.T) {
	env := newEnv(t, nil, llm.NewScriptedProvider())
	chatID := env.createChat(t, nil)

	// No active run.
	resp := env.request(t, http.MethodPost, "/api/v1/chats/"+chatID+"/cancel", nil)
	var cancelResp CancelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancelResp))
	resp.Body.Close()
	assert.False(t, cancelResp.Cancelled)

	// Unknown chat.
	resp = env.request(t, http.MethodPost, "/api/v1/chats/chat_nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestLimiterPool(t *testing.T) {
	pool := newLimiterPool(3)
	key := "caller"

	for i := 0; i < 3; i++ {
		assert.True(t, pool.Allow(key), "burst request %d", i)
	}
	assert.False(t, pool.Allow(key), "burst exhausted")
	assert.True(t, pool.Allow("other"), "keys are independent")
}

func TestMissingCredentials(t *testing.T) {
	env := newEnv(t, nil, llm.NewScriptedProvider())
	chatID := env.createChat(t, nil)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/chats/"+chatID+"/messages",
		bytes.NewReader([]byte(`{"content":"hi"}`)))
	require.NoError(t, err)
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFileEndpoints(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.ToolTurn("", llm.Usage{}, &llm.ToolCall{
			ID: "tc_f", Name: "write_output_file",
			Arguments: json.RawMessage(`{"filename":"summary.md","content":"# Report"}`),
		}),
		llm.TextTurn("Wrote the report.", llm.Usage{}),
	)
	env := newEnv(t, nil, provider)
	chatID := env.createChat(t, nil)

	resp := env.request(t, http.MethodPost, "/api/v1/chats/"+chatID+"/messages",
		MessageRequest{Content: "write me a report"})
	events, _ := readSSE(t, resp)

	// file_created event fired.
	var sawFile bool
	for _, e := range events {
		if e.Name == agent.EventFileCreated {
			sawFile = true
			assert.Contains(t, e.Data, "summary.md")
		}
	}
	assert.True(t, sawFile)

	// Listing and download.
	resp = env.request(t, http.MethodGet, "/api/v1/chats/"+chatID+"/files", nil)
	var list FileListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "summary.md", list.Files[0].Filename)

	resp = env.request(t, http.MethodGet, "/api/v1/chats/"+chatID+"/files/summary.md", nil)
	body := new(bytes.Buffer)
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "# Report", body.String())

	// Traversal rejected.
	resp = env.request(t, http.MethodGet, "/api/v1/chats/"+chatID+"/files/..%2Fsecret", nil)
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

// blockingProvider blocks its first Stream call until the context is
// cancelled; later calls return the scripted text.
type blockingProvider struct {
	scripted *llm.ScriptedProvider
	started  chan struct{}
	first    chan struct{} // closed once the first call is claimed
}

func newBlockingProvider(answer string) *blockingProvider {
	return &blockingProvider{
		scripted: llm.NewScriptedProvider(llm.TextTurn(answer, llm.Usage{InputTokens: 5, OutputTokens: 2})),
		started:  make(chan struct{}),
		first:    make(chan struct{}, 1),
	}
}

func (p *blockingProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	select {
	case p.first <- struct{}{}:
		close(p.started)
		out := make(chan llm.Chunk)
		go func() {
			defer close(out)
			<-ctx.Done()
			out <- llm.Chunk{Err: ctx.Err()}
		}()
		return out, nil
	default:
		return p.scripted.Stream(ctx, req)
	}
}

func (p *blockingProvider) Complete(ctx context.Context, req *llm.Request) (string, llm.Usage, error) {
	return p.scripted.Complete(ctx, req)
}

func TestSupersessionCancelsFirstStream(t *testing.T) {
	provider := newBlockingProvider("second message answered")
	env := newEnv(t, nil, provider)
	chatID := env.createChat(t, nil)

	// Message A: blocks in the model call.
	typeA := make(chan []sseEvent, 1)
	go func() {
		resp := env.request(t, http.MethodPost, "/api/v1/chats/"+chatID+"/messages",
			MessageRequest{Content: "message A"})
		events, _ := readSSE(t, resp)
		typeA <- events
	}()

	// Wait until A is inside its model call, then send B.
	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the model call")
	}

	resp := env.request(t, http.MethodPost, "/api/v1/chats/"+chatID+"/messages",
		MessageRequest{Content: "message B"})
	eventsB, _ := readSSE(t, resp)

	// B ran to a final answer.
	var finalB bool
	for _, s := range stepEvents(t, eventsB) {
		if s.Type == agent.StepFinalAnswer && strings.Contains(s.Content, "second message") {
			finalB = true
		}
	}
	assert.True(t, finalB)
	require.Equal(t, agent.EventDone, eventsB[len(eventsB)-1].Name)

	// A terminated with done and no final answer.
	select {
	case eventsA := <-typeA:
		require.NotEmpty(t, eventsA)
		assert.Equal(t, agent.EventDone, eventsA[len(eventsA)-1].Name)
		for _, s := range stepEvents(t, eventsA) {
			assert.NotEqual(t, agent.StepFinalAnswer, s.Type, "superseded run must not produce a final answer")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first stream did not terminate after supersession")
	}
}

func TestDisconnectCancelsRun(t *testing.T) {
	provider := newBlockingProvider("unused")
	env := newEnv(t, nil, provider)
	chatID := env.createChat(t, nil)

	body := bytes.NewReader([]byte(`{"content":"message"}`))
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/chats/"+chatID+"/messages", body)
	require.NoError(t, err)
	req.Header.Set("X-API-Token", "tok")

	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)

	respCh := make(chan error, 1)
	go func() {
		resp, err := env.server.Client().Do(req)
		if resp != nil {
			resp.Body.Close()
		}
		respCh <- err
	}()

	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the model call")
	}

	// Client disconnects; the run's token must trip within 500ms.
	cancel()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if env.registry.ActiveRun(chatID) == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Nil(t, env.registry.ActiveRun(chatID), "disconnect must cancel the run within 500ms")
	<-respCh
}

func TestKeepaliveDuringSilence(t *testing.T) {
	cfg := testConfig(t)
	cfg.KeepaliveInterval = 30 * time.Millisecond

	// A tool that sleeps longer than several keepalive intervals.
	provider := llm.NewScriptedProvider(
		llm.ToolTurn("", llm.Usage{}, &llm.ToolCall{
			ID: "tc_s", Name: "get_queue", Arguments: json.RawMessage(`{"queue_id":1}`),
		}),
		llm.TextTurn("done after nap", llm.Usage{}),
	)
	env := newEnv(t, cfg, provider)
	env.fake.Register(platform.ToolInfo{Name: "get_queue", ReadOnly: true},
		func(ctx context.Context, _ map[string]any) (*platform.CallResult, error) {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return platform.OKResult(map[string]any{"id": 1}), nil
		})

	chatID := env.createChat(t, nil)

	// Load the queues category first so the tool is available... it is
	// preloaded via the "queue" keyword in the message below.
	resp := env.request(t, http.MethodPost, "/api/v1/chats/"+chatID+"/messages",
		MessageRequest{Content: "inspect my queue please"})
	events, keepalives := readSSE(t, resp)

	require.Equal(t, agent.EventDone, events[len(events)-1].Name)
	assert.Greater(t, keepalives, 0, "silent tool time must produce keepalive comments")
}

func TestRunStateSurvivesKeepalive(t *testing.T) {
	// Boundary scenario: a tool writes a file, keepalives fire, and the
	// next iteration still sees the file in the run's output dir.
	cfg := testConfig(t)
	cfg.KeepaliveInterval = 10 * time.Millisecond

	provider := llm.NewScriptedProvider(
		llm.ToolTurn("", llm.Usage{}, &llm.ToolCall{
			ID: "tc_w", Name: "write_output_file",
			Arguments: json.RawMessage(`{"filename":"state.txt","content":"persisted"}`),
		}),
		llm.ToolTurn("", llm.Usage{}, &llm.ToolCall{
			ID: "tc_r", Name: "check_output", Arguments: json.RawMessage(`{}`),
		}),
		llm.TextTurn("all good", llm.Usage{}),
	)
	env := newEnv(t, cfg, provider)
	chatID := env.createChat(t, nil)

	// check_output reads the run's output dir through the registry, the
	// way a dispatcher would after a keepalive has fired.
	seen := make(chan string, 1)
	env.fake.Register(platform.ToolInfo{Name: "check_output", ReadOnly: true},
		func(context.Context, map[string]any) (*platform.CallResult, error) {
			time.Sleep(50 * time.Millisecond) // let keepalives fire in between
			run := env.registry.ActiveRun(chatID)
			if run == nil {
				seen <- ""
				return platform.ErrorResult("no active run"), nil
			}
			seen <- run.OutputDir()
			return platform.OKResult(map[string]any{"ok": true}), nil
		})
	env.fake.SetCatalog([]platform.Category{{
		Name: "diag", Keywords: []string{"diagnose"}, Tools: []string{"check_output"},
	}})

	resp := env.request(t, http.MethodPost, "/api/v1/chats/"+chatID+"/messages",
		MessageRequest{Content: "diagnose my setup"})
	events, _ := readSSE(t, resp)
	require.Equal(t, agent.EventDone, events[len(events)-1].Name)

	select {
	case dir := <-seen:
		require.NotEmpty(t, dir, "dispatcher must see the run state")
		data, err := readFile(dir, "state.txt")
		require.NoError(t, err)
		assert.Equal(t, "persisted", data)
	default:
		t.Fatal("check_output tool never ran")
	}
}

func readFile(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	return string(data), err
}
