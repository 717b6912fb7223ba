package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/pawnmind/internal/bus"
	"github.com/stellarlinkco/pawnmind/internal/config"
	"github.com/stellarlinkco/pawnmind/internal/cron"
	"github.com/stellarlinkco/pawnmind/internal/memory"
	"github.com/stellarlinkco/pawnmind/internal/observability"
)

// memPersister keeps the last saved snapshot in memory.
type memPersister struct {
	mu     sync.Mutex
	snap   *memory.Snapshot
	saves  int
	closed bool
}

func (p *memPersister) SaveSnapshot(ctx context.Context, snap *memory.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = snap
	p.saves++
	return nil
}

func (p *memPersister) LoadSnapshot(ctx context.Context) (*memory.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap == nil {
		return &memory.Snapshot{Markers: memory.Markers{LastSummarizationDay: -1, LastArchiveDay: -1}}, nil
	}
	return p.snap, nil
}

func (p *memPersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *memPersister) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

// failingCompleter makes sure no test reaches the network.
type failingCompleter struct{}

func (failingCompleter) Complete(ctx context.Context, ai config.AIConfig, prompt string) (string, error) {
	return "", errors.New("no network in tests")
}

type testEnv struct {
	gw        *Gateway
	srv       *httptest.Server
	store     *memPersister
	savedCfgs atomic.Int32
}

const quietCron = "0 0 0 1 1 *"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DBPath = filepath.Join(dir, "data", "memory.db")
	cfg.Knowledge.PacksDir = filepath.Join(dir, "knowledge")
	// Nothing periodic fires during a test unless the test asks for it.
	cfg.Clock.TickInterval = "1h"
	cfg.Schedule.AutosaveCron = quietCron
	return cfg
}

func startGateway(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	env := &testEnv{store: &memPersister{}}
	gw, err := NewWithOptions(cfg, Options{
		Persister: env.store,
		Completer: failingCompleter{},
		Metrics:   observability.NewMetrics("test"),
		SaveConfig: func(*config.Config) error {
			env.savedCfgs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	env.gw = gw
	env.srv = httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		env.srv.Close()
		gw.Shutdown()
	})
	return env
}

func (e *testEnv) call(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return out
}

func addMemory(t *testing.T, env *testEnv, pawn, content, typ string) {
	t.Helper()
	status, body := env.call(t, http.MethodPost, "/pawns/"+pawn+"/memories", map[string]any{
		"pawnName": strings.ToUpper(pawn[:1]) + pawn[1:],
		"content":  content,
		"type":     typ,
	})
	if status != http.StatusCreated {
		t.Fatalf("add %q status = %d, body %s", content, status, body)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"", 5, ""},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestNewWithOptions_InvalidTickInterval(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clock.TickInterval = "soon"
	if _, err := NewWithOptions(cfg, Options{Persister: &memPersister{}}); err == nil {
		t.Fatal("expected error for bad tick interval")
	}
}

func TestGateway_Health(t *testing.T) {
	env := startGateway(t, testConfig(t))
	status, body := env.call(t, http.MethodGet, "/healthz", nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("healthz = %d %s", status, body)
	}

	status, body = env.call(t, http.MethodGet, "/metrics", nil)
	if status != http.StatusOK || !strings.Contains(string(body), "test_host_ticks_total") {
		t.Fatalf("metrics = %d, missing tick counter", status)
	}
}

func TestGateway_MemoryLifecycle(t *testing.T) {
	env := startGateway(t, testConfig(t))

	addMemory(t, env, "alice", "planted potatoes", "Action")
	status, body := env.call(t, http.MethodPost, "/pawns/alice/memories", map[string]any{
		"content": "planted potatoes", "type": "Action",
	})
	if status != http.StatusOK || !strings.Contains(string(body), `"added":false`) {
		t.Fatalf("duplicate add = %d %s", status, body)
	}

	status, body = env.call(t, http.MethodGet, "/pawns", nil)
	pawns := decode[[]pawnSummary](t, body)
	if status != http.StatusOK || len(pawns) != 1 || pawns[0].Name != "Alice" || pawns[0].Active != 1 {
		t.Fatalf("pawns = %d %+v", status, pawns)
	}

	status, body = env.call(t, http.MethodGet, "/pawns/alice/memories?layer=active", nil)
	list := decode[memoriesResponse](t, body)
	if status != http.StatusOK || len(list.Memories) != 1 {
		t.Fatalf("memories = %d %s", status, body)
	}
	mid := list.Memories[0].ID

	status, body = env.call(t, http.MethodPatch, "/pawns/alice/memories/"+mid, map[string]string{
		"content": "planted sweet potatoes", "notes": "fixed typo",
	})
	edited := decode[memory.Entry](t, body)
	if status != http.StatusOK || edited.Content != "planted sweet potatoes" || !edited.UserEdited {
		t.Fatalf("edit = %d %+v", status, edited)
	}

	status, body = env.call(t, http.MethodPost, "/pawns/alice/memories/"+mid+"/pin", nil)
	if status != http.StatusOK || !decode[memory.Entry](t, body).Pinned {
		t.Fatalf("pin = %d %s", status, body)
	}
	status, body = env.call(t, http.MethodPost, "/pawns/alice/memories/"+mid+"/pin", map[string]bool{"pinned": false})
	if status != http.StatusOK || decode[memory.Entry](t, body).Pinned {
		t.Fatalf("unpin = %d %s", status, body)
	}

	if status, _ := env.call(t, http.MethodDelete, "/pawns/alice/memories/"+mid, nil); status != http.StatusNoContent {
		t.Fatalf("delete status = %d", status)
	}
	if status, _ := env.call(t, http.MethodDelete, "/pawns/alice/memories/"+mid, nil); status != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", status)
	}
}

func TestGateway_BadRequests(t *testing.T) {
	env := startGateway(t, testConfig(t))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown pawn", http.MethodGet, "/pawns/ghost/memories", nil, http.StatusNotFound},
		{"bad layer", http.MethodGet, "/pawns/ghost/memories?layer=attic", nil, http.StatusBadRequest},
		{"missing type", http.MethodPost, "/pawns/bob/memories", map[string]any{"content": "x"}, http.StatusBadRequest},
		{"bad type", http.MethodPost, "/pawns/bob/memories", map[string]any{"content": "x", "type": "Dream"}, http.StatusBadRequest},
		{"empty content", http.MethodPost, "/pawns/bob/memories", map[string]any{"type": "Action"}, http.StatusBadRequest},
		{"no body", http.MethodPatch, "/pawns/bob/memories/m1", nil, http.StatusBadRequest},
		{"compress unknown", http.MethodPost, "/pawns/ghost/compress", nil, http.StatusNotFound},
		{"retrieve bad type", http.MethodPost, "/pawns/ghost/retrieve", map[string]any{"type": "Dream"}, http.StatusBadRequest},
		{"unknown knowledge", http.MethodDelete, "/knowledge/ck-none", nil, http.StatusNotFound},
		{"knowledge patch without enabled", http.MethodPatch, "/knowledge/ck-none", map[string]any{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.call(t, tt.method, tt.path, tt.body)
			if status != tt.want {
				t.Fatalf("status = %d, want %d (%s)", status, tt.want, body)
			}
		})
	}
}

func TestGateway_CompressAndArchive(t *testing.T) {
	env := startGateway(t, testConfig(t))
	for _, c := range []string{"chopped wood", "hauled stone", "built a wall", "cooked stew", "washed dishes"} {
		addMemory(t, env, "alice", c, "Action")
	}

	status, body := env.call(t, http.MethodPost, "/pawns/alice/compress", nil)
	if status != http.StatusOK || decode[map[string]int](t, body)["created"] != 1 {
		t.Fatalf("compress = %d %s", status, body)
	}

	_, body = env.call(t, http.MethodGet, "/pawns/alice/memories?layer=EventLog", nil)
	if got := decode[memoriesResponse](t, body).Memories; len(got) != 1 || got[0].Layer != memory.LayerEventLog {
		t.Fatalf("eventLog = %s", body)
	}

	status, body = env.call(t, http.MethodPost, "/pawns/alice/archive", nil)
	if status != http.StatusOK || decode[map[string]int](t, body)["created"] != 1 {
		t.Fatalf("archive = %d %s", status, body)
	}
	_, body = env.call(t, http.MethodGet, "/pawns", nil)
	pawns := decode[[]pawnSummary](t, body)
	if pawns[0].EventLog != 0 || pawns[0].Archive != 1 || pawns[0].Situational != 0 {
		t.Fatalf("counts after archive = %+v", pawns[0])
	}
}

func TestGateway_RetrieveAndInject(t *testing.T) {
	env := startGateway(t, testConfig(t))
	addMemory(t, env, "alice", "talked about the harvest", "Conversation")
	env.call(t, http.MethodPost, "/pawns/alice/memories", map[string]any{
		"content": "cooked a fine meal", "type": "Action", "importance": 0.9,
	})
	env.call(t, http.MethodPost, "/knowledge/import", map[string]any{"text": "[food]meals are cooked at noon"})

	status, body := env.call(t, http.MethodPost, "/pawns/alice/retrieve", map[string]any{"type": "Action", "context": "meal"})
	entries := decode[[]memory.Entry](t, body)
	if status != http.StatusOK || len(entries) == 0 {
		t.Fatalf("retrieve = %d %s", status, body)
	}

	status, body = env.call(t, http.MethodPost, "/pawns/alice/inject", map[string]string{"context": "meal"})
	resp := decode[injectResponse](t, body)
	if status != http.StatusOK {
		t.Fatalf("inject status = %d", status)
	}
	if !strings.HasPrefix(resp.Text, "## Memories\n") || !strings.Contains(resp.Text, "## Knowledge") {
		t.Fatalf("inject text = %q", resp.Text)
	}
	if len(resp.Scores) != 2 || resp.Scores[0].Entry.Content != "cooked a fine meal" {
		t.Fatalf("scores = %+v", resp.Scores)
	}

	_, body = env.call(t, http.MethodPost, "/pawns/nobody/inject", map[string]string{"context": "meal"})
	if resp := decode[injectResponse](t, body); !strings.HasPrefix(resp.Text, "## Knowledge") || len(resp.Scores) != 0 {
		t.Fatalf("unknown pawn inject = %+v", resp)
	}
}

func TestGateway_Knowledge(t *testing.T) {
	env := startGateway(t, testConfig(t))

	status, body := env.call(t, http.MethodPost, "/knowledge/import", map[string]any{"text": "[info]alpha\nbeta\n"})
	if status != http.StatusOK || decode[map[string]int](t, body)["imported"] != 2 {
		t.Fatalf("import = %d %s", status, body)
	}

	status, body = env.call(t, http.MethodGet, "/knowledge/export", nil)
	if status != http.StatusOK || string(body) != "[info]alpha\n[general]beta\n" {
		t.Fatalf("export = %d %q", status, body)
	}

	_, body = env.call(t, http.MethodGet, "/knowledge?tag=info", nil)
	tagged := decode[[]memory.KnowledgeEntry](t, body)
	if len(tagged) != 1 || tagged[0].Content != "alpha" {
		t.Fatalf("by tag = %+v", tagged)
	}

	status, _ = env.call(t, http.MethodPatch, "/knowledge/"+tagged[0].ID, map[string]bool{"enabled": false})
	if status != http.StatusNoContent {
		t.Fatalf("disable status = %d", status)
	}
	if status, _ := env.call(t, http.MethodDelete, "/knowledge/"+tagged[0].ID, nil); status != http.StatusNoContent {
		t.Fatalf("delete status = %d", status)
	}

	_, body = env.call(t, http.MethodGet, "/knowledge", nil)
	if all := decode[[]memory.KnowledgeEntry](t, body); len(all) != 1 || all[0].Tag != "general" {
		t.Fatalf("remaining = %+v", all)
	}

	status, body = env.call(t, http.MethodPost, "/knowledge/import", map[string]any{"text": "[law]no stealing", "clear": true})
	if status != http.StatusOK || decode[map[string]int](t, body)["total"] != 1 {
		t.Fatalf("import with clear = %d %s", status, body)
	}
}

func TestGateway_Settings(t *testing.T) {
	env := startGateway(t, testConfig(t))

	status, body := env.call(t, http.MethodPatch, "/settings", map[string]any{
		"memory":    map[string]any{"maxActive": 5},
		"injection": map[string]any{"maxMemories": -1},
	})
	got := decode[settingsView](t, body)
	if status != http.StatusOK {
		t.Fatalf("patch status = %d %s", status, body)
	}
	if got.Memory.MaxActive != 5 || got.Memory.MaxSituational != config.DefaultMaxSituational {
		t.Fatalf("memory settings = %+v", got.Memory)
	}
	if got.Injection.MaxMemories != config.DefaultMaxInjectedMemories {
		t.Fatalf("maxMemories = %d, want normalized default", got.Injection.MaxMemories)
	}
	if n := env.savedCfgs.Load(); n != 1 {
		t.Fatalf("config saved %d times, want 1", n)
	}

	// Capacity is read live, so five memories now fit in Active.
	for _, c := range []string{"a1", "a2", "a3", "a4", "a5"} {
		addMemory(t, env, "alice", c, "Action")
	}
	_, body = env.call(t, http.MethodGet, "/pawns", nil)
	if pawns := decode[[]pawnSummary](t, body); pawns[0].Active != 5 || pawns[0].Situational != 0 {
		t.Fatalf("counts = %+v", pawns[0])
	}

	_, body = env.call(t, http.MethodGet, "/settings", nil)
	if decode[settingsView](t, body).Memory.MaxActive != 5 {
		t.Fatalf("settings = %s", body)
	}

	if status, _ := env.call(t, http.MethodPatch, "/settings", nil); status != http.StatusBadRequest {
		t.Fatalf("empty patch status = %d", status)
	}
}

func TestGateway_FeedRoundTrip(t *testing.T) {
	env := startGateway(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(3 * time.Second)
	for env.gw.feed.Clients() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("feed client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	msg := `{"type":"ingest","ingest":{"pawnId":"p1","pawnName":"Alice","content":"saw a deer","type":"Observation","importance":0.4}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	var got struct {
		Type  string            `json:"type"`
		Event bus.OutboundEvent `json:"event"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if got.Type != "event" || got.Event.Kind != memory.EventAdded || got.Event.Entry.Content != "saw a deer" || got.Event.Pawn.ID != "p1" {
		t.Fatalf("event = %s", data)
	}
}

func TestGateway_InboundBusIngest(t *testing.T) {
	env := startGateway(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := env.gw.bus.PublishInbound(ctx, bus.InboundEvent{
		Source: "test",
		Event:  memory.IngestEvent{PawnID: "p9", Content: "heard thunder", Type: memory.Observation, Importance: 0.5},
	})
	if err != nil {
		t.Fatalf("PublishInbound error: %v", err)
	}

	for {
		var n int
		if err := env.gw.Do(ctx, func() { n = len(env.gw.manager.Pawns()) }); err != nil {
			t.Fatalf("Do error: %v", err)
		}
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_HostLoopTicks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clock.TickInterval = "1ms"
	cfg.Clock.TicksPerStep = 10
	env := startGateway(t, cfg)

	deadline := time.Now().Add(3 * time.Second)
	for env.gw.clock.Ticks() < 30 {
		if time.Now().After(deadline) {
			t.Fatalf("clock stuck at %d", env.gw.clock.Ticks())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if env.gw.clock.Ticks()%10 != 0 {
		t.Fatalf("ticks = %d, want multiples of ticksPerStep", env.gw.clock.Ticks())
	}
}

func TestGateway_ScheduledJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule.DeepArchiveCron = quietCron
	env := startGateway(t, cfg)

	byName := map[string]cron.CronJob{}
	for _, job := range env.gw.cron.ListJobs() {
		byName[job.Name] = job
	}
	autosave, ok := byName[autosaveJobName]
	if !ok || autosave.Expr != quietCron || autosave.Payload.Task != cron.TaskAutosave {
		t.Fatalf("autosave job = %+v", autosave)
	}
	if _, ok := byName[deepArchiveJobName]; !ok {
		t.Fatal("deep-archive job missing")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfg.Storage.DBPath), "cron", "jobs.json")); err != nil {
		t.Fatalf("cron store not written: %v", err)
	}

	addMemory(t, env, "alice", "fixed the roof", "Action")
	if err := env.gw.cron.RunNow(autosave.ID); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	if env.store.saveCount() != 1 {
		t.Fatalf("saves = %d, want 1", env.store.saveCount())
	}
	snap, _ := env.store.LoadSnapshot(context.Background())
	if len(snap.Pawns) != 1 || snap.Pawns[0].Active[0].Content != "fixed the roof" {
		t.Fatalf("autosaved snapshot = %+v", snap.Pawns)
	}

	for _, c := range []string{"a", "b", "c", "d"} {
		addMemory(t, env, "alice", c, "Action")
	}
	env.call(t, http.MethodPost, "/pawns/alice/compress", nil)
	if err := env.gw.runJob(cron.CronJob{Payload: cron.Payload{Task: cron.TaskDeepArchive}}); err != nil {
		t.Fatalf("deep archive job error: %v", err)
	}
	_, body := env.call(t, http.MethodGet, "/pawns", nil)
	if pawns := decode[[]pawnSummary](t, body); pawns[0].Archive != 1 || pawns[0].EventLog != 0 {
		t.Fatalf("counts after deep archive = %+v", pawns[0])
	}

	if err := env.gw.runJob(cron.CronJob{Payload: cron.Payload{Task: "bogus"}}); err == nil {
		t.Fatal("unknown task should error")
	}
}

func TestGateway_ClearedOptionalJobsAreRemoved(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule.DeepArchiveCron = quietCron
	cfg.Schedule.SummarizeCron = quietCron
	first := startGateway(t, cfg)
	if got := len(first.gw.cron.ListJobs()); got != 3 {
		t.Fatalf("jobs = %d, want 3", got)
	}
	first.gw.Shutdown()

	cfg.Schedule.DeepArchiveCron = ""
	cfg.Schedule.SummarizeCron = ""
	second := startGateway(t, cfg)
	for _, job := range second.gw.cron.ListJobs() {
		if job.Name == deepArchiveJobName || job.Name == summarizeJobName {
			t.Fatalf("%s job should be removed when its schedule is cleared", job.Name)
		}
	}
}

func TestGateway_SummarizeJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule.SummarizeCron = quietCron
	env := startGateway(t, cfg)

	var job cron.CronJob
	for _, j := range env.gw.cron.ListJobs() {
		if j.Name == summarizeJobName {
			job = j
		}
	}
	if job.Payload.Task != cron.TaskSummarize {
		t.Fatalf("summarize job = %+v", job)
	}

	for _, c := range []string{"a", "b", "c", "d", "e"} {
		addMemory(t, env, "alice", c, "Action")
	}
	if err := env.gw.cron.RunNow(job.ID); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	_, body := env.call(t, http.MethodGet, "/pawns", nil)
	if pawns := decode[[]pawnSummary](t, body); pawns[0].Situational != 0 || pawns[0].EventLog != 1 {
		t.Fatalf("counts after summarize job = %+v", pawns[0])
	}
	for _, j := range env.gw.cron.ListJobs() {
		if j.ID == job.ID && (j.State.LastStatus != "ok" || j.State.Runs != 1) {
			t.Fatalf("job state = %+v", j.State)
		}
	}
}

type countingCache struct {
	closes atomic.Int32
}

func (c *countingCache) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (c *countingCache) Set(ctx context.Context, key, value string) error { return nil }
func (c *countingCache) Close() error {
	if c.closes.Add(1) > 1 {
		return errors.New("client is closed")
	}
	return nil
}

func TestGateway_ShutdownClosesSharedCacheOnce(t *testing.T) {
	cache := &countingCache{}
	gw, err := NewWithOptions(testConfig(t), Options{Persister: &memPersister{}, Completer: failingCompleter{}, SharedCache: cache})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	if err := gw.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if got := cache.closes.Load(); got != 1 {
		t.Fatalf("cache closes = %d, want 1", got)
	}
}

func TestGateway_ShutdownSavesAndStops(t *testing.T) {
	env := startGateway(t, testConfig(t))
	addMemory(t, env, "alice", "went to sleep", "Action")

	if err := env.gw.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if env.store.saveCount() != 1 || !env.store.closed {
		t.Fatalf("saves = %d closed = %v", env.store.saveCount(), env.store.closed)
	}
	if err := env.gw.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Do after shutdown = %v, want ErrStopped", err)
	}
	if status, _ := env.call(t, http.MethodGet, "/pawns", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("pawns after shutdown = %d, want 503", status)
	}
}

func TestGateway_ShutdownWithoutStartKeepsStorage(t *testing.T) {
	store := &memPersister{}
	gw, err := NewWithOptions(testConfig(t), Options{Persister: store, Completer: failingCompleter{}})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	if err := gw.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if store.saveCount() != 0 {
		t.Fatal("a gateway that never loaded must not save")
	}
}

func TestGateway_RestartRestoresSQLite(t *testing.T) {
	cfg := testConfig(t)
	packDir := filepath.Join(cfg.Knowledge.PacksDir, "world")
	if err := os.MkdirAll(packDir, 0755); err != nil {
		t.Fatal(err)
	}
	pack := "---\nname: world\ntag: world\n---\nthe colony sits on a river\n[law]no stealing\n"
	if err := os.WriteFile(filepath.Join(packDir, "KNOWLEDGE.md"), []byte(pack), 0644); err != nil {
		t.Fatal(err)
	}

	open := func() *Gateway {
		gw, err := NewWithOptions(cfg, Options{
			Completer:  failingCompleter{},
			SaveConfig: func(*config.Config) error { return nil },
		})
		if err != nil {
			t.Fatalf("NewWithOptions error: %v", err)
		}
		if err := gw.Start(context.Background()); err != nil {
			t.Fatalf("Start error: %v", err)
		}
		return gw
	}

	gw := open()
	if n := gw.manager.Knowledge().Len(); n != 2 {
		t.Fatalf("pack entries = %d, want 2", n)
	}
	ctx := context.Background()
	if err := gw.Do(ctx, func() {
		gw.manager.Ingest(memory.IngestEvent{PawnID: "p1", PawnName: "Alice", Content: "caught a fish", Type: memory.Action, Importance: 0.7})
	}); err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if err := gw.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	again := open()
	defer again.Shutdown()
	if n := again.manager.Knowledge().Len(); n != 2 {
		t.Fatalf("knowledge after restart = %d, want 2", n)
	}
	var content string
	if err := again.Do(ctx, func() {
		if s, ok := again.manager.Lookup("p1"); ok {
			content = s.Tier(memory.LayerActive)[0].Content
		}
	}); err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if content != "caught a fish" {
		t.Fatalf("restored content = %q", content)
	}
}
