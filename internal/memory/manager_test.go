package memory

import (
	"strings"
	"testing"

	"github.com/stellarlinkco/pawnmind/internal/config"
)

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *testSettings, *ManualClock) {
	t.Helper()
	settings := newTestSettings()
	clock := NewManualClock(0)
	return NewManager(settings, clock, opts...), settings, clock
}

func TestManager_IngestHonorsToggles(t *testing.T) {
	m, settings, _ := newTestManager(t)

	ok, err := m.Ingest(IngestEvent{PawnID: "p1", PawnName: "Alice", Content: "built a wall", Type: Action, Importance: 0.5})
	if err != nil || !ok {
		t.Fatalf("Ingest = %v, %v", ok, err)
	}

	settings.update(func(mem *config.MemoryConfig, _ *config.InjectionConfig) {
		mem.EnableActionMemory = false
	})
	ok, _ = m.Ingest(IngestEvent{PawnID: "p1", Content: "built another wall", Type: Action})
	if ok {
		t.Fatal("action memory disabled but ingested")
	}
	ok, _ = m.Ingest(IngestEvent{PawnID: "p1", Content: "saw a deer", Type: Observation})
	if !ok {
		t.Fatal("observation should not be affected by the action toggle")
	}

	if _, err := m.Ingest(IngestEvent{Content: "x", Type: Action}); err == nil {
		t.Fatal("missing pawn id should error")
	}
	if _, err := m.Ingest(IngestEvent{PawnID: "p1", Content: "x", Type: MemoryType(99)}); err == nil {
		t.Fatal("invalid type should error")
	}

	pawns := m.Pawns()
	if len(pawns) != 1 || pawns[0].Name != "Alice" {
		t.Fatalf("pawns = %+v", pawns)
	}
}

func TestManager_TickCadence(t *testing.T) {
	m, settings, clock := newTestManager(t)
	settings.update(func(mem *config.MemoryConfig, _ *config.InjectionConfig) {
		mem.SummarizationHour = 2
		mem.EnableAutoArchive = false
	})
	s := m.Pawn("p1", "Alice")
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		s.AddActive(c, Action, 0.5, "")
	}
	warm := s.Tier(LayerSituational)[0]

	m.Tick()
	if warm.Activity != 1 {
		t.Fatalf("decay ran before an hour passed: %v", warm.Activity)
	}

	clock.Set(TicksPerHour + 1)
	m.Tick()
	if warm.Activity >= 1 {
		t.Fatal("decay should run once an hour has passed")
	}
	decayed := warm.Activity
	m.Tick()
	if warm.Activity != decayed {
		t.Fatal("decay ran twice in the same hour")
	}
	if len(s.Tier(LayerSituational)) == 0 {
		t.Fatal("summarization ran before the configured hour")
	}

	clock.Set(2*TicksPerHour + 10)
	m.Tick()
	if len(s.Tier(LayerSituational)) != 0 || len(s.Tier(LayerEventLog)) != 1 {
		t.Fatalf("daily summarization did not run at hour 2: %v", s.Counts())
	}
	if m.Markers().LastSummarizationDay != 0 {
		t.Fatalf("marker = %d", m.Markers().LastSummarizationDay)
	}

	s.AddActive("f", Action, 0.5, "")
	clock.Advance(10)
	m.Tick()
	if len(s.Tier(LayerSituational)) != 1 {
		t.Fatal("summarization should run once per day")
	}

	clock.Set(TicksPerDay + 2*TicksPerHour)
	m.Tick()
	if len(s.Tier(LayerSituational)) != 0 {
		t.Fatal("summarization should run again the next day")
	}
}

func TestManager_ArchiveTrimOnInterval(t *testing.T) {
	m, settings, clock := newTestManager(t)
	settings.update(func(mem *config.MemoryConfig, _ *config.InjectionConfig) {
		mem.EnableDailySummarization = false
		mem.ArchiveIntervalDays = 3
		mem.MaxArchive = 2
	})
	s := m.Pawn("p1", "")
	fill := func() {
		s.archive = []*Entry{
			{ID: "a", Importance: 0.1, Layer: LayerArchive},
			{ID: "b", Importance: 0.8, Layer: LayerArchive},
			{ID: "c", Importance: 0.9, Layer: LayerArchive},
		}
	}

	clock.Set(TicksPerDay) // day 1
	fill()
	m.Tick()
	if len(s.archive) != 3 {
		t.Fatal("trim should wait for an interval day")
	}

	clock.Set(3 * TicksPerDay)
	m.Tick()
	if len(s.archive) != 2 || s.archive[0].ID != "b" {
		t.Fatalf("archive after trim = %d entries", len(s.archive))
	}

	fill()
	clock.Advance(100)
	m.Tick()
	if len(s.archive) != 3 {
		t.Fatal("trim should run once per interval day")
	}
}

func TestManager_TickDrainsCallbacks(t *testing.T) {
	fake := newFakeCompleter("summary")
	p := NewPipeline(availableAI(), WithCompleter(fake))
	m, _, _ := newTestManager(t, WithPipeline(p), WithMaxCallbacksPerTick(1))

	delivered := 0
	owner := Owner{ID: "p1"}
	entries := batch("a")
	p.SummarizeAsync(owner, entries, TemplateDailySummary, func(string) { delivered++ })
	p.SummarizeAsync(owner, entries, TemplateDailySummary, func(string) { delivered++ })

	close(fake.release)
	p.Wait()
	m.Tick()
	if delivered != 1 {
		t.Fatalf("first tick delivered %d, want 1", delivered)
	}
	m.Tick()
	if delivered != 2 {
		t.Fatalf("second tick delivered %d, want 2", delivered)
	}
}

func TestManager_BuildContext(t *testing.T) {
	m, settings, _ := newTestManager(t)
	m.Ingest(IngestEvent{PawnID: "p1", Content: "cooked a fine meal", Type: Action, Importance: 0.8})
	m.Knowledge().AddEntry("food", "meals are cooked at noon")

	ctx := m.BuildContext("p1", "meal")
	if !strings.HasPrefix(ctx, "## Memories\n1. [Action] cooked a fine meal") || !strings.Contains(ctx, "\n## Knowledge\n1. [food]") {
		t.Fatalf("context = %q", ctx)
	}

	if got := m.BuildContext("nobody", "meal"); !strings.HasPrefix(got, "## Knowledge") {
		t.Fatalf("unknown pawn context = %q", got)
	}

	settings.update(func(_ *config.MemoryConfig, inj *config.InjectionConfig) { inj.Enabled = false })
	if m.BuildContext("p1", "meal") != "" {
		t.Fatal("injection disabled should yield nothing")
	}
}

func TestManager_SnapshotRestore(t *testing.T) {
	m, _, clock := newTestManager(t)
	for _, c := range []string{"a", "b", "c", "d"} {
		m.Ingest(IngestEvent{PawnID: "p1", PawnName: "Alice", Content: c, Type: Action, Importance: 0.5})
	}
	s, _ := m.Lookup("p1")
	s.Pin(s.Tier(LayerActive)[0].ID, true)
	m.Knowledge().AddEntry("law", "no stealing")
	clock.Set(5000)
	m.Tick()

	snap := m.Snapshot()
	if snap.Markers.Ticks != 5000 || snap.Markers.LastDecayTick != 5000 {
		t.Fatalf("markers = %+v", snap.Markers)
	}

	other, _, otherClock := newTestManager(t)
	other.Restore(snap)
	if otherClock.Ticks() != 5000 {
		t.Fatalf("clock not restored: %d", otherClock.Ticks())
	}
	restored, ok := other.Lookup("p1")
	if !ok {
		t.Fatal("pawn missing after restore")
	}
	if got := strings.Join(contents(restored.Tier(LayerActive)), ","); got != "d,c,b" {
		t.Fatalf("active = %s", got)
	}
	if !restored.Tier(LayerActive)[0].Pinned {
		t.Fatal("pinned flag lost")
	}
	if got := strings.Join(contents(restored.Tier(LayerSituational)), ","); got != "a" {
		t.Fatalf("situational = %s", got)
	}
	if other.Knowledge().Len() != 1 {
		t.Fatal("knowledge lost")
	}
	if other.Markers().LastDecayTick != 5000 {
		t.Fatal("markers lost")
	}
}
