package memory

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/pawnmind/internal/observability"
)

var ErrInvalidEvent = errors.New("invalid ingest event")

// IngestEvent is a domain event worth remembering, reported by the host.
type IngestEvent struct {
	PawnID      string     `json:"pawnId"`
	PawnName    string     `json:"pawnName,omitempty"`
	Content     string     `json:"content"`
	Type        MemoryType `json:"type"`
	Importance  float64    `json:"importance"`
	RelatedPawn string     `json:"relatedPawn,omitempty"`
}

// Markers remember when periodic work last ran.
type Markers struct {
	LastDecayTick        int64 `json:"lastDecayTick"`
	LastSummarizationDay int64 `json:"lastSummarizationDay"`
	LastArchiveDay       int64 `json:"lastArchiveDay"`
	Ticks                int64 `json:"ticks"`
}

// Manager owns every pawn's store plus the shared knowledge library and
// drives periodic work from the host tick. Like Store, it belongs to the
// host loop.
type Manager struct {
	settings  Settings
	clock     Clock
	pipeline  *Pipeline
	knowledge *Library
	metrics   *observability.Metrics
	notify    func(MemoryEvent)

	maxCallbacksPerTick int

	stores map[string]*Store
	order  []string
	marks  Markers
}

type ManagerOption func(*Manager)

func WithPipeline(p *Pipeline) ManagerOption {
	return func(m *Manager) { m.pipeline = p }
}

func WithLibrary(lib *Library) ManagerOption {
	return func(m *Manager) { m.knowledge = lib }
}

func WithManagerMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

func WithEventSink(fn func(MemoryEvent)) ManagerOption {
	return func(m *Manager) { m.notify = fn }
}

func WithMaxCallbacksPerTick(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxCallbacksPerTick = n
		}
	}
}

func NewManager(settings Settings, clock Clock, opts ...ManagerOption) *Manager {
	m := &Manager{
		settings:            settings,
		clock:               clock,
		knowledge:           NewLibrary(),
		maxCallbacksPerTick: 5,
		stores:              make(map[string]*Store),
		marks:               Markers{LastSummarizationDay: -1, LastArchiveDay: -1},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Knowledge() *Library { return m.knowledge }

func (m *Manager) Pipeline() *Pipeline { return m.pipeline }

func (m *Manager) Markers() Markers {
	marks := m.marks
	marks.Ticks = m.clock.Ticks()
	return marks
}

func (m *Manager) newStore(owner Owner) *Store {
	opts := []StoreOption{WithNotifier(m.emit)}
	if m.pipeline != nil {
		opts = append(opts, WithSummarizer(m.pipeline))
	}
	return NewStore(owner, m.settings, m.clock, opts...)
}

func (m *Manager) emit(ev MemoryEvent) {
	if m.notify != nil {
		m.notify(ev)
	}
}

// Pawn returns the store for id, creating it on first use. A non-empty name
// renames an existing pawn.
func (m *Manager) Pawn(id, name string) *Store {
	if s, ok := m.stores[id]; ok {
		if name != "" && s.owner.Name != name {
			s.owner.Name = name
		}
		return s
	}
	if name == "" {
		name = id
	}
	s := m.newStore(Owner{ID: id, Name: name})
	m.stores[id] = s
	m.order = append(m.order, id)
	m.metrics.SetPawns(len(m.stores))
	return s
}

func (m *Manager) Lookup(id string) (*Store, bool) {
	s, ok := m.stores[id]
	return s, ok
}

// Pawns lists owners in creation order.
func (m *Manager) Pawns() []Owner {
	out := make([]Owner, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.stores[id].owner)
	}
	return out
}

// Ingest records ev for its pawn. It returns false when the event's type is
// switched off in settings or the memory is a duplicate.
func (m *Manager) Ingest(ev IngestEvent) (bool, error) {
	if strings.TrimSpace(ev.PawnID) == "" {
		return false, fmt.Errorf("%w: missing pawn id", ErrInvalidEvent)
	}
	if !ev.Type.Valid() {
		return false, fmt.Errorf("%w: %w", ErrInvalidEvent, ErrUnknownMemoryType)
	}

	settings := m.settings.MemorySettings()
	switch ev.Type {
	case Action:
		if !settings.EnableActionMemory {
			return false, nil
		}
	case Conversation:
		if !settings.EnableConversationMemory {
			return false, nil
		}
	}

	added := m.Pawn(ev.PawnID, ev.PawnName).AddActive(ev.Content, ev.Type, ev.Importance, ev.RelatedPawn)
	if added {
		m.metrics.Ingested(ev.Type.String())
	}
	return added, nil
}

// Tick runs whatever periodic work is due, then drains summary callbacks.
// Only the host loop may call it.
func (m *Manager) Tick() {
	now := m.clock.Ticks()
	m.metrics.Tick()

	if now-m.marks.LastDecayTick > TicksPerHour {
		m.DecayAll()
		m.marks.LastDecayTick = now
	}

	settings := m.settings.MemorySettings()
	day := DayOf(now)

	if settings.EnableDailySummarization && day != m.marks.LastSummarizationDay && HourOf(now) == settings.SummarizationHour {
		log.Printf("[memory] day %d hour %d: running daily summarization", day, HourOf(now))
		created := m.SummarizeAll()
		m.marks.LastSummarizationDay = day
		log.Printf("[memory] daily summarization created %d entries across %d pawns", created, len(m.stores))
	}

	if settings.EnableAutoArchive && settings.ArchiveIntervalDays > 0 && day != m.marks.LastArchiveDay && day%int64(settings.ArchiveIntervalDays) == 0 {
		if evicted := m.TrimArchives(settings.MaxArchive); evicted > 0 {
			log.Printf("[memory] day %d: archive cleanup evicted %d entries", day, evicted)
		}
		m.marks.LastArchiveDay = day
	}

	if m.pipeline != nil {
		m.pipeline.Drain(m.maxCallbacksPerTick)
	}
}

func (m *Manager) DecayAll() {
	rates := DecayRatesFrom(m.settings)
	for _, id := range m.order {
		m.stores[id].Decay(rates)
	}
}

// SummarizeAll runs daily summarization for every pawn.
func (m *Manager) SummarizeAll() int {
	created := 0
	for _, id := range m.order {
		created += m.stores[id].CompressSituational()
	}
	return created
}

// ManualArchiveAll deep-archives every pawn's EventLog.
func (m *Manager) ManualArchiveAll() int {
	archived := 0
	for _, id := range m.order {
		archived += m.stores[id].ManualArchiveCompress()
	}
	return archived
}

func (m *Manager) TrimArchives(max int) int {
	evicted := 0
	for _, id := range m.order {
		evicted += m.stores[id].TrimArchive(max)
	}
	return evicted
}

// BuildContext combines a pawn's relevant memories with shared knowledge
// into the text handed to a prompt builder. Unknown pawns get knowledge only.
func (m *Manager) BuildContext(pawnID, context string) string {
	inj := m.settings.InjectionSettings()
	if !inj.Enabled {
		return ""
	}

	var sb strings.Builder
	if s, ok := m.stores[pawnID]; ok {
		if text, _ := s.InjectMemories(context, inj.MaxMemories); text != "" {
			sb.WriteString("## Memories\n")
			sb.WriteString(text)
		}
	}
	if text, _ := m.knowledge.Inject(context, inj.MaxKnowledge); text != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## Knowledge\n")
		sb.WriteString(text)
	}
	return sb.String()
}
