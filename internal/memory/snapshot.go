package memory

import (
	"encoding/json"
)

const defaultImportance = 0.5

// Snapshot is the persisted world state: every pawn's tiers in order, the
// knowledge library and the periodic-work markers.
type Snapshot struct {
	Pawns     []PawnSnapshot   `json:"pawns"`
	Knowledge []KnowledgeEntry `json:"knowledge"`
	Markers   Markers          `json:"markers"`
}

type PawnSnapshot struct {
	Owner       Owner   `json:"owner"`
	Active      []Entry `json:"active"`
	Situational []Entry `json:"situational"`
	EventLog    []Entry `json:"eventLog"`
	Archive     []Entry `json:"archive"`
}

// Tier returns the entries saved for layer.
func (p *PawnSnapshot) Tier(layer Layer) []Entry {
	switch layer {
	case LayerActive:
		return p.Active
	case LayerSituational:
		return p.Situational
	case LayerEventLog:
		return p.EventLog
	default:
		return p.Archive
	}
}

func (p *PawnSnapshot) setTier(layer Layer, entries []Entry) {
	switch layer {
	case LayerActive:
		p.Active = entries
	case LayerSituational:
		p.Situational = entries
	case LayerEventLog:
		p.EventLog = entries
	default:
		p.Archive = entries
	}
}

// UnmarshalJSON fills fields older saves may lack before decoding.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	decoded := plain{Importance: defaultImportance, Activity: 1}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*e = Entry(decoded)
	return nil
}

func (k *KnowledgeEntry) UnmarshalJSON(data []byte) error {
	type plain KnowledgeEntry
	decoded := plain{Importance: defaultKnowledgeScore, Enabled: true}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*k = KnowledgeEntry(decoded)
	return nil
}

func (s *Store) snapshot() PawnSnapshot {
	ps := PawnSnapshot{Owner: s.owner}
	for _, layer := range Layers {
		src := *s.tier(layer)
		entries := make([]Entry, len(src))
		for i, e := range src {
			entries[i] = *e.clone()
		}
		ps.setTier(layer, entries)
	}
	return ps
}

func (s *Store) restore(ps PawnSnapshot) {
	for _, layer := range Layers {
		saved := ps.Tier(layer)
		list := make([]*Entry, 0, len(saved))
		for i := range saved {
			e := saved[i].clone()
			e.Layer = layer
			if e.ID == "" {
				e.ID = newEntryID()
			}
			if len(e.Keywords) == 0 {
				e.Keywords = ExtractKeywords(e.Content, storeKeywordLimit)
			}
			list = append(list, e)
		}
		*s.tier(layer) = list
	}
}

// Snapshot copies the whole world state. Call it on the host loop.
func (m *Manager) Snapshot() *Snapshot {
	snap := &Snapshot{
		Pawns:     make([]PawnSnapshot, 0, len(m.order)),
		Knowledge: m.knowledge.Entries(),
		Markers:   m.Markers(),
	}
	for _, id := range m.order {
		snap.Pawns = append(snap.Pawns, m.stores[id].snapshot())
	}
	return snap
}

// Restore replaces all pawns, knowledge and markers with snap. The clock is
// moved forward to the saved tick count when it lags behind.
func (m *Manager) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	m.stores = make(map[string]*Store, len(snap.Pawns))
	m.order = m.order[:0]
	for _, ps := range snap.Pawns {
		if ps.Owner.ID == "" {
			continue
		}
		s := m.Pawn(ps.Owner.ID, ps.Owner.Name)
		s.restore(ps)
	}
	m.knowledge.Restore(snap.Knowledge)
	m.marks = snap.Markers
	m.marks.Ticks = 0

	if setter, ok := m.clock.(interface{ Set(int64) }); ok && m.clock.Ticks() < snap.Markers.Ticks {
		setter.Set(snap.Markers.Ticks)
	}
	m.metrics.SetPawns(len(m.stores))
}
