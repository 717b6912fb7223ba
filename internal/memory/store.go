package memory

import (
	"fmt"
	"log"
	"sort"
	"strings"
)

const (
	TagSimpleSummary = "simple-summary"
	TagPendingAI     = "pending-ai"
	TagAISummary     = "ai-summary"
	TagManualArchive = "manual-archive"

	dedupSituationalWindow = 5
	retrieveSituational    = 5
	retrieveArchive        = 3
)

// Owner identifies the pawn a store belongs to.
type Owner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Summarizer is the slice of the summarization pipeline the store needs.
type Summarizer interface {
	Available() bool
	// SummarizeAsync returns a cached summary at once, or registers cb to
	// receive it from the host loop once the background request succeeds.
	SummarizeAsync(owner Owner, entries []*Entry, kind TemplateKind, cb func(summary string)) (string, bool)
}

type DecayRates struct {
	Situational float64
	EventLog    float64
	Archive     float64
}

type EventKind string

const (
	EventAdded      EventKind = "added"
	EventPromoted   EventKind = "promoted"
	EventSummarized EventKind = "summarized"
	EventDemoted    EventKind = "demoted"
	EventArchived   EventKind = "archived"
	EventEdited     EventKind = "edited"
	EventPinned     EventKind = "pinned"
	EventDeleted    EventKind = "deleted"
	EventEvicted    EventKind = "evicted"
)

// MemoryEvent reports a change to a pawn's memory for observers such as the feed.
type MemoryEvent struct {
	Kind  EventKind `json:"kind"`
	Pawn  Owner     `json:"pawn"`
	Entry Entry     `json:"entry"`
}

type StoreOption func(*Store)

func WithSummarizer(s Summarizer) StoreOption {
	return func(st *Store) { st.summarizer = s }
}

func WithNotifier(fn func(MemoryEvent)) StoreOption {
	return func(st *Store) { st.notify = fn }
}

// Store holds one pawn's four tiers, each ordered newest first. It is not
// safe for concurrent use; the host loop owns it.
type Store struct {
	owner      Owner
	settings   Settings
	clock      Clock
	scorer     *Scorer
	summarizer Summarizer
	notify     func(MemoryEvent)

	active      []*Entry
	situational []*Entry
	eventLog    []*Entry
	archive     []*Entry
}

func NewStore(owner Owner, settings Settings, clock Clock, opts ...StoreOption) *Store {
	s := &Store{
		owner:    owner,
		settings: settings,
		clock:    clock,
		scorer:   NewScorer(settings, clock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Owner() Owner { return s.owner }

func (s *Store) emit(kind EventKind, e *Entry) {
	if s.notify == nil || e == nil {
		return
	}
	s.notify(MemoryEvent{Kind: kind, Pawn: s.owner, Entry: *e.clone()})
}

func (s *Store) tier(layer Layer) *[]*Entry {
	switch layer {
	case LayerActive:
		return &s.active
	case LayerSituational:
		return &s.situational
	case LayerEventLog:
		return &s.eventLog
	default:
		return &s.archive
	}
}

// Tier returns a copy of the entries in one tier, newest first.
func (s *Store) Tier(layer Layer) []*Entry {
	src := *s.tier(layer)
	out := make([]*Entry, len(src))
	copy(out, src)
	return out
}

// Counts returns tier sizes indexed by Layer.
func (s *Store) Counts() [4]int {
	return [4]int{len(s.active), len(s.situational), len(s.eventLog), len(s.archive)}
}

func (s *Store) Len() int {
	return len(s.active) + len(s.situational) + len(s.eventLog) + len(s.archive)
}

func prepend(list []*Entry, e *Entry) []*Entry {
	list = append(list, nil)
	copy(list[1:], list)
	list[0] = e
	return list
}

func (s *Store) isDuplicate(content string, typ MemoryType, relatedPawn string) bool {
	same := func(e *Entry) bool {
		return e.Type == typ && e.Content == content && e.RelatedPawn == relatedPawn
	}
	for _, e := range s.active {
		if same(e) {
			return true
		}
	}
	for i, e := range s.situational {
		if i >= dedupSituationalWindow {
			break
		}
		if same(e) {
			return true
		}
	}
	return false
}

// AddActive records a new memory at the front of Active. It returns false
// when an identical memory is already fresh in Active or recent Situational.
func (s *Store) AddActive(content string, typ MemoryType, importance float64, relatedPawn string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	if s.isDuplicate(content, typ, relatedPawn) {
		return false
	}

	e := NewEntry(content, typ, LayerActive, importance, s.clock.Ticks())
	e.RelatedPawn = relatedPawn
	s.active = prepend(s.active, e)
	s.emit(EventAdded, e)

	maxActive := s.settings.MemorySettings().MaxActive
	for len(s.active) > maxActive {
		oldest := s.active[len(s.active)-1]
		s.active = s.active[:len(s.active)-1]
		s.promoteToSituational(oldest)
	}
	return true
}

func (s *Store) promoteToSituational(e *Entry) {
	e.Layer = LayerSituational
	s.situational = prepend(s.situational, e)
	s.emit(EventPromoted, e)

	limit := s.settings.MemorySettings().MaxSituational
	if float64(len(s.situational)) > float64(limit)*1.5 {
		log.Printf("[memory] %s situational tier at %d entries (capacity %d), waiting for daily summarization", s.owner.Name, len(s.situational), limit)
	}
}

// CompressSituational folds Situational into one EventLog entry per memory
// type, then trims EventLog. It returns the number of entries created.
func (s *Store) CompressSituational() int {
	if len(s.situational) == 0 {
		return 0
	}

	settings := s.settings.MemorySettings()
	useAI := settings.UseAISummarization && s.summarizer != nil && s.summarizer.Available()

	order, groups := groupByType(s.situational)
	created := 0
	for _, typ := range order {
		members := groups[typ]
		entry := NewEntry(SimpleSummary(members, typ, settings.MaxSummaryLength), typ, LayerEventLog, meanImportance(members)+0.2, s.clock.Ticks())
		mergeSources(entry, members)
		entry.AddTag(TagSimpleSummary)

		if useAI {
			apply := s.applyDailySummary(entry)
			if text, ok := s.summarizer.SummarizeAsync(s.owner, members, TemplateDailySummary, apply); ok {
				apply(text)
			} else {
				entry.AddTag(TagPendingAI)
				entry.Notes = "AI summary in progress."
			}
		}

		s.eventLog = prepend(s.eventLog, entry)
		s.emit(EventSummarized, entry)
		created++
	}

	s.situational = nil
	s.TrimEventLog()
	return created
}

func (s *Store) applyDailySummary(entry *Entry) func(string) {
	return func(summary string) {
		summary = strings.TrimSpace(summary)
		if summary == "" {
			return
		}
		entry.Content = summary
		entry.RemoveTag(TagSimpleSummary)
		entry.RemoveTag(TagPendingAI)
		entry.AddTag(TagAISummary)
		entry.Notes = "AI summary completed in the background."
		s.emit(EventSummarized, entry)
	}
}

// TrimEventLog demotes the oldest EventLog entries to the front of Archive
// until EventLog fits its capacity.
func (s *Store) TrimEventLog() int {
	limit := s.settings.MemorySettings().MaxEventLog
	demoted := 0
	for len(s.eventLog) > limit {
		oldest := s.eventLog[len(s.eventLog)-1]
		s.eventLog = s.eventLog[:len(s.eventLog)-1]
		oldest.Layer = LayerArchive
		s.archive = prepend(s.archive, oldest)
		s.emit(EventDemoted, oldest)
		demoted++
	}
	return demoted
}

// ManualArchiveCompress summarizes EventLog per type into Archive. Groups
// whose summary is already available are archived immediately and, if any
// were, EventLog is cleared. Groups still in flight are archived when their
// summary is delivered, but only if some of their sources are still in
// EventLog, so repeated requests for one batch archive it once.
func (s *Store) ManualArchiveCompress() int {
	if len(s.eventLog) == 0 {
		return 0
	}

	useAI := s.summarizer != nil && s.summarizer.Available()
	maxLen := s.settings.MemorySettings().MaxSummaryLength

	order, groups := groupByType(s.eventLog)
	archived := 0
	for _, typ := range order {
		members := groups[typ]
		if !useAI {
			s.insertArchiveSummary(typ, members, SimpleSummary(members, typ, maxLen))
			archived++
			continue
		}

		sources := append([]*Entry(nil), members...)
		text, ok := s.summarizer.SummarizeAsync(s.owner, members, TemplateDeepArchive, func(summary string) {
			if strings.TrimSpace(summary) == "" {
				return
			}
			// A batch is archived once, by whichever delivery still finds
			// its sources in EventLog.
			if s.removeFromEventLog(sources) == 0 {
				return
			}
			s.insertArchiveSummary(typ, sources, summary)
		})
		if ok && strings.TrimSpace(text) != "" {
			s.insertArchiveSummary(typ, members, text)
			archived++
		}
	}

	if archived > 0 {
		s.eventLog = nil
	}
	return archived
}

func (s *Store) insertArchiveSummary(typ MemoryType, sources []*Entry, summary string) {
	entry := NewEntry(strings.TrimSpace(summary), typ, LayerArchive, meanImportance(sources)+0.3, s.clock.Ticks())
	mergeSources(entry, sources)
	entry.AddTag(TagManualArchive)
	entry.AddTag(fmt.Sprintf("from-%d-eventlog", len(sources)))
	s.archive = prepend(s.archive, entry)
	s.emit(EventArchived, entry)
}

// removeFromEventLog drops sources from EventLog and reports how many were
// still there.
func (s *Store) removeFromEventLog(sources []*Entry) int {
	drop := make(map[string]struct{}, len(sources))
	for _, e := range sources {
		drop[e.ID] = struct{}{}
	}
	kept := s.eventLog[:0]
	removed := 0
	for _, e := range s.eventLog {
		if _, ok := drop[e.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.eventLog = kept
	return removed
}

// Decay lowers activity in every tier but Active.
func (s *Store) Decay(rates DecayRates) {
	for _, e := range s.situational {
		e.Decay(rates.Situational)
	}
	for _, e := range s.eventLog {
		e.Decay(rates.EventLog)
	}
	for _, e := range s.archive {
		e.Decay(rates.Archive)
	}
}

// DecayRatesFrom reads per-tier decay rates from memory settings.
func DecayRatesFrom(cfg Settings) DecayRates {
	m := cfg.MemorySettings()
	return DecayRates{Situational: m.SituationalDecayRate, EventLog: m.EventLogDecayRate, Archive: m.ArchiveDecayRate}
}

// Retrieve composes Active, the best Situational matches, optionally
// EventLog context, and Archive highlights when asked for that tier.
func (s *Store) Retrieve(q Query) []*Entry {
	settings := s.settings.MemorySettings()
	budget := q.MaxCount
	if budget <= 0 {
		budget = s.Len()
	}

	results := make([]*Entry, 0, budget)
	for i, e := range s.active {
		if i >= settings.MaxActive {
			break
		}
		results = append(results, e)
	}

	situational := s.scorer.SelectTopN(filterEntries(s.situational, q), q.Keywords, retrieveSituational)
	results = append(results, situational...)

	if q.IncludeContext && len(results) < budget {
		room := budget - len(results)
		results = append(results, s.scorer.SelectTopN(filterEntries(s.eventLog, q), q.Keywords, room)...)
	}

	if q.Layer != nil && *q.Layer == LayerArchive {
		archive := filterEntries(s.archive, q)
		sort.SliceStable(archive, func(i, j int) bool {
			return archive[i].Importance > archive[j].Importance
		})
		if len(archive) > retrieveArchive {
			archive = archive[:retrieveArchive]
		}
		results = append(results, archive...)
	}

	if len(results) > budget {
		results = results[:budget]
	}
	return results
}

func filterEntries(entries []*Entry, q Query) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if matchesQuery(e, q) {
			out = append(out, e)
		}
	}
	return out
}

func matchesQuery(e *Entry, q Query) bool {
	if q.Type != nil && e.Type != *q.Type {
		return false
	}
	if q.Layer != nil && e.Layer != *q.Layer {
		return false
	}
	if q.RelatedPawn != "" && e.RelatedPawn != q.RelatedPawn {
		return false
	}
	if len(q.Tags) > 0 {
		for _, tag := range q.Tags {
			if e.HasTag(tag) {
				return true
			}
		}
		return false
	}
	return true
}

// Find looks an entry up by id across all tiers, Active first.
func (s *Store) Find(id string) (*Entry, bool) {
	for _, layer := range Layers {
		for _, e := range *s.tier(layer) {
			if e.ID == id {
				return e, true
			}
		}
	}
	return nil, false
}

// Edit replaces an entry's content and marks it user-edited. Empty notes
// leave existing notes alone.
func (s *Store) Edit(id, content, notes string) bool {
	e, ok := s.Find(id)
	if !ok {
		return false
	}
	if content = strings.TrimSpace(content); content != "" {
		e.Content = content
		e.Keywords = ExtractKeywords(content, storeKeywordLimit)
	}
	if notes != "" {
		e.Notes = notes
	}
	e.UserEdited = true
	s.emit(EventEdited, e)
	return true
}

func (s *Store) Pin(id string, pinned bool) bool {
	e, ok := s.Find(id)
	if !ok {
		return false
	}
	e.Pinned = pinned
	s.emit(EventPinned, e)
	return true
}

func (s *Store) Delete(id string) bool {
	for _, layer := range Layers {
		list := s.tier(layer)
		for i, e := range *list {
			if e.ID == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				s.emit(EventDeleted, e)
				return true
			}
		}
	}
	return false
}

// TrimArchive evicts the least important, then oldest, Archive entries until
// at most max remain. It returns the number evicted.
func (s *Store) TrimArchive(max int) int {
	excess := len(s.archive) - max
	if excess <= 0 {
		return 0
	}

	ranked := make([]*Entry, len(s.archive))
	copy(ranked, s.archive)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Importance != ranked[j].Importance {
			return ranked[i].Importance < ranked[j].Importance
		}
		return ranked[i].Timestamp < ranked[j].Timestamp
	})

	evict := make(map[string]struct{}, excess)
	for _, e := range ranked[:excess] {
		evict[e.ID] = struct{}{}
	}
	kept := s.archive[:0]
	for _, e := range s.archive {
		if _, ok := evict[e.ID]; ok {
			s.emit(EventEvicted, e)
			continue
		}
		kept = append(kept, e)
	}
	s.archive = kept
	return excess
}

func meanImportance(entries []*Entry) float64 {
	if len(entries) == 0 {
		return 0
	}
	total := 0.0
	for _, e := range entries {
		total += e.Importance
	}
	return total / float64(len(entries))
}

func mergeSources(dst *Entry, sources []*Entry) {
	for _, e := range sources {
		dst.AddKeywords(e.Keywords...)
		for _, tag := range e.Tags {
			if isPipelineTag(tag) {
				continue
			}
			dst.AddTag(tag)
		}
	}
}

func isPipelineTag(tag string) bool {
	switch tag {
	case TagSimpleSummary, TagPendingAI, TagAISummary, TagManualArchive:
		return true
	}
	return strings.HasPrefix(tag, "from-") && strings.HasSuffix(tag, "-eventlog")
}
