package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	DefaultKnowledgeTag   = "general"
	UncategorizedTag      = "uncategorized"
	defaultKnowledgeScore = 0.5
	knowledgeScoreFloor   = 0.1
	knowledgeTagBonus     = 0.3
	knowledgeJaccardShare = 0.7
	knowledgeBaseShare    = 0.3
)

// KnowledgeEntry is a shared fact injected for every pawn.
type KnowledgeEntry struct {
	ID         string   `json:"id"`
	Tag        string   `json:"tag"`
	Content    string   `json:"content"`
	Importance float64  `json:"importance"`
	Keywords   []string `json:"keywords"`
	Enabled    bool     `json:"enabled"`
}

func newKnowledgeID() string {
	return "ck-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func NewKnowledgeEntry(tag, content string) *KnowledgeEntry {
	return &KnowledgeEntry{
		ID:         newKnowledgeID(),
		Tag:        tag,
		Content:    content,
		Importance: defaultKnowledgeScore,
		Keywords:   ExtractKeywords(content, contextKeywordLimit),
		Enabled:    true,
	}
}

// Relevance scores the entry against context keywords.
func (k *KnowledgeEntry) Relevance(contextKeywords []string) float64 {
	if !k.Enabled {
		return 0
	}
	if len(contextKeywords) == 0 || len(k.Keywords) == 0 {
		return k.Importance * knowledgeBaseShare
	}

	tagScore := 0.0
	if k.Tag != "" {
		for _, kw := range contextKeywords {
			if strings.Contains(k.Tag, kw) || strings.Contains(kw, k.Tag) {
				tagScore = knowledgeTagBonus
				break
			}
		}
	}
	return (jaccard(k.Keywords, contextKeywords)*knowledgeJaccardShare + tagScore) * k.Importance
}

func (k *KnowledgeEntry) ExportLine() string {
	return "[" + k.Tag + "]" + k.Content
}

type KnowledgeScore struct {
	Entry *KnowledgeEntry `json:"entry"`
	Score float64         `json:"score"`
}

// Library is the flat, process-wide knowledge collection.
type Library struct {
	mu      sync.RWMutex
	entries []*KnowledgeEntry
}

func NewLibrary() *Library {
	return &Library{}
}

func (l *Library) AddEntry(tag, content string) *KnowledgeEntry {
	e := NewKnowledgeEntry(strings.TrimSpace(tag), strings.TrimSpace(content))
	l.Add(e)
	return e
}

// Add appends an entry unless one with the same id is present.
func (l *Library) Add(e *KnowledgeEntry) {
	if e == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.entries {
		if existing.ID == e.ID {
			return
		}
	}
	l.entries = append(l.entries, e)
}

func (l *Library) RemoveEntry(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Library) SetEnabled(id string, enabled bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ID == id {
			e.Enabled = enabled
			return true
		}
	}
	return false
}

func (l *Library) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns copies of all entries in insertion order.
func (l *Library) Entries() []KnowledgeEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]KnowledgeEntry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
		out[i].Keywords = append([]string(nil), e.Keywords...)
	}
	return out
}

// ImportFromText adds one entry per "[tag]content" line and returns how
// many were imported. Lines without a tag get the default tag; lines whose
// content is empty are skipped.
func (l *Library) ImportFromText(text string, clearExisting bool) int {
	parsed := ParseKnowledgeText(text, DefaultKnowledgeTag)

	l.mu.Lock()
	defer l.mu.Unlock()
	if clearExisting {
		l.entries = nil
	}
	l.entries = append(l.entries, parsed...)
	return len(parsed)
}

// ParseKnowledgeText parses import lines, using fallbackTag for lines
// without a bracketed tag.
func ParseKnowledgeText(text, fallbackTag string) []*KnowledgeEntry {
	var out []*KnowledgeEntry
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if e := parseKnowledgeLine(line, fallbackTag); e != nil {
			out = append(out, e)
		}
	}
	return out
}

func parseKnowledgeLine(line, fallbackTag string) *KnowledgeEntry {
	start := strings.IndexByte(line, '[')
	end := strings.IndexByte(line, ']')
	if start == -1 || end == -1 || end <= start {
		return NewKnowledgeEntry(fallbackTag, line)
	}

	tag := strings.TrimSpace(line[start+1 : end])
	content := strings.TrimSpace(line[end+1:])
	if content == "" {
		return nil
	}
	return NewKnowledgeEntry(tag, content)
}

func (l *Library) ExportToText() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sb strings.Builder
	for _, e := range l.entries {
		sb.WriteString(e.ExportLine())
		sb.WriteString("\n")
	}
	return sb.String()
}

// GetEntriesByTag groups entries by tag; untagged entries go under
// UncategorizedTag.
func (l *Library) GetEntriesByTag() map[string][]KnowledgeEntry {
	out := make(map[string][]KnowledgeEntry)
	for _, e := range l.Entries() {
		tag := e.Tag
		if tag == "" {
			tag = UncategorizedTag
		}
		out[tag] = append(out[tag], e)
	}
	return out
}

// Inject selects up to max enabled entries scoring above the noise floor
// and formats them as a numbered list.
func (l *Library) Inject(context string, max int) (string, []KnowledgeScore) {
	keywords := ExtractKeywords(context, contextKeywordLimit)

	l.mu.RLock()
	scores := make([]KnowledgeScore, 0, len(l.entries))
	for _, e := range l.entries {
		if !e.Enabled {
			continue
		}
		if score := e.Relevance(keywords); score > knowledgeScoreFloor {
			copied := *e
			scores = append(scores, KnowledgeScore{Entry: &copied, Score: score})
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	if max >= 0 && len(scores) > max {
		scores = scores[:max]
	}
	if len(scores) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for i, s := range scores {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s\n", i+1, s.Entry.Tag, s.Entry.Content))
	}
	return sb.String(), scores
}

// Restore replaces all entries, defaulting fields older saves may lack.
func (l *Library) Restore(entries []KnowledgeEntry) {
	restored := make([]*KnowledgeEntry, 0, len(entries))
	for _, e := range entries {
		e := e
		if e.ID == "" {
			e.ID = newKnowledgeID()
		}
		if len(e.Keywords) == 0 {
			e.Keywords = ExtractKeywords(e.Content, contextKeywordLimit)
		}
		restored = append(restored, &e)
	}
	l.mu.Lock()
	l.entries = restored
	l.mu.Unlock()
}
