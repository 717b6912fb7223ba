package memory

import (
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	storeKeywordLimit   = 10
	contextKeywordLimit = 20
)

// Entry is one remembered fact owned by a single pawn.
type Entry struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Type        MemoryType `json:"type"`
	Layer       Layer      `json:"layer"`
	Importance  float64    `json:"importance"`
	Timestamp   int64      `json:"timestamp"`
	Keywords    []string   `json:"keywords"`
	Tags        []string   `json:"tags"`
	RelatedPawn string     `json:"relatedPawn,omitempty"`
	Pinned      bool       `json:"pinned"`
	UserEdited  bool       `json:"userEdited"`
	Notes       string     `json:"notes,omitempty"`
	Activity    float64    `json:"activity"`
}

func newEntryID() string {
	return "mem-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewEntry builds an entry stamped with now and keywords derived from content.
func NewEntry(content string, typ MemoryType, layer Layer, importance float64, now int64) *Entry {
	return &Entry{
		ID:         newEntryID(),
		Content:    content,
		Type:       typ,
		Layer:      layer,
		Importance: importance,
		Timestamp:  now,
		Keywords:   ExtractKeywords(content, storeKeywordLimit),
		Activity:   1,
	}
}

func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (e *Entry) AddTag(tag string) {
	if tag == "" || e.HasTag(tag) {
		return
	}
	e.Tags = append(e.Tags, tag)
}

func (e *Entry) RemoveTag(tag string) {
	out := e.Tags[:0]
	for _, t := range e.Tags {
		if t != tag {
			out = append(out, t)
		}
	}
	e.Tags = out
}

// AddKeywords merges keywords, keeping first-seen order.
func (e *Entry) AddKeywords(words ...string) {
	seen := make(map[string]struct{}, len(e.Keywords))
	for _, k := range e.Keywords {
		seen[k] = struct{}{}
	}
	for _, w := range words {
		if _, ok := seen[w]; ok || w == "" {
			continue
		}
		seen[w] = struct{}{}
		e.Keywords = append(e.Keywords, w)
	}
}

// Decay scales activity by (1 - rate), never below zero.
func (e *Entry) Decay(rate float64) {
	e.Activity *= 1 - rate
	if e.Activity < 0 {
		e.Activity = 0
	}
}

func (e *Entry) Age(now int64) int64 {
	age := now - e.Timestamp
	if age < 0 {
		return 0
	}
	return age
}

// one game day (60000 ticks) maps onto 24 real hours for display
const tickDuration = 24 * time.Hour / TicksPerDay

var epoch = time.Unix(0, 0).UTC()

// TimeAgo renders the entry's age in game time, e.g. "3 hours ago".
func (e *Entry) TimeAgo(now int64) string {
	then := epoch.Add(time.Duration(e.Timestamp) * tickDuration)
	current := epoch.Add(time.Duration(now) * tickDuration)
	if !current.After(then) {
		return "just now"
	}
	return humanize.RelTime(then, current, "ago", "from now")
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Keywords = append([]string(nil), e.Keywords...)
	c.Tags = append([]string(nil), e.Tags...)
	return &c
}

// ExtractKeywords returns distinct 2-4 rune spans of text that contain at
// least one letter or digit, shortest spans first, capped at limit.
func ExtractKeywords(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) < 2 || limit <= 0 {
		return nil
	}

	out := make([]string, 0, limit)
	seen := make(map[string]struct{})
	for length := 2; length <= 4; length++ {
		for i := 0; i+length <= len(runes); i++ {
			span := runes[i : i+length]
			if !hasLetterOrDigit(span) {
				continue
			}
			word := string(span)
			if _, ok := seen[word]; ok {
				continue
			}
			seen[word] = struct{}{}
			out = append(out, word)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

func hasLetterOrDigit(rs []rune) bool {
	for _, r := range rs {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
