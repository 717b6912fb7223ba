package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	archiveCandidateLimit = 20
	activityWeight        = 0.1
	contentHitBonus       = 0.2
)

// retrospectiveTriggers pull Archive entries into injection when the
// context talks about the past.
var retrospectiveTriggers = []string{
	"past", "before", "remember", "recall", "used to", "back then", "history", "once upon", "earlier",
	"过去", "以前", "曾经", "记得", "回忆", "历史", "当时", "那时候",
}

var layerBonus = map[Layer]float64{
	LayerActive:      1.0,
	LayerSituational: 0.7,
	LayerEventLog:    0.4,
	LayerArchive:     0.2,
}

// ScoreDetail breaks a score down for previews.
type ScoreDetail struct {
	Entry      *Entry  `json:"entry"`
	Total      float64 `json:"total"`
	Time       float64 `json:"time"`
	Importance float64 `json:"importance"`
	Keyword    float64 `json:"keyword"`
	Bonus      float64 `json:"bonus"`
}

// Scorer ranks entries against context keywords. Weights come from settings
// on every call.
type Scorer struct {
	settings Settings
	clock    Clock
}

func NewScorer(settings Settings, clock Clock) *Scorer {
	return &Scorer{settings: settings, clock: clock}
}

func (sc *Scorer) Score(e *Entry, contextKeywords []string) float64 {
	return sc.Explain(e, contextKeywords).Total
}

func (sc *Scorer) Explain(e *Entry, contextKeywords []string) ScoreDetail {
	w := sc.settings.InjectionSettings().Weights

	timeScore := timeDecay(e, sc.clock.Ticks()) * w.Time
	importanceScore := e.Importance * w.Importance
	keywordScore := keywordMatch(e, contextKeywords) * w.Keyword

	bonus := layerBonus[e.Layer] * w.Layer
	if e.Pinned {
		bonus += w.Pinned
	}
	if e.UserEdited {
		bonus += w.UserEdited
	}

	return ScoreDetail{
		Entry:      e,
		Total:      timeScore + importanceScore + keywordScore + bonus + e.Activity*activityWeight,
		Time:       timeScore,
		Importance: importanceScore,
		Keyword:    keywordScore,
		Bonus:      bonus,
	}
}

func timeDecay(e *Entry, now int64) float64 {
	return math.Exp(-float64(e.Age(now)) / TicksPerDay)
}

// keywordMatch is Jaccard similarity plus a bonus per context keyword found
// verbatim in the content, clamped to [0, 1].
func keywordMatch(e *Entry, contextKeywords []string) float64 {
	if len(contextKeywords) == 0 || len(e.Keywords) == 0 {
		return 0
	}

	score := jaccard(e.Keywords, contextKeywords)
	for _, k := range contextKeywords {
		if strings.Contains(e.Content, k) {
			score += contentHitBonus
		}
	}
	return math.Min(math.Max(score, 0), 1)
}

func jaccard(a, b []string) float64 {
	set := make(map[string]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	union := len(set)
	intersection := 0
	seen := make(map[string]struct{}, len(b))
	for _, k := range b {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := set[k]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// SelectTopN returns up to n candidates ordered by descending score. Ties
// keep candidate order.
func (sc *Scorer) SelectTopN(candidates []*Entry, contextKeywords []string, n int) []*Entry {
	details := sc.rank(candidates, contextKeywords, n)
	out := make([]*Entry, len(details))
	for i, d := range details {
		out[i] = d.Entry
	}
	return out
}

func (sc *Scorer) rank(candidates []*Entry, contextKeywords []string, n int) []ScoreDetail {
	if n <= 0 || len(candidates) == 0 {
		return nil
	}
	details := make([]ScoreDetail, len(candidates))
	for i, e := range candidates {
		details[i] = sc.Explain(e, contextKeywords)
	}
	sort.SliceStable(details, func(i, j int) bool {
		return details[i].Total > details[j].Total
	})
	if len(details) > n {
		details = details[:n]
	}
	return details
}

// ShouldIncludeArchive reports whether context mentions the past.
func ShouldIncludeArchive(context string) bool {
	if context == "" {
		return false
	}
	lower := strings.ToLower(context)
	for _, trigger := range retrospectiveTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// InjectMemories picks the max most relevant memories for context and
// formats them grouped by tier.
func (s *Store) InjectMemories(context string, max int) (string, []ScoreDetail) {
	candidates := make([]*Entry, 0, s.Len())
	candidates = append(candidates, s.active...)
	candidates = append(candidates, s.situational...)
	candidates = append(candidates, s.eventLog...)
	if ShouldIncludeArchive(context) {
		archive := s.archive
		if len(archive) > archiveCandidateLimit {
			archive = archive[:archiveCandidateLimit]
		}
		candidates = append(candidates, archive...)
	}
	if len(candidates) == 0 {
		return "", nil
	}

	details := s.scorer.rank(candidates, ExtractKeywords(context, contextKeywordLimit), max)
	return FormatMemories(details, s.clock.Ticks()), details
}

// FormatMemories renders scored memories grouped by ascending tier, keeping
// score order within a tier.
func FormatMemories(details []ScoreDetail, now int64) string {
	if len(details) == 0 {
		return ""
	}
	ordered := make([]ScoreDetail, len(details))
	copy(ordered, details)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Entry.Layer < ordered[j].Entry.Layer
	})

	var sb strings.Builder
	for i, d := range ordered {
		e := d.Entry
		sb.WriteString(fmt.Sprintf("%d. [%s] %s (%s)\n", i+1, e.Type, e.Content, e.TimeAgo(now)))
	}
	return sb.String()
}
