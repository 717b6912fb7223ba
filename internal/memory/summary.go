package memory

import (
	"fmt"
	"sort"
	"strings"
)

const summarySeparator = "; "

type summaryGroup struct {
	key     string
	sample  string
	members int
}

type summaryBuilder func(entries []*Entry) string

// simpleSummaryBuilders picks the deterministic summary strategy per type.
// Types missing from the table use summarizeByPrefix.
var simpleSummaryBuilders = map[MemoryType]summaryBuilder{
	Conversation: summarizeConversations,
	Action:       summarizeActions,
}

// SimpleSummary builds the rule-based summary used as a placeholder until an
// AI summary arrives, and as the final text when none does.
func SimpleSummary(entries []*Entry, typ MemoryType, maxLen int) string {
	if len(entries) == 0 {
		return ""
	}

	build, ok := simpleSummaryBuilders[typ]
	if !ok {
		build = summarizeByPrefix
	}

	summary := build(entries)
	if summary == "" {
		summary = fmt.Sprintf("%d %s memories", len(entries), strings.ToLower(typ.String()))
	}
	if len(entries) > 3 {
		summary += fmt.Sprintf(" (%d total)", len(entries))
	}
	if maxLen > 0 {
		summary = truncateRunes(summary, maxLen)
	}
	return summary
}

// groupEntries buckets entries by key, ordered by member count descending and
// then by first appearance. Entries with an empty key are skipped.
func groupEntries(entries []*Entry, keyOf func(*Entry) string) []summaryGroup {
	index := make(map[string]int)
	var groups []summaryGroup
	for _, e := range entries {
		key := keyOf(e)
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			groups[i].members++
			continue
		}
		index[key] = len(groups)
		groups = append(groups, summaryGroup{key: key, sample: e.Content, members: 1})
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].members > groups[j].members
	})
	return groups
}

func summarizeConversations(entries []*Entry) string {
	groups := groupEntries(entries, func(e *Entry) string { return e.RelatedPawn })
	if len(groups) == 0 {
		return fmt.Sprintf("%d conversations", len(entries))
	}
	parts := make([]string, 0, 5)
	for _, g := range limitGroups(groups, 5) {
		parts = append(parts, fmt.Sprintf("talked with %s×%d", g.key, g.members))
	}
	return strings.Join(parts, summarySeparator)
}

func summarizeActions(entries []*Entry) string {
	groups := groupEntries(entries, func(e *Entry) string { return truncateRunes(e.Content, 15) })
	parts := make([]string, 0, 3)
	for _, g := range limitGroups(groups, 3) {
		if g.members > 1 {
			parts = append(parts, fmt.Sprintf("%s×%d", g.key, g.members))
		} else {
			parts = append(parts, g.key)
		}
	}
	return strings.Join(parts, summarySeparator)
}

func summarizeByPrefix(entries []*Entry) string {
	groups := groupEntries(entries, func(e *Entry) string { return truncateRunes(e.Content, 20) })
	parts := make([]string, 0, 5)
	for _, g := range limitGroups(groups, 5) {
		text := g.sample
		if len([]rune(text)) > 40 {
			text = truncateRunes(text, 40) + "..."
		}
		if g.members > 1 {
			text = fmt.Sprintf("%s×%d", text, g.members)
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, summarySeparator)
}

func limitGroups(groups []summaryGroup, n int) []summaryGroup {
	if len(groups) > n {
		return groups[:n]
	}
	return groups
}

// groupByType splits entries by type, preserving first-seen type order and
// the relative order of entries within each group.
func groupByType(entries []*Entry) ([]MemoryType, map[MemoryType][]*Entry) {
	var order []MemoryType
	groups := make(map[MemoryType][]*Entry)
	for _, e := range entries {
		if _, ok := groups[e.Type]; !ok {
			order = append(order, e.Type)
		}
		groups[e.Type] = append(groups[e.Type], e)
	}
	return order, groups
}
