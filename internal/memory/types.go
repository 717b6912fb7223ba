package memory

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/stellarlinkco/pawnmind/internal/config"
)

var (
	ErrUnknownMemoryType = errors.New("unknown memory type")
	ErrUnknownLayer      = errors.New("unknown memory layer")
	ErrPawnNotFound      = errors.New("pawn not found")
	ErrEntryNotFound     = errors.New("memory entry not found")
)

const (
	TicksPerHour = 2500
	TicksPerDay  = 60000
)

type MemoryType int

const (
	Conversation MemoryType = iota
	Action
	Observation
	Event
	Emotion
	Relationship
)

var memoryTypeNames = [...]string{"Conversation", "Action", "Observation", "Event", "Emotion", "Relationship"}

// MemoryTypes lists every type in declaration order.
var MemoryTypes = []MemoryType{Conversation, Action, Observation, Event, Emotion, Relationship}

func (t MemoryType) String() string {
	if t < 0 || int(t) >= len(memoryTypeNames) {
		return "Memory"
	}
	return memoryTypeNames[t]
}

func (t MemoryType) Valid() bool {
	return t >= 0 && int(t) < len(memoryTypeNames)
}

func ParseMemoryType(s string) (MemoryType, error) {
	s = strings.TrimSpace(s)
	for i, name := range memoryTypeNames {
		if strings.EqualFold(name, s) {
			return MemoryType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMemoryType, s)
}

func (t MemoryType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMemoryType, int(t))
	}
	return []byte(t.String()), nil
}

func (t *MemoryType) UnmarshalText(text []byte) error {
	parsed, err := ParseMemoryType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Layer is a retention tier. Higher values are colder.
type Layer int

const (
	LayerActive Layer = iota
	LayerSituational
	LayerEventLog
	LayerArchive
)

var layerNames = [...]string{"Active", "Situational", "EventLog", "Archive"}

var Layers = []Layer{LayerActive, LayerSituational, LayerEventLog, LayerArchive}

func (l Layer) String() string {
	if l < 0 || int(l) >= len(layerNames) {
		return "Unknown"
	}
	return layerNames[l]
}

func (l Layer) Valid() bool {
	return l >= 0 && int(l) < len(layerNames)
}

func ParseLayer(s string) (Layer, error) {
	s = strings.TrimSpace(s)
	for i, name := range layerNames {
		if strings.EqualFold(name, s) {
			return Layer(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLayer, s)
}

func (l Layer) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLayer, int(l))
	}
	return []byte(l.String()), nil
}

func (l *Layer) UnmarshalText(text []byte) error {
	parsed, err := ParseLayer(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Query filters Retrieve. Nil Type and Layer match everything.
type Query struct {
	Type           *MemoryType
	Layer          *Layer
	RelatedPawn    string
	Tags           []string
	Keywords       []string
	MaxCount       int
	IncludeContext bool
}

// Settings exposes live tunables. Implementations must be safe for
// concurrent reads; values are read on every use and never cached.
type Settings interface {
	MemorySettings() config.MemoryConfig
	InjectionSettings() config.InjectionConfig
}

// Clock reports the host's monotonic tick counter.
type Clock interface {
	Ticks() int64
}

// ManualClock is a Clock advanced explicitly by the host loop.
type ManualClock struct {
	ticks atomic.Int64
}

func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{}
	c.ticks.Store(start)
	return c
}

func (c *ManualClock) Ticks() int64 { return c.ticks.Load() }

func (c *ManualClock) Advance(n int64) int64 { return c.ticks.Add(n) }

func (c *ManualClock) Set(n int64) { c.ticks.Store(n) }

// DayOf returns the in-game day for a tick count.
func DayOf(ticks int64) int64 { return ticks / TicksPerDay }

// HourOf returns the in-game hour of day (0-23) for a tick count.
func HourOf(ticks int64) int { return int((ticks % TicksPerDay) / TicksPerHour) }

type staticSettings struct {
	mem config.MemoryConfig
	inj config.InjectionConfig
}

func (s staticSettings) MemorySettings() config.MemoryConfig       { return s.mem }
func (s staticSettings) InjectionSettings() config.InjectionConfig { return s.inj }

// DefaultSettings returns fixed default tunables, handy for tools and tests.
func DefaultSettings() Settings {
	return staticSettings{mem: config.DefaultMemoryConfig(), inj: config.DefaultInjectionConfig()}
}
