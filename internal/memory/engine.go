package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/pawnmind/internal/config"
)

const (
	markerDecayTick        = "last_decay_tick"
	markerSummarizationDay = "last_summarization_day"
	markerArchiveDay       = "last_archive_day"
	markerTicks            = "ticks"
)

// Persister saves and loads whole snapshots.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
	Close() error
}

// NewPersister opens the backend named by cfg.Driver.
func NewPersister(ctx context.Context, cfg config.StorageConfig) (Persister, error) {
	switch cfg.Driver {
	case config.StorageDriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	case config.StorageDriverSQLite, "":
		return NewEngine(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Engine persists snapshots in a local SQLite file.
type Engine struct {
	db *sql.DB
	mu sync.Mutex
}

func NewEngine(dbPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{db: db}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pawns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			pawn_id TEXT NOT NULL REFERENCES pawns(id) ON DELETE CASCADE,
			tier INTEGER NOT NULL,
			position INTEGER NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			timestamp INTEGER NOT NULL DEFAULT 0,
			keywords TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			related_pawn TEXT NOT NULL DEFAULT '',
			pinned INTEGER NOT NULL DEFAULT 0,
			user_edited INTEGER NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			activity REAL NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_order ON memories(pawn_id, tier, position)`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			keywords TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS markers (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// SaveSnapshot replaces everything stored with snap in one transaction.
func (e *Engine) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"memories", "pawns", "knowledge", "markers"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i, ps := range snap.Pawns {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pawns (id, name, position) VALUES (?, ?, ?)`, ps.Owner.ID, ps.Owner.Name, i); err != nil {
			return fmt.Errorf("save pawn %s: %w", ps.Owner.ID, err)
		}
		for _, layer := range Layers {
			for pos, entry := range ps.Tier(layer) {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO memories (id, pawn_id, tier, position, type, content, importance, timestamp,
						keywords, tags, related_pawn, pinned, user_edited, notes, activity)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					entry.ID, ps.Owner.ID, int(layer), pos, entry.Type.String(), entry.Content, entry.Importance, entry.Timestamp,
					encodeStrings(entry.Keywords), encodeStrings(entry.Tags), entry.RelatedPawn, boolToInt(entry.Pinned), boolToInt(entry.UserEdited), entry.Notes, entry.Activity,
				); err != nil {
					return fmt.Errorf("save memory %s: %w", entry.ID, err)
				}
			}
		}
	}

	for i, k := range snap.Knowledge {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge (id, position, tag, content, importance, keywords, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			k.ID, i, k.Tag, k.Content, k.Importance, encodeStrings(k.Keywords), boolToInt(k.Enabled),
		); err != nil {
			return fmt.Errorf("save knowledge %s: %w", k.ID, err)
		}
	}

	for key, value := range markerValues(snap.Markers) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO markers (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("save marker %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (e *Engine) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &Snapshot{Markers: Markers{LastSummarizationDay: -1, LastArchiveDay: -1}}
	index := make(map[string]int)

	pawnRows, err := e.db.QueryContext(ctx, `SELECT id, name FROM pawns ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load pawns: %w", err)
	}
	for pawnRows.Next() {
		var owner Owner
		if err := pawnRows.Scan(&owner.ID, &owner.Name); err != nil {
			pawnRows.Close()
			return nil, fmt.Errorf("scan pawn: %w", err)
		}
		index[owner.ID] = len(snap.Pawns)
		snap.Pawns = append(snap.Pawns, PawnSnapshot{Owner: owner})
	}
	pawnRows.Close()
	if err := pawnRows.Err(); err != nil {
		return nil, fmt.Errorf("load pawns: %w", err)
	}

	memRows, err := e.db.QueryContext(ctx, `
		SELECT pawn_id, tier, id, type, content, importance, timestamp, keywords, tags,
			related_pawn, pinned, user_edited, notes, activity
		FROM memories ORDER BY pawn_id, tier, position`)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	defer memRows.Close()
	for memRows.Next() {
		var (
			pawnID      string
			tier        int
			row         entryRow
			pinned, ued int
		)
		if err := memRows.Scan(&pawnID, &tier, &row.id, &row.typ, &row.content, &row.importance, &row.timestamp,
			&row.keywords, &row.tags, &row.relatedPawn, &pinned, &ued, &row.notes, &row.activity); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		row.pinned, row.userEdited = pinned != 0, ued != 0
		snap.appendEntry(index, pawnID, Layer(tier), row.decode())
	}
	if err := memRows.Err(); err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}

	knRows, err := e.db.QueryContext(ctx, `SELECT id, tag, content, importance, keywords, enabled FROM knowledge ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load knowledge: %w", err)
	}
	defer knRows.Close()
	for knRows.Next() {
		var (
			k        KnowledgeEntry
			keywords string
			enabled  int
		)
		if err := knRows.Scan(&k.ID, &k.Tag, &k.Content, &k.Importance, &keywords, &enabled); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		k.Keywords = decodeStrings(keywords)
		k.Enabled = enabled != 0
		snap.Knowledge = append(snap.Knowledge, k)
	}
	if err := knRows.Err(); err != nil {
		return nil, fmt.Errorf("load knowledge: %w", err)
	}

	markerRows, err := e.db.QueryContext(ctx, `SELECT key, value FROM markers`)
	if err != nil {
		return nil, fmt.Errorf("load markers: %w", err)
	}
	defer markerRows.Close()
	for markerRows.Next() {
		var (
			key   string
			value int64
		)
		if err := markerRows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		snap.Markers.set(key, value)
	}
	return snap, markerRows.Err()
}

// entryRow is a memory as stored in a table row.
type entryRow struct {
	id          string
	typ         string
	content     string
	importance  float64
	timestamp   int64
	keywords    string
	tags        string
	relatedPawn string
	pinned      bool
	userEdited  bool
	notes       string
	activity    float64
}

func (r entryRow) decode() Entry {
	typ, err := ParseMemoryType(r.typ)
	if err != nil {
		log.Printf("[storage] memory %s has unknown type %q, loading as Observation", r.id, r.typ)
		typ = Observation
	}
	return Entry{
		ID:          r.id,
		Content:     r.content,
		Type:        typ,
		Importance:  r.importance,
		Timestamp:   r.timestamp,
		Keywords:    decodeStrings(r.keywords),
		Tags:        decodeStrings(r.tags),
		RelatedPawn: r.relatedPawn,
		Pinned:      r.pinned,
		UserEdited:  r.userEdited,
		Notes:       r.notes,
		Activity:    r.activity,
	}
}

func (s *Snapshot) appendEntry(index map[string]int, pawnID string, layer Layer, e Entry) {
	i, ok := index[pawnID]
	if !ok {
		index[pawnID] = len(s.Pawns)
		i = len(s.Pawns)
		s.Pawns = append(s.Pawns, PawnSnapshot{Owner: Owner{ID: pawnID, Name: pawnID}})
	}
	if !layer.Valid() {
		layer = LayerArchive
	}
	e.Layer = layer
	ps := &s.Pawns[i]
	ps.setTier(layer, append(ps.Tier(layer), e))
}

func markerValues(m Markers) map[string]int64 {
	return map[string]int64{
		markerDecayTick:        m.LastDecayTick,
		markerSummarizationDay: m.LastSummarizationDay,
		markerArchiveDay:       m.LastArchiveDay,
		markerTicks:            m.Ticks,
	}
}

func (m *Markers) set(key string, value int64) {
	switch key {
	case markerDecayTick:
		m.LastDecayTick = value
	case markerSummarizationDay:
		m.LastSummarizationDay = value
	case markerArchiveDay:
		m.LastArchiveDay = value
	case markerTicks:
		m.Ticks = value
	}
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
