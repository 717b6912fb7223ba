package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists snapshots in PostgreSQL with the same layout as
// the SQLite engine.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pawns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			pawn_id TEXT NOT NULL REFERENCES pawns(id) ON DELETE CASCADE,
			tier SMALLINT NOT NULL,
			position INTEGER NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			timestamp BIGINT NOT NULL DEFAULT 0,
			keywords TEXT[] NOT NULL DEFAULT '{}',
			tags TEXT[] NOT NULL DEFAULT '{}',
			related_pawn TEXT NOT NULL DEFAULT '',
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			user_edited BOOLEAN NOT NULL DEFAULT FALSE,
			notes TEXT NOT NULL DEFAULT '',
			activity DOUBLE PRECISION NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_order ON memories (pawn_id, tier, position);`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			keywords TEXT[] NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		);`,
		`CREATE TABLE IF NOT EXISTS markers (
			key TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `TRUNCATE memories, pawns, knowledge, markers`); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}

		batch := &pgx.Batch{}
		for i, ps := range snap.Pawns {
			batch.Queue(`INSERT INTO pawns (id, name, position) VALUES ($1, $2, $3)`, ps.Owner.ID, ps.Owner.Name, i)
			for _, layer := range Layers {
				for pos, e := range ps.Tier(layer) {
					batch.Queue(`
						INSERT INTO memories (id, pawn_id, tier, position, type, content, importance, timestamp,
							keywords, tags, related_pawn, pinned, user_edited, notes, activity)
						VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
						e.ID, ps.Owner.ID, int(layer), pos, e.Type.String(), e.Content, e.Importance, e.Timestamp,
						nonNil(e.Keywords), nonNil(e.Tags), e.RelatedPawn, e.Pinned, e.UserEdited, e.Notes, e.Activity)
				}
			}
		}
		for i, k := range snap.Knowledge {
			batch.Queue(`
				INSERT INTO knowledge (id, position, tag, content, importance, keywords, enabled)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				k.ID, i, k.Tag, k.Content, k.Importance, nonNil(k.Keywords), k.Enabled)
		}
		for key, value := range markerValues(snap.Markers) {
			batch.Queue(`INSERT INTO markers (key, value) VALUES ($1, $2)`, key, value)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Markers: Markers{LastSummarizationDay: -1, LastArchiveDay: -1}}
	index := make(map[string]int)

	rows, err := s.pool.Query(ctx, `SELECT id, name FROM pawns ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query pawns: %w", err)
	}
	owners, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Owner, error) {
		var o Owner
		err := row.Scan(&o.ID, &o.Name)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan pawns: %w", err)
	}
	for _, o := range owners {
		index[o.ID] = len(snap.Pawns)
		snap.Pawns = append(snap.Pawns, PawnSnapshot{Owner: o})
	}

	rows, err = s.pool.Query(ctx, `
		SELECT pawn_id, tier, id, type, content, importance, timestamp, keywords, tags,
			related_pawn, pinned, user_edited, notes, activity
		FROM memories ORDER BY pawn_id, tier, position`)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			pawnID   string
			tier     int16
			row      entryRow
			keywords []string
			tags     []string
		)
		if err := rows.Scan(&pawnID, &tier, &row.id, &row.typ, &row.content, &row.importance, &row.timestamp,
			&keywords, &tags, &row.relatedPawn, &row.pinned, &row.userEdited, &row.notes, &row.activity); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		e := row.decode()
		e.Keywords, e.Tags = keywords, tags
		snap.appendEntry(index, pawnID, Layer(tier), e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT id, tag, content, importance, keywords, enabled FROM knowledge ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	snap.Knowledge, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (KnowledgeEntry, error) {
		var k KnowledgeEntry
		err := row.Scan(&k.ID, &k.Tag, &k.Content, &k.Importance, &k.Keywords, &k.Enabled)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan knowledge: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT key, value FROM markers`)
	if err != nil {
		return nil, fmt.Errorf("query markers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key   string
			value int64
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		snap.Markers.set(key, value)
	}
	return snap, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
