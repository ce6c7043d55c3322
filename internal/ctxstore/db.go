// Package ctxstore persists context mini-graphs and serves snapshot reads
// for wave retrieval. SQLite is the durable log; the full context set and
// its inverted indexes are mirrored in memory on open, so a retrieval
// never touches the database. Single writer, many readers.
package ctxstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/contextwave/engine/internal/emotion"
	"github.com/contextwave/engine/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// Options tunes store-side invariant bounds.
type Options struct {
	// MaxMergedNodes caps the node count of L1+ contexts.
	MaxMergedNodes int
	// DedupThreshold is the Jaccard bound for semantic dedup of L1+
	// contexts at the same level.
	DedupThreshold float64
	// Entities is the canonical entity set used when deriving rule
	// conditions. Node names are always allowed.
	Entities []string
}

// DefaultOptions returns the shipped bounds.
func DefaultOptions() Options {
	return Options{MaxMergedNodes: 15, DedupThreshold: 0.6}
}

// Store holds contexts durably and serves consistent snapshots.
type Store struct {
	db   *sql.DB
	path string
	opts Options

	vecAvailable bool
	vecDim       int // embedding dimension in context_vec (0 = not yet set)

	mu        sync.RWMutex
	contexts  map[int64]*Context
	ordered   []int64 // insertion order, for deterministic scans
	nextID    int64
	byNode    map[string]map[int64]bool
	byRel     map[string]map[int64]bool
	byEmotion map[emotion.Emotion]map[int64]bool
	byResult  map[Result]map[int64]bool
	byCond    map[string]map[int64]bool
	dedupKeys map[string]int64
	// sourceRefs counts how many contexts reference an id in their
	// sources; purge is refused while the count is non-zero.
	sourceRefs map[int64]int

	entities map[string]bool
}

// Open opens or creates the context store database under statePath.
func Open(statePath string, opts Options) (*Store, error) {
	if opts.MaxMergedNodes == 0 {
		opts.MaxMergedNodes = DefaultOptions().MaxMergedNodes
	}
	if opts.DedupThreshold == 0 {
		opts.DedupThreshold = DefaultOptions().DedupThreshold
	}

	dbPath := filepath.Join(statePath, "system", "contexts.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:         db,
		path:       dbPath,
		opts:       opts,
		contexts:   make(map[int64]*Context),
		nextID:     1,
		byNode:     make(map[string]map[int64]bool),
		byRel:      make(map[string]map[int64]bool),
		byEmotion:  make(map[emotion.Emotion]map[int64]bool),
		byResult:   make(map[Result]map[int64]bool),
		byCond:     make(map[string]map[int64]bool),
		dedupKeys:  make(map[string]int64),
		sourceRefs: make(map[int64]int),
		entities:   make(map[string]bool),
	}
	for _, e := range opts.Entities {
		s.entities[e] = true
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Info("ctxstore", "sqlite-vec not available: %v; semantic prefilter uses linear scan", err)
	} else {
		logging.Debug("ctxstore", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
	}

	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load contexts: %w", err)
	}

	if s.vecAvailable {
		if err := s.initVecTable(); err != nil {
			logging.Warn("ctxstore", "vec init: %v", err)
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS contexts (
		id INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		nodes TEXT NOT NULL,
		edges TEXT NOT NULL,
		emotion TEXT NOT NULL,
		emotion_label TEXT DEFAULT '',
		intensity REAL NOT NULL,
		result TEXT NOT NULL,
		rule TEXT DEFAULT '',
		rule_conditions TEXT DEFAULT '[]',
		certainty REAL DEFAULT 1.0,
		level INTEGER NOT NULL,
		sources TEXT DEFAULT '[]',
		embedding BLOB,
		created_at DATETIME NOT NULL,
		when_day INTEGER DEFAULT 0,
		when_cycle INTEGER DEFAULT 0,
		dedup_key TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_contexts_level ON contexts(level);
	CREATE INDEX IF NOT EXISTS idx_contexts_emotion ON contexts(emotion);
	CREATE INDEX IF NOT EXISTS idx_contexts_result ON contexts(result);
	CREATE INDEX IF NOT EXISTS idx_contexts_created ON contexts(created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_contexts_dedup_key
		ON contexts(dedup_key) WHERE dedup_key != '';

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// loadAll mirrors every stored context into memory and rebuilds the
// inverted indexes.
func (s *Store) loadAll() error {
	rows, err := s.db.Query(`
		SELECT id, description, nodes, edges, emotion, emotion_label,
		       intensity, result, rule, rule_conditions, certainty, level,
		       sources, embedding, created_at, when_day, when_cycle, dedup_key
		FROM contexts ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var c Context
		var nodes, edges, conds, sources, emo string
		var embBytes []byte
		var dedupKey string
		var createdAt time.Time
		if err := rows.Scan(&c.ID, &c.Description, &nodes, &edges, &emo,
			&c.EmotionLabel, &c.Intensity, &c.Result, &c.Rule, &conds,
			&c.Certainty, &c.Level, &sources, &embBytes, &createdAt,
			&c.WhenDay, &c.WhenCycle, &dedupKey); err != nil {
			return err
		}
		c.Emotion = emotion.Emotion(emo)
		c.CreatedAt = createdAt
		if err := json.Unmarshal([]byte(nodes), &c.Nodes); err != nil {
			return fmt.Errorf("context %d nodes: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(edges), &c.Edges); err != nil {
			return fmt.Errorf("context %d edges: %w", c.ID, err)
		}
		json.Unmarshal([]byte(conds), &c.RuleConditions)
		json.Unmarshal([]byte(sources), &c.Sources)
		if len(embBytes) > 0 {
			json.Unmarshal(embBytes, &c.Embedding)
		}

		s.installLocked(&c)
		if dedupKey != "" {
			s.dedupKeys[dedupKey] = c.ID
		}
		if c.ID >= s.nextID {
			s.nextID = c.ID + 1
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(s.contexts) > 0 {
		logging.Info("ctxstore", "loaded %d contexts", len(s.contexts))
	}
	return nil
}

// installLocked adds a context to the in-memory table and every inverted
// index. Caller must hold the write lock (or be in single-threaded open).
func (s *Store) installLocked(c *Context) {
	s.contexts[c.ID] = c
	s.ordered = append(s.ordered, c.ID)
	for _, n := range c.Nodes {
		addIndex(s.byNode, n.Name, c.ID)
	}
	for _, e := range c.Edges {
		addIndex(s.byRel, e.Relation, c.ID)
	}
	addIndex(s.byEmotion, c.Emotion, c.ID)
	addIndex(s.byResult, c.Result, c.ID)
	for _, cond := range c.RuleConditions {
		addIndex(s.byCond, cond, c.ID)
	}
	for _, src := range c.Sources {
		s.sourceRefs[src]++
	}
}

// uninstallLocked removes a context from the in-memory table and indexes.
func (s *Store) uninstallLocked(c *Context) {
	delete(s.contexts, c.ID)
	for i, id := range s.ordered {
		if id == c.ID {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
	for _, n := range c.Nodes {
		dropIndex(s.byNode, n.Name, c.ID)
	}
	for _, e := range c.Edges {
		dropIndex(s.byRel, e.Relation, c.ID)
	}
	dropIndex(s.byEmotion, c.Emotion, c.ID)
	dropIndex(s.byResult, c.Result, c.ID)
	for _, cond := range c.RuleConditions {
		dropIndex(s.byCond, cond, c.ID)
	}
	for _, src := range c.Sources {
		if s.sourceRefs[src] > 1 {
			s.sourceRefs[src]--
		} else {
			delete(s.sourceRefs, src)
		}
	}
}

func addIndex[K comparable](idx map[K]map[int64]bool, key K, id int64) {
	set, ok := idx[key]
	if !ok {
		set = make(map[int64]bool)
		idx[key] = set
	}
	set[id] = true
}

func dropIndex[K comparable](idx map[K]map[int64]bool, key K, id int64) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Stats returns store statistics: contexts per level, per emotion, and
// the most frequent nodes.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{"contexts": len(s.contexts)}
	for _, c := range s.contexts {
		stats[fmt.Sprintf("level_%d", c.Level)]++
		stats["emotion_"+string(c.Emotion)]++
	}
	return stats
}
