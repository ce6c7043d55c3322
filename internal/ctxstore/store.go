package ctxstore

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/contextwave/engine/internal/emotion"
	"github.com/contextwave/engine/internal/logging"
)

// Put validates a draft, normalizes its emotion, derives rule conditions,
// assigns an id, and atomically installs the context into the primary
// table, every inverted index, and the durable log. A rejected write
// leaves the store unchanged.
func (s *Store) Put(draft Draft) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if draft.DedupKey != "" {
		if id, ok := s.dedupKeys[draft.DedupKey]; ok {
			return 0, fmt.Errorf("dedup key %q already used by context %d: %w",
				draft.DedupKey, id, ErrConflict)
		}
	}

	c, err := s.validateLocked(draft)
	if err != nil {
		return 0, err
	}

	// Semantic dedup: a new L1/L2 context must not near-duplicate
	// an existing context at the same level.
	if c.Level >= LevelGeneralization {
		if dup := s.findDuplicateLocked(c.Level, c.Rule, c.Description, 0); dup != nil {
			return 0, dup
		}
	}

	c.ID = s.nextID
	c.CreatedAt = time.Now().UTC()

	if err := s.persist(c, draft.DedupKey); err != nil {
		return 0, fmt.Errorf("persist context: %w", err)
	}

	s.nextID++
	s.installLocked(c)
	if draft.DedupKey != "" {
		s.dedupKeys[draft.DedupKey] = c.ID
	}
	if len(c.Embedding) > 0 {
		s.vecInsertLocked(c.ID, c.Embedding)
	}

	logging.Debug("ctxstore", "put context %d L%d emotion=%s nodes=%d",
		c.ID, c.Level, c.Emotion, len(c.Nodes))
	return c.ID, nil
}

// validateLocked checks every write invariant and builds the canonical
// context from a draft. It does not assign an id.
func (s *Store) validateLocked(draft Draft) (*Context, error) {
	if utf8.RuneCountInString(draft.Description) > MaxDescription {
		return nil, violation(InvDescription, "%d code points, max %d",
			utf8.RuneCountInString(draft.Description), MaxDescription)
	}
	if draft.Level < LevelEpisode || draft.Level > MaxLevel {
		return nil, violation(InvLevelCap, "level %d", draft.Level)
	}
	if draft.Intensity < 0 || draft.Intensity > 1 {
		return nil, violation(InvIntensityRange, "%.3f", draft.Intensity)
	}
	certainty := draft.Certainty
	if certainty == 0 {
		certainty = 1.0
	}
	if certainty < 0 || certainty > 1 {
		return nil, violation(InvCertaintyRange, "%.3f", draft.Certainty)
	}
	result := draft.Result
	if result == "" {
		result = ResultNeutral
	}
	if !ValidResult(result) {
		return nil, violation(InvResult, "%q", draft.Result)
	}

	// Nodes: canonical, case-preserving, deduplicated in order.
	seen := make(map[string]bool, len(draft.Nodes))
	nodes := make([]Node, 0, len(draft.Nodes))
	for _, n := range draft.Nodes {
		if n.Name == "" {
			return nil, violation(InvEmptyNodes, "")
		}
		if seen[n.Name] {
			continue
		}
		seen[n.Name] = true
		nodes = append(nodes, n)
	}

	// Merged node cap for abstractions.
	if draft.Level >= LevelGeneralization && len(nodes) > s.opts.MaxMergedNodes {
		return nil, violation(InvNodeCap, "%d nodes, max %d", len(nodes), s.opts.MaxMergedNodes)
	}

	// Every edge endpoint must be a node.
	for _, e := range draft.Edges {
		if !seen[e.Source] {
			return nil, violation(InvEdgeEndpoint, "source %q not in nodes", e.Source)
		}
		if !seen[e.Target] {
			return nil, violation(InvEdgeEndpoint, "target %q not in nodes", e.Target)
		}
	}

	// Sources imply level >= 1 and must reference stored contexts of
	// strictly lower level. The strict decrease also rules out cycles.
	if len(draft.Sources) > 0 && draft.Level == LevelEpisode {
		return nil, violation(InvSourcesAtL0, "%d sources", len(draft.Sources))
	}
	for _, src := range draft.Sources {
		ref, ok := s.contexts[src]
		if !ok {
			return nil, violation(InvSourceLevel, "source %d not stored", src)
		}
		if ref.Level >= draft.Level {
			return nil, violation(InvSourceLevel, "source %d at level %d, need < %d",
				src, ref.Level, draft.Level)
		}
	}

	// The canonical emotion persists; the raw label is kept for
	// display and diversity grouping only.
	emo := emotion.Normalize(draft.Emotion)
	label := ""
	if draft.Emotion != "" && draft.Emotion != string(emo) {
		label = draft.Emotion
	}

	c := &Context{
		Description:  draft.Description,
		Nodes:        nodes,
		Edges:        append([]Edge(nil), draft.Edges...),
		Emotion:      emo,
		EmotionLabel: label,
		Intensity:    draft.Intensity,
		Result:       result,
		Rule:         draft.Rule,
		Certainty:    certainty,
		Level:        draft.Level,
		Sources:      append([]int64(nil), draft.Sources...),
		Embedding:    append([]float64(nil), draft.Embedding...),
		WhenDay:      draft.WhenDay,
		WhenCycle:    draft.WhenCycle,
	}
	// Conditions are derived from the rule at write time and are a
	// subset of nodes plus the canonical entity set.
	c.RuleConditions = deriveRuleConditions(c.Rule, c.Nodes, s.entities)
	return c, nil
}

// findDuplicateLocked scans contexts at the given level for a semantic
// duplicate of the rule+description text. skipID exempts a context
// (used when re-checking after an update).
func (s *Store) findDuplicateLocked(level int, rule, description string, skipID int64) *DuplicateError {
	candidate := dedupText(rule, description)
	if len(candidate) == 0 {
		return nil
	}
	for _, id := range s.ordered {
		c := s.contexts[id]
		if c.Level != level || c.ID == skipID {
			continue
		}
		sim := Jaccard(candidate, dedupText(c.Rule, c.Description))
		if sim > s.opts.DedupThreshold {
			return &DuplicateError{ExistingID: c.ID, Similarity: sim}
		}
	}
	return nil
}

// FindDuplicate reports whether text (rule+description) would duplicate
// an existing context at the given level.
func (s *Store) FindDuplicate(level int, rule, description string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dup := s.findDuplicateLocked(level, rule, description, 0); dup != nil {
		return dup.ExistingID, true
	}
	return 0, false
}

func (s *Store) persist(c *Context, dedupKey string) error {
	nodes, _ := json.Marshal(c.Nodes)
	edges, _ := json.Marshal(c.Edges)
	conds, _ := json.Marshal(c.RuleConditions)
	sources, _ := json.Marshal(c.Sources)
	var emb []byte
	if len(c.Embedding) > 0 {
		emb, _ = json.Marshal(c.Embedding)
	}

	_, err := s.db.Exec(`
		INSERT INTO contexts
			(id, description, nodes, edges, emotion, emotion_label, intensity,
			 result, rule, rule_conditions, certainty, level, sources,
			 embedding, created_at, when_day, when_cycle, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Description, string(nodes), string(edges), string(c.Emotion),
		c.EmotionLabel, c.Intensity, string(c.Result), c.Rule, string(conds),
		c.Certainty, c.Level, string(sources), emb, c.CreatedAt,
		c.WhenDay, c.WhenCycle, dedupKey)
	return err
}

// Get returns a stored context by id.
func (s *Store) Get(id int64) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, fmt.Errorf("context %d: %w", id, ErrNotFound)
	}
	return c, nil
}

// Scan returns every context with level <= levelCap as of the call.
// The returned slice is a snapshot: writes after Scan returns are not
// visible through it. Contexts are immutable after persist, so sharing
// the pointers is safe.
func (s *Store) Scan(levelCap int) []*Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Context, 0, len(s.ordered))
	for _, id := range s.ordered {
		c := s.contexts[id]
		if c.Level <= levelCap {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of stored contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// SetEmbedding lazily fills in a context's embedding. The stored context
// is replaced copy-on-write, so snapshots taken earlier are unaffected.
// Only an absent embedding may be filled; a present one never changes.
func (s *Store) SetEmbedding(id int64, emb []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[id]
	if !ok {
		return fmt.Errorf("context %d: %w", id, ErrNotFound)
	}
	if len(c.Embedding) > 0 || len(emb) == 0 {
		return nil
	}

	updated := *c
	updated.Embedding = append([]float64(nil), emb...)

	data, _ := json.Marshal(updated.Embedding)
	if _, err := s.db.Exec(`UPDATE contexts SET embedding = ? WHERE id = ?`, data, id); err != nil {
		return fmt.Errorf("persist embedding: %w", err)
	}

	s.contexts[id] = &updated
	s.vecInsertLocked(id, updated.Embedding)
	return nil
}

// UpdateCertainty applies a bounded certainty update during
// consolidation. Values are clamped to [0,1]; structure never changes.
func (s *Store) UpdateCertainty(id int64, certainty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[id]
	if !ok {
		return fmt.Errorf("context %d: %w", id, ErrNotFound)
	}
	if certainty < 0 {
		certainty = 0
	} else if certainty > 1 {
		certainty = 1
	}

	updated := *c
	updated.Certainty = certainty
	if _, err := s.db.Exec(`UPDATE contexts SET certainty = ? WHERE id = ?`, certainty, id); err != nil {
		return fmt.Errorf("persist certainty: %w", err)
	}
	s.contexts[id] = &updated
	return nil
}

// Unconsolidated returns contexts at exactly the given level that no
// stored context references as a source.
func (s *Store) Unconsolidated(level int) []*Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Context
	for _, id := range s.ordered {
		c := s.contexts[id]
		if c.Level == level && s.sourceRefs[id] == 0 {
			out = append(out, c)
		}
	}
	return out
}

// Purge removes every context matching the predicate, cascading through
// all indexes. Purging a context referenced in another context's sources
// is refused and aborts the whole purge with no changes.
func (s *Store) Purge(pred func(*Context) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*Context
	doomedSet := make(map[int64]bool)
	for _, id := range s.ordered {
		if c := s.contexts[id]; pred(c) {
			doomed = append(doomed, c)
			doomedSet[id] = true
		}
	}
	for _, c := range doomed {
		if s.sourceRefs[c.ID] > 0 {
			// Referenced from a surviving consolidation unless every
			// referrer is going away too.
			refsFromDoomed := 0
			for _, d := range doomed {
				for _, src := range d.Sources {
					if src == c.ID {
						refsFromDoomed++
					}
				}
			}
			if s.sourceRefs[c.ID] > refsFromDoomed {
				return 0, fmt.Errorf("context %d: %w", c.ID, ErrSourceReferenced)
			}
		}
	}

	for _, c := range doomed {
		if _, err := s.db.Exec(`DELETE FROM contexts WHERE id = ?`, c.ID); err != nil {
			return 0, fmt.Errorf("purge context %d: %w", c.ID, err)
		}
		s.uninstallLocked(c)
		s.vecDeleteLocked(c.ID)
		for key, id := range s.dedupKeys {
			if id == c.ID {
				delete(s.dedupKeys, key)
			}
		}
	}
	if len(doomed) > 0 {
		logging.Info("ctxstore", "purged %d contexts", len(doomed))
	}
	return len(doomed), nil
}
