package ctxstore

import (
	"fmt"
	"math"
	"sort"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/contextwave/engine/internal/emotion"
	"github.com/contextwave/engine/internal/logging"
)

// initVecTable determines the embedding dimension from loaded contexts,
// creates the context_vec virtual table, and backfills it. No-ops when no
// context carries an embedding yet.
func (s *Store) initVecTable() error {
	dim := 0
	for _, c := range s.contexts {
		if len(c.Embedding) > 0 {
			dim = len(c.Embedding)
			break
		}
	}
	if dim == 0 {
		return nil // defer to first embedded put
	}
	if err := s.ensureVecTable(dim); err != nil {
		return err
	}

	count := 0
	for _, id := range s.ordered {
		c := s.contexts[id]
		if len(c.Embedding) == dim {
			s.vecInsertLocked(id, c.Embedding)
			count++
		}
	}
	if count > 0 {
		logging.Debug("ctxstore", "vec backfill: indexed %d contexts (dim=%d)", count, dim)
	}
	return nil
}

// ensureVecTable creates context_vec for the given dimension. Uses the
// context id as the vec0 rowid for stable integer keying.
func (s *Store) ensureVecTable(dim int) error {
	if !s.vecAvailable || s.vecDim == dim {
		return nil
	}
	if s.vecDim != 0 && s.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, s.vecDim)
	}
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS context_vec USING vec0(
			embedding float[%d]
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create context_vec(float[%d]): %w", dim, err)
	}
	s.vecDim = dim
	return nil
}

// vecInsertLocked indexes an embedding under the context id. Failures are
// non-fatal: readers fall back to linear cosine scan.
func (s *Store) vecInsertLocked(id int64, emb []float64) {
	if !s.vecAvailable {
		return
	}
	if s.vecDim == 0 {
		if err := s.ensureVecTable(len(emb)); err != nil {
			logging.Warn("ctxstore", "vec table: %v", err)
			return
		}
	}
	if len(emb) != s.vecDim {
		return
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return
	}
	// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
	s.db.Exec(`DELETE FROM context_vec WHERE rowid = ?`, id)
	if _, err := s.db.Exec(`INSERT INTO context_vec(rowid, embedding) VALUES (?, ?)`, id, serialized); err != nil {
		logging.Warn("ctxstore", "vec insert failed for %d: %v", id, err)
	}
}

func (s *Store) vecDeleteLocked(id int64) {
	if !s.vecAvailable || s.vecDim == 0 {
		return
	}
	s.db.Exec(`DELETE FROM context_vec WHERE rowid = ?`, id)
}

// Similar returns up to k context ids nearest to emb by cosine
// similarity, most similar first. Uses the vec0 index when available and
// degrades to a linear scan over the in-memory mirror otherwise.
func (s *Store) Similar(emb []float64, k int) []int64 {
	if len(emb) == 0 || k <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vecAvailable && s.vecDim == len(emb) {
		if ids := s.vecKNNLocked(emb, k); ids != nil {
			return ids
		}
	}
	return s.linearKNNLocked(emb, k)
}

func (s *Store) vecKNNLocked(emb []float64, k int) []int64 {
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return nil
	}
	rows, err := s.db.Query(`
		SELECT rowid FROM context_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, serialized, k)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if rows.Scan(&id) == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) linearKNNLocked(emb []float64, k int) []int64 {
	type scored struct {
		id  int64
		sim float64
	}
	var all []scored
	for _, id := range s.ordered {
		c := s.contexts[id]
		if len(c.Embedding) == 0 {
			continue
		}
		all = append(all, scored{id: id, sim: CosineSim(emb, c.Embedding)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].sim != all[j].sim {
			return all[i].sim > all[j].sim
		}
		return all[i].id < all[j].id
	})
	if len(all) > k {
		all = all[:k]
	}
	ids := make([]int64, len(all))
	for i, sc := range all {
		ids[i] = sc.id
	}
	return ids
}

// candidateScanThreshold is the store size below which retrieval scans
// everything instead of prefiltering through the indexes.
const candidateScanThreshold = 256

// Candidates returns a snapshot of retrieval candidates for a signal.
// Small stores scan everything at or below the level cap. Larger stores
// take the union of inverted-index hits for the signal's nodes,
// relations, emotion, result, and rule-condition tokens, plus the ANN
// neighborhood of the signal embedding, so a resonant context is never
// missed by the prefilter. The read lock is held across the whole call:
// a write landing after a retrieval begins is never observed by it.
func (s *Store) Candidates(nodes, relations []string, emo emotion.Emotion, result Result, emb []float64, levelCap, annK int) []*Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.contexts) <= candidateScanThreshold {
		out := make([]*Context, 0, len(s.ordered))
		for _, id := range s.ordered {
			if c := s.contexts[id]; c.Level <= levelCap {
				out = append(out, c)
			}
		}
		return out
	}

	hit := make(map[int64]bool)
	for _, n := range nodes {
		for id := range s.byNode[n] {
			hit[id] = true
		}
		for id := range s.byCond[n] {
			hit[id] = true
		}
	}
	for _, r := range relations {
		for id := range s.byRel[r] {
			hit[id] = true
		}
	}
	if emo != "" {
		for id := range s.byEmotion[emo] {
			hit[id] = true
		}
	}
	if result != "" {
		for id := range s.byResult[result] {
			hit[id] = true
		}
	}

	if len(emb) > 0 {
		var ids []int64
		if s.vecAvailable && s.vecDim == len(emb) {
			ids = s.vecKNNLocked(emb, annK)
		}
		if ids == nil {
			ids = s.linearKNNLocked(emb, annK)
		}
		for _, id := range ids {
			hit[id] = true
		}
	}

	out := make([]*Context, 0, len(hit))
	for _, id := range s.ordered {
		if !hit[id] {
			continue
		}
		if c, ok := s.contexts[id]; ok && c.Level <= levelCap {
			out = append(out, c)
		}
	}
	return out
}

// CosineSim computes cosine similarity between two embeddings.
func CosineSim(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// float64ToFloat32 converts a float64 slice to float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector. Normalizing
// before storing in vec0 makes L2 distance equivalent to cosine distance.
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
