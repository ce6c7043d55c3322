package ctxstore

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/contextwave/engine/internal/emotion"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{Entities: []string{"Egor", "Telegram"}})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func episodeDraft() Draft {
	return Draft{
		Description: "Egor criticized the code in review",
		Nodes:       []Node{{Name: "Egor"}, {Name: "Kai"}, {Name: "code"}},
		Edges:       []Edge{{Source: "Egor", Target: "Kai", Relation: "criticized"}},
		Emotion:     "hurt",
		Intensity:   0.7,
		Result:      ResultPositive,
	}
}

func TestPutAndGet(t *testing.T) {
	s := setupTestStore(t)

	id, err := s.Put(episodeDraft())
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	c, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c.Emotion != emotion.Hurt {
		t.Errorf("emotion = %q, want hurt", c.Emotion)
	}
	if c.Certainty != 1.0 {
		t.Errorf("default certainty = %v, want 1.0", c.Certainty)
	}
	if c.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	if _, err := s.Get(id + 100); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing context: got %v, want ErrNotFound", err)
	}
}

// An explicit certainty of exactly 0 is indistinguishable from unset and
// takes the 1.0 default; near-zero values persist as given.
func TestCertaintyZeroMeansUnset(t *testing.T) {
	s := setupTestStore(t)

	d := episodeDraft()
	d.Certainty = 0
	id, err := s.Put(d)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	c, _ := s.Get(id)
	if c.Certainty != 1.0 {
		t.Errorf("zero certainty = %v, want the 1.0 default", c.Certainty)
	}

	d = episodeDraft()
	d.Description = "A barely trusted recollection of the review"
	d.Certainty = 0.01
	id, err = s.Put(d)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	c, _ = s.Get(id)
	if c.Certainty != 0.01 {
		t.Errorf("certainty = %v, want 0.01", c.Certainty)
	}
}

func TestEmotionNormalizedOnWrite(t *testing.T) {
	s := setupTestStore(t)

	d := episodeDraft()
	d.Emotion = "existential dread"
	id, err := s.Put(d)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	c, _ := s.Get(id)
	if c.Emotion != emotion.Fear {
		t.Errorf("emotion = %q, want fear", c.Emotion)
	}
	if c.EmotionLabel != "existential dread" {
		t.Errorf("emotion label = %q, want original phrase", c.EmotionLabel)
	}
	if c.DisplayEmotion() != "existential dread" {
		t.Errorf("display emotion = %q", c.DisplayEmotion())
	}
}

func TestInvariantRejections(t *testing.T) {
	s := setupTestStore(t)

	base, err := s.Put(episodeDraft())
	if err != nil {
		t.Fatalf("seed write failed: %v", err)
	}
	before := s.Len()

	tests := []struct {
		name  string
		mut   func(*Draft)
		which Invariant
	}{
		{"oversized description", func(d *Draft) {
			d.Description = strings.Repeat("x", MaxDescription+1)
		}, InvDescription},
		{"level over cap", func(d *Draft) {
			d.Level = 3
			d.Sources = []int64{base}
		}, InvLevelCap},
		{"negative level", func(d *Draft) { d.Level = -1 }, InvLevelCap},
		{"intensity out of range", func(d *Draft) { d.Intensity = 1.5 }, InvIntensityRange},
		{"certainty out of range", func(d *Draft) { d.Certainty = -0.2 }, InvCertaintyRange},
		{"unknown result", func(d *Draft) { d.Result = "victorious" }, InvResult},
		{"empty node name", func(d *Draft) {
			d.Nodes = append(d.Nodes, Node{Name: ""})
		}, InvEmptyNodes},
		{"edge endpoint missing", func(d *Draft) {
			d.Edges = []Edge{{Source: "Egor", Target: "ghost", Relation: "saw"}}
		}, InvEdgeEndpoint},
		{"sources on episode", func(d *Draft) {
			d.Sources = []int64{base}
		}, InvSourcesAtL0},
		{"missing source", func(d *Draft) {
			d.Level = 1
			d.Sources = []int64{base + 99}
		}, InvSourceLevel},
		{"node cap on abstraction", func(d *Draft) {
			d.Level = 1
			d.Sources = []int64{base}
			d.Nodes = nil
			for i := 0; i < 20; i++ {
				d.Nodes = append(d.Nodes, Node{Name: "n" + strings.Repeat("x", i+1)})
			}
			d.Edges = nil
		}, InvNodeCap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := episodeDraft()
			tt.mut(&d)
			_, err := s.Put(d)
			var iv *InvariantViolation
			if !errors.As(err, &iv) {
				t.Fatalf("got %v, want InvariantViolation", err)
			}
			if iv.Which != tt.which {
				t.Errorf("violated %q, want %q", iv.Which, tt.which)
			}
			if s.Len() != before {
				t.Errorf("store changed after rejected write: %d != %d", s.Len(), before)
			}
		})
	}
}

func TestSourceLevelStrictlyLower(t *testing.T) {
	s := setupTestStore(t)

	l0a, _ := s.Put(episodeDraft())
	d := episodeDraft()
	d.Description = "Another criticism episode, same people"
	l0b, _ := s.Put(d)

	l1 := Draft{
		Description: "Egor's criticism is about the work",
		Nodes:       []Node{{Name: "Egor"}, {Name: "code"}},
		Emotion:     "resolve",
		Rule:        "When Egor criticizes code, engage with the substance.",
		Level:       1,
		Sources:     []int64{l0a, l0b},
	}
	l1id, err := s.Put(l1)
	if err != nil {
		t.Fatalf("L1 write failed: %v", err)
	}

	// An L2 citing the L1 is fine; an L2 citing another L2 is not
	// constructible, and an L1 citing an L1 must be rejected.
	bad := l1
	bad.Description = "A different generalization built on a peer"
	bad.Rule = "When peers generalize, do not stack sideways."
	bad.Sources = []int64{l1id}
	if _, err := s.Put(bad); err == nil {
		t.Fatal("L1 with L1 source accepted")
	}
}

func TestSemanticDedup(t *testing.T) {
	s := setupTestStore(t)

	l0, _ := s.Put(episodeDraft())
	first := Draft{
		Description: "Criticism from Egor targets the code, not the person",
		Nodes:       []Node{{Name: "Egor"}, {Name: "code"}},
		Emotion:     "resolve",
		Rule:        "When Egor criticizes code, engage with the substance.",
		Level:       1,
		Sources:     []int64{l0},
	}
	if _, err := s.Put(first); err != nil {
		t.Fatalf("first L1 write failed: %v", err)
	}

	near := first
	near.Rule = "When Egor criticizes the code, engage the substance."
	near.Description = "Criticism from Egor targets the code, not the person."
	_, err := s.Put(near)
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("near-duplicate accepted: %v", err)
	}

	// L0 episodes are never semantically deduped.
	d := episodeDraft()
	d.Description = "Egor criticized the code in review"
	if _, err := s.Put(d); err != nil {
		t.Errorf("identical L0 episode rejected: %v", err)
	}
}

func TestDedupKeyConflict(t *testing.T) {
	s := setupTestStore(t)

	d := episodeDraft()
	d.DedupKey = "msg-123"
	if _, err := s.Put(d); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	d2 := episodeDraft()
	d2.Description = "A different event with the same idempotency key"
	d2.DedupKey = "msg-123"
	if _, err := s.Put(d2); !errors.Is(err, ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestRuleConditionsDerived(t *testing.T) {
	s := setupTestStore(t)

	d := episodeDraft()
	d.Rule = "When Egor criticizes code via Telegram, engage with the substance."
	id, err := s.Put(d)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	c, _ := s.Get(id)
	want := map[string]bool{"Egor": true, "Telegram": true}
	if len(c.RuleConditions) != len(want) {
		t.Fatalf("conditions = %v, want Egor and Telegram", c.RuleConditions)
	}
	for _, cond := range c.RuleConditions {
		if !want[cond] {
			t.Errorf("unexpected condition %q", cond)
		}
	}
}

func TestReopenReloads(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	id, err := s.Put(episodeDraft())
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	orig, _ := s.Get(id)
	s.Close()

	s2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	c, err := s2.Get(id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if c.Description != orig.Description || c.Emotion != orig.Emotion {
		t.Errorf("reloaded context differs: %+v vs %+v", c, orig)
	}
	if len(c.Nodes) != len(orig.Nodes) || len(c.Edges) != len(orig.Edges) {
		t.Errorf("reloaded graph differs: %d/%d nodes, %d/%d edges",
			len(c.Nodes), len(orig.Nodes), len(c.Edges), len(orig.Edges))
	}

	// The id sequence continues after the reload.
	d := episodeDraft()
	d.Description = "A later event after restart"
	id2, err := s2.Put(d)
	if err != nil {
		t.Fatalf("Put after reopen: %v", err)
	}
	if id2 <= id {
		t.Errorf("id did not advance: %d <= %d", id2, id)
	}
}

func TestScanSnapshot(t *testing.T) {
	s := setupTestStore(t)

	s.Put(episodeDraft())
	snap := s.Scan(MaxLevel)

	d := episodeDraft()
	d.Description = "A second event written after the scan"
	s.Put(d)

	if len(snap) != 1 {
		t.Errorf("snapshot grew after write: %d", len(snap))
	}
	if len(s.Scan(MaxLevel)) != 2 {
		t.Errorf("new scan should see both contexts")
	}
}

func TestSetEmbeddingFillOnly(t *testing.T) {
	s := setupTestStore(t)

	id, _ := s.Put(episodeDraft())
	snap := s.Scan(MaxLevel)

	if err := s.SetEmbedding(id, []float64{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	c, _ := s.Get(id)
	if len(c.Embedding) != 3 {
		t.Fatalf("embedding not filled")
	}

	// A present embedding never changes.
	if err := s.SetEmbedding(id, []float64{9, 9, 9}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	c, _ = s.Get(id)
	if c.Embedding[0] != 0.1 {
		t.Error("existing embedding overwritten")
	}

	// Earlier snapshots are copy-on-write isolated.
	if len(snap[0].Embedding) != 0 {
		t.Error("snapshot saw the embedding update")
	}
}

func TestUnconsolidated(t *testing.T) {
	s := setupTestStore(t)

	l0a, _ := s.Put(episodeDraft())
	d := episodeDraft()
	d.Description = "Another criticism episode"
	l0b, _ := s.Put(d)

	if got := len(s.Unconsolidated(0)); got != 2 {
		t.Fatalf("unconsolidated = %d, want 2", got)
	}

	_, err := s.Put(Draft{
		Description: "Criticism is about the work",
		Nodes:       []Node{{Name: "Egor"}},
		Rule:        "When Egor criticizes, listen first.",
		Level:       1,
		Sources:     []int64{l0a},
	})
	if err != nil {
		t.Fatalf("L1 write failed: %v", err)
	}

	unc := s.Unconsolidated(0)
	if len(unc) != 1 || unc[0].ID != l0b {
		t.Errorf("unconsolidated = %v, want only %d", unc, l0b)
	}
}

func TestPurgeProtectsSources(t *testing.T) {
	s := setupTestStore(t)

	l0, _ := s.Put(episodeDraft())
	l1, err := s.Put(Draft{
		Description: "Criticism is about the work",
		Nodes:       []Node{{Name: "Egor"}},
		Rule:        "When Egor criticizes, listen first.",
		Level:       1,
		Sources:     []int64{l0},
	})
	if err != nil {
		t.Fatalf("L1 write failed: %v", err)
	}

	// Purging just the referenced episode is refused atomically.
	if _, err := s.Purge(func(c *Context) bool { return c.ID == l0 }); !errors.Is(err, ErrSourceReferenced) {
		t.Fatalf("got %v, want ErrSourceReferenced", err)
	}
	if s.Len() != 2 {
		t.Fatalf("refused purge mutated the store")
	}

	// Purging the referrer along with it is allowed.
	n, err := s.Purge(func(c *Context) bool { return c.ID == l0 || c.ID == l1 })
	if err != nil {
		t.Fatalf("cascade purge failed: %v", err)
	}
	if n != 2 || s.Len() != 0 {
		t.Errorf("purged %d, store len %d", n, s.Len())
	}
}

// A retrieval's candidate set is one consistent snapshot: a write that
// lands while Candidates runs is either fully visible or not at all.
// Every context here matches the node filter and ids are sequential, so
// any consistent snapshot is a contiguous prefix of the id sequence; a
// gap means the call observed a write that landed after it began.
func TestCandidatesSnapshotUnderConcurrentWrites(t *testing.T) {
	s := setupTestStore(t)

	emb := []float64{0.6, 0.8, 0}
	write := func() {
		_, err := s.Put(Draft{
			Description: "Egor stopped by during the long afternoon",
			Nodes:       []Node{{Name: "Egor"}},
			Embedding:   emb,
		})
		if err != nil {
			t.Errorf("write failed: %v", err)
		}
	}
	// Past the scan threshold so the prefilter path runs.
	for i := 0; i < 300; i++ {
		write()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				write()
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		wg.Wait()
	})

	for i := 0; i < 50; i++ {
		got := s.Candidates([]string{"Egor"}, nil, "", "", emb, MaxLevel, 10)
		seen := make(map[int64]bool, len(got))
		var max int64
		for _, c := range got {
			seen[c.ID] = true
			if c.ID > max {
				max = c.ID
			}
		}
		for id := int64(1); id <= max; id++ {
			if !seen[id] {
				t.Fatalf("iteration %d: candidate set holds id %d but not id %d", i, max, id)
			}
		}
	}
}

func TestJaccardTokens(t *testing.T) {
	a := Tokenize("When Egor criticizes code, engage with the substance.")
	b := Tokenize("When Egor criticizes the code, engage the substance.")
	if j := Jaccard(a, b); j <= 0.6 {
		t.Errorf("near-identical rules should exceed the dedup bound, got %.2f", j)
	}

	c := Tokenize("Ship the release notes before Friday")
	if j := Jaccard(a, c); j > 0.2 {
		t.Errorf("unrelated rules overlap %.2f", j)
	}

	// Tokens under 3 runes are ignored entirely.
	if toks := Tokenize("a is to be or it"); len(toks) != 0 {
		t.Errorf("short tokens kept: %v", toks)
	}
}
