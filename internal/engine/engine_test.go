package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/contextwave/engine/internal/config"
	"github.com/contextwave/engine/internal/consolidate"
	"github.com/contextwave/engine/internal/ctxstore"
	"github.com/contextwave/engine/internal/signal"
)

type fakeEmbedder struct {
	fail  bool
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("connection refused")
	}
	return []float64{1, 0, 0}, nil
}

type fakeGeneralizer struct{}

func (fakeGeneralizer) Generalize(ctx context.Context, cluster []*ctxstore.Context) (*consolidate.Draft, error) {
	return &consolidate.Draft{
		Description: "Recurring friction around code review with Egor",
		Rule:        "When Egor reviews code, expect friction and engage calmly.",
		Nodes:       []string{"Egor", "code"},
		Emotion:     "neutral",
		Intensity:   0.5,
	}, nil
}

func setupEngine(t *testing.T, emb Embedder) *Engine {
	t.Helper()
	e, err := Open(t.TempDir(), config.Default(), Options{
		Embedder:    emb,
		Generalizer: fakeGeneralizer{},
		Clock:       time.Now,
	})
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func seedEpisodes(t *testing.T, e *Engine) {
	t.Helper()
	drafts := []ctxstore.Draft{
		{
			Description: "Egor criticized the code in review and it stung",
			Nodes:       []ctxstore.Node{{Name: "Egor"}, {Name: "Kai"}, {Name: "code"}},
			Edges:       []ctxstore.Edge{{Source: "Egor", Target: "Kai", Relation: "criticized"}},
			Emotion:     "hurt",
			Intensity:   0.7,
			Result:      ctxstore.ResultPositive,
		},
		{
			Description: "Watered the garden with Luna in the evening",
			Nodes:       []ctxstore.Node{{Name: "Luna"}, {Name: "garden"}},
			Emotion:     "warmth",
			Intensity:   0.4,
			Result:      ctxstore.ResultPositive,
		},
		{
			Description: "Missed the deadline on the report",
			Nodes:       []ctxstore.Node{{Name: "report"}, {Name: "deadline"}},
			Emotion:     "shame",
			Intensity:   0.6,
			Result:      ctxstore.ResultNegative,
		},
	}
	for i, d := range drafts {
		if _, err := e.Write(context.Background(), d); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
}

func TestWriteFillsEmbedding(t *testing.T) {
	emb := &fakeEmbedder{}
	e := setupEngine(t, emb)

	id, err := e.Write(context.Background(), ctxstore.Draft{
		Description: "Egor criticized the code",
		Nodes:       []ctxstore.Node{{Name: "Egor"}},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}

	c, err := e.Store().Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(c.Embedding) == 0 {
		t.Error("embedding not filled on write")
	}
}

func TestWriteSurvivesEmbedderFailure(t *testing.T) {
	e := setupEngine(t, &fakeEmbedder{fail: true})

	id, err := e.Write(context.Background(), ctxstore.Draft{
		Description: "Egor criticized the code",
		Nodes:       []ctxstore.Node{{Name: "Egor"}},
	})
	if err != nil {
		t.Fatalf("embedder failure surfaced from Write: %v", err)
	}

	c, err := e.Store().Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(c.Embedding) != 0 {
		t.Error("failed embed left a vector behind")
	}
}

func TestRetrieveEndToEnd(t *testing.T) {
	e := setupEngine(t, &fakeEmbedder{})
	seedEpisodes(t, e)

	ret, err := e.Retrieve(context.Background(), signal.Situation{
		Focus:   []string{"code", "Egor"},
		Event:   "Egor left comments on the new change",
		Emotion: "hurt",
	}, RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(ret.Slate) == 0 {
		t.Fatal("empty slate")
	}
	if got := ret.Slate[0].Context.Description; got != "Egor criticized the code in review and it stung" {
		t.Errorf("top of slate = %q, want the criticism episode", got)
	}
	if ret.Slate[0].Resonance <= ret.Slate[len(ret.Slate)-1].Resonance &&
		len(ret.Slate) > 1 {
		t.Errorf("slate not ordered by resonance: %+v", ret.Slate)
	}
}

// A dead embedder downgrades retrieval to the structural channels; the
// caller sees a slate plus diagnostics, never an error.
func TestRetrieveSurvivesEmbedderFailure(t *testing.T) {
	e := setupEngine(t, &fakeEmbedder{fail: true})
	seedEpisodes(t, e)

	ret, err := e.Retrieve(context.Background(), signal.Situation{
		Focus:   []string{"code", "Egor"},
		Event:   "Egor left comments again",
		Emotion: "hurt",
	}, RetrieveOptions{})
	if err != nil {
		t.Fatalf("embedder failure surfaced from Retrieve: %v", err)
	}
	if len(ret.Slate) == 0 {
		t.Fatal("structural channels alone should still retrieve")
	}
	if len(ret.Diagnostics.CollaboratorErrors) != 1 {
		t.Errorf("diagnostics = %v, want one recorded embedder failure", ret.Diagnostics.CollaboratorErrors)
	}
	if ret.Slate[0].Context.Description != "Egor criticized the code in review and it stung" {
		t.Errorf("top of slate = %q", ret.Slate[0].Context.Description)
	}
}

func TestRetrieveCancelled(t *testing.T) {
	e := setupEngine(t, &fakeEmbedder{})
	seedEpisodes(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ret, err := e.Retrieve(ctx, signal.Situation{Focus: []string{"code"}}, RetrieveOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if ret != nil {
		t.Errorf("cancelled retrieval returned a partial slate: %+v", ret)
	}
}

func TestWriteCancelled(t *testing.T) {
	e := setupEngine(t, &fakeEmbedder{})
	before := e.Store().Len()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Write(ctx, ctxstore.Draft{Description: "late"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if e.Store().Len() != before {
		t.Error("cancelled write mutated the store")
	}
}

func TestInvariantViolationPassesThrough(t *testing.T) {
	e := setupEngine(t, &fakeEmbedder{})

	_, err := e.Write(context.Background(), ctxstore.Draft{
		Description: "",
		Nodes:       []ctxstore.Node{{Name: "Egor"}},
	})
	var iv *ctxstore.InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("got %v, want an invariant violation", err)
	}
}

func TestConsolidateThroughEngine(t *testing.T) {
	e := setupEngine(t, &fakeEmbedder{})
	for i := 0; i < 3; i++ {
		_, err := e.Write(context.Background(), ctxstore.Draft{
			Description: fmt.Sprintf("Episode %d of review friction with Egor on the code", i),
			Nodes: []ctxstore.Node{
				{Name: "Egor"}, {Name: "code"}, {Name: "review"}, {Name: "friction"},
			},
			Emotion: "hurt",
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	stats, err := e.Consolidate(context.Background())
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}
	if stats.ContextsWritten != 1 {
		t.Fatalf("stats = %+v, want one generalization", stats)
	}

	// The new abstraction is retrievable through the normal read path.
	ret, err := e.Retrieve(context.Background(), signal.Situation{
		Focus:   []string{"Egor", "code", "review", "friction"},
		Emotion: "hurt",
	}, RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	found := false
	for _, sc := range ret.Slate {
		if sc.Context.Level == ctxstore.LevelGeneralization {
			found = true
		}
	}
	if !found {
		t.Errorf("generalization missing from slate: %d entries", len(ret.Slate))
	}
}

func TestRetrieveOptionsDefaults(t *testing.T) {
	e := setupEngine(t, &fakeEmbedder{})
	got := e.fillRetrieveOptions(RetrieveOptions{})
	want := e.cfg.Retrieval
	if got.K != want.K || got.KCandidates != want.KCandidates ||
		got.MMRThreshold != want.MMRThreshold || got.EmotionCap != want.EmotionCap {
		t.Errorf("defaults = %+v, want config values %+v", got, want)
	}

	got = e.fillRetrieveOptions(RetrieveOptions{K: 3})
	if got.K != 3 {
		t.Errorf("explicit K overridden: %d", got.K)
	}
}
