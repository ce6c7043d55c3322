// Package engine is the facade over the wave memory components: the
// store, the signal builder, the scorer, the selector, and the
// consolidator. Collaborator failures (embedder, generalizer) are
// recovered here; invariant violations pass through to the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/contextwave/engine/internal/config"
	"github.com/contextwave/engine/internal/consolidate"
	"github.com/contextwave/engine/internal/ctxstore"
	"github.com/contextwave/engine/internal/embedding"
	"github.com/contextwave/engine/internal/focus"
	"github.com/contextwave/engine/internal/logging"
	"github.com/contextwave/engine/internal/resonance"
	"github.com/contextwave/engine/internal/signal"
)

// Embedder turns text into a fixed-dimension vector. Idempotent for
// identical input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Engine wires the components together behind the public operations:
// write, build-signal, retrieve, consolidate, stats. Get, scan, and
// purge go through the store directly.
type Engine struct {
	cfg     *config.Config
	store   *ctxstore.Store
	builder *signal.Builder
	scorer  *resonance.Scorer
	cons    *consolidate.Consolidator

	embedder Embedder // nil disables the semantic channel entirely
}

// Options configures engine construction. Zero values fall back to the
// Ollama collaborators from the config.
type Options struct {
	Embedder    Embedder
	Generalizer consolidate.Generalizer
	Clock       func() time.Time
}

// Open creates an engine over the store at statePath.
func Open(statePath string, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	store, err := ctxstore.Open(statePath, ctxstore.Options{
		MaxMergedNodes: cfg.Consolidate.MaxMergedNodes,
		DedupThreshold: cfg.Consolidate.DedupThreshold,
		Entities:       seedEntities(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	embedder := opts.Embedder
	gen := opts.Generalizer
	if embedder == nil || gen == nil {
		client := embedding.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.EmbedModel,
			cfg.Ollama.GenerateModel, time.Duration(cfg.Ollama.TimeoutSec)*time.Second)
		if embedder == nil {
			embedder = client
		}
		if gen == nil {
			gen = consolidate.NewOllamaGeneralizer(client)
		}
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		builder:  signal.NewBuilder(cfg),
		scorer:   resonance.NewScorerAt(opts.Clock),
		embedder: embedder,
	}
	e.cons = consolidate.New(store, gen, consolidate.Options{
		MinOverlap:  cfg.Consolidate.MinOverlap,
		MinCluster:  cfg.Consolidate.MinCluster,
		MaxCluster:  cfg.Consolidate.MaxCluster,
		MaxClusters: cfg.Consolidate.MaxClusters,
	})
	return e, nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store exposes the underlying context store for operational tooling.
func (e *Engine) Store() *ctxstore.Store {
	return e.store
}

// Write validates and persists a draft, filling in the embedding from
// the embedder when absent. Embedder failure is recovered: the context
// is stored without an embedding and scores 0 on the semantic channel.
func (e *Engine) Write(ctx context.Context, draft ctxstore.Draft) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(draft.Embedding) == 0 && e.embedder != nil && draft.Description != "" {
		emb, err := e.embedder.Embed(ctx, draft.Description)
		if err != nil {
			logging.Warn("engine", "embedder unavailable for write: %v", err)
		} else {
			draft.Embedding = emb
		}
	}
	return e.store.Put(draft)
}

// BuildSignal converts a situation into a wave signal and attaches an
// embedding of its free text when the embedder cooperates.
func (e *Engine) BuildSignal(ctx context.Context, sit signal.Situation) (signal.WaveSignal, *Diagnostics) {
	sig := e.builder.Build(sit)
	diag := &Diagnostics{}

	text := sit.Event
	if sit.Thought != "" {
		text += " " + sit.Thought
	}
	if e.embedder != nil && text != "" {
		emb, err := e.embedder.Embed(ctx, text)
		if err != nil {
			diag.recordCollaborator("embedder", err)
			logging.Debug("engine", "semantic channel disabled: %v", err)
		} else {
			sig.Embedding = emb
		}
	}
	return sig, diag
}

// Retrieve runs the full read path for a situation: signal, candidates,
// bulk scoring, then diversity selection. The result order is
// deterministic for a fixed store snapshot and signal.
func (e *Engine) Retrieve(ctx context.Context, sit signal.Situation, opts RetrieveOptions) (*Retrieval, error) {
	sig, diag := e.BuildSignal(ctx, sit)
	return e.retrieve(ctx, &sig, diag, opts)
}

// RetrieveSignal runs the read path for a pre-built signal.
func (e *Engine) RetrieveSignal(ctx context.Context, sig *signal.WaveSignal, opts RetrieveOptions) (*Retrieval, error) {
	return e.retrieve(ctx, sig, &Diagnostics{}, opts)
}

func (e *Engine) retrieve(ctx context.Context, sig *signal.WaveSignal, diag *Diagnostics, opts RetrieveOptions) (*Retrieval, error) {
	opts = e.fillRetrieveOptions(opts)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := e.store.Candidates(sig.Nodes, sig.Relations, sig.Emotion,
		sig.Result, sig.Embedding, sig.MaxLevel, opts.KCandidates)
	candidates = e.dropStale(candidates, diag)

	// Cancellation between scan and scoring discards everything; no
	// partial slate escapes.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scored := e.scorer.ScoreAll(sig, candidates)
	if len(scored) > opts.KCandidates {
		scored = scored[:opts.KCandidates]
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slate := focus.Select(scored, focus.Options{
		K:            opts.K,
		RMin:         opts.RMin,
		MMRThreshold: opts.MMRThreshold,
		EmotionCap:   opts.EmotionCap,
		LevelFair:    e.cfg.Retrieval.LevelFair && !opts.DisableLevelFair,
	})
	return &Retrieval{Slate: slate, Signal: sig, Diagnostics: diag}, nil
}

// dropStale removes candidates whose sources reference purged contexts.
// The selector simply continues with the rest.
func (e *Engine) dropStale(candidates []*ctxstore.Context, diag *Diagnostics) []*ctxstore.Context {
	out := candidates[:0]
	for _, c := range candidates {
		stale := false
		for _, src := range c.Sources {
			if _, err := e.store.Get(src); errors.Is(err, ctxstore.ErrNotFound) {
				stale = true
				break
			}
		}
		if stale {
			diag.StaleSkipped++
			continue
		}
		out = append(out, c)
	}
	return out
}

// Consolidate runs one compaction pass.
func (e *Engine) Consolidate(ctx context.Context) (consolidate.Stats, error) {
	return e.cons.Run(ctx)
}

// Stats returns store statistics.
func (e *Engine) Stats() map[string]int {
	return e.store.Stats()
}

func (e *Engine) fillRetrieveOptions(opts RetrieveOptions) RetrieveOptions {
	r := e.cfg.Retrieval
	if opts.K <= 0 {
		opts.K = r.K
	}
	if opts.KCandidates <= 0 {
		opts.KCandidates = r.KCandidates
	}
	if opts.RMin == 0 {
		opts.RMin = r.RMin
	}
	if opts.MMRThreshold == 0 {
		opts.MMRThreshold = r.MMRThreshold
	}
	if opts.EmotionCap <= 0 {
		opts.EmotionCap = r.EmotionCap
	}
	return opts
}

// seedEntities flattens the drive seed map into the entity set used for
// rule-condition derivation.
func seedEntities(cfg *config.Config) []string {
	var out []string
	for _, seeds := range cfg.DriveSeeds {
		out = append(out, seeds...)
	}
	return out
}

// RetrieveOptions tunes a single retrieval. Zero values take the
// configured defaults.
type RetrieveOptions struct {
	K            int
	KCandidates  int
	RMin         float64
	MMRThreshold float64
	EmotionCap   int
	// DisableLevelFair turns the episode-slot guarantee off for this
	// call even when the config enables it.
	DisableLevelFair bool
}

// Retrieval is the read-path result: the selected slate, the signal it
// was scored against, and recovered-failure diagnostics.
type Retrieval struct {
	Slate       []resonance.Scored
	Signal      *signal.WaveSignal
	Diagnostics *Diagnostics
}

// Diagnostics records locally recovered trouble during one operation.
// Nothing here is an error from the caller's point of view.
type Diagnostics struct {
	// CollaboratorErrors lists embedder failures recovered by disabling
	// the semantic channel, timeouts included.
	CollaboratorErrors []string
	// StaleSkipped counts candidates dropped for referencing purged
	// sources.
	StaleSkipped int
}

func (d *Diagnostics) recordCollaborator(name string, err error) {
	kind := "failure"
	if errors.Is(err, context.DeadlineExceeded) {
		kind = "timeout"
	}
	d.CollaboratorErrors = append(d.CollaboratorErrors, fmt.Sprintf("%s %s: %v", name, kind, err))
}
