// Package config loads the engine configuration. The relation verb table
// and drive seed map are configuration, not code: extending either is a
// YAML edit.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all tunable engine parameters.
type Config struct {
	// Relations maps verb tokens found in situation text to canonical
	// relation labels for the wave signal.
	Relations map[string]string `yaml:"relations"`

	// DriveSeeds maps drive names to the node sets injected into a
	// signal when that drive falls below HungerThreshold.
	DriveSeeds map[string][]string `yaml:"drive_seeds"`

	Signal      SignalConfig      `yaml:"signal"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Consolidate ConsolidateConfig `yaml:"consolidate"`
	Ollama      OllamaConfig      `yaml:"ollama"`
}

// SignalConfig tunes the signal builder.
type SignalConfig struct {
	HungerThreshold float64 `yaml:"hunger_threshold"` // drives below this inject seeds
	MaxNodes        int     `yaml:"max_nodes"`        // signal node set bound
	PainNegative    float64 `yaml:"pain_negative"`    // pain intensity above this → result negative
}

// RetrievalConfig tunes scoring and selection.
type RetrievalConfig struct {
	K            int     `yaml:"k"`              // working memory size
	KCandidates  int     `yaml:"k_candidates"`   // pre-selector width
	RMin         float64 `yaml:"r_min"`          // resonance floor
	MMRThreshold float64 `yaml:"mmr_threshold"`  // node-set Jaccard bound
	EmotionCap   int     `yaml:"emotion_cap"`    // per-emotion first-word cap
	LevelFair    bool    `yaml:"level_fairness"` // guarantee an L0 when available
}

// ConsolidateConfig tunes the offline pass.
type ConsolidateConfig struct {
	MinOverlap     int     `yaml:"min_overlap"`     // shared nodes to link two contexts
	MinCluster     int     `yaml:"min_cluster"`     // smaller components are discarded
	MaxCluster     int     `yaml:"max_cluster"`     // larger components are re-split
	DedupThreshold float64 `yaml:"dedup_threshold"` // Jaccard bound on rule+description
	MaxMergedNodes int     `yaml:"max_merged_nodes"`
	MaxClusters    int     `yaml:"max_clusters"` // per-pass budget (0 = unlimited)
}

// OllamaConfig points at the embedder/generalizer collaborator.
type OllamaConfig struct {
	BaseURL       string `yaml:"base_url"`
	EmbedModel    string `yaml:"embed_model"`
	GenerateModel string `yaml:"generate_model"`
	TimeoutSec    int    `yaml:"timeout_sec"`
}

// Default returns the built-in configuration. The relation table and
// drive seeds mirror the shipped defaults; deployments override them in
// engine.yaml.
func Default() *Config {
	return &Config{
		Relations: map[string]string{
			"criticized": "criticized",
			"scolded":    "criticized",
			"praised":    "praised",
			"approved":   "praised",
			"asked":      "asked",
			"requested":  "asked",
			"sent":       "sent",
			"challenged": "challenged",
			"created":    "created",
			"built":      "created",
			"wrote":      "created",
			"learned":    "learned",
			"studied":    "learned",
			"broke":      "broke",
			"crashed":    "broke",
			"fixed":      "fixed",
			"repaired":   "fixed",
		},
		DriveSeeds: map[string][]string{
			"connection": {"Egor", "Telegram", "message"},
			"creation":   {"building", "making", "writing"},
		},
		Signal: SignalConfig{
			HungerThreshold: 0.3,
			MaxNodes:        20,
			PainNegative:    0.5,
		},
		Retrieval: RetrievalConfig{
			K:            7,
			KCandidates:  30,
			RMin:         0.0,
			MMRThreshold: 0.6,
			EmotionCap:   2,
			LevelFair:    true,
		},
		Consolidate: ConsolidateConfig{
			MinOverlap:     4,
			MinCluster:     3,
			MaxCluster:     15,
			DedupThreshold: 0.6,
			MaxMergedNodes: 15,
			MaxClusters:    0,
		},
		Ollama: OllamaConfig{
			BaseURL:       "http://localhost:11434",
			EmbedModel:    "nomic-embed-text",
			GenerateModel: "llama3.2",
			TimeoutSec:    60,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error: the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
