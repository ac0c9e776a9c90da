// Package config holds the engine's enumerated configuration: storage
// paths, retrieval tuning, scoring weights, cache sizing, lifecycle
// thresholds, evaluator queue limits, and session timeout. It is a plain
// struct validated at construction and at every runtime update, the same
// shape as the batch/extractor config structs elsewhere in this codebase.
package config

import (
	"fmt"

	"github.com/kittclouds/memengine/internal/errs"
)

// Storage controls where persisted state lives on disk.
type Storage struct {
	DataDir       string `json:"data_dir"`
	DBFile        string `json:"db_file"`
	AnnFile       string `json:"ann_file"`
	SchemaVersion int    `json:"schema_version"`
}

// Retrieval tunes the enhance-query pipeline.
type Retrieval struct {
	KInitial        int     `json:"k_initial"`
	MinScore        float64 `json:"min_score"`
	FallbackMinScore float64 `json:"fallback_min_score"`
	KAssocSeed      int     `json:"k_assoc_seed"`
	AssocDepth      int     `json:"assoc_depth"`
	KFinal          int     `json:"k_final"`
	MaxContextChars int     `json:"max_context_chars"`
}

// ScoringWeights blends similarity, recency, frequency, importance, emotion
// match, and association strength into one final score. Non-zero weights
// should sum to 1.0, though this is a soft convention, not a hard check.
type ScoringWeights struct {
	WWeight   float64 `json:"w_weight"`
	WRecency  float64 `json:"w_recency"`
	WFreq     float64 `json:"w_freq"`
	WRel      float64 `json:"w_rel"`
	WEmotion  float64 `json:"w_emotion"`
	WAssoc    float64 `json:"w_assoc"`
}

// Cache sizes each tier and sets the promotion/importance thresholds that
// govern hot<->warm<->cold movement.
type Cache struct {
	CHot               int     `json:"c_hot"`
	CWarm              int     `json:"c_warm"`
	CCold              int     `json:"c_cold"`
	PromotionThreshold int     `json:"promotion_threshold"`
	ImportanceThreshold float64 `json:"importance_threshold"`
}

// Lifecycle sets the decay rate and archival thresholds applied on each
// periodic maintenance tick.
type Lifecycle struct {
	DecayPerDay           float64 `json:"decay_per_day"`
	ArchiveAgeDays        int     `json:"archive_age_days"`
	ArchiveWeightThreshold float64 `json:"archive_weight_threshold"`
}

// Evaluator bounds the background evaluation queue.
type Evaluator struct {
	QueueCapacity   int `json:"queue_capacity"`
	PerItemTimeoutMs int `json:"per_item_timeout_ms"`
	MaxRetries      int `json:"max_retries"`
}

// Session sets the inactivity timeout applied by pkg/session.
type Session struct {
	InactivityTimeoutS int `json:"inactivity_timeout_s"`
}

// Config is the complete, enumerated engine configuration. The recognized
// keys are exactly these fields; there is no passthrough for unknown
// settings.
type Config struct {
	Storage        Storage        `json:"storage"`
	Retrieval      Retrieval      `json:"retrieval"`
	ScoringWeights ScoringWeights `json:"scoring_weights"`
	Cache          Cache          `json:"cache"`
	Lifecycle      Lifecycle      `json:"lifecycle"`
	Evaluator      Evaluator      `json:"evaluator"`
	Session        Session        `json:"session"`
}

// Default returns a Config with every documented default filled in, and a
// DataDir of "." left for the caller to override.
func Default() Config {
	return Config{
		Storage: Storage{
			DataDir:       ".",
			DBFile:        "memengine.db",
			AnnFile:       "memengine.ann",
			SchemaVersion: 1,
		},
		Retrieval: Retrieval{
			KInitial:         15,
			MinScore:         0.3,
			FallbackMinScore: 0.1,
			KAssocSeed:       5,
			AssocDepth:       2,
			KFinal:           15,
			MaxContextChars:  8000,
		},
		ScoringWeights: ScoringWeights{
			WWeight:  0.25,
			WRecency: 0.2,
			WFreq:    0.1,
			WRel:     0.25,
			WEmotion: 0.1,
			WAssoc:   0.1,
		},
		Cache: Cache{
			CHot:                200,
			CWarm:                1000,
			CCold:                10000,
			PromotionThreshold:   3,
			ImportanceThreshold:  6.0,
		},
		Lifecycle: Lifecycle{
			DecayPerDay:            0.995,
			ArchiveAgeDays:         30,
			ArchiveWeightThreshold: 4.0,
		},
		Evaluator: Evaluator{
			QueueCapacity:    500,
			PerItemTimeoutMs: 20000,
			MaxRetries:       1,
		},
		Session: Session{
			InactivityTimeoutS: 30 * 60,
		},
	}
}

// Validate reports the first violation found among the structural
// constraints the engine depends on: positive sizes and depths, weights in
// range, non-empty storage paths.
func (c Config) Validate() error {
	if c.Storage.DataDir == "" {
		return invalid("storage.data_dir must not be empty")
	}
	if c.Storage.DBFile == "" {
		return invalid("storage.db_file must not be empty")
	}
	if c.Storage.AnnFile == "" {
		return invalid("storage.ann_file must not be empty")
	}

	if c.Retrieval.KInitial <= 0 {
		return invalid("retrieval.k_initial must be positive")
	}
	if c.Retrieval.KFinal <= 0 {
		return invalid("retrieval.k_final must be positive")
	}
	if c.Retrieval.KAssocSeed < 0 {
		return invalid("retrieval.k_assoc_seed must not be negative")
	}
	if c.Retrieval.AssocDepth < 0 {
		return invalid("retrieval.assoc_depth must not be negative")
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		return invalid("retrieval.min_score must be in [0,1]")
	}
	if c.Retrieval.FallbackMinScore < 0 || c.Retrieval.FallbackMinScore > 1 {
		return invalid("retrieval.fallback_min_score must be in [0,1]")
	}
	if c.Retrieval.MaxContextChars <= 0 {
		return invalid("retrieval.max_context_chars must be positive")
	}

	for name, w := range map[string]float64{
		"w_weight": c.ScoringWeights.WWeight, "w_recency": c.ScoringWeights.WRecency,
		"w_freq": c.ScoringWeights.WFreq, "w_rel": c.ScoringWeights.WRel,
		"w_emotion": c.ScoringWeights.WEmotion, "w_assoc": c.ScoringWeights.WAssoc,
	} {
		if w < 0 {
			return invalid(fmt.Sprintf("scoring_weights.%s must not be negative", name))
		}
	}

	if c.Cache.CHot <= 0 || c.Cache.CWarm <= 0 || c.Cache.CCold <= 0 {
		return invalid("cache tier sizes must all be positive")
	}
	if c.Cache.PromotionThreshold <= 0 {
		return invalid("cache.promotion_threshold must be positive")
	}

	if c.Lifecycle.DecayPerDay <= 0 || c.Lifecycle.DecayPerDay > 1 {
		return invalid("lifecycle.decay_per_day must be in (0,1]")
	}
	if c.Lifecycle.ArchiveAgeDays < 0 {
		return invalid("lifecycle.archive_age_days must not be negative")
	}

	if c.Evaluator.QueueCapacity <= 0 {
		return invalid("evaluator.queue_capacity must be positive")
	}
	if c.Evaluator.MaxRetries < 0 {
		return invalid("evaluator.max_retries must not be negative")
	}

	if c.Session.InactivityTimeoutS <= 0 {
		return invalid("session.inactivity_timeout_s must be positive")
	}

	return nil
}

func invalid(msg string) error {
	return errs.New(errs.ConfigurationInvalid, msg, nil)
}
