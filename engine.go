// Package memengine wires every subsystem of the conversational memory
// engine into one programmatic API: ingest (user, assistant) turns with a
// synchronous dual write to storage and the ANN index, enqueue each turn
// for background LLM evaluation, and serve ranked, deduplicated context
// bundles back to the caller at query time. A second, periodic path decays
// weights, archives cold memories, compacts caches, and verifies storage
// stays consistent with the index.
package memengine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kittclouds/memengine/internal/ann"
	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/cache"
	"github.com/kittclouds/memengine/pkg/config"
	"github.com/kittclouds/memengine/pkg/embedding"
	"github.com/kittclouds/memengine/pkg/evaluator"
	"github.com/kittclouds/memengine/pkg/graph"
	"github.com/kittclouds/memengine/pkg/lifecycle"
	"github.com/kittclouds/memengine/pkg/monitor"
	"github.com/kittclouds/memengine/pkg/retrieval"
	"github.com/kittclouds/memengine/pkg/session"
)

// Engine is the root handle a host application holds for the lifetime of
// its process.
type Engine struct {
	cfgMu sync.RWMutex
	cfg   config.Config

	store   *storeAdapter
	annIdx  *ann.Index
	embed   *cachingEmbedder
	cacheMg *cache.Manager
	graphMg *graph.Graph
	lcMg    *lifecycle.Manager
	sessMg  *session.Manager
	mon     *monitor.Monitor

	evalQueue *evaluator.Queue
	evalProc  *evaluator.Processor
	evalDone  chan struct{}
	evalStop  context.CancelFunc

	pipeline *retrieval.Pipeline
}

// NewEngine constructs every subsystem from cfg and starts the background
// evaluator consumer. embedder and llm are injected, matching the engine's
// external provider contracts: the host supplies whichever embedding model
// and LLM client it wants, the engine never constructs one itself.
func NewEngine(cfg config.Config, embedder embedding.Provider, llm evaluator.LLMClient) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	idx, err := ann.NewIndex(embedder.Dim())
	if err != nil {
		return nil, err
	}

	dsn := storageDSN(cfg.Storage)
	rawStore, err := store.NewSQLiteStoreWithDSN(dsn, idx)
	if err != nil {
		idx.Close()
		return nil, err
	}

	if err := rawStore.CheckSchemaVersion(cfg.Storage.SchemaVersion); err != nil {
		rawStore.Close()
		idx.Close()
		return nil, err
	}

	if annPath := cfg.Storage.AnnFile; annPath != "" {
		if _, statErr := os.Stat(annPath); statErr == nil {
			if loadErr := idx.Load(annPath); loadErr != nil {
				// The snapshot is unusable — most commonly written under a
				// previous run's embedding model with a different
				// dimension. Rebuild the index from the durable store's
				// vectors instead; rows of the wrong dimension stay in the
				// store but out of the index.
				if rebuildErr := rebuildIndexFromStore(rawStore, idx, embedder.Dim()); rebuildErr != nil {
					rawStore.Close()
					idx.Close()
					return nil, rebuildErr
				}
			}
		}
	}

	adapter := newStoreAdapter(rawStore, idx)
	cacheMg := cache.NewManager(cfg.Cache.CHot, cfg.Cache.CWarm, rawStore)
	cacheMg.SetPolicy(cfg.Cache.PromotionThreshold, cfg.Cache.ImportanceThreshold, cfg.Cache.CCold)
	cachedEmbed := newCachingEmbedder(embedder, cacheMg)
	graphMg := graph.New(adapter)

	th := lifecycle.DefaultThresholds()
	th.TimeDecayPerDay = cfg.Lifecycle.DecayPerDay
	th.ArchiveAgeSecs = float64(cfg.Lifecycle.ArchiveAgeDays) * 86400
	th.ArchiveEligibleFloor = cfg.Lifecycle.ArchiveWeightThreshold
	lcMg := lifecycle.New(adapter, th)

	sessMg := session.New(adapter, float64(cfg.Session.InactivityTimeoutS))
	mon := monitor.New()

	weights := retrieval.Weights{
		Similarity:  cfg.ScoringWeights.WRel,
		Association: cfg.ScoringWeights.WAssoc,
		Recency:     cfg.ScoringWeights.WRecency,
		Importance:  cfg.ScoringWeights.WWeight,
		Freq:        cfg.ScoringWeights.WFreq,
		Emotion:     cfg.ScoringWeights.WEmotion,
	}
	pipeline := retrieval.New(cachedEmbed, idx, adapter, graphMg, lcMg, retrieval.Options{
		Weights:          weights,
		GraphHops:        graphHopsFromConfig(cfg.Retrieval.AssocDepth),
		MaxCandidates:    cfg.Retrieval.KInitial,
		AssembledChars:   cfg.Retrieval.MaxContextChars,
		MinScore:         cfg.Retrieval.MinScore,
		FallbackMinScore: cfg.Retrieval.FallbackMinScore,
		AssocSeeds:       cfg.Retrieval.KAssocSeed,
	})

	evalQueue := evaluator.NewQueue(cfg.Evaluator.QueueCapacity)
	evalProc := evaluator.NewProcessor(adapter, llm, evalQueue, cachedEmbed, graphMg)
	evalProc.SetMonitor(mon)
	evalProc.SetSearcher(idx)
	evalProc.SetLimits(time.Duration(cfg.Evaluator.PerItemTimeoutMs)*time.Millisecond, cfg.Evaluator.MaxRetries)

	e := &Engine{
		cfg:       cfg,
		store:     adapter,
		annIdx:    idx,
		embed:     cachedEmbed,
		cacheMg:   cacheMg,
		graphMg:   graphMg,
		lcMg:      lcMg,
		sessMg:    sessMg,
		mon:       mon,
		evalQueue: evalQueue,
		evalProc:  evalProc,
		pipeline:  pipeline,
	}

	if report, err := rawStore.CheckConsistency(); err == nil {
		rawStore.RepairConsistency(report)
	}

	e.startEvaluator()
	return e, nil
}

// Config returns a copy of the engine's current configuration.
func (e *Engine) Config() config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// rebuildIndexFromStore repopulates idx from every unarchived memory's
// stored vector, skipping vectors whose dimension does not match the
// active embedding provider's.
func rebuildIndexFromStore(s store.Storer, idx *ann.Index, dim int) error {
	memories, err := s.ListMemories(false)
	if err != nil {
		return err
	}
	entries := make([]ann.Entry, 0, len(memories))
	for _, m := range memories {
		v, err := s.GetVector(m.ID)
		if err != nil {
			continue
		}
		if len(v.Vector) != dim {
			continue
		}
		entries = append(entries, ann.Entry{ID: m.ID, Vector: v.Vector, Weight: m.Weight, CreatedAt: m.CreatedAt})
	}
	return idx.RebuildFrom(entries)
}

func storageDSN(s config.Storage) string {
	if s.DBFile == ":memory:" || s.DataDir == "" {
		return s.DBFile
	}
	return filepath.Join(s.DataDir, s.DBFile)
}

func (e *Engine) startEvaluator() {
	ctx, cancel := context.WithCancel(context.Background())
	e.evalStop = cancel
	e.evalDone = make(chan struct{})
	go func() {
		defer close(e.evalDone)
		for _, err := range e.evalProc.Run(ctx) {
			if err != nil {
				e.mon.IncrEvalFailure()
			}
		}
	}()
}

// Close drains the evaluator queue and releases every held resource.
// Remaining queued items are discarded once ctx's deadline passes rather
// than blocking shutdown indefinitely.
func (e *Engine) Close(ctx context.Context) error {
	e.evalQueue.Close()

	select {
	case <-e.evalDone:
	case <-ctx.Done():
		e.evalStop()
	}

	if annFile := e.Config().Storage.AnnFile; annFile != "" {
		e.annIdx.Flush(annFile)
	}

	if err := e.store.Close(); err != nil {
		return err
	}
	return e.annIdx.Close()
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// graphHopsFromConfig translates config.Retrieval.AssocDepth into
// retrieval.Options.GraphHops: an explicit 0 turns association expansion
// off, which the pipeline distinguishes from "unset" via
// retrieval.DisableGraphExpansion.
func graphHopsFromConfig(assocDepth int) int {
	if assocDepth == 0 {
		return retrieval.DisableGraphExpansion
	}
	return assocDepth
}

func invalidConfig(msg string) error {
	return errs.New(errs.ConfigurationInvalid, msg, nil)
}
