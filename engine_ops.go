package memengine

import (
	"time"

	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/cache"
	"github.com/kittclouds/memengine/pkg/config"
	"github.com/kittclouds/memengine/pkg/evaluator"
	"github.com/kittclouds/memengine/pkg/lifecycle"
	"github.com/kittclouds/memengine/pkg/retrieval"
)

// restoreWeightBoost multiplies a memory's weight on explicit restoration,
// nudging it back toward relevance rather than leaving it at whatever
// diminished weight earned it the archival in the first place.
const restoreWeightBoost = 1.2

// Association-edge aging applied on each maintenance tick: strengths are
// multiplied by assocDecayFactor and edges falling under assocStrengthFloor
// are pruned, so a graph that stops being reinforced thins out instead of
// accreting forever.
const (
	assocDecayFactor   = 0.98
	assocStrengthFloor = 0.05
)

// StoreContext carries the optional per-call tuning store_interaction
// accepts: the session a turn belongs to, and the ids the caller's prior
// enhance_query surfaced, forwarded to the evaluator as extra grounding.
type StoreContext struct {
	SessionID         string
	SelectedMemoryIDs []string
}

// StoreInteraction persists one (user, assistant) dialogue turn: it embeds
// both sides, dual-writes each into storage and the ANN index, grows the
// keyword fallback's vocabulary, links the two turns with a
// temporal_sequence edge, and enqueues both for background evaluation. A
// failure embedding or writing the assistant side rolls back the user side
// that already committed, so callers never observe a half-stored turn.
func (e *Engine) StoreInteraction(userText, assistantText string, sctx StoreContext) (userMemoryID, assistantMemoryID string, err error) {
	at := now()

	if sctx.SessionID != "" {
		if _, err := e.sessMg.Touch(sctx.SessionID, at); err != nil {
			return "", "", err
		}
	}

	userID, err := e.insertTurnSide(userText, store.KindUserInput, store.RoleUser, sctx.SessionID, at)
	if err != nil {
		return "", "", err
	}

	assistantID, err := e.insertTurnSide(assistantText, store.KindAssistantReply, store.RoleAssistant, sctx.SessionID, at)
	if err != nil {
		_ = e.store.DeleteMemory(userID)
		return "", "", err
	}

	e.pipeline.IndexVocabulary(userText)
	e.pipeline.IndexVocabulary(assistantText)
	e.cacheMg.IndexKeywords(userID, userText)
	e.cacheMg.IndexKeywords(assistantID, assistantText)

	// Best-effort: a failed temporal link does not unwind an already
	// committed turn, since the evaluator will also attempt this edge
	// (and others) once it drains the item.
	_ = e.graphMg.Link(userID, assistantID, store.AssocTemporalSequence, 1.0, at)

	if !e.evalQueue.Push(evaluator.Item{
		UserMemoryID:        userID,
		AssistantMemoryID:   assistantID,
		SessionID:           sctx.SessionID,
		RetrievedContextIDs: sctx.SelectedMemoryIDs,
	}) {
		e.mon.IncrQueueDropped()
	}

	return userID, assistantID, nil
}

func (e *Engine) insertTurnSide(text string, kind store.MemoryKind, role store.Role, sessionID string, at float64) (string, error) {
	vec, err := e.embed.Embed(text)
	if err != nil {
		return "", errs.New(errs.EmbeddingFailure, "embed turn text", err)
	}
	id := newID("mem")
	mem := &store.Memory{
		ID:        id,
		Content:   text,
		Kind:      kind,
		Role:      role,
		SessionID: sessionID,
		CreatedAt: at,
		Weight:    store.WeightDefault,
	}
	if err := e.store.InsertTurn(mem, vec); err != nil {
		return "", err
	}
	return id, nil
}

// GetMemory resolves id, checking the memory-record cache before falling
// through to storage.
func (e *Engine) GetMemory(id string) (*store.Memory, error) {
	if v, ok := e.cacheMg.Get(cache.DomainRecord, id); ok {
		if mem, ok := v.(*store.Memory); ok {
			return mem, nil
		}
	}
	mem, err := e.store.GetMemory(id)
	if err != nil {
		return nil, err
	}
	e.cacheMg.Put(cache.DomainRecord, id, mem)
	return mem, nil
}

// GetMemories resolves ids in batch, preserving input order and silently
// dropping ids that do not resolve, matching GetMemory's cache-first
// lookup for any id already held in the memory-record cache.
func (e *Engine) GetMemories(ids []string) ([]*store.Memory, error) {
	out := make([]*store.Memory, 0, len(ids))
	var misses []string
	missIdx := make(map[string]int)
	for i, id := range ids {
		if v, ok := e.cacheMg.Get(cache.DomainRecord, id); ok {
			if mem, ok := v.(*store.Memory); ok {
				out = append(out, mem)
				continue
			}
		}
		missIdx[id] = len(out)
		out = append(out, nil)
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}
	fetched, err := e.store.GetMemories(misses)
	if err != nil {
		return nil, err
	}
	for _, mem := range fetched {
		e.cacheMg.Put(cache.DomainRecord, mem.ID, mem)
		out[missIdx[mem.ID]] = mem
	}
	final := out[:0]
	for _, mem := range out {
		if mem != nil {
			final = append(final, mem)
		}
	}
	return final, nil
}

// UpdateMemory applies patch through storage and invalidates any cached
// copy of the record, so a subsequent GetMemory never serves a stale value.
func (e *Engine) UpdateMemory(id string, patch store.MemoryPatch) (*store.Memory, error) {
	mem, err := e.store.UpdateMemory(id, patch)
	if err != nil {
		return nil, err
	}
	e.cacheMg.Invalidate(cache.DomainRecord, id)
	return mem, nil
}

// DeleteMemory removes the memory, its vector, its ANN entry, and its
// associations in one storage transaction, then invalidates every cache
// entry that might still hold a copy.
func (e *Engine) DeleteMemory(id string) error {
	mem, err := e.store.GetMemory(id)
	if err != nil && !errs.Of(err, errs.NotFound) {
		return err
	}
	if err := e.store.DeleteMemory(id); err != nil {
		return err
	}
	e.cacheMg.Invalidate(cache.DomainRecord, id)
	if mem != nil {
		e.cacheMg.Invalidate(cache.DomainEmbedding, mem.Content)
	}
	return nil
}

// RestoreMemory reverses a prior archival: it clears the archived flag,
// which re-inserts the memory's existing vector into the ANN index, and
// raises its weight by restoreWeightBoost so a just-restored memory is not
// immediately re-archived by the next lifecycle tick.
func (e *Engine) RestoreMemory(id string) (*store.Memory, error) {
	mem, err := e.store.GetMemory(id)
	if err != nil {
		return nil, err
	}
	if !mem.Archived {
		return mem, nil
	}
	archived := false
	weight := store.ClampWeight(mem.Weight * restoreWeightBoost)
	return e.UpdateMemory(id, store.MemoryPatch{Archived: &archived, Weight: &weight})
}

// SearchByKeyword returns candidate memory ids matching any of tokens,
// resolving through the keyword cache first and falling through to
// storage's substring search only when the cache comes up short of limit.
func (e *Engine) SearchByKeyword(tokens []string, limit int) ([]string, error) {
	ids := e.cacheMg.SearchByTokens(tokens)
	if len(ids) >= limit {
		return ids[:limit], nil
	}

	memories, err := e.store.SearchByKeyword(tokens, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, m := range memories {
		if len(ids) >= limit {
			break
		}
		if !seen[m.ID] {
			seen[m.ID] = true
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// CheckConsistency reports orphans between storage and the ANN index
// without modifying either.
func (e *Engine) CheckConsistency() (*store.ConsistencyReport, error) {
	return e.store.CheckConsistency()
}

// RepairConsistency re-checks storage against the ANN index and fixes
// every orphan it finds: DB-only rows are re-added to the index, ANN-only
// entries with no backing row are removed.
func (e *Engine) RepairConsistency() (*store.RepairReport, error) {
	report, err := e.store.CheckConsistency()
	if err != nil {
		return nil, err
	}
	return e.store.RepairConsistency(report)
}

// Stats reports cache tier sizes and hit rates, ANN index size, evaluator
// queue depth and drop count, and per-step pipeline latencies.
func (e *Engine) Stats() map[string]any {
	return map[string]any{
		"cache": e.cacheMg.Stats(),
		"ann": map[string]any{
			"size": e.annIdx.Len(),
		},
		"queue": map[string]any{
			"depth":   e.evalQueue.Len(),
			"dropped": e.evalQueue.Dropped(),
		},
		"monitor": e.mon.Snapshot(),
	}
}

// UpdateConfig validates newCfg and, only if it passes, applies it to
// every subsystem that reads its tunables at call time rather than once at
// construction. An invalid update is rejected outright and leaves the
// engine's current configuration untouched.
func (e *Engine) UpdateConfig(newCfg config.Config) error {
	if err := newCfg.Validate(); err != nil {
		return err
	}

	e.cfgMu.Lock()
	e.cfg = newCfg
	e.cfgMu.Unlock()

	e.cacheMg.SetCapacities(newCfg.Cache.CHot, newCfg.Cache.CWarm)
	e.cacheMg.SetPolicy(newCfg.Cache.PromotionThreshold, newCfg.Cache.ImportanceThreshold, newCfg.Cache.CCold)
	e.sessMg.SetInactivityTimeout(float64(newCfg.Session.InactivityTimeoutS))
	e.evalProc.SetLimits(time.Duration(newCfg.Evaluator.PerItemTimeoutMs)*time.Millisecond, newCfg.Evaluator.MaxRetries)

	th := lifecycle.DefaultThresholds()
	th.TimeDecayPerDay = newCfg.Lifecycle.DecayPerDay
	th.ArchiveAgeSecs = float64(newCfg.Lifecycle.ArchiveAgeDays) * 86400
	th.ArchiveEligibleFloor = newCfg.Lifecycle.ArchiveWeightThreshold
	e.lcMg.UpdateThresholds(th)

	e.pipeline.UpdateOptions(retrieval.Options{
		Weights: retrieval.Weights{
			Similarity:  newCfg.ScoringWeights.WRel,
			Association: newCfg.ScoringWeights.WAssoc,
			Recency:     newCfg.ScoringWeights.WRecency,
			Importance:  newCfg.ScoringWeights.WWeight,
			Freq:        newCfg.ScoringWeights.WFreq,
			Emotion:     newCfg.ScoringWeights.WEmotion,
		},
		GraphHops:        graphHopsFromConfig(newCfg.Retrieval.AssocDepth),
		MaxCandidates:    newCfg.Retrieval.KInitial,
		AssembledChars:   newCfg.Retrieval.MaxContextChars,
		MinScore:         newCfg.Retrieval.MinScore,
		FallbackMinScore: newCfg.Retrieval.FallbackMinScore,
		AssocSeeds:       newCfg.Retrieval.KAssocSeed,
	})

	return nil
}

// MaintenanceTick runs one periodic lifecycle sweep: decay memory weights,
// archive cold memories, decay and prune association edges, close sessions
// that went silent past their inactivity window, age the cache's warm
// tier, and verify (and repair) storage/ANN consistency. Hosts call this
// on a timer; the engine does not schedule it itself.
func (e *Engine) MaintenanceTick() (lifecycle.TickResult, error) {
	at := now()
	result, err := e.lcMg.Tick(at)
	if err != nil {
		return result, err
	}
	if _, err := e.graphMg.Decay(assocDecayFactor, assocStrengthFloor); err != nil {
		return result, err
	}
	if _, err := e.sessMg.CloseExpired(at); err != nil {
		return result, err
	}
	e.cacheMg.Tick()
	if _, err := e.RepairConsistency(); err != nil {
		return result, err
	}
	return result, nil
}
