// Package lifecycle classifies and maintains memory weight over time: decay
// toward disuse, reinforcement on access, and promotion/demotion across the
// four retention tiers. A memory moves through watching-style bands purely
// by comparing its accumulated weight against thresholds, the same way a
// candidate registry moves a token through watching -> promoted -> ignored
// by comparing an accumulated score against thresholds; here the state
// machine runs over a continuous weight instead of a candidate count, and
// against four tiers instead of three states.
package lifecycle

import (
	"math"
	"sync"

	"github.com/kittclouds/memengine/internal/store"
)

// Tier names one of the four retention bands a memory falls into by weight.
type Tier string

const (
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
	TierArchive   Tier = "archive"
	TierCore      Tier = "core"
)

// Thresholds draws the boundaries between tiers and the archival policy.
// Weight lives in [store.WeightMin, store.WeightMax]; a memory classifies
// into the highest tier whose floor it meets. TierArchive is a read-only
// weight band, distinct from the Archived soft-delete flag: a memory can
// sit in the archive tier for years without ever being soft-deleted, and a
// short_term memory is the one actually eligible for soft-delete archival.
type Thresholds struct {
	CoreFloor            float64 // weight >= this is TierCore
	ArchiveTierFloor     float64 // weight >= this (and < CoreFloor) is TierArchive
	LongTermFloor        float64 // weight >= this (and < ArchiveTierFloor) is TierLongTerm
	ArchiveEligibleFloor float64 // weight below this makes a memory eligible for soft-delete archival
	ArchiveAgeSecs       float64 // minimum time since last access (or creation, if never accessed) before archival applies
	TimeDecayPerDay      float64 // per-day base of the exponential decay, in (0, 1]
}

// DefaultThresholds spaces the tiers across the weight range: core
// [9, 10], archive [7, 9), long_term [4, 7), short_term [0.1, 4).
func DefaultThresholds() Thresholds {
	return Thresholds{
		CoreFloor:            9.0,
		ArchiveTierFloor:     7.0,
		LongTermFloor:        4.0,
		ArchiveEligibleFloor: 4.0,
		ArchiveAgeSecs:       30 * 24 * 3600,
		TimeDecayPerDay:      0.995,
	}
}

// ClassifyTier buckets a weight into one of the four retention tiers.
func ClassifyTier(weight float64, th Thresholds) Tier {
	switch {
	case weight >= th.CoreFloor:
		return TierCore
	case weight >= th.ArchiveTierFloor:
		return TierArchive
	case weight >= th.LongTermFloor:
		return TierLongTerm
	default:
		return TierShortTerm
	}
}

// Weight update factors and the windows that select between them. The
// dynamic weight model multiplies five factors together:
// time_decay * frequency_factor * context_factor * emotion_factor *
// recency_boost. Decay (the periodic tick) applies only time_decay, so
// repeated ticks are monotone non-increasing on an untouched memory's
// weight; the other four factors describe access events and are applied by
// Reinforce, called from Touch whenever a memory surfaces in an assembled
// context.
const (
	freqFactorRecent     = 1.1
	freqFactorStale      = 0.98
	freqRecentWindowSecs = 86400

	contextFactorRelated = 1.2
	contextFactorNeutral = 1.0

	emotionFactorFlagged = 1.15
	emotionFactorNeutral = 1.0

	recencyBoostFactor     = 1.3
	recencyBoostNeutral    = 1.0
	recencyBoostWindowSecs = 30 * 60
)

// Decay applies time_decay for elapsedDays (the time, in days, since the
// last tick) to weight, clamped to store.WeightMin. elapsedDays is 0 on the
// very first tick a Manager ever runs, leaving weight untouched.
func Decay(weight float64, th Thresholds, elapsedDays float64) float64 {
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	return store.ClampWeight(weight * math.Pow(th.TimeDecayPerDay, elapsedDays))
}

// Reinforce applies frequency_factor, context_factor, emotion_factor, and
// recency_boost to mem's weight at access time at. A memory reaching
// Reinforce is, by construction, topic-related (it was selected into the
// caller's context), so context_factor always takes its related value.
func Reinforce(mem *store.Memory, at float64) float64 {
	freq := freqFactorStale
	if at-mem.LastAccessed <= freqRecentWindowSecs {
		freq = freqFactorRecent
	}

	recency := recencyBoostNeutral
	if at-mem.LastAccessed <= recencyBoostWindowSecs {
		recency = recencyBoostFactor
	}

	emotion := emotionFactorNeutral
	if EmotionFlagged(mem) {
		emotion = emotionFactorFlagged
	}

	return store.ClampWeight(mem.Weight * freq * contextFactorRelated * emotion * recency)
}

// EmotionFlagged reports whether mem's metadata marks it as emotionally
// significant, the same signal both the weight formula's emotion_factor and
// the retrieval scorer's emotion_match term key off of.
func EmotionFlagged(mem *store.Memory) bool {
	if mem.Metadata == nil {
		return false
	}
	v, ok := mem.Metadata["emotional_state"]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

// Store is the subset of store.Storer the lifecycle manager depends on.
type Store interface {
	ListMemories(includeArchived bool) ([]*store.Memory, error)
	UpdateMemory(id string, patch store.MemoryPatch) (*store.Memory, error)
}

// Manager runs the periodic weight-decay and archival sweep over a Store.
type Manager struct {
	store Store

	mu        sync.RWMutex
	th        Thresholds
	lastTick  float64
	hasTicked bool
}

func New(s Store, th Thresholds) *Manager {
	return &Manager{store: s, th: th}
}

// UpdateThresholds swaps the thresholds applied by the next Touch or Tick,
// e.g. in response to an engine-level configuration update.
func (m *Manager) UpdateThresholds(th Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.th = th
}

func (m *Manager) thresholds() Thresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.th
}

// Touch reinforces a memory's weight on access, called by pkg/retrieval
// whenever a memory surfaces in an assembled context.
func (m *Manager) Touch(mem *store.Memory, at float64) (*store.Memory, error) {
	newWeight := Reinforce(mem, at)
	return m.store.UpdateMemory(mem.ID, store.MemoryPatch{
		Weight:       &newWeight,
		LastAccessed: &at,
	})
}

// TickResult summarizes one maintenance sweep.
type TickResult struct {
	Scanned  int
	Decayed  int
	Archived int
}

// Tick decays every unarchived memory's weight by the elapsed time since
// the previous tick and archives any memory that has both fallen below the
// archive-eligible floor and gone unaccessed for at least ArchiveAgeSecs.
// It is the periodic counterpart to Touch: Touch reinforces on access,
// Tick lets disuse erode weight back down.
func (m *Manager) Tick(now float64) (TickResult, error) {
	memories, err := m.store.ListMemories(false)
	if err != nil {
		return TickResult{}, err
	}

	m.mu.Lock()
	elapsedDays := 0.0
	if m.hasTicked {
		elapsedDays = (now - m.lastTick) / 86400
	}
	m.lastTick = now
	m.hasTicked = true
	th := m.th
	m.mu.Unlock()

	var result TickResult
	for _, mem := range memories {
		result.Scanned++

		decayed := Decay(mem.Weight, th, elapsedDays)
		tier := ClassifyTier(mem.Weight, th)
		// A core memory is never archived, and pure time decay cannot walk
		// it out of the core band: disuse alone must not erode a memory the
		// evaluator judged this important. Only an explicit weight update
		// can demote it.
		if tier == TierCore && decayed < th.CoreFloor {
			decayed = th.CoreFloor
		}
		patch := store.MemoryPatch{Weight: &decayed}

		lastUse := mem.LastAccessed
		if mem.CreatedAt > lastUse {
			lastUse = mem.CreatedAt
		}
		archived := false
		if tier != TierCore && decayed < th.ArchiveEligibleFloor && now-lastUse >= th.ArchiveAgeSecs {
			archived = true
			patch.Archived = &archived
		}

		if _, err := m.store.UpdateMemory(mem.ID, patch); err != nil {
			return result, err
		}
		if decayed != mem.Weight {
			result.Decayed++
		}
		if archived {
			result.Archived++
		}
	}
	return result, nil
}
