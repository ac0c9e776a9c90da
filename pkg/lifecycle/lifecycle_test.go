package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/memengine/internal/store"
)

type fakeStore struct {
	memories map[string]*store.Memory
}

func newFakeStore() *fakeStore {
	return &fakeStore{memories: make(map[string]*store.Memory)}
}

func (f *fakeStore) ListMemories(includeArchived bool) ([]*store.Memory, error) {
	var out []*store.Memory
	for _, m := range f.memories {
		if !includeArchived && m.Archived {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) UpdateMemory(id string, patch store.MemoryPatch) (*store.Memory, error) {
	m := f.memories[id]
	if patch.Weight != nil {
		m.Weight = *patch.Weight
	}
	if patch.LastAccessed != nil {
		m.LastAccessed = *patch.LastAccessed
	}
	if patch.Archived != nil {
		m.Archived = *patch.Archived
	}
	return m, nil
}

func TestClassifyTier(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		weight float64
		want   Tier
	}{
		{9.5, TierCore},
		{7.5, TierArchive},
		{5.0, TierLongTerm},
		{1.5, TierShortTerm},
	}
	for _, c := range cases {
		if got := ClassifyTier(c.weight, th); got != c.want {
			t.Errorf("ClassifyTier(%v) = %v, want %v", c.weight, got, c.want)
		}
	}
}

func TestDecayClampsToMin(t *testing.T) {
	th := DefaultThresholds()
	th.TimeDecayPerDay = 0.5
	w := store.WeightMin * 1.2
	for i := 0; i < 20; i++ {
		w = Decay(w, th, 1) // one elapsed day per tick
	}
	require.GreaterOrEqual(t, w, store.WeightMin, "weight must never decay below the floor")
}

func TestDecayIsMonotoneNonIncreasing(t *testing.T) {
	th := DefaultThresholds()
	w := 5.0
	for i := 0; i < 10; i++ {
		next := Decay(w, th, 1)
		require.LessOrEqual(t, next, w, "lifecycle_tick must never raise weight for an untouched memory")
		w = next
	}
}

func TestReinforceClampsToMax(t *testing.T) {
	mem := &store.Memory{Weight: store.WeightMax - 0.1, LastAccessed: 100}
	w := Reinforce(mem, 100+60) // accessed a minute ago: clears every recency window
	require.InDelta(t, store.WeightMax, w, 1e-9, "reinforcement must clamp at the ceiling")
}

func TestReinforceAppliesEmotionFactorWhenFlagged(t *testing.T) {
	base := &store.Memory{Weight: 5.0, LastAccessed: 0}
	flagged := &store.Memory{Weight: 5.0, LastAccessed: 0, Metadata: map[string]any{"emotional_state": "anxious"}}

	atNeutral := Reinforce(base, 1e9)    // both windows long expired
	atFlagged := Reinforce(flagged, 1e9) // same access pattern, but emotionally flagged

	require.Greater(t, atFlagged, atNeutral, "an emotionally flagged memory should reinforce higher than an identical unflagged one")
}

func TestTouchReinforcesWeightAndAccessTime(t *testing.T) {
	s := newFakeStore()
	s.memories["m1"] = &store.Memory{ID: "m1", Weight: 2.0, LastAccessed: 10}
	mgr := New(s, DefaultThresholds())

	updated, err := mgr.Touch(s.memories["m1"], 100)
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if updated.Weight <= 2.0 {
		t.Errorf("expected weight increased, got %v", updated.Weight)
	}
	if updated.LastAccessed != 100 {
		t.Errorf("expected last accessed updated to 100, got %v", updated.LastAccessed)
	}
}

func TestTickDecaysAllUnarchivedMemories(t *testing.T) {
	s := newFakeStore()
	s.memories["m1"] = &store.Memory{ID: "m1", Weight: 5.0, LastAccessed: 0}
	s.memories["m2"] = &store.Memory{ID: "m2", Weight: 3.0, LastAccessed: 0}
	mgr := New(s, DefaultThresholds())

	// Prime lastTick so the next Tick call has a nonzero elapsed interval to
	// decay across; the very first Tick a Manager ever runs applies no decay.
	if _, err := mgr.Tick(0); err != nil {
		t.Fatalf("priming Tick failed: %v", err)
	}

	result, err := mgr.Tick(10 * 86400)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if result.Scanned != 2 || result.Decayed != 2 {
		t.Errorf("expected both memories scanned and decayed, got %+v", result)
	}
	if s.memories["m1"].Weight >= 5.0 {
		t.Errorf("expected m1 weight decayed, got %v", s.memories["m1"].Weight)
	}
}

func TestTickArchivesStaleWeakMemories(t *testing.T) {
	s := newFakeStore()
	th := DefaultThresholds()
	s.memories["stale"] = &store.Memory{ID: "stale", Weight: 0.2, LastAccessed: 0}

	mgr := New(s, th)
	result, err := mgr.Tick(th.ArchiveAgeSecs + 1)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if result.Archived != 1 {
		t.Errorf("expected 1 archived, got %d", result.Archived)
	}
	if !s.memories["stale"].Archived {
		t.Error("expected memory marked archived")
	}
}

func TestTickNeverArchivesCoreTierMemory(t *testing.T) {
	s := newFakeStore()
	th := DefaultThresholds()
	th.TimeDecayPerDay = 0.5 // aggressive decay so one long interval would cross every floor
	s.memories["core"] = &store.Memory{ID: "core", Weight: 9.5, LastAccessed: 0}
	mgr := New(s, th)

	if _, err := mgr.Tick(0); err != nil {
		t.Fatalf("priming Tick failed: %v", err)
	}
	result, err := mgr.Tick(400 * 86400)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if result.Archived != 0 {
		t.Errorf("expected core-tier memory never archived, got %+v", result)
	}
	if s.memories["core"].Archived {
		t.Error("expected archived flag untouched on a core memory")
	}
	if s.memories["core"].Weight < th.CoreFloor {
		t.Errorf("expected pure time decay held at the core floor, got %v", s.memories["core"].Weight)
	}
}

func TestTickSkipsAlreadyArchivedMemories(t *testing.T) {
	s := newFakeStore()
	s.memories["gone"] = &store.Memory{ID: "gone", Weight: 0.1, LastAccessed: 0, Archived: true}
	mgr := New(s, DefaultThresholds())

	result, err := mgr.Tick(1e9)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if result.Scanned != 0 {
		t.Errorf("expected archived memory excluded from scan, got %+v", result)
	}
}

func TestTickDoesNotArchiveRecentlyAccessedWeakMemory(t *testing.T) {
	s := newFakeStore()
	th := DefaultThresholds()
	s.memories["fresh"] = &store.Memory{ID: "fresh", Weight: 0.2, LastAccessed: 990}
	mgr := New(s, th)

	result, err := mgr.Tick(1000)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if result.Archived != 0 {
		t.Errorf("expected recently accessed weak memory spared, got %+v", result)
	}
}
