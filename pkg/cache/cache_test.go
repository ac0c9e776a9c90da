package cache

import "testing"

type fakeCold struct {
	data map[string]string
}

func newFakeCold() *fakeCold { return &fakeCold{data: make(map[string]string)} }

func (f *fakeCold) ColdCacheGet(key string) (string, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeCold) ColdCacheSet(key, value string) error {
	f.data[key] = value
	return nil
}

func (f *fakeCold) ColdCacheDelete(key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeCold) ColdCacheClear() error {
	f.data = make(map[string]string)
	return nil
}

func TestPutAndGetHitsHot(t *testing.T) {
	m := NewManager(2, 2, newFakeCold())
	m.Put(DomainRecord, "a", "value-a")

	v, ok := m.Get(DomainRecord, "a")
	if !ok || v != "value-a" {
		t.Fatalf("expected hot hit, got %v ok=%v", v, ok)
	}
}

func TestMissIsRecorded(t *testing.T) {
	m := NewManager(2, 2, newFakeCold())
	if _, ok := m.Get(DomainRecord, "missing"); ok {
		t.Fatal("expected miss")
	}
	stats := m.Stats()
	perDomain := stats["per_domain"].(map[string]any)
	record := perDomain[string(DomainRecord)].(map[string]any)
	if record["misses"].(int64) != 1 {
		t.Errorf("expected 1 miss, got %v", record["misses"])
	}
}

func TestHotEvictionDemotesToWarm(t *testing.T) {
	m := NewManager(1, 2, newFakeCold())
	m.Put(DomainRecord, "a", "va")
	m.Put(DomainRecord, "b", "vb") // evicts a into warm (cap 1)

	if _, ok := m.hot["record"]["a"]; ok {
		t.Error("expected 'a' evicted from hot")
	}
	v, ok := m.Get(DomainRecord, "a")
	if !ok || v != "va" {
		t.Fatalf("expected 'a' retrievable from warm, got %v ok=%v", v, ok)
	}
}

func TestWarmEvictionSpillsToCold(t *testing.T) {
	cold := newFakeCold()
	m := NewManager(1, 1, cold)
	m.Put(DomainRecord, "a", "va")
	m.Put(DomainRecord, "b", "vb") // a -> warm
	m.Put(DomainRecord, "c", "vc") // b -> warm (cap1 evicts a from warm to cold)

	if _, ok, _ := cold.ColdCacheGet(coldKey(DomainRecord, "a")); !ok {
		t.Error("expected 'a' spilled to cold tier")
	}
}

func TestInvalidateRemovesFromAllTiers(t *testing.T) {
	cold := newFakeCold()
	m := NewManager(5, 5, cold)
	m.Put(DomainRecord, "a", "va")
	cold.ColdCacheSet(coldKey(DomainRecord, "a"), "va")

	m.Invalidate(DomainRecord, "a")

	if _, ok := m.Get(DomainRecord, "a"); ok {
		t.Error("expected miss after invalidate")
	}
}

func TestTickAgesWarmTier(t *testing.T) {
	m := NewManager(1, 5, newFakeCold())
	m.Put(DomainRecord, "a", "va")
	m.Put(DomainRecord, "b", "vb") // demotes a to warm with freq 1

	m.Tick()
	entry := m.warm["record"]["a"]
	if entry == nil {
		t.Fatal("expected 'a' present in warm tier")
	}
	if entry.freq != 0.5 {
		t.Errorf("expected freq halved to 0.5, got %v", entry.freq)
	}
}

func TestIndexKeywordsAndSearchByContent(t *testing.T) {
	m := NewManager(10, 10, newFakeCold())
	m.IndexKeywords("m1", "the weather in tokyo was lovely")
	m.IndexKeywords("m2", "tokyo ramen recommendations")
	m.IndexKeywords("m3", "budget planning for q3")

	ids := m.SearchByContent("what was the weather like in tokyo")
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("expected [m1 m2] for a tokyo query, got %v", ids)
	}

	if ids := m.SearchByContent("completely unrelated"); len(ids) != 0 {
		t.Errorf("expected no candidates for unknown tokens, got %v", ids)
	}
}

func TestRecordMemoryAccessPromotesWarmRecordToHot(t *testing.T) {
	m := NewManager(1, 5, newFakeCold())
	m.SetPolicy(2, 100, 0)
	m.Put(DomainRecord, "a", "va")
	m.Put(DomainRecord, "b", "vb") // demotes a to warm (hot cap 1)

	m.RecordMemoryAccess("a", 1.0)
	if _, inWarm := m.warm["record"]["a"]; !inWarm {
		t.Fatal("expected 'a' still warm below the promotion threshold")
	}

	m.RecordMemoryAccess("a", 1.0)
	if _, inHot := m.hot["record"]["a"]; !inHot {
		t.Error("expected 'a' promoted to hot at the access-count threshold")
	}
}

func TestClearAllEmptiesEveryTier(t *testing.T) {
	cold := newFakeCold()
	m := NewManager(1, 1, cold)
	m.Put(DomainRecord, "a", "va")
	m.Put(DomainRecord, "b", "vb")
	m.Put(DomainRecord, "c", "vc") // spills a to cold

	m.ClearAll()

	if _, ok := m.Get(DomainRecord, "a"); ok {
		t.Error("expected cold-tier entry gone after ClearAll")
	}
	if _, ok := m.Get(DomainRecord, "c"); ok {
		t.Error("expected hot-tier entry gone after ClearAll")
	}
	if len(cold.data) != 0 {
		t.Errorf("expected cold store emptied, got %v", cold.data)
	}
}

func TestColdCapBoundsSpill(t *testing.T) {
	cold := newFakeCold()
	m := NewManager(1, 1, cold)
	m.SetPolicy(3, 6.0, 1)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		m.Put(DomainRecord, k, "v-"+k)
	}

	if len(cold.data) > 1 {
		t.Errorf("expected at most 1 cold entry under cap 1, got %d", len(cold.data))
	}
}

func TestTokenizeKeywordsStripsStopwords(t *testing.T) {
	m := NewManager(1, 1, newFakeCold())
	tokens := m.TokenizeKeywords("The cat is on the mat")
	for _, tok := range tokens {
		if tok == "the" || tok == "is" || tok == "on" {
			t.Errorf("expected stopword %q to be stripped, got tokens %v", tok, tokens)
		}
	}
	foundCat := false
	for _, tok := range tokens {
		if tok == "cat" {
			foundCat = true
		}
	}
	if !foundCat {
		t.Errorf("expected 'cat' to survive tokenization, got %v", tokens)
	}
}
