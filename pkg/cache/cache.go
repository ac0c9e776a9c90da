// Package cache implements the engine's three-tier cache: a hot
// in-memory LRU, a warm in-memory LFU-with-aging tier, and a cold tier
// backed by the durable store's own cold_cache table. Each tier is a
// mutex-guarded map with zero-value miss semantics, no external caching
// library.
package cache

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

// ColdStore is the subset of store.Storer the cold tier depends on.
type ColdStore interface {
	ColdCacheGet(key string) (string, bool, error)
	ColdCacheSet(key, value string) error
	ColdCacheDelete(key string) error
	ColdCacheClear() error
}

// Domain names one of the three cached concerns: embeddings,
// memory records, and keyword-token indices.
type Domain string

const (
	DomainEmbedding Domain = "embedding"
	DomainRecord    Domain = "record"
	DomainKeyword   Domain = "keyword"
)

// DomainStats is a rolling hit/miss counter for one cached domain.
type DomainStats struct {
	Hits   int64
	Misses int64
}

func (d DomainStats) HitRate() float64 {
	total := d.Hits + d.Misses
	if total == 0 {
		return 0
	}
	return float64(d.Hits) / float64(total)
}

// hotEntry is a hot-tier value with an access order marker for LRU eviction.
type hotEntry struct {
	value any
	tick  int64
}

// warmEntry is a warm-tier value with a decaying frequency counter for
// LFU-with-aging eviction: every Get increments freq, and Tick halves every
// entry's freq, so infrequently reused entries age out even without being
// evicted by a single low-frequency read.
type warmEntry struct {
	value any
	freq  float64
}

// Manager is the three-tier cache, one instance per engine, shared across
// domains.
type Manager struct {
	mu sync.Mutex

	hotCap  int
	warmCap int

	hot     map[string]map[string]*hotEntry
	hotTick int64

	warm map[string]map[string]*warmEntry

	cold      ColdStore
	coldCap   int
	coldCount int

	promotionThreshold  int
	importanceThreshold float64
	access              map[string]*accessStat

	stats map[Domain]*DomainStats

	stopper *stopwords.Stopwords
}

// accessStat tracks how often a memory record has been surfaced into a
// context and the priority derived from that frequency and the memory's own
// weight, driving warm-to-hot promotion independent of plain Get traffic.
type accessStat struct {
	count    int
	priority float64
}

// NewManager builds a cache manager with the given per-domain tier
// capacities, backed by cold for the cold tier.
func NewManager(hotCap, warmCap int, cold ColdStore) *Manager {
	return &Manager{
		hotCap:              hotCap,
		warmCap:             warmCap,
		hot:                 make(map[string]map[string]*hotEntry),
		warm:                make(map[string]map[string]*warmEntry),
		cold:                cold,
		promotionThreshold:  3,
		importanceThreshold: 6.0,
		access:              make(map[string]*accessStat),
		stats: map[Domain]*DomainStats{
			DomainEmbedding: {},
			DomainRecord:    {},
			DomainKeyword:   {},
		},
		stopper: stopwords.MustGet("en"),
	}
}

// SetPolicy swaps the promotion/importance thresholds applied by
// RecordMemoryAccess and the cold tier's entry cap, e.g. in response to an
// engine-level configuration update.
func (m *Manager) SetPolicy(promotionThreshold int, importanceThreshold float64, coldCap int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if promotionThreshold > 0 {
		m.promotionThreshold = promotionThreshold
	}
	if importanceThreshold > 0 {
		m.importanceThreshold = importanceThreshold
	}
	if coldCap > 0 {
		m.coldCap = coldCap
	}
}

// SetCapacities swaps the hot/warm tier capacities applied to future
// evictions, e.g. in response to an engine-level configuration update.
// Entries already over the new, smaller capacity are not proactively
// evicted; they drain naturally as Put triggers the next eviction.
func (m *Manager) SetCapacities(hotCap, warmCap int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hotCap > 0 {
		m.hotCap = hotCap
	}
	if warmCap > 0 {
		m.warmCap = warmCap
	}
}

func (m *Manager) hotBucket(domain Domain) map[string]*hotEntry {
	b, ok := m.hot[string(domain)]
	if !ok {
		b = make(map[string]*hotEntry)
		m.hot[string(domain)] = b
	}
	return b
}

func (m *Manager) warmBucket(domain Domain) map[string]*warmEntry {
	b, ok := m.warm[string(domain)]
	if !ok {
		b = make(map[string]*warmEntry)
		m.warm[string(domain)] = b
	}
	return b
}

// Get looks up key in domain across hot, then warm, then cold, promoting a
// warm or cold hit up to hot. Returns (nil, false) on a full miss.
func (m *Manager) Get(domain Domain, key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stats[domain]

	hotBucket := m.hotBucket(domain)
	if e, ok := hotBucket[key]; ok {
		m.hotTick++
		e.tick = m.hotTick
		st.Hits++
		return e.value, true
	}

	warmBucket := m.warmBucket(domain)
	if e, ok := warmBucket[key]; ok {
		e.freq++
		st.Hits++
		m.promoteToHot(domain, key, e.value)
		delete(warmBucket, key)
		return e.value, true
	}

	if m.cold != nil {
		if raw, ok, err := m.cold.ColdCacheGet(coldKey(domain, key)); err == nil && ok {
			st.Hits++
			m.promoteToHot(domain, key, raw)
			return raw, true
		}
	}

	st.Misses++
	return nil, false
}

// Put writes key into the hot tier, evicting the least-recently-used hot
// entry into warm if the hot tier is at capacity.
func (m *Manager) Put(domain Domain, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoteToHot(domain, key, value)
}

func (m *Manager) promoteToHot(domain Domain, key string, value any) {
	bucket := m.hotBucket(domain)
	m.hotTick++
	if _, exists := bucket[key]; !exists && len(bucket) >= m.hotCap && m.hotCap > 0 {
		m.evictOneHot(domain)
	}
	bucket[key] = &hotEntry{value: value, tick: m.hotTick}
}

func (m *Manager) evictOneHot(domain Domain) {
	bucket := m.hotBucket(domain)
	var oldestKey string
	var oldestTick int64 = -1
	for k, e := range bucket {
		if oldestTick == -1 || e.tick < oldestTick {
			oldestTick = e.tick
			oldestKey = k
		}
	}
	if oldestKey == "" {
		return
	}
	evicted := bucket[oldestKey]
	delete(bucket, oldestKey)

	warmBucket := m.warmBucket(domain)
	if _, exists := warmBucket[oldestKey]; !exists && len(warmBucket) >= m.warmCap && m.warmCap > 0 {
		m.evictOneWarm(domain)
	}
	warmBucket[oldestKey] = &warmEntry{value: evicted.value, freq: 1}
}

func (m *Manager) evictOneWarm(domain Domain) {
	bucket := m.warmBucket(domain)
	var coldestKey string
	var coldestFreq = math.MaxFloat64
	for k, e := range bucket {
		if e.freq < coldestFreq {
			coldestFreq = e.freq
			coldestKey = k
		}
	}
	if coldestKey == "" {
		return
	}
	evicted := bucket[coldestKey]
	delete(bucket, coldestKey)

	if m.cold != nil {
		if s, ok := evicted.value.(string); ok {
			if m.coldCap > 0 && m.coldCount >= m.coldCap {
				return
			}
			if m.cold.ColdCacheSet(coldKey(domain, coldestKey), s) == nil {
				m.coldCount++
			}
		}
	}
}

// Tick ages the warm tier by halving every entry's frequency counter, so
// entries that stop being reused drift toward eviction even without a
// single low-frequency read triggering it.
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bucket := range m.warm {
		for _, e := range bucket {
			e.freq /= 2
		}
	}
}

// Invalidate removes key from every tier in domain. Called by Storage on
// every write so stale cached records never outlive the row they describe.
func (m *Manager) Invalidate(domain Domain, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hotBucket(domain), key)
	delete(m.warmBucket(domain), key)
	if domain == DomainRecord {
		delete(m.access, key)
	}
	if m.cold != nil {
		m.cold.ColdCacheDelete(coldKey(domain, key))
	}
}

// ClearAll empties every tier of every domain, cold included. Hit/miss
// counters are preserved so a clear doesn't erase the rate history.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hot = make(map[string]map[string]*hotEntry)
	m.warm = make(map[string]map[string]*warmEntry)
	m.access = make(map[string]*accessStat)
	if m.cold != nil {
		if m.cold.ColdCacheClear() == nil {
			m.coldCount = 0
		}
	}
}

// Clear is an alias for ClearAll.
func (m *Manager) Clear() { m.ClearAll() }

// RecordMemoryAccess notes that memoryID was surfaced into a caller's
// context with the given current weight. Once the accumulated access count
// clears the promotion threshold, or the derived priority clears the
// importance threshold, a copy of the record still sitting in the warm tier
// is promoted back to hot ahead of its next Get.
func (m *Manager) RecordMemoryAccess(memoryID string, weight float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.access[memoryID]
	if !ok {
		st = &accessStat{}
		m.access[memoryID] = st
	}
	st.count++
	st.priority = weight + float64(st.count)

	if st.count < m.promotionThreshold && st.priority < m.importanceThreshold {
		return
	}
	warmBucket := m.warmBucket(DomainRecord)
	if e, inWarm := warmBucket[memoryID]; inWarm {
		m.promoteToHot(DomainRecord, memoryID, e.value)
		delete(warmBucket, memoryID)
	}
}

// IndexKeywords folds memoryID into the keyword->ids domain for every
// non-stopword token of text, so SearchByContent can resolve candidates
// without touching storage. Keyword sets live in the in-memory tiers only;
// they are rebuilt organically as turns are stored and never spill to cold
// (the cold tier holds string values, not sets).
func (m *Manager) IndexKeywords(memoryID, text string) {
	tokens := m.TokenizeKeywords(text)
	if len(tokens) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range tokens {
		set := m.keywordSetLocked(tok)
		if set == nil {
			set = make(map[string]bool)
		}
		set[memoryID] = true
		m.promoteToHot(DomainKeyword, tok, set)
	}
}

// SearchByTokens returns the union of cached keyword sets for tokens,
// sorted for determinism. Tokens with no cached set count as keyword-domain
// misses.
func (m *Manager) SearchByTokens(tokens []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stats[DomainKeyword]
	union := make(map[string]bool)
	for _, tok := range tokens {
		set := m.keywordSetLocked(tok)
		if set == nil {
			st.Misses++
			continue
		}
		st.Hits++
		for id := range set {
			union[id] = true
		}
	}

	out := make([]string, 0, len(union))
	for id := range union {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SearchByContent tokenizes query and resolves candidate memory ids through
// the keyword domain.
func (m *Manager) SearchByContent(query string) []string {
	return m.SearchByTokens(m.TokenizeKeywords(query))
}

// keywordSetLocked looks a token's id set up in hot then warm without
// touching hit/miss stats; callers hold m.mu.
func (m *Manager) keywordSetLocked(token string) map[string]bool {
	if e, ok := m.hotBucket(DomainKeyword)[token]; ok {
		if set, ok := e.value.(map[string]bool); ok {
			return set
		}
	}
	if e, ok := m.warmBucket(DomainKeyword)[token]; ok {
		if set, ok := e.value.(map[string]bool); ok {
			return set
		}
	}
	return nil
}

// Stats returns a snapshot of tier sizes and per-domain hit rates.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	hotSize, warmSize := 0, 0
	for _, b := range m.hot {
		hotSize += len(b)
	}
	for _, b := range m.warm {
		warmSize += len(b)
	}

	perDomain := make(map[string]any, len(m.stats))
	for d, st := range m.stats {
		perDomain[string(d)] = map[string]any{
			"hits":     st.Hits,
			"misses":   st.Misses,
			"hit_rate": st.HitRate(),
		}
	}

	return map[string]any{
		"hot_size":   hotSize,
		"warm_size":  warmSize,
		"cold_size":  m.coldCount,
		"per_domain": perDomain,
	}
}

// TokenizeKeywords lowercases, splits, and strips English stopwords from
// text, producing the token set used both to populate the keyword cache
// domain and, by pkg/retrieval, to query it.
func (m *Manager) TokenizeKeywords(text string) []string {
	fields := splitWords(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if m.stopper.Contains(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func coldKey(domain Domain, key string) string {
	return string(domain) + ":" + key
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
