// Package retrieval assembles the context handed back to a caller at query
// time: vectorize the query, search the ANN index, expand through the
// association graph, fall back to keyword search when vectors aren't
// available, score every candidate, and concatenate the winners into a
// single context string.
package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kittclouds/memengine/internal/ann"
	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/embedding"
	"github.com/kittclouds/memengine/pkg/graph"
	"github.com/kittclouds/memengine/pkg/lifecycle"
)

// Searcher is the subset of internal/ann's Index the pipeline depends on.
type Searcher interface {
	Search(query []float32, k int, minScore float64) ([]ann.Match, error)
}

// Store is the subset of store.Storer the pipeline depends on.
type Store interface {
	GetMemories(ids []string) ([]*store.Memory, error)
	SearchByKeyword(tokens []string, limit int) ([]*store.Memory, error)
	GetRecentBySession(sessionID string, limit int) ([]*store.Memory, error)
	GetSummariesFor(ids []string) ([]*store.Memory, error)
	TouchLastAccessed(id string, at float64) error
}

// historyTurnLimit bounds how many of the current session's most recent
// turns the history-aggregation step pulls in alongside whatever the
// vector/graph/keyword channels found. The recognized retrieval
// configuration keys don't include a turn count, so it stays a
// pipeline-internal constant rather than a config field.
const historyTurnLimit = 6

// Graph is the subset of pkg/graph's Graph the pipeline depends on for
// association expansion.
type Graph interface {
	Neighbors(id string, maxHops int) ([]graph.Neighbor, error)
}

// Lifecycle is the subset of pkg/lifecycle's Manager the pipeline depends
// on to reinforce a memory's weight the moment it surfaces in a context.
type Lifecycle interface {
	Touch(mem *store.Memory, at float64) (*store.Memory, error)
}

// Weights tunes how each retrieval channel contributes to a candidate's
// final score.
type Weights struct {
	Similarity  float64 // weight on the candidate's cosine similarity score
	Association float64 // weight on the candidate's association_strength
	Recency     float64 // weight on how close CreatedAt is to the query time
	Importance  float64 // weight on the memory's own stored weight
	Freq        float64 // weight on how recently the memory was last accessed
	Emotion     float64 // weight on whether the memory is flagged emotionally significant
}

// DisableGraphExpansion is the Options.GraphHops sentinel a caller passes
// to turn off association-graph expansion entirely, e.g. when
// config.Retrieval.AssocDepth is explicitly 0 — distinct from the Go zero
// value, which Options treats as "use the default" the same way every
// other tunable field in this struct does.
const DisableGraphExpansion = -1

// DefaultWeights mirrors config.Default's ScoringWeights, favoring direct
// semantic hits over graph-expanded or keyword-only candidates, while still
// letting a heavily reinforced memory (high Weight) outrank a slightly
// closer but disposable one.
func DefaultWeights() Weights {
	return Weights{
		Similarity:  0.25,
		Association: 0.1,
		Recency:     0.2,
		Importance:  0.25,
		Freq:        0.1,
		Emotion:     0.1,
	}
}

// Hit is one memory surfaced into an assembled context, annotated with the
// channel that found it and its final blended score.
type Hit struct {
	Memory *store.Memory
	Score  float64
	Source string // "vector", "keyword", "graph", "history", or "summary"
}

// Context is the result of one Retrieve call.
type Context struct {
	Hits      []Hit
	Assembled string
	AnnUsed   bool               // false when the pipeline fell through to keyword search
	StepMs    map[string]float64 // per-step wall-clock latency for this call
}

// Pipeline wires together every retrieval channel.
type Pipeline struct {
	embedder  embedding.Provider
	searcher  Searcher
	store     Store
	graph     Graph
	lifecycle Lifecycle
	keywords  *KeywordIndex
	clock     func() float64

	// optMu guards the tunables below, which UpdateOptions may swap at
	// runtime independently of an in-flight Retrieve call.
	optMu            sync.RWMutex
	weights          Weights
	graphHops        int
	maxCandidates    int
	assembledChars   int
	minScore         float64
	fallbackMinScore float64
	resultFloor      int
	assocSeeds       int
}

// Options configures a Pipeline at construction.
type Options struct {
	Weights          Weights // zero value uses DefaultWeights
	GraphHops        int     // default 2; 0 uses the default, DisableGraphExpansion (-1) turns expansion off entirely
	MaxCandidates    int     // default 50, candidates considered before truncation to k
	AssembledChars   int     // default 4000, character budget for Context.Assembled
	MinScore         float64 // default 0.3, ANN search floor
	FallbackMinScore float64 // default 0.1, retried when MinScore yields too few hits
	ResultFloor      int     // default 5, below which the fallback floor is tried
	AssocSeeds       int     // default 5, top-scoring candidates seeded into graph expansion
}

func New(embedder embedding.Provider, searcher Searcher, s Store, g Graph, lc Lifecycle, opts Options) *Pipeline {
	weights := opts.Weights
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	hops := opts.GraphHops
	switch {
	case hops == 0:
		hops = 2
	case hops < 0:
		hops = 0
	}
	maxCandidates := opts.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 50
	}
	chars := opts.AssembledChars
	if chars <= 0 {
		chars = 4000
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = 0.3
	}
	fallbackMinScore := opts.FallbackMinScore
	if fallbackMinScore <= 0 {
		fallbackMinScore = 0.1
	}
	floor := opts.ResultFloor
	if floor <= 0 {
		floor = 5
	}
	assocSeeds := opts.AssocSeeds
	if assocSeeds <= 0 {
		assocSeeds = 5
	}
	return &Pipeline{
		embedder:         embedder,
		searcher:         searcher,
		store:            s,
		graph:            g,
		lifecycle:        lc,
		clock:            wallClock,
		weights:          weights,
		keywords:         NewKeywordIndex(),
		graphHops:        hops,
		maxCandidates:    maxCandidates,
		assembledChars:   chars,
		minScore:         minScore,
		fallbackMinScore: fallbackMinScore,
		resultFloor:      floor,
		assocSeeds:       assocSeeds,
	}
}

func wallClock() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// SetClock replaces the wall clock used for step timing, so tests can
// assert on StepMs without racing real time.
func (p *Pipeline) SetClock(fn func() float64) {
	if fn != nil {
		p.clock = fn
	}
}

// IndexVocabulary grows the keyword fallback's known-token dictionary with
// the words in text. The engine calls this on every stored turn so later
// keyword-fallback queries can match against real vocabulary instead of
// raw split tokens.
func (p *Pipeline) IndexVocabulary(text string) {
	p.keywords.Add(strings.Fields(strings.ToLower(text)))
}

// options is a point-in-time copy of the tunables UpdateOptions may change
// concurrently with an in-flight Retrieve call.
type options struct {
	weights          Weights
	graphHops        int
	maxCandidates    int
	assembledChars   int
	minScore         float64
	fallbackMinScore float64
	resultFloor      int
	assocSeeds       int
}

func (p *Pipeline) snapshotOptions() options {
	p.optMu.RLock()
	defer p.optMu.RUnlock()
	return options{
		weights:          p.weights,
		graphHops:        p.graphHops,
		maxCandidates:    p.maxCandidates,
		assembledChars:   p.assembledChars,
		minScore:         p.minScore,
		fallbackMinScore: p.fallbackMinScore,
		resultFloor:      p.resultFloor,
		assocSeeds:       p.assocSeeds,
	}
}

// UpdateOptions swaps the pipeline's tunables, e.g. in response to an
// engine-level configuration update. Zero fields in opts are ignored so a
// caller only has to set what it's changing; a caller that wants
// DefaultWeights() restored must pass them explicitly.
func (p *Pipeline) UpdateOptions(opts Options) {
	p.optMu.Lock()
	defer p.optMu.Unlock()
	if opts.Weights != (Weights{}) {
		p.weights = opts.Weights
	}
	switch {
	case opts.GraphHops > 0:
		p.graphHops = opts.GraphHops
	case opts.GraphHops == DisableGraphExpansion:
		p.graphHops = 0
	}
	if opts.MaxCandidates > 0 {
		p.maxCandidates = opts.MaxCandidates
	}
	if opts.AssembledChars > 0 {
		p.assembledChars = opts.AssembledChars
	}
	if opts.MinScore > 0 {
		p.minScore = opts.MinScore
	}
	if opts.FallbackMinScore > 0 {
		p.fallbackMinScore = opts.FallbackMinScore
	}
	if opts.ResultFloor > 0 {
		p.resultFloor = opts.ResultFloor
	}
	if opts.AssocSeeds > 0 {
		p.assocSeeds = opts.AssocSeeds
	}
}

type candidate struct {
	memory        *store.Memory
	similarity    float64 // cosine score, higher is better; zero if not found via vector search
	assocHops     int     // 0 if not found via graph expansion
	assocStrength float64 // the 0.8/0.5 L1/L2 weight, set only when assocHops > 0; seeds and other non-graph candidates carry no association term
	source        string
}

// Request carries everything one Retrieve call needs beyond the tunables
// the Pipeline already holds from its Options: the query text, the result cap, the
// caller's notion of "now", and the enhance_query-level options that turn
// off whole pipeline steps rather than just filtering their output.
type Request struct {
	Query            string
	K                int
	Now              float64
	SessionID        string // enables session-history aggregation when non-empty
	SkipAssociations bool   // skip association-graph expansion entirely
	SkipHistory      bool   // skip session-history aggregation entirely
}

// Retrieve runs the full pipeline for a single query and returns the top k
// scored hits plus an assembled context string. It is a convenience
// wrapper over RetrieveWithRequest for callers that don't need session
// history or the skip_associations/skip_history options.
func (p *Pipeline) Retrieve(ctx context.Context, query string, k int, now float64) (*Context, error) {
	return p.RetrieveWithRequest(ctx, Request{Query: query, K: k, Now: now})
}

// RetrieveWithRequest runs the full pipeline: vectorize, ANN search (or
// keyword fallback), association-graph expansion, session-history
// aggregation, scoring and dedup, then context assembly.
func (p *Pipeline) RetrieveWithRequest(ctx context.Context, req Request) (*Context, error) {
	k := req.K
	if k <= 0 {
		k = 10
	}
	opts := p.snapshotOptions()

	candidates := make(map[string]*candidate)
	steps := make(map[string]float64)

	stepStart := p.clock()
	var vec []float32
	if p.embedder != nil {
		vec, _ = p.embedder.Embed(req.Query)
	}
	stepStart = markStep(p.clock, steps, "embed", stepStart)

	vectorOK := false
	if vec != nil {
		vectorOK = p.searchVector(vec, opts, candidates)
	}
	stepStart = markStep(p.clock, steps, "ann", stepStart)

	// Keyword-fallback and graph-expansion failures are optional steps: the
	// call proceeds with whatever candidates were gathered so far.
	if !vectorOK {
		_ = p.retrieveKeyword(req.Query, opts, candidates)
		stepStart = markStep(p.clock, steps, "keyword", stepStart)
	}
	if !req.SkipAssociations && opts.graphHops > 0 {
		_ = p.expandGraph(opts, candidates)
		stepStart = markStep(p.clock, steps, "associations", stepStart)
	}
	if !req.SkipHistory && req.SessionID != "" {
		if err := p.aggregateHistory(req.SessionID, candidates); err != nil {
			return nil, err
		}
		stepStart = markStep(p.clock, steps, "history", stepStart)
	}

	hits := p.score(opts, candidates, req.Now)
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	hits = dedupByContent(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	markStep(p.clock, steps, "score", stepStart)

	for _, h := range hits {
		if p.lifecycle != nil {
			if _, err := p.lifecycle.Touch(h.Memory, req.Now); err != nil {
				return nil, err
			}
		} else {
			_ = p.store.TouchLastAccessed(h.Memory.ID, req.Now)
		}
	}

	return &Context{Hits: hits, Assembled: p.assemble(opts, hits), AnnUsed: vectorOK, StepMs: steps}, nil
}

// markStep records the elapsed milliseconds since start under name and
// returns the current time as the next step's start.
func markStep(clock func() float64, steps map[string]float64, name string, start float64) float64 {
	now := clock()
	steps[name] = (now - start) * 1000
	return now
}

// dedupByContent drops hits whose normalized content repeats an
// earlier (higher-scored) hit, so the same sentence stored twice never
// occupies two context slots. Hits arrive sorted by descending score.
func dedupByContent(hits []Hit) []Hit {
	seen := make(map[uint64]bool, len(hits))
	out := hits[:0]
	for _, h := range hits {
		key := contentHash(h.Memory.Content)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	return out
}

func contentHash(content string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(content))))
	return h.Sum64()
}

// aggregateHistory pulls in the current session's most recent turns and
// any summary-kind memory that condenses a candidate already gathered.
// Memories already present (found via vector/keyword/graph)
// are left with their existing source/score contribution; only genuinely
// new ids are added, tagged "history"/"summary" so scoring still applies.
func (p *Pipeline) aggregateHistory(sessionID string, candidates map[string]*candidate) error {
	recent, err := p.store.GetRecentBySession(sessionID, historyTurnLimit)
	if err != nil {
		return err
	}
	for _, mem := range recent {
		if _, exists := candidates[mem.ID]; exists {
			continue
		}
		candidates[mem.ID] = &candidate{memory: mem, similarity: 0.5, source: "history"}
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	summaries, err := p.store.GetSummariesFor(ids)
	if err != nil {
		return err
	}
	for _, mem := range summaries {
		if _, exists := candidates[mem.ID]; exists {
			continue
		}
		candidates[mem.ID] = &candidate{memory: mem, similarity: 0.5, source: "summary"}
	}
	return nil
}

// searchVector runs ANN search at opts.minScore; if that returns fewer
// than opts.resultFloor hits, it retries once at the looser
// opts.fallbackMinScore rather than surfacing a sparse context when a wider
// net would have found more.
func (p *Pipeline) searchVector(vec []float32, opts options, candidates map[string]*candidate) bool {
	if p.searcher == nil {
		return false
	}
	matches, err := p.searcher.Search(vec, opts.maxCandidates, opts.minScore)
	if err != nil {
		return false
	}
	if len(matches) < opts.resultFloor {
		if wider, werr := p.searcher.Search(vec, opts.maxCandidates, opts.fallbackMinScore); werr == nil && len(wider) > len(matches) {
			matches = wider
		}
	}
	if len(matches) == 0 {
		return false
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	memories, err := p.store.GetMemories(ids)
	if err != nil {
		return false
	}
	byID := make(map[string]*store.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}

	for _, m := range matches {
		mem, ok := byID[m.ID]
		if !ok {
			continue
		}
		candidates[m.ID] = &candidate{memory: mem, similarity: m.Score, source: "vector"}
	}
	return len(candidates) > 0
}

// retrieveKeyword falls back to substring search when vector search is
// unavailable or returns nothing. It extracts only known-vocabulary tokens
// from the free-text query via the Aho-Corasick dictionary, then widens to
// every raw token if that extraction finds nothing (a brand-new query term
// should not make the whole fallback path silently return zero results).
func (p *Pipeline) retrieveKeyword(query string, opts options, candidates map[string]*candidate) error {
	tokens, err := p.keywords.Extract(query)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		tokens = strings.Fields(strings.ToLower(query))
	}

	memories, err := p.store.SearchByKeyword(tokens, opts.maxCandidates)
	if err != nil {
		return err
	}
	for _, mem := range memories {
		candidates[mem.ID] = &candidate{memory: mem, similarity: 0.5, source: "keyword"}
	}
	return nil
}

// expandGraph traverses the association graph from only the top
// opts.assocSeeds candidates found so far (by similarity), rather than
// every candidate.
func (p *Pipeline) expandGraph(opts options, candidates map[string]*candidate) error {
	if p.graph == nil {
		return nil
	}
	seeds := topSeeds(candidates, opts.assocSeeds)
	for _, seed := range seeds {
		neighbors, err := p.graph.Neighbors(seed, opts.graphHops)
		if err != nil {
			return err
		}
		for _, n := range neighbors {
			if _, exists := candidates[n.MemoryID]; exists {
				continue
			}
			mem, err := p.store.GetMemories([]string{n.MemoryID})
			if err != nil || len(mem) == 0 {
				continue
			}
			candidates[n.MemoryID] = &candidate{
				memory:        mem[0],
				assocHops:     n.Hops,
				assocStrength: n.AssocStrength,
				source:        "graph",
			}
		}
	}
	return nil
}

// topSeeds returns the ids of the n highest-similarity candidates gathered
// so far, ties broken by id for determinism.
func topSeeds(candidates map[string]*candidate, n int) []string {
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ci, cj := candidates[ids[i]], candidates[ids[j]]
		if ci.similarity != cj.similarity {
			return ci.similarity > cj.similarity
		}
		return ids[i] < ids[j]
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

func (p *Pipeline) score(opts options, candidates map[string]*candidate, now float64) []Hit {
	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		assocScore := 0.0
		if c.assocHops > 0 {
			assocScore = c.assocStrength
		}

		recency := 0.0
		if now > c.memory.CreatedAt {
			age := now - c.memory.CreatedAt
			recency = 1.0 / (1.0 + age/86400.0) // decays over days
		}

		freq := 0.0
		if c.memory.LastAccessed > 0 && now > c.memory.LastAccessed {
			sinceAccess := now - c.memory.LastAccessed
			freq = 1.0 / (1.0 + sinceAccess/86400.0) // higher for recently-touched memories
		}

		emotionMatch := 0.0
		if lifecycle.EmotionFlagged(c.memory) {
			emotionMatch = 1.0
		}

		importance := c.memory.Weight / store.WeightMax

		score := opts.weights.Similarity*c.similarity +
			opts.weights.Association*assocScore +
			opts.weights.Recency*recency +
			opts.weights.Importance*importance +
			opts.weights.Freq*freq +
			opts.weights.Emotion*emotionMatch

		hits = append(hits, Hit{Memory: c.memory, Score: score, Source: c.source})
	}
	return hits
}

func (p *Pipeline) assemble(opts options, hits []Hit) string {
	var b strings.Builder
	for _, h := range hits {
		line := fmt.Sprintf("[%s] %s\n", h.Memory.Role, h.Memory.Content)
		if b.Len()+len(line) > opts.assembledChars {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n")
}
