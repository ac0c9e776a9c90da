package memengine

import (
	"context"
	"strings"

	"github.com/kittclouds/memengine/pkg/retrieval"
)

// Budget bounds how much of a Context's assembled text and memory count the
// caller wants back; zero fields fall back to the engine's configured
// defaults.
type Budget struct {
	MaxChars    int
	MaxMemories int
}

// QueryContext carries the optional per-call tuning enhance_query accepts.
type QueryContext struct {
	SessionID        string
	Budget           Budget
	SkipAssociations bool
	SkipHistory      bool
}

// Section is one labeled slice of an assembled Context, e.g. "related
// memories" or "group summaries".
type Section struct {
	Label     string
	Body      string
	MemoryIDs []string
}

// Stats carries per-step latencies and cache-hit diagnostics alongside a
// Context, so a partial failure in an optional retrieval step is still
// visible to the caller instead of silently dropped.
type Stats struct {
	LatenciesMsPerStep map[string]float64
	CacheHit           bool
	AnnUsed            bool
}

// Context is the result of EnhanceQuery: ready-to-render prompt sections
// plus the flat list of memory ids that contributed to them.
type Context struct {
	Sections          []Section
	SelectedMemoryIDs []string
	Stats             Stats
}

// EnhanceQuery runs the retrieval pipeline for text and renders the result
// into labeled sections. Failures in the association-expansion or
// keyword-fallback steps are caught upstream inside pkg/retrieval and
// surface here only as a smaller hit set, never as a hard error; only an
// embedding or storage IOFailure on the critical path propagates.
func (e *Engine) EnhanceQuery(ctx context.Context, text string, qctx QueryContext) (*Context, error) {
	k := e.Config().Retrieval.KFinal
	if qctx.Budget.MaxMemories > 0 {
		k = qctx.Budget.MaxMemories
	}

	start := now()
	result, err := e.pipeline.RetrieveWithRequest(ctx, retrieval.Request{
		Query:            text,
		K:                k,
		Now:              start,
		SessionID:        qctx.SessionID,
		SkipAssociations: qctx.SkipAssociations,
		SkipHistory:      qctx.SkipHistory,
	})
	elapsed := (now() - start) * 1000
	e.mon.RecordLatency("retrieve", elapsed)
	if err != nil {
		return nil, err
	}
	if limit := qctx.Budget.MaxChars; limit > 0 && len(result.Assembled) > limit {
		cut := strings.LastIndexByte(result.Assembled[:limit], '\n')
		if cut < 0 {
			cut = 0
		}
		result.Assembled = result.Assembled[:cut]
	}

	latencies := make(map[string]float64, len(result.StepMs)+1)
	for step, ms := range result.StepMs {
		e.mon.RecordLatency(step, ms)
		latencies[step] = ms
	}
	latencies["retrieve"] = elapsed

	for _, h := range result.Hits {
		e.cacheMg.RecordMemoryAccess(h.Memory.ID, h.Memory.Weight)
	}

	if qctx.SessionID != "" {
		if _, serr := e.sessMg.Touch(qctx.SessionID, start); serr != nil {
			return nil, serr
		}
	}

	return &Context{
		Sections:          buildSections(text, result),
		SelectedMemoryIDs: selectedIDs(result),
		Stats: Stats{
			LatenciesMsPerStep: latencies,
			CacheHit:           e.embed.lastHit(),
			AnnUsed:            result.AnnUsed,
		},
	}, nil
}

// buildSections splits the pipeline's flat hit list into labeled
// sections: recent dialogue (history aggregation), related memories (the
// default, covering vector/keyword hits), associated memories (graph
// expansion), and group summaries, followed unconditionally by the current
// user input itself. Memory-backed sections are omitted when empty, so a
// query against an empty store yields only the user-input section.
// Candidates are already excluded upstream when
// skip_associations/skip_history is set, so this only has to route each
// hit's Source into its matching section.
func buildSections(query string, result *retrieval.Context) []Section {
	related := Section{Label: "related memories"}
	associated := Section{Label: "associated memories"}
	dialogue := Section{Label: "recent dialogue"}
	summaries := Section{Label: "group summaries"}

	for _, hit := range result.Hits {
		switch hit.Source {
		case "graph":
			associated.MemoryIDs = append(associated.MemoryIDs, hit.Memory.ID)
		case "history":
			dialogue.MemoryIDs = append(dialogue.MemoryIDs, hit.Memory.ID)
		case "summary":
			summaries.MemoryIDs = append(summaries.MemoryIDs, hit.Memory.ID)
		default:
			related.MemoryIDs = append(related.MemoryIDs, hit.Memory.ID)
		}
	}
	related.Body = result.Assembled

	var sections []Section
	for _, s := range []Section{dialogue, related, associated, summaries} {
		if len(s.MemoryIDs) > 0 {
			sections = append(sections, s)
		}
	}
	return append(sections, Section{Label: "current user input", Body: query})
}

func selectedIDs(result *retrieval.Context) []string {
	ids := make([]string, 0, len(result.Hits))
	for _, h := range result.Hits {
		ids = append(ids, h.Memory.ID)
	}
	return ids
}
