package evaluator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kittclouds/memengine/internal/ann"
	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/store"
)

var (
	errEmptyEvaluation       = errs.New(errs.LlmFailure, "empty evaluation response", nil)
	errUnparseableEvaluation = errs.New(errs.LlmFailure, "could not parse evaluation response", nil)
)

const systemPrompt = `You evaluate a stored conversational turn (a user message and the assistant's reply) and return a JSON object with this exact structure:
{
  "summary": "a one-sentence paraphrase of the turn",
  "weight": 0.1-10.0,
  "super_group": "work|life|study|entertainment|health|social|other",
  "group_id": "a stable identifier if this turn continues an existing topic group",
  "topic": "a short topic label",
  "behavior_change": "any shift in the user's stated plans or habits",
  "emotional_state": "the user's emotional state if the turn carries one, e.g. anxious, excited",
  "suggested_association_kind": "temporal_sequence|same_topic|cause_effect|contradiction|is_related_to|summarizes"
}
Assign a higher weight to memories with durable, specific, personally significant content, and a lower weight to small talk or transient remarks. Omit group_id, behavior_change, emotional_state, and suggested_association_kind when they do not apply.`

// Item is one stored turn awaiting background evaluation: the two memory
// ids produced by a single insert_turn call, the session they belong to,
// and whatever context ids the retrieval pipeline had surfaced for the
// user's query immediately before the turn was stored.
type Item struct {
	UserMemoryID        string
	AssistantMemoryID   string
	SessionID           string
	RetrievedContextIDs []string
}

// Store is the subset of store.Storer the evaluator depends on.
type Store interface {
	GetMemory(id string) (*store.Memory, error)
	UpdateMemory(id string, patch store.MemoryPatch) (*store.Memory, error)
	UpsertGroup(g *store.Group) error
	GetGroup(id string) (*store.Group, error)
	GetByGroup(groupID string) ([]*store.Memory, error)
	GetRecentBySession(sessionID string, limit int) ([]*store.Memory, error)
	InsertTurn(m *store.Memory, v []float32) error
}

// Searcher resolves the memories most semantically similar to a vector, so
// the processor can create is_related_to edges from the embedding it
// already computed. A nil Searcher disables similarity linking.
type Searcher interface {
	Search(query []float32, k int, minScore float64) ([]ann.Match, error)
}

// Embedder vectorizes the summary memory the evaluator creates for each
// processed turn. A nil Embedder disables summary-memory creation; the two
// turn memories are still updated.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// Graph is the subset of pkg/graph's Graph the evaluator depends on to
// link the two turn memories and, when one is created, the summary memory
// it produces. A nil Graph disables link creation.
type Graph interface {
	Link(sourceID, targetID string, kind store.AssociationKind, strength, at float64) error
}

// Clock supplies the current time to a Processor without it reaching for
// time.Now() directly, so tests can drive a fixed clock.
type Clock func() float64

// Monitor receives evaluator-level diagnostic counters. A nil Monitor
// disables instrumentation entirely.
type Monitor interface {
	IncrEvalRetry()
}

// Queue is a FIFO of evaluation items, guarded by a mutex in the same
// idiom as the rest of this module's concurrent state. A capacity of 0 or
// less means unbounded.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	cond     *sync.Cond
	closed   bool
	capacity int
	dropped  int
}

func NewQueue(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues item, returning false if the queue is closed, or counting a
// drop and returning false if it is already at capacity. Producers are never blocked by a full
// queue; the item is simply dropped and the memories it references are
// left stored at their default weight.
func (q *Queue) Push(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.dropped++
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// Dropped returns the number of items rejected by Push due to a full queue.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Pop blocks until an item is available or the queue is closed, in which
// case it returns (Item{}, false).
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Processor drains a Queue, evaluates each turn with an LLMClient, and
// folds the result back into Store: both memories' weight/group/summary,
// a dedicated summary-kind Memory linked to both via summarizes edges, and
// a suggested association between the two turn memories.
type Processor struct {
	store    Store
	llm      LLMClient
	queue    *Queue
	embed    Embedder
	graph    Graph
	searcher Searcher
	clock    Clock
	mon      Monitor

	perItemTimeout time.Duration
	maxRetries     int
}

// NewProcessor builds a Processor. embed and graph may be nil to disable
// summary-memory creation and association linking respectively (e.g. in
// tests exercising only the weight/group update path).
func NewProcessor(s Store, llm LLMClient, q *Queue, embed Embedder, g Graph) *Processor {
	return &Processor{store: s, llm: llm, queue: q, embed: embed, graph: g, clock: defaultClock, maxRetries: 1}
}

// SetMonitor attaches mon so retry attempts are counted; pass nil (the
// default) to leave evaluation unobserved.
func (p *Processor) SetMonitor(mon Monitor) {
	p.mon = mon
}

// SetSearcher attaches the ANN index used for is_related_to similarity
// linking; pass nil (the default) to disable it.
func (p *Processor) SetSearcher(s Searcher) {
	p.searcher = s
}

// SetLimits configures the per-item deadline applied around each
// evaluation (0 means no deadline) and how many reduced-prompt retries a
// parse failure earns before the item falls back to storing the raw
// response.
func (p *Processor) SetLimits(perItemTimeout time.Duration, maxRetries int) {
	p.perItemTimeout = perItemTimeout
	if maxRetries >= 0 {
		p.maxRetries = maxRetries
	}
}

func defaultClock() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Run drains the queue until it is closed and empty, or ctx is canceled.
// Individual evaluation failures are collected and do not stop the drain;
// callers inspect the returned slice to decide whether to retry.
func (p *Processor) Run(ctx context.Context) []error {
	var errsOut []error
	for {
		select {
		case <-ctx.Done():
			return append(errsOut, ctx.Err())
		default:
		}

		item, ok := p.queue.Pop()
		if !ok {
			return errsOut
		}
		if err := p.evaluateWithDeadline(ctx, item); err != nil {
			errsOut = append(errsOut, fmt.Errorf("evaluator: turn %s/%s: %w", item.UserMemoryID, item.AssistantMemoryID, err))
		}
	}
}

// evaluateWithDeadline bounds one item's evaluation by the configured
// per-item timeout, so a hung LLM call delays the queue by at most that
// window instead of stalling it outright.
func (p *Processor) evaluateWithDeadline(ctx context.Context, item Item) error {
	if p.perItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.perItemTimeout)
		defer cancel()
	}
	err := p.EvaluateItem(ctx, item)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return errs.New(errs.Timeout, "evaluation exceeded per-item deadline", err)
	}
	return err
}

// EvaluateItem evaluates one stored turn and applies the result. A parse
// failure on the LLM's first response is retried with a reduced prompt (the
// user message alone), up to the configured retry count (once by default);
// if every attempt fails to parse, the raw response is stashed under
// metadata.raw_evaluation and both memories proceed at their existing
// weight rather than failing the item outright. A failure caused by ctx
// ending (the per-item deadline or shutdown) is returned instead.
func (p *Processor) EvaluateItem(ctx context.Context, item Item) error {
	userMem, err := p.store.GetMemory(item.UserMemoryID)
	if err != nil {
		return err
	}
	assistantMem, err := p.store.GetMemory(item.AssistantMemoryID)
	if err != nil {
		return err
	}

	prompt := userMem.Content + "\n\nAssistant: " + assistantMem.Content
	result, raw, err := p.evaluateWithRetry(ctx, prompt, userMem.Content)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		patch := store.MemoryPatch{Metadata: map[string]any{"raw_evaluation": raw}}
		if _, uerr := p.store.UpdateMemory(item.UserMemoryID, patch); uerr != nil {
			return uerr
		}
		if _, uerr := p.store.UpdateMemory(item.AssistantMemoryID, patch); uerr != nil {
			return uerr
		}
		return nil
	}

	groupID := userMem.GroupID
	var group *store.Group
	if result.GroupID != "" || result.Topic != "" {
		// The LLM names the group directly when it recognizes the turn as
		// continuing one; otherwise the group key is derived from the
		// session and topic label.
		groupID = result.GroupID
		if groupID == "" {
			groupID = groupKey(item.SessionID, result.Topic)
		}
		group = &store.Group{
			GroupID:    groupID,
			SuperGroup: result.SuperGroup,
			Topic:      result.Topic,
			TimeStart:  userMem.CreatedAt,
			TimeEnd:    assistantMem.CreatedAt,
			Summary:    result.Summary,
		}
		// An existing group keeps its window: the new turn only ever
		// extends it, never shrinks it.
		if existing, gerr := p.store.GetGroup(groupID); gerr == nil {
			if existing.TimeStart < group.TimeStart {
				group.TimeStart = existing.TimeStart
			}
			if existing.TimeEnd > group.TimeEnd {
				group.TimeEnd = existing.TimeEnd
			}
			group.Score = existing.Score
		}
		if err := p.store.UpsertGroup(group); err != nil {
			return err
		}
	}

	weight := result.Weight
	summary := result.Summary
	if _, err := p.store.UpdateMemory(item.UserMemoryID, store.MemoryPatch{
		Weight: &weight, Summary: &summary, GroupID: &groupID,
		Metadata: evaluationMetadata(userMem, result),
	}); err != nil {
		return err
	}
	if _, err := p.store.UpdateMemory(item.AssistantMemoryID, store.MemoryPatch{
		Weight: &weight, Summary: &summary, GroupID: &groupID,
		Metadata: evaluationMetadata(assistantMem, result),
	}); err != nil {
		return err
	}

	if group != nil {
		p.recomputeGroupScore(group)
	}

	at := p.clock()

	if p.graph != nil && result.Kind != "" {
		_ = p.graph.Link(item.UserMemoryID, item.AssistantMemoryID, result.Kind, 0.9, at)
	}

	if p.embed != nil && summary != "" {
		if err := p.createSummaryMemory(item, summary, groupID, at); err != nil {
			return err
		}
	}

	p.autoAssociate(item, userMem, groupID, at)

	return nil
}

// evaluationMetadata merges the evaluation's descriptive fields into a
// copy of mem's existing metadata, so a patch never clobbers keys an
// earlier evaluation or caller already set. Returns nil (patch leaves
// metadata untouched) when the evaluation carried none of them.
func evaluationMetadata(mem *store.Memory, result *EvaluationResult) map[string]any {
	additions := map[string]string{
		"topic":           result.Topic,
		"emotional_state": result.EmotionalState,
		"behavior_change": result.BehaviorChange,
	}
	merged := make(map[string]any, len(mem.Metadata)+len(additions))
	for k, v := range mem.Metadata {
		merged[k] = v
	}
	added := false
	for k, v := range additions {
		if v != "" {
			merged[k] = v
			added = true
		}
	}
	if !added {
		return nil
	}
	return merged
}

// recomputeGroupScore re-derives a group's score as the mean weight of its
// current members, now that both turn memories carry their evaluated weight
// and group assignment. Best-effort: a failed recompute leaves the group's
// prior score in place rather than failing the item.
func (p *Processor) recomputeGroupScore(group *store.Group) {
	members, err := p.store.GetByGroup(group.GroupID)
	if err != nil || len(members) == 0 {
		return
	}
	var sum float64
	for _, m := range members {
		sum += m.Weight
	}
	group.Score = sum / float64(len(members))
	_ = p.store.UpsertGroup(group)
}

// autoAssociationLimit bounds how many recent session turns, group members,
// and similarity hits each evaluated turn gets linked to.
const autoAssociationLimit = 5

// autoAssociate creates the heuristic edges an evaluated turn earns beyond
// the LLM's own suggestion: temporal_sequence to the session's recent
// turns, same_topic to the rest of its group, and is_related_to to the
// memories nearest the user side's embedding. All of it is best-effort; a
// failed edge never fails the item.
func (p *Processor) autoAssociate(item Item, userMem *store.Memory, groupID string, at float64) {
	if p.graph == nil {
		return
	}
	skip := map[string]bool{
		item.UserMemoryID:              true,
		item.AssistantMemoryID:         true,
		item.UserMemoryID + ":summary": true,
	}

	if item.SessionID != "" {
		if recent, err := p.store.GetRecentBySession(item.SessionID, autoAssociationLimit); err == nil {
			for _, m := range recent {
				if skip[m.ID] || m.Kind == store.KindSummary {
					continue
				}
				_ = p.graph.Link(item.UserMemoryID, m.ID, store.AssocTemporalSequence, 0.7, at)
			}
		}
	}

	if groupID != "" {
		if members, err := p.store.GetByGroup(groupID); err == nil {
			linked := 0
			for _, m := range members {
				if skip[m.ID] || linked >= autoAssociationLimit {
					continue
				}
				_ = p.graph.Link(item.UserMemoryID, m.ID, store.AssocSameTopic, 0.8, at)
				linked++
			}
		}
	}

	if p.searcher != nil && p.embed != nil {
		if vec, err := p.embed.Embed(userMem.Content); err == nil {
			if matches, err := p.searcher.Search(vec, autoAssociationLimit, 0.5); err == nil {
				for _, m := range matches {
					if skip[m.ID] {
						continue
					}
					_ = p.graph.Link(item.UserMemoryID, m.ID, store.AssocIsRelatedTo, m.Score, at)
				}
			}
		}
	}
}

// createSummaryMemory stores summary as its own summary-kind Memory and
// links it to both turn memories with summarizes edges, so a later
// retrieval that surfaces one of those turns can pull the condensed
// summary in alongside it.
func (p *Processor) createSummaryMemory(item Item, summary, groupID string, at float64) error {
	vec, err := p.embed.Embed(summary)
	if err != nil {
		return errs.New(errs.EmbeddingFailure, "embed evaluator summary", err)
	}

	summaryID := item.UserMemoryID + ":summary"
	mem := &store.Memory{
		ID:        summaryID,
		Content:   summary,
		Kind:      store.KindSummary,
		Role:      store.RoleSystem,
		SessionID: item.SessionID,
		CreatedAt: at,
		Weight:    store.WeightDefault,
		GroupID:   groupID,
	}
	if err := p.store.InsertTurn(mem, vec); err != nil {
		return err
	}

	if p.graph == nil {
		return nil
	}
	if err := p.graph.Link(summaryID, item.UserMemoryID, store.AssocSummarizes, 1.0, at); err != nil {
		return err
	}
	return p.graph.Link(summaryID, item.AssistantMemoryID, store.AssocSummarizes, 1.0, at)
}

// evaluateWithRetry calls the LLM with prompt and parses its response,
// retrying with reducedPrompt up to maxRetries times if parsing fails. It
// returns the last raw response alongside any final error so the caller
// can fall back to storing it verbatim.
func (p *Processor) evaluateWithRetry(ctx context.Context, prompt, reducedPrompt string) (*EvaluationResult, string, error) {
	raw, err := p.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, "", errs.New(errs.LlmFailure, "evaluation completion failed", err)
	}
	result, parseErr := ParseEvaluation(raw)
	if parseErr == nil {
		return result, raw, nil
	}

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if p.mon != nil {
			p.mon.IncrEvalRetry()
		}
		retryRaw, err := p.llm.Complete(ctx, systemPrompt, reducedPrompt)
		if err != nil {
			return nil, raw, errs.New(errs.LlmFailure, "evaluation retry failed", err)
		}
		raw = retryRaw
		if result, parseErr = ParseEvaluation(raw); parseErr == nil {
			return result, raw, nil
		}
	}
	return nil, raw, parseErr
}

func groupKey(sessionID, topic string) string {
	if sessionID == "" {
		return "group:" + topic
	}
	return "group:" + sessionID + ":" + topic
}
