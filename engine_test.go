package memengine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/config"
	"github.com/kittclouds/memengine/pkg/embedding"
)

type fakeLLM struct {
	response string
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.response, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Storage.DBFile = ":memory:"
	cfg.Storage.AnnFile = filepath.Join(dir, "test.ann")
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := testConfig(t)
	embedder := embedding.NewFallbackProvider(16)
	llm := &fakeLLM{response: `{"summary": "test turn", "weight": 6, "super_group": "other", "topic": "smoke"}`}

	e, err := NewEngine(cfg, embedder, llm)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Close(context.Background())
	})
	return e
}

func TestStoreInteractionThenGetMemory(t *testing.T) {
	e := newTestEngine(t)

	userID, assistantID, err := e.StoreInteraction("I really enjoy hiking on weekends", "That's a great hobby!", StoreContext{SessionID: "s1"})
	if err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}
	if userID == "" || assistantID == "" {
		t.Fatal("expected non-empty memory ids")
	}

	mem, err := e.GetMemory(userID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if mem.Content != "I really enjoy hiking on weekends" {
		t.Errorf("unexpected content: %q", mem.Content)
	}
}

func TestGetMemoriesPreservesOrderAndDropsMissing(t *testing.T) {
	e := newTestEngine(t)

	userID, assistantID, err := e.StoreInteraction("order preserving content", "order preserving reply", StoreContext{})
	if err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}

	mems, err := e.GetMemories([]string{assistantID, "missing_id", userID})
	if err != nil {
		t.Fatalf("GetMemories failed: %v", err)
	}
	if len(mems) != 2 {
		t.Fatalf("expected 2 resolved memories, got %d", len(mems))
	}
	if mems[0].ID != assistantID || mems[1].ID != userID {
		t.Errorf("expected [assistant, user] order, got [%s, %s]", mems[0].ID, mems[1].ID)
	}
}

func TestEnhanceQueryOnEmptyStoreMarksAnnUnused(t *testing.T) {
	e := newTestEngine(t)

	ctx, err := e.EnhanceQuery(context.Background(), "hello", QueryContext{})
	if err != nil {
		t.Fatalf("EnhanceQuery failed: %v", err)
	}
	if ctx.Stats.AnnUsed {
		t.Error("expected ann_used=false against an empty store")
	}
	if len(ctx.Sections) != 1 {
		t.Fatalf("expected only the user-input section on an empty store, got %+v", ctx.Sections)
	}
	if ctx.Sections[0].Label != "current user input" || ctx.Sections[0].Body != "hello" {
		t.Errorf("expected the section to carry the literal query text, got %+v", ctx.Sections[0])
	}
}

func TestEnhanceQueryAlwaysAppendsUserInputSection(t *testing.T) {
	e := newTestEngine(t)

	if _, _, err := e.StoreInteraction("I adopted a golden retriever", "What a lovely dog!", StoreContext{}); err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}

	ctx, err := e.EnhanceQuery(context.Background(), "golden retriever adoption", QueryContext{})
	if err != nil {
		t.Fatalf("EnhanceQuery failed: %v", err)
	}
	last := ctx.Sections[len(ctx.Sections)-1]
	if last.Label != "current user input" || last.Body != "golden retriever adoption" {
		t.Errorf("expected the final section to be the current user input, got %+v", last)
	}
}

func TestEnhanceQueryReturnsStoredTurn(t *testing.T) {
	e := newTestEngine(t)

	if _, _, err := e.StoreInteraction("I really enjoy hiking on weekends", "That's a great hobby!", StoreContext{}); err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}

	ctx, err := e.EnhanceQuery(context.Background(), "hiking weekends", QueryContext{})
	if err != nil {
		t.Fatalf("EnhanceQuery failed: %v", err)
	}
	if len(ctx.SelectedMemoryIDs) == 0 {
		t.Error("expected at least one memory surfaced for a closely related query")
	}
}

func TestUpdateMemoryInvalidatesCache(t *testing.T) {
	e := newTestEngine(t)

	userID, _, err := e.StoreInteraction("content one", "reply one", StoreContext{})
	if err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}

	if _, err := e.GetMemory(userID); err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}

	newSummary := "updated summary"
	updated, err := e.UpdateMemory(userID, store.MemoryPatch{Summary: &newSummary})
	if err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}
	if updated.Summary != newSummary {
		t.Errorf("expected updated summary, got %q", updated.Summary)
	}

	refetched, err := e.GetMemory(userID)
	if err != nil {
		t.Fatalf("GetMemory after update failed: %v", err)
	}
	if refetched.Summary != newSummary {
		t.Errorf("expected cache invalidated and fresh summary served, got %q", refetched.Summary)
	}
}

func TestDeleteMemoryThenGetFails(t *testing.T) {
	e := newTestEngine(t)

	userID, _, err := e.StoreInteraction("ephemeral content", "ephemeral reply", StoreContext{})
	if err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}

	if err := e.DeleteMemory(userID); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}
	if _, err := e.GetMemory(userID); err == nil {
		t.Error("expected GetMemory to fail after deletion")
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	e := newTestEngine(t)

	bad := e.Config()
	bad.Retrieval.KFinal = 0
	if err := e.UpdateConfig(bad); err == nil {
		t.Fatal("expected UpdateConfig to reject a zero k_final")
	}

	if e.Config().Retrieval.KFinal == 0 {
		t.Error("rejected update must leave the current config untouched")
	}
}

func TestUpdateConfigAppliesRetrievalWeights(t *testing.T) {
	e := newTestEngine(t)

	next := e.Config()
	next.ScoringWeights.WRel = 0.9
	if err := e.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if e.Config().ScoringWeights.WRel != 0.9 {
		t.Errorf("expected updated weight to stick, got %v", e.Config().ScoringWeights.WRel)
	}
}

func TestStatsReportsQueueAndCacheShape(t *testing.T) {
	e := newTestEngine(t)

	stats := e.Stats()
	if _, ok := stats["cache"]; !ok {
		t.Error("expected cache section in stats")
	}
	if _, ok := stats["queue"]; !ok {
		t.Error("expected queue section in stats")
	}
}

func TestSchemaVersionMismatchRejectedOnReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Storage.DBFile = "engine.db"
	cfg.Storage.AnnFile = filepath.Join(dir, "engine.ann")
	embedder := embedding.NewFallbackProvider(16)
	llm := &fakeLLM{response: `{"summary": "x", "weight": 5, "super_group": "other", "topic": "t"}`}

	e, err := NewEngine(cfg, embedder, llm)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cfg.Storage.SchemaVersion = 2
	if _, err := NewEngine(cfg, embedder, llm); err == nil {
		t.Fatal("expected reopen with a different schema version to fail")
	}
}

func TestReopenWithDifferentEmbeddingDimensionRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Storage.DBFile = "engine.db"
	cfg.Storage.AnnFile = filepath.Join(dir, "engine.ann")
	llm := &fakeLLM{response: `{"summary": "x", "weight": 5, "super_group": "other", "topic": "t"}`}

	e, err := NewEngine(cfg, embedding.NewFallbackProvider(16), llm)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	userID, _, err := e.StoreInteraction("dimension change survivor", "noted", StoreContext{})
	if err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The snapshot was written at dimension 16; reopening at 8 must rebuild
	// from the durable store (excluding the old-dimension vectors) rather
	// than fail startup, and the rows themselves stay readable.
	e2, err := NewEngine(cfg, embedding.NewFallbackProvider(8), llm)
	if err != nil {
		t.Fatalf("NewEngine at the new dimension failed: %v", err)
	}
	t.Cleanup(func() { _ = e2.Close(context.Background()) })

	if _, err := e2.GetMemory(userID); err != nil {
		t.Errorf("expected stored memory readable after the rebuild, got %v", err)
	}
	annStats := e2.Stats()["ann"].(map[string]any)
	if annStats["size"].(int) != 0 {
		t.Errorf("expected old-dimension vectors excluded from the rebuilt index, got size %v", annStats["size"])
	}
}

func TestSearchByKeywordResolvesFromKeywordCache(t *testing.T) {
	e := newTestEngine(t)

	userID, _, err := e.StoreInteraction("planning a trip to kyoto in autumn", "Kyoto is beautiful then!", StoreContext{})
	if err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}

	ids, err := e.SearchByKeyword([]string{"kyoto"}, 10)
	if err != nil {
		t.Fatalf("SearchByKeyword failed: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == userID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected user memory surfaced for 'kyoto', got %v", ids)
	}
}

func TestEnhanceQueryStatsCarryPerStepLatencies(t *testing.T) {
	e := newTestEngine(t)

	if _, _, err := e.StoreInteraction("I started learning the violin", "How exciting!", StoreContext{}); err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}

	ctx, err := e.EnhanceQuery(context.Background(), "learning violin", QueryContext{})
	if err != nil {
		t.Fatalf("EnhanceQuery failed: %v", err)
	}
	for _, step := range []string{"embed", "retrieve"} {
		if _, ok := ctx.Stats.LatenciesMsPerStep[step]; !ok {
			t.Errorf("expected step %q in latencies, got %v", step, ctx.Stats.LatenciesMsPerStep)
		}
	}
}

func TestArchiveHidesFromRetrievalAndRestoreReverses(t *testing.T) {
	e := newTestEngine(t)

	userID, assistantID, err := e.StoreInteraction("my cactus collection needs repotting", "Good luck with it!", StoreContext{})
	if err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}
	// Archive the assistant side too so neither half of the turn matches.
	archived := true
	for _, id := range []string{userID, assistantID} {
		if _, err := e.UpdateMemory(id, store.MemoryPatch{Archived: &archived}); err != nil {
			t.Fatalf("UpdateMemory failed: %v", err)
		}
	}

	ctx, err := e.EnhanceQuery(context.Background(), "cactus collection repotting", QueryContext{})
	if err != nil {
		t.Fatalf("EnhanceQuery failed: %v", err)
	}
	for _, id := range ctx.SelectedMemoryIDs {
		if id == userID {
			t.Fatal("expected archived memory hidden from retrieval")
		}
	}

	restored, err := e.RestoreMemory(userID)
	if err != nil {
		t.Fatalf("RestoreMemory failed: %v", err)
	}
	if restored.Archived {
		t.Fatal("expected archived flag cleared")
	}

	ctx, err = e.EnhanceQuery(context.Background(), "cactus collection repotting", QueryContext{})
	if err != nil {
		t.Fatalf("EnhanceQuery after restore failed: %v", err)
	}
	found := false
	for _, id := range ctx.SelectedMemoryIDs {
		if id == userID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected restored memory retrievable again, got %v", ctx.SelectedMemoryIDs)
	}
}

func TestMaintenanceTickSweepsWithoutError(t *testing.T) {
	e := newTestEngine(t)

	if _, _, err := e.StoreInteraction("tick sweep content", "tick sweep reply", StoreContext{SessionID: "sweep"}); err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}

	result, err := e.MaintenanceTick()
	if err != nil {
		t.Fatalf("MaintenanceTick failed: %v", err)
	}
	if result.Scanned == 0 {
		t.Error("expected the sweep to scan the stored memories")
	}
}

func TestCheckConsistencyCleanAfterStore(t *testing.T) {
	e := newTestEngine(t)

	if _, _, err := e.StoreInteraction("a", "b", StoreContext{}); err != nil {
		t.Fatalf("StoreInteraction failed: %v", err)
	}
	report, err := e.CheckConsistency()
	if err != nil {
		t.Fatalf("CheckConsistency failed: %v", err)
	}
	if len(report.OrphansDBOnly) != 0 || len(report.OrphansAnnOnly) != 0 {
		t.Errorf("expected no orphans right after a dual-write store, got %+v", report)
	}
}
