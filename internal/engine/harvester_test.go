package engine

import (
	"context"
	"testing"
	"time"
)

func fixedExtractor(candidates []HarvestCandidate) func(ctx context.Context, turns []Turn) []HarvestCandidate {
	return func(ctx context.Context, turns []Turn) []HarvestCandidate {
		return candidates
	}
}

func TestHarvester_ProcessTurn_TriggersOnMessageInterval(t *testing.T) {
	repo := newTestRepository(t)
	cfg := DefaultHarvesterConfig()
	cfg.MessageIntervalK = 2
	cfg.TimeIntervalT = time.Hour
	cfg.Workers = 0
	h := NewHarvester(repo, nil, cfg, fixedExtractor([]HarvestCandidate{{Content: "harvested fact", Taxonomy: "fact"}}))
	defer h.Stop()

	h.processTurn(Turn{ConversationID: "c1", Index: 0, Role: "user", Content: "hi there"})
	if h.Stats().PassesTriggered != 0 {
		t.Fatalf("expected no pass before reaching message interval, got %d", h.Stats().PassesTriggered)
	}
	h.processTurn(Turn{ConversationID: "c1", Index: 1, Role: "user", Content: "how are you"})

	stats := h.Stats()
	if stats.PassesTriggered != 1 {
		t.Errorf("expected 1 pass triggered at message interval, got %d", stats.PassesTriggered)
	}
	if stats.CandidatesWritten != 1 {
		t.Errorf("expected 1 candidate written, got %d", stats.CandidatesWritten)
	}
}

func TestHarvester_ProcessTurn_TriggersOnHighPriorityPattern(t *testing.T) {
	repo := newTestRepository(t)
	cfg := DefaultHarvesterConfig()
	cfg.MessageIntervalK = 1000
	cfg.TimeIntervalT = time.Hour
	cfg.Workers = 0
	h := NewHarvester(repo, nil, cfg, fixedExtractor([]HarvestCandidate{{Content: "preference noted", Taxonomy: "preference"}}))
	defer h.Stop()

	h.processTurn(Turn{ConversationID: "c1", Index: 0, Role: "user", Content: "remember this: I prefer dark mode"})
	if h.Stats().PassesTriggered != 1 {
		t.Errorf("expected high-priority pattern to trigger an immediate pass, got %d passes", h.Stats().PassesTriggered)
	}
}

func TestHarvester_ProcessTurn_NoTriggerBelowThresholds(t *testing.T) {
	repo := newTestRepository(t)
	cfg := DefaultHarvesterConfig()
	cfg.MessageIntervalK = 1000
	cfg.TimeIntervalT = time.Hour
	cfg.Workers = 0
	h := NewHarvester(repo, nil, cfg, fixedExtractor(nil))
	defer h.Stop()

	h.processTurn(Turn{ConversationID: "c1", Index: 0, Role: "user", Content: "just a plain message"})
	if h.Stats().PassesTriggered != 0 {
		t.Errorf("expected no pass below all thresholds, got %d", h.Stats().PassesTriggered)
	}
}

func TestHarvester_Trigger_ForcesPassWithBufferedTurns(t *testing.T) {
	repo := newTestRepository(t)
	cfg := DefaultHarvesterConfig()
	cfg.MessageIntervalK = 1000
	cfg.TimeIntervalT = time.Hour
	cfg.Workers = 0
	h := NewHarvester(repo, nil, cfg, fixedExtractor([]HarvestCandidate{{Content: "explicitly harvested", Taxonomy: "decision"}}))
	defer h.Stop()

	h.processTurn(Turn{ConversationID: "c1", Index: 0, Role: "user", Content: "some ordinary content"})
	if h.Stats().PassesTriggered != 0 {
		t.Fatalf("expected buffered turn not to trigger yet, got %d passes", h.Stats().PassesTriggered)
	}

	h.Trigger("c1")
	if h.Stats().PassesTriggered != 1 {
		t.Errorf("expected explicit Trigger to force a pass, got %d", h.Stats().PassesTriggered)
	}
}

func TestHarvester_Trigger_NoOpWithEmptyBuffer(t *testing.T) {
	repo := newTestRepository(t)
	cfg := DefaultHarvesterConfig()
	cfg.Workers = 0
	h := NewHarvester(repo, nil, cfg, fixedExtractor(nil))
	defer h.Stop()

	h.Trigger("never-seen-conversation")
	if h.Stats().PassesTriggered != 0 {
		t.Errorf("expected no pass for a conversation with no buffered turns, got %d", h.Stats().PassesTriggered)
	}
}

func TestHarvester_Ingest_DropsWhenQueueFull(t *testing.T) {
	repo := newTestRepository(t)
	cfg := DefaultHarvesterConfig()
	cfg.QueueSize = 1
	cfg.Workers = 0
	h := NewHarvester(repo, nil, cfg, nil)
	defer h.Stop()

	h.Ingest(Turn{ConversationID: "c1", Index: 0})
	h.Ingest(Turn{ConversationID: "c1", Index: 1})

	if h.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped turn once queue is full, got %d", h.Stats().Dropped)
	}
}

func TestHarvester_RunPass_NoExtractorIsNoOp(t *testing.T) {
	repo := newTestRepository(t)
	cfg := DefaultHarvesterConfig()
	cfg.Workers = 0
	h := NewHarvester(repo, nil, cfg, nil)
	defer h.Stop()

	h.runPass("c1", []Turn{{ConversationID: "c1", Index: 0, Content: "x"}})
	if h.Stats().PassesTriggered != 0 {
		t.Errorf("expected no pass counted when extract function is nil, got %d", h.Stats().PassesTriggered)
	}
}

func TestHarvester_Ingest_ProcessedByWorker(t *testing.T) {
	repo := newTestRepository(t)
	cfg := DefaultHarvesterConfig()
	cfg.MessageIntervalK = 1
	cfg.Workers = 1
	cfg.QueueSize = 10
	h := NewHarvester(repo, nil, cfg, fixedExtractor([]HarvestCandidate{{Content: "async harvested", Taxonomy: "fact"}}))
	defer h.Stop()

	h.Ingest(Turn{ConversationID: "c1", Index: 0, Content: "trigger immediately"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Stats().PassesTriggered > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.Stats().PassesTriggered == 0 {
		t.Error("expected the worker to process the ingested turn and trigger a pass")
	}
}
