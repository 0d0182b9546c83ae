package engine

import (
	"context"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Turn is one unit from the external conversation stream the Harvester
// consumes lazily (§4.8); the source is not specified by the engine.
type Turn struct {
	ConversationID string
	Index          int64
	Role           string
	Content        string
	Timestamp      time.Time
}

// HarvesterConfig mirrors SPEC_FULL.md §6.4's `harvester` block.
type HarvesterConfig struct {
	MessageIntervalK   int64
	TimeIntervalT      time.Duration
	ConfidenceThreshold float64
	Workers            int
	QueueSize          int
}

func DefaultHarvesterConfig() HarvesterConfig {
	return HarvesterConfig{
		MessageIntervalK:    10,
		TimeIntervalT:       300 * time.Second,
		ConfidenceThreshold: 0.5,
		Workers:             3,
		QueueSize:           1000,
	}
}

var highPriorityPatternRe = regexp.MustCompile(`(?i)\b(remember this|don't forget|my name is|i prefer|decided to|always use|never use)\b`)

// HarvestCandidate is an extracted candidate memory pending ingestion.
type HarvestCandidate struct {
	Content        string
	Taxonomy       string // preference|fact|decision|code_snippet|outcome|learned_pattern|emotional_signal
	ConversationID string
	TurnRange      [2]int64
}

// HarvesterStats mirrors tagger_queue.go's TaggerStats shape.
type HarvesterStats struct {
	TurnsIngested    int64
	PassesTriggered  int64
	CandidatesWritten int64
	WriteFailures    int64
	Dropped          int64
}

// Harvester is C8: consumes turns from a bounded queue, decides when to
// trigger an extraction pass, and writes candidates via Repository.Create
// only. Silent-mode: it never calls back into the conversation stream.
// Grounded on internal/memory/tagger_queue.go's TaggerQueue worker-pool
// shape (bounded channel, drop-on-full, WaitGroup shutdown); cursor
// durability via go-redis mirrors internal/redis/client.go's wiring.
type Harvester struct {
	repo   *Repository
	rdb    *redis.Client
	cfg    HarvesterConfig
	extract func(ctx context.Context, turns []Turn) []HarvestCandidate

	queue  chan Turn
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*sessionCursor
	stats    HarvesterStats
}

type sessionCursor struct {
	mu            sync.Mutex
	buffer        []Turn
	lastHarvestAt time.Time
	lastIndex     int64
}

// NewHarvester wires a Harvester. extract is the taxonomy-extraction
// function (preferences, facts, decisions, code snippets, outcomes, learned
// patterns, emotional signals); callers typically back it with an LLM call.
func NewHarvester(repo *Repository, rdb *redis.Client, cfg HarvesterConfig, extract func(ctx context.Context, turns []Turn) []HarvestCandidate) *Harvester {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Harvester{
		repo:     repo,
		rdb:      rdb,
		cfg:      cfg,
		extract:  extract,
		queue:    make(chan Turn, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*sessionCursor{},
	}
	for i := 0; i < cfg.Workers; i++ {
		h.wg.Add(1)
		go h.worker(i)
	}
	return h
}

// Ingest enqueues a turn non-blockingly; a full queue drops the turn and
// counts it, matching the teacher's enqueue discipline.
func (h *Harvester) Ingest(turn Turn) {
	select {
	case h.queue <- turn:
	default:
		h.mu.Lock()
		h.stats.Dropped++
		h.mu.Unlock()
		log.Printf("[Harvester] queue full, dropping turn conv=%s idx=%d", turn.ConversationID, turn.Index)
	}
}

func (h *Harvester) worker(id int) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case turn, ok := <-h.queue:
			if !ok {
				return
			}
			h.processTurn(turn)
		}
	}
}

func (h *Harvester) processTurn(turn Turn) {
	h.mu.Lock()
	h.stats.TurnsIngested++
	h.mu.Unlock()

	cur := h.cursorFor(turn.ConversationID)
	cur.mu.Lock()
	cur.buffer = append(cur.buffer, turn)
	cur.lastIndex = turn.Index
	elapsed := time.Since(cur.lastHarvestAt)
	trigger := int64(len(cur.buffer)) >= h.cfg.MessageIntervalK ||
		elapsed >= h.cfg.TimeIntervalT ||
		highPriorityPatternRe.MatchString(turn.Content)
	var batch []Turn
	if trigger {
		batch = cur.buffer
		cur.buffer = nil
		cur.lastHarvestAt = time.Now()
	}
	cur.mu.Unlock()

	if trigger {
		h.runPass(turn.ConversationID, batch)
	}
	h.persistCursor(turn)
}

// Trigger forces an extraction pass for a conversation, the "explicit
// caller request" trigger in §4.8.
func (h *Harvester) Trigger(conversationID string) {
	cur := h.cursorFor(conversationID)
	cur.mu.Lock()
	batch := cur.buffer
	cur.buffer = nil
	cur.lastHarvestAt = time.Now()
	cur.mu.Unlock()
	if len(batch) > 0 {
		h.runPass(conversationID, batch)
	}
}

func (h *Harvester) cursorFor(conversationID string) *sessionCursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.sessions[conversationID]
	if !ok {
		cur = &sessionCursor{lastHarvestAt: time.Now()}
		h.sessions[conversationID] = cur
	}
	return cur
}

func (h *Harvester) runPass(conversationID string, turns []Turn) {
	if len(turns) == 0 || h.extract == nil {
		return
	}
	h.mu.Lock()
	h.stats.PassesTriggered++
	h.mu.Unlock()

	candidates := h.extract(h.ctx, turns)
	for _, c := range candidates {
		_, err := h.repo.Create(h.ctx, CreateRequest{
			Content: c.Content,
			Metadata: map[string]any{
				"provenance":      "harvester",
				"session_id":      conversationID,
				"turn_range":      []int64{c.TurnRange[0], c.TurnRange[1]},
				"harvest_taxonomy": c.Taxonomy,
			},
		})
		h.mu.Lock()
		if err != nil {
			h.stats.WriteFailures++
			log.Printf("[Harvester] candidate write failed: %v", err)
		} else {
			h.stats.CandidatesWritten++
		}
		h.mu.Unlock()
	}
}

func (h *Harvester) persistCursor(turn Turn) {
	if h.rdb == nil {
		return
	}
	key := "harvester:cursor:" + turn.ConversationID
	if err := h.rdb.Set(h.ctx, key, turn.Index, 24*time.Hour).Err(); err != nil {
		log.Printf("[Harvester] cursor persist failed for %s: %v", turn.ConversationID, err)
	}
}

// Stats exposes success/failure counters for metrics, never the stream
// itself, matching the silent-mode contract.
func (h *Harvester) Stats() HarvesterStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Stop cancels the workers' context, closes the queue and waits for the
// workers to exit. Turns still queued when Stop is called may be dropped
// without being processed.
func (h *Harvester) Stop() {
	h.cancel()
	close(h.queue)
	h.wg.Wait()
}
