package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbeddingGateway is the Embedding Gateway (SPEC_FULL.md §4.2): a bounded
// result cache in front of an OpenAI-compatible embeddings endpoint, guarded
// by a circuit breaker so a stalled provider degrades the pipeline instead
// of blocking it. Grounded on internal/memory/embedder.go's HTTP shape, with
// the cache/breaker texture of internal/tools/circuit_breaker.go.
type EmbeddingGateway struct {
	apiURL  string
	model   string
	client  *http.Client
	cache   *lru.Cache[string, []float32]
	breaker *Breaker
}

// EmbeddingGatewayOptions configures NewEmbeddingGateway; zero values take
// the spec's defaults (cache size 10000, timeout 30s, breaker threshold 10
// consecutive failures with a 30s cooldown).
type EmbeddingGatewayOptions struct {
	Model            string
	Timeout          time.Duration
	CacheSize        int
	FailureThreshold uint32
	CooldownTimeout  time.Duration
}

func NewEmbeddingGateway(apiURL string, opts EmbeddingGatewayOptions) (*EmbeddingGateway, error) {
	if opts.Model == "" {
		opts.Model = "text-embedding-ada-002"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 10000
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 10
	}
	if opts.CooldownTimeout == 0 {
		opts.CooldownTimeout = 30 * time.Second
	}
	cache, err := lru.New[string, []float32](opts.CacheSize)
	if err != nil {
		return nil, Unavailable("embedding_gateway.new", err)
	}
	return &EmbeddingGateway{
		apiURL:  apiURL,
		model:   opts.Model,
		client:  &http.Client{Timeout: opts.Timeout},
		cache:   cache,
		breaker: NewBreaker("embedding_gateway", opts.FailureThreshold, opts.CooldownTimeout),
	}, nil
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + hex.EncodeToString(sum[:])
}

// Embed converts text to a vector embedding, serving from cache when
// possible and tripping the breaker on repeated provider failures.
func (g *EmbeddingGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(g.model, text)
	if v, ok := g.cache.Get(key); ok {
		return v, nil
	}

	if g.breaker.IsOpen() {
		return nil, Unavailable("embedding_gateway.embed", fmt.Errorf("embedding provider circuit open"))
	}

	var out []float32
	err := g.breaker.Call(func() error {
		v, err := g.callProvider(ctx, text)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		log.Printf("[EmbeddingGateway] embed failed: %v", err)
		return nil, Unavailable("embedding_gateway.embed", err)
	}

	g.cache.Add(key, out)
	return out, nil
}

func (g *EmbeddingGateway) callProvider(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]any{
		"input": text,
		"model": g.model,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Data[0].Embedding, nil
}

// Stats exposes the underlying breaker's stats for health endpoints.
func (g *EmbeddingGateway) Stats() map[string]any { return g.breaker.Stats() }

// OnRecovery registers fn to run once the breaker closes after an outage.
// Repository uses this to re-embed records that were stored with
// embedding=absent while the provider was unavailable (§4.2 fallback
// policy).
func (g *EmbeddingGateway) OnRecovery(fn func()) {
	g.breaker.OnClose(fn)
}
