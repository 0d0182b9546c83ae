package engine

import (
	"context"
	"fmt"
	"time"
)

// Search implements §4.4.1 search / §4.4.2 retrieval modes, producing the
// uniform SearchResult contract regardless of mode.
func (r *Repository) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	start := time.Now()
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 20
	}
	if req.SimilarityThreshold == 0 {
		req.SimilarityThreshold = 0.7
	}

	var results []SearchResult
	var err error

	switch req.SearchType {
	case SearchFullText:
		results, err = r.searchFullText(ctx, req)
	case SearchTemporal:
		results, err = r.searchTemporal(ctx, req)
	case SearchHybrid:
		results, err = r.searchHybrid(ctx, req)
	default:
		results, err = r.searchSemantic(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	for i := range results {
		if err := validateSearchResult(&results[i]); err != nil {
			return nil, err
		}
	}

	return &SearchResponse{
		Results:     results,
		QueryTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

// validateSearchResult fails fast with SearchBackendContractViolation when a
// mode returns a result without its record (§4.4.1). The score fields are
// plain float64s and are not checked.
func validateSearchResult(res *SearchResult) error {
	if res.Record == nil {
		return SearchBackendContractViolation("repository.search", "result missing record")
	}
	return nil
}

func (r *Repository) searchSemantic(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	embedding := req.QueryEmbedding
	if embedding == nil && req.QueryText != "" {
		emb, err := r.embedder.Embed(ctx, req.QueryText)
		if err != nil {
			return nil, Unavailable("repository.search_semantic", err)
		}
		embedding = emb
	}
	if embedding == nil {
		return nil, Validation("repository.search_semantic", "query_embedding or query_text required for semantic search")
	}

	recs, sims, err := r.storage.SemanticSearch(ctx, embedding, req.Tier, req.SimilarityThreshold, req.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(recs))
	for i, rec := range recs {
		rec := rec
		temporal, _ := r.math.RecencyScore(time.Since(rec.CreatedAt).Hours())
		combined, _ := r.math.CombinedScore(temporal, rec.ImportanceScore, sims[i])
		out = append(out, SearchResult{
			Record:               &rec,
			SimilarityScore:      sims[i],
			TemporalScore:        temporal,
			ImportanceScore:      rec.ImportanceScore,
			AccessFrequencyScore: accessFrequencyScore(rec.AccessCount),
			CombinedScore:        combined,
			Explanation:          explainIf(req.ExplainScore, "semantic k-NN, cosine_similarity>=%.2f", req.SimilarityThreshold),
		})
	}
	return out, nil
}

func (r *Repository) searchFullText(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if req.QueryText == "" {
		return nil, Validation("repository.search_fulltext", "query_text required for fulltext search")
	}
	recs, ranks, err := r.storage.FullTextSearch(ctx, req.QueryText, req.Tier, req.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(recs))
	for i, rec := range recs {
		rec := rec
		// FullText has no native similarity score; the contract requires the
		// field be present, so it is computed client-side as the cosine of the
		// request's query_embedding and the record's stored embedding when
		// both are present, else defaults to 0 per §4.4.1.
		sim := 0.0
		if len(rec.Embedding.Slice()) > 0 && len(req.QueryEmbedding) > 0 {
			sim = CosineSimilarity(req.QueryEmbedding, rec.Embedding.Slice())
		}
		temporal, _ := r.math.RecencyScore(time.Since(rec.CreatedAt).Hours())
		combined, _ := r.math.CombinedScore(temporal, rec.ImportanceScore, ranks[i])
		out = append(out, SearchResult{
			Record:               &rec,
			SimilarityScore:      sim,
			TemporalScore:        temporal,
			ImportanceScore:      rec.ImportanceScore,
			AccessFrequencyScore: accessFrequencyScore(rec.AccessCount),
			CombinedScore:        combined,
			Explanation:          explainIf(req.ExplainScore, "fulltext rank=%.4f", ranks[i]),
		})
	}
	return out, nil
}

func (r *Repository) searchTemporal(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	recs, err := r.storage.TemporalSearch(ctx, req.DateRange, req.Tier, req.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(recs))
	for _, rec := range recs {
		rec := rec
		temporal, _ := r.math.RecencyScore(time.Since(rec.CreatedAt).Hours())
		combined, _ := r.math.CombinedScore(temporal, rec.ImportanceScore, 0)
		out = append(out, SearchResult{
			Record:               &rec,
			SimilarityScore:      0,
			TemporalScore:        temporal,
			ImportanceScore:      rec.ImportanceScore,
			AccessFrequencyScore: accessFrequencyScore(rec.AccessCount),
			CombinedScore:        combined,
			Explanation:          explainIf(req.ExplainScore, "temporal order by combined_score desc"),
		})
	}
	return out, nil
}

// searchHybrid merges Semantic and FullText candidates and re-ranks by the
// weighted sum from §4.4.2.
func (r *Repository) searchHybrid(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	weights := DefaultHybridWeights()
	if req.HybridWeights != nil {
		weights = *req.HybridWeights
	}

	k1Req, k2Req := req, req
	k1Req.SearchType, k2Req.SearchType = SearchSemantic, SearchFullText
	k1Req.Limit, k2Req.Limit = req.Limit*2, req.Limit*2

	var semResults, ftResults []SearchResult
	hasVector := req.QueryEmbedding != nil || req.QueryText != ""
	if hasVector {
		res, err := r.searchSemantic(ctx, k1Req)
		if err != nil {
			return nil, err
		}
		semResults = res
	}
	if req.QueryText != "" {
		res, err := r.searchFullText(ctx, k2Req)
		if err != nil {
			return nil, err
		}
		ftResults = res
	}
	if !hasVector && req.QueryText == "" {
		return nil, Validation("repository.search_hybrid", "query_text or query_embedding required for hybrid search")
	}

	merged := map[string]SearchResult{}
	for _, res := range append(semResults, ftResults...) {
		if existing, ok := merged[res.Record.ID]; ok {
			if res.SimilarityScore > existing.SimilarityScore {
				existing.SimilarityScore = res.SimilarityScore
			}
			if res.TemporalScore > existing.TemporalScore {
				existing.TemporalScore = res.TemporalScore
			}
			merged[res.Record.ID] = existing
			continue
		}
		merged[res.Record.ID] = res
	}

	out := make([]SearchResult, 0, len(merged))
	for _, res := range merged {
		res.CombinedScore = weights.Similarity*res.SimilarityScore +
			weights.Temporal*res.TemporalScore +
			weights.Importance*res.ImportanceScore +
			weights.Recency*res.TemporalScore +
			weights.AccessFrequency*res.AccessFrequencyScore
		res.Explanation = explainIf(req.ExplainScore, "hybrid merge of semantic+fulltext, weights=%+v", weights)
		out = append(out, res)
	}

	sortByCombinedDesc(out)
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func sortByCombinedDesc(results []SearchResult) {
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && results[j-1].CombinedScore < results[j].CombinedScore {
			results[j-1], results[j] = results[j], results[j-1]
			j--
		}
	}
}

func accessFrequencyScore(accessCount int64) float64 {
	// Saturating curve n/(n+20): 0 accesses -> 0, 20 -> 0.5, 180 -> 0.9,
	// approaching 1 as accesses grow.
	if accessCount <= 0 {
		return 0
	}
	v := float64(accessCount) / (float64(accessCount) + 20.0)
	if v > 1.0 {
		v = 1.0
	}
	return v
}

func explainIf(enabled bool, format string, args ...any) string {
	if !enabled {
		return ""
	}
	return fmt.Sprintf(format, args...)
}
