package engine

import "math"

// MathEngine implements the pure, side-effect-free cognitive scoring
// functions. All functions clamp exponents to |x| <= expClampBound and
// reject non-finite output with MathematicalOverflow, per SPEC_FULL.md §4.1.
//
// Grounded on internal/memory/decay.go's calculateAdjustedAge (age/strength
// protection-factor math) and internal/memory/consolidator.go's
// cosineSimilarity (hand-rolled, numerically guarded float64 math).
type MathEngine struct {
	weights      ScoreWeights
	decayLambda  float64
	consolidation ConsolidationParams
}

// ScoreWeights are the three-component scoring weights; must sum to 1.0.
type ScoreWeights struct {
	Recency    float64 // alpha
	Importance float64 // beta
	Relevance  float64 // gamma
}

// ConsolidationParams configure the consolidation strength update.
type ConsolidationParams struct {
	LearningRate     float64 // eta, default 0.3
	SpacingSensitivity float64 // beta, default 1.5
	ClampMax         float64 // default 15.0
	DifficultyFactor float64 // default 1.2, caller-overridable in [0.5, 2.0]
}

const (
	expClampBound  = 700.0
	minStrength    = 0.1
)

// NewMathEngine validates weights sum to 1.0 (+/- 1e-3) per invariant 3.
func NewMathEngine(weights ScoreWeights, decayLambda float64, consolidation ConsolidationParams) (*MathEngine, error) {
	sum := weights.Recency + weights.Importance + weights.Relevance
	if math.Abs(sum-1.0) > 1e-3 || weights.Recency < 0 || weights.Importance < 0 || weights.Relevance < 0 {
		return nil, InvalidParameter("math_engine.new", "weights alpha+beta+gamma must sum to 1.0 and be non-negative")
	}
	if consolidation.ClampMax <= minStrength {
		consolidation.ClampMax = 15.0
	}
	if consolidation.LearningRate == 0 {
		consolidation.LearningRate = 0.3
	}
	if consolidation.SpacingSensitivity == 0 {
		consolidation.SpacingSensitivity = 1.5
	}
	if consolidation.DifficultyFactor == 0 {
		consolidation.DifficultyFactor = 1.2
	}
	return &MathEngine{weights: weights, decayLambda: decayLambda, consolidation: consolidation}, nil
}

func clampExponent(x float64) float64 {
	if x > expClampBound {
		return expClampBound
	}
	if x < -expClampBound {
		return -expClampBound
	}
	return x
}

func checkFinite(op string, v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, MathematicalOverflow(op, "non-finite result")
	}
	return v, nil
}

// RecallProbability computes P_recall(deltaHours, strength) = exp(-deltaHours/strength).
func (m *MathEngine) RecallProbability(deltaHours, strength float64) (float64, error) {
	if strength < minStrength {
		strength = minStrength
	}
	v := math.Exp(clampExponent(-deltaHours / strength))
	return checkFinite("math.recall_probability", v)
}

// RecencyScore computes recency = exp(-lambda * deltaHours).
func (m *MathEngine) RecencyScore(deltaHours float64) (float64, error) {
	lambda := m.decayLambda
	if lambda == 0 {
		lambda = 0.005
	}
	v := math.Exp(clampExponent(-lambda * deltaHours))
	return checkFinite("math.recency_score", v)
}

// UpdateConsolidationStrength applies the tanh-based spacing update on
// recall: g' = clamp(g + eta*tanh(beta*dt/2)*difficulty, 0.1, clampMax).
// difficultyFactor, if zero, falls back to the configured default.
func (m *MathEngine) UpdateConsolidationStrength(g, deltaHours, difficultyFactor float64) (float64, error) {
	if difficultyFactor == 0 {
		difficultyFactor = m.consolidation.DifficultyFactor
	}
	if difficultyFactor < 0.5 {
		difficultyFactor = 0.5
	}
	if difficultyFactor > 2.0 {
		difficultyFactor = 2.0
	}
	delta := m.consolidation.LearningRate * math.Tanh(m.consolidation.SpacingSensitivity*deltaHours/2) * difficultyFactor
	g2 := g + delta
	if g2 < minStrength {
		g2 = minStrength
	}
	if g2 > m.consolidation.ClampMax {
		g2 = m.consolidation.ClampMax
	}
	return checkFinite("math.update_consolidation_strength", g2)
}

// CombinedScore computes combined = alpha*recency + beta*importance + gamma*relevance.
func (m *MathEngine) CombinedScore(recency, importance, relevance float64) (float64, error) {
	v := m.weights.Recency*recency + m.weights.Importance*importance + m.weights.Relevance*relevance
	return checkFinite("math.combined_score", v)
}

// SpacingFactor is the piecewise spacing multiplier bounded [0.1, 2.0].
func (m *MathEngine) SpacingFactor(deltaActualHours, consolidationStrength float64) (float64, error) {
	optimal := consolidationStrength * 24.0
	if optimal <= 0 {
		optimal = 24.0
	}
	r := deltaActualHours / optimal

	var f float64
	switch {
	case r < 0.5:
		f = 2 * r
	case r <= 2.0:
		f = 1 + 0.5*(r-1)
	default:
		f = 1.5 * (2 / r)
	}
	if f < 0.1 {
		f = 0.1
	}
	if f > 2.0 {
		f = 2.0
	}
	return checkFinite("math.spacing_factor", f)
}

// TestingEffectFactor discretizes latency L (ms) and scales by confidence
// and a constant (default 1.2), bounded [0.1, 2.0].
func (m *MathEngine) TestingEffectFactor(latencyMS float64, confidence, scalingConstant float64) (float64, error) {
	if scalingConstant == 0 {
		scalingConstant = 1.2
	}
	var base float64
	switch {
	case latencyMS <= 500:
		base = 0.2
	case latencyMS <= 2000:
		base = 1.0
	case latencyMS <= 5000:
		base = 1.5
	default:
		base = 0.8
	}
	f := base * (1 + (1-confidence)*0.5) * scalingConstant
	if f < 0.1 {
		f = 0.1
	}
	if f > 2.0 {
		f = 2.0
	}
	return checkFinite("math.testing_effect_factor", f)
}

// CosineSimilarity is the hand-rolled, numerically guarded similarity used
// by the Deduplicator and the Importance Pipeline's Stage 2 semantic check.
// Grounded on internal/memory/consolidator.go's cosineSimilarity.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
