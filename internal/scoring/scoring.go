// Package scoring ranks bids against an intent. Scoring is a pure function
// of the bid snapshot and the intent: identical inputs always produce
// identical scores, which keeps auction close deterministic and testable.
package scoring

import (
	"math"
	"sort"

	"github.com/kaustubh76/synapse/internal/core"
)

// speedZeroPointMs is the estimated time at which the speed signal reaches
// zero. Ten seconds: anything slower scores no speed credit.
const speedZeroPointMs = 10_000

// teeBonus is the multiplicative premium for TEE-attested providers.
const teeBonus = 1.10

// maxScore bounds the final score: 100 * 1.10 rounded.
const maxScore = 110

// Weights is one weight set. Signals are normalized to [0,1] before
// weighting; the weights of a set should sum to 1.
type Weights struct {
	Cost       float64 `yaml:"cost"`
	Speed      float64 `yaml:"speed"`
	Reputation float64 `yaml:"reputation"`
	Confidence float64 `yaml:"confidence"`
	Quality    float64 `yaml:"quality"`
}

// DefaultWeights applies to every category without an override.
var DefaultWeights = Weights{
	Cost:       0.30,
	Speed:      0.20,
	Reputation: 0.15,
	Confidence: 0.35,
}

// QualityWeights is the LLM/tool variant: a quality signal takes the bulk
// of the weight and confidence is reduced.
var QualityWeights = Weights{
	Cost:       0.25,
	Speed:      0.15,
	Reputation: 0.15,
	Confidence: 0.10,
	Quality:    0.35,
}

// Scorer resolves weight sets per category.
type Scorer struct {
	overrides map[core.Category]Weights
}

// New builds a Scorer. Overrides replace the built-in set for a category;
// LLM and tool categories default to QualityWeights.
func New(overrides map[core.Category]Weights) *Scorer {
	return &Scorer{overrides: overrides}
}

// WeightsFor returns the weight set used for a category.
func (s *Scorer) WeightsFor(category core.Category) Weights {
	if s != nil && s.overrides != nil {
		if w, ok := s.overrides[category]; ok {
			return w
		}
	}
	switch category {
	case core.CategoryLLM, core.CategoryTool:
		return QualityWeights
	default:
		return DefaultWeights
	}
}

// Explanation breaks a score into its normalized signals for live leader
// events and auditability.
type Explanation struct {
	CostScore       float64 `json:"cost_score"`
	SpeedScore      float64 `json:"speed_score"`
	ReputationScore float64 `json:"reputation_score"`
	ConfidenceScore float64 `json:"confidence_score"`
	QualityScore    float64 `json:"quality_score,omitempty"`
	TEEBonus        float64 `json:"tee_bonus"`
	Base            float64 `json:"base"`
}

// Score computes the 0-110 score for a bid against its intent.
func (s *Scorer) Score(bid *core.Bid, intent *core.Intent) (int, Explanation) {
	w := s.WeightsFor(intent.Category)

	ex := Explanation{TEEBonus: 1.0}
	if intent.MaxBudget > 0 {
		ex.CostScore = math.Max(0, 1-bid.BidAmount.Float()/intent.MaxBudget.Float())
	}
	ex.SpeedScore = math.Max(0, 1-float64(bid.EstimatedTimeMs)/speedZeroPointMs)
	ex.ReputationScore = clamp01(bid.ReputationScore / 5)
	ex.ConfidenceScore = clamp01(bid.Confidence / 100)
	ex.QualityScore = clamp01(bid.Quality / 100)

	ex.Base = w.Cost*ex.CostScore +
		w.Speed*ex.SpeedScore +
		w.Reputation*ex.ReputationScore +
		w.Confidence*ex.ConfidenceScore +
		w.Quality*ex.QualityScore

	if bid.TEEAttested {
		ex.TEEBonus = teeBonus
	}

	score := int(math.Round(100 * ex.Base * ex.TEEBonus))
	if score < 0 {
		score = 0
	}
	if score > maxScore {
		score = maxScore
	}
	return score, ex
}

// Rank orders bids in place: score descending, earlier submission first on
// ties, bid id as the final deterministic tiebreak. Rank fields are
// rewritten 1-indexed.
func Rank(bids []*core.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].CalculatedScore != bids[j].CalculatedScore {
			return bids[i].CalculatedScore > bids[j].CalculatedScore
		}
		if !bids[i].SubmittedAt.Equal(bids[j].SubmittedAt) {
			return bids[i].SubmittedAt.Before(bids[j].SubmittedAt)
		}
		return bids[i].ID < bids[j].ID
	})
	for i, b := range bids {
		b.Rank = i + 1
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
