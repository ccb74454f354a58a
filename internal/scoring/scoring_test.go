package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kaustubh76/synapse/internal/core"
	"github.com/kaustubh76/synapse/internal/money"
)

func testIntent() *core.Intent {
	return &core.Intent{
		ID:        "intent-1",
		Type:      "weather.current",
		Category:  core.CategoryData,
		MaxBudget: money.MustParse("0.020"),
	}
}

func TestScoreHappyPath(t *testing.T) {
	s := New(nil)
	intent := testIntent()

	p1 := &core.Bid{
		BidAmount:       money.MustParse("0.010"),
		EstimatedTimeMs: 500,
		Confidence:      90,
		ReputationScore: 4.5,
		TEEAttested:     true,
	}
	p2 := &core.Bid{
		BidAmount:       money.MustParse("0.008"),
		EstimatedTimeMs: 800,
		Confidence:      80,
		ReputationScore: 4.0,
	}

	s1, ex1 := s.Score(p1, intent)
	s2, ex2 := s.Score(p2, intent)

	assert.InDelta(t, 0.5, ex1.CostScore, 1e-9)
	assert.InDelta(t, 0.95, ex1.SpeedScore, 1e-9)
	assert.InDelta(t, 0.9, ex1.ReputationScore, 1e-9)
	assert.InDelta(t, 0.9, ex1.ConfidenceScore, 1e-9)
	assert.Equal(t, 1.10, ex1.TEEBonus)

	assert.InDelta(t, 0.6, ex2.CostScore, 1e-9)
	assert.Equal(t, 1.0, ex2.TEEBonus)

	// The attested, faster, better-reputed bid wins despite costing more.
	assert.Greater(t, s1, s2)
	assert.Equal(t, 87, s1)
	assert.Equal(t, 76, s2)
}

func TestScoreBounds(t *testing.T) {
	s := New(nil)
	intent := testIntent()

	// Free, instant, perfect bid with TEE caps at 110.
	best := &core.Bid{BidAmount: 0, EstimatedTimeMs: 0, Confidence: 100, ReputationScore: 5, TEEAttested: true}
	score, _ := s.Score(best, intent)
	assert.Equal(t, 110, score)

	// Budget-priced, 10s, zero-reputation bid bottoms out.
	worst := &core.Bid{BidAmount: intent.MaxBudget, EstimatedTimeMs: 10_000, Confidence: 0, ReputationScore: 0}
	score, _ = s.Score(worst, intent)
	assert.Equal(t, 0, score)
}

func TestScoreDeterministic(t *testing.T) {
	s := New(nil)
	intent := testIntent()
	bid := &core.Bid{BidAmount: money.MustParse("0.015"), EstimatedTimeMs: 1200, Confidence: 70, ReputationScore: 3.3}

	a, _ := s.Score(bid, intent)
	b, _ := s.Score(bid, intent)
	assert.Equal(t, a, b)
}

func TestQualityWeightsForLLM(t *testing.T) {
	s := New(nil)
	w := s.WeightsFor(core.CategoryLLM)
	assert.Equal(t, QualityWeights, w)
	assert.Equal(t, DefaultWeights, s.WeightsFor(core.CategoryData))

	override := map[core.Category]Weights{core.CategoryData: {Cost: 1}}
	s = New(override)
	assert.Equal(t, Weights{Cost: 1}, s.WeightsFor(core.CategoryData))
}

func TestRankTieBreaksBySubmission(t *testing.T) {
	earlier := time.Now()
	later := earlier.Add(50 * time.Millisecond)

	b1 := &core.Bid{ID: "b", CalculatedScore: 80, SubmittedAt: later}
	b2 := &core.Bid{ID: "a", CalculatedScore: 80, SubmittedAt: earlier}
	b3 := &core.Bid{ID: "c", CalculatedScore: 91, SubmittedAt: later}

	for i := 0; i < 10; i++ {
		bids := []*core.Bid{b1, b2, b3}
		Rank(bids)
		assert.Equal(t, "c", bids[0].ID)
		assert.Equal(t, "a", bids[1].ID) // earlier submission wins the tie
		assert.Equal(t, "b", bids[2].ID)
		assert.Equal(t, []int{1, 2, 3}, []int{bids[0].Rank, bids[1].Rank, bids[2].Rank})
	}
}
