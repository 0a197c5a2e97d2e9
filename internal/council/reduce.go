package council

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// CriterionRanks is the judge's ranking of the member engines on one
// rubric criterion. Ranks are 1 = best and may contain ties.
type CriterionRanks struct {
	Criterion string         `json:"criterion"`
	Ranks     map[string]int `json:"ranks"`
}

// Ranking is the reduced standing of one engine across all criteria.
type Ranking struct {
	EngineID       string         `json:"engine_id"`
	FinalRank      int            `json:"final_rank"`
	AverageRank    float64        `json:"average_rank"`
	AgreementScore float64        `json:"agreement_score"`
	CriterionRanks map[string]int `json:"criterion_ranks,omitempty"`
}

// Reduce folds per-criterion judge ranks into a final total order over
// engineOrder (declaration order). Engines are sorted by mean rank;
// equal means are broken by higher agreement, then declaration order,
// so the result is deterministic. FinalRank is always exactly 1..N.
func Reduce(criteria []CriterionRanks, engineOrder []string) []Ranking {
	n := len(engineOrder)
	rankings := make([]Ranking, 0, n)
	for _, id := range engineOrder {
		perCriterion := map[string]int{}
		var ranks []int
		for _, criterion := range criteria {
			if rank, ok := criterion.Ranks[id]; ok && rank > 0 {
				perCriterion[criterion.Criterion] = rank
				ranks = append(ranks, rank)
			}
		}
		item := Ranking{
			EngineID:       id,
			CriterionRanks: perCriterion,
		}
		if len(ranks) == 0 {
			// Never ranked by the judge: worst possible standing.
			item.AverageRank = float64(n)
			item.AgreementScore = 0
		} else {
			item.AverageRank = meanInts(ranks)
			item.AgreementScore = agreementScore(ranks, n)
		}
		rankings = append(rankings, item)
	}

	declIndex := map[string]int{}
	for i, id := range engineOrder {
		declIndex[id] = i
	}
	sort.SliceStable(rankings, func(i, j int) bool {
		if rankings[i].AverageRank != rankings[j].AverageRank {
			return rankings[i].AverageRank < rankings[j].AverageRank
		}
		if rankings[i].AgreementScore != rankings[j].AgreementScore {
			return rankings[i].AgreementScore > rankings[j].AgreementScore
		}
		return declIndex[rankings[i].EngineID] < declIndex[rankings[j].EngineID]
	})
	for i := range rankings {
		rankings[i].FinalRank = i + 1
	}
	return rankings
}

// agreementScore is 1 minus the normalized variance of one engine's
// per-criterion ranks. Consistent ranks (1,1,1) score near 1; erratic
// ranks surface judge indecision with a lower score.
func agreementScore(ranks []int, n int) float64 {
	if len(ranks) < 2 || n < 2 {
		return 1
	}
	mean := meanInts(ranks)
	variance := 0.0
	for _, rank := range ranks {
		d := float64(rank) - mean
		variance += d * d
	}
	variance /= float64(len(ranks))
	// Max variance for values confined to [1,n].
	spread := float64(n-1) / 2
	maxVariance := spread * spread
	if maxVariance <= 0 {
		return 1
	}
	score := 1 - variance/maxVariance
	return math.Max(0, math.Min(1, score))
}

func meanInts(values []int) float64 {
	total := 0
	for _, v := range values {
		total += v
	}
	return float64(total) / float64(len(values))
}

type judgePayload struct {
	Criteria []CriterionRanks `json:"criteria"`
}

// ParseJudgeRanks decodes the judge's reply. The judge is instructed to
// answer with bare JSON but replies are sometimes wrapped in prose or
// code fences, so the first JSON object in the text is extracted.
func ParseJudgeRanks(raw string) ([]CriterionRanks, error) {
	blob := extractJSONObject(raw)
	if blob == "" {
		return nil, errors.New("no JSON object found in judge reply")
	}
	var payload judgePayload
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		return nil, fmt.Errorf("decode judge ranking: %w", err)
	}
	if len(payload.Criteria) == 0 {
		return nil, errors.New("judge reply contains no criteria")
	}
	for _, criterion := range payload.Criteria {
		if len(criterion.Ranks) == 0 {
			return nil, fmt.Errorf("criterion %q has no ranks", criterion.Criterion)
		}
	}
	return payload.Criteria, nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
