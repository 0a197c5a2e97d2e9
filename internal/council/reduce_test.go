package council

import "testing"

func TestReduceAverageRankOrdersEngines(t *testing.T) {
	criteria := []CriterionRanks{
		{Criterion: "accuracy", Ranks: map[string]int{"a": 1, "b": 1}},
		{Criterion: "relevance", Ranks: map[string]int{"a": 2, "b": 1}},
	}
	rankings := Reduce(criteria, []string{"a", "b"})
	if rankings[0].EngineID != "b" || rankings[0].FinalRank != 1 {
		t.Fatalf("expected b first, got %+v", rankings[0])
	}
	if rankings[0].AverageRank != 1.0 {
		t.Fatalf("expected b average 1.0, got %v", rankings[0].AverageRank)
	}
	if rankings[1].EngineID != "a" || rankings[1].AverageRank != 1.5 {
		t.Fatalf("expected a second with average 1.5, got %+v", rankings[1])
	}
}

func TestReduceTieBrokenByAgreement(t *testing.T) {
	// Both engines average 2.0; a is ranked consistently, b erratically.
	criteria := []CriterionRanks{
		{Criterion: "accuracy", Ranks: map[string]int{"a": 2, "b": 1}},
		{Criterion: "relevance", Ranks: map[string]int{"a": 2, "b": 3}},
	}
	rankings := Reduce(criteria, []string{"a", "b", "c"})
	if rankings[0].EngineID != "a" {
		t.Fatalf("consistent engine should win the tie, got %s", rankings[0].EngineID)
	}
	if rankings[0].AgreementScore <= rankings[1].AgreementScore {
		t.Fatalf("expected a to have higher agreement: %v vs %v",
			rankings[0].AgreementScore, rankings[1].AgreementScore)
	}
}

func TestReduceTieBrokenByDeclarationOrder(t *testing.T) {
	criteria := []CriterionRanks{
		{Criterion: "accuracy", Ranks: map[string]int{"a": 1, "b": 2}},
		{Criterion: "relevance", Ranks: map[string]int{"a": 2, "b": 1}},
	}
	rankings := Reduce(criteria, []string{"a", "b"})
	if rankings[0].EngineID != "a" {
		t.Fatalf("full tie must fall back to declaration order, got %s", rankings[0].EngineID)
	}
}

func TestReduceUnrankedEnginePlacedLast(t *testing.T) {
	criteria := []CriterionRanks{
		{Criterion: "accuracy", Ranks: map[string]int{"a": 1, "b": 2}},
	}
	rankings := Reduce(criteria, []string{"a", "b", "c"})
	last := rankings[len(rankings)-1]
	if last.EngineID != "c" {
		t.Fatalf("unranked engine must be last, got %s", last.EngineID)
	}
	if last.AverageRank != 3 || last.AgreementScore != 0 {
		t.Fatalf("unranked engine standing: %+v", last)
	}
}

func TestReduceFinalRankIsTotalOrder(t *testing.T) {
	criteria := []CriterionRanks{
		{Criterion: "accuracy", Ranks: map[string]int{"a": 1, "b": 1, "c": 1}},
	}
	rankings := Reduce(criteria, []string{"a", "b", "c"})
	for i, ranking := range rankings {
		if ranking.FinalRank != i+1 {
			t.Fatalf("expected final rank %d, got %d", i+1, ranking.FinalRank)
		}
	}
}

func TestAgreementScoreBounds(t *testing.T) {
	if got := agreementScore([]int{1, 1, 1}, 4); got != 1 {
		t.Fatalf("identical ranks must score 1, got %v", got)
	}
	if got := agreementScore([]int{1}, 4); got != 1 {
		t.Fatalf("single rank must score 1, got %v", got)
	}
	spread := agreementScore([]int{1, 4}, 4)
	if spread < 0 || spread >= 1 {
		t.Fatalf("erratic ranks must score in [0,1), got %v", spread)
	}
}

func TestParseJudgeRanks(t *testing.T) {
	raw := `Here is my assessment:
` + "```json" + `
{"criteria":[{"criterion":"accuracy","ranks":{"a":1,"b":2}}]}
` + "```"
	criteria, err := ParseJudgeRanks(raw)
	if err != nil {
		t.Fatalf("ParseJudgeRanks error: %v", err)
	}
	if len(criteria) != 1 || criteria[0].Ranks["a"] != 1 || criteria[0].Ranks["b"] != 2 {
		t.Fatalf("unexpected criteria: %+v", criteria)
	}
}

func TestParseJudgeRanksRejectsGarbage(t *testing.T) {
	if _, err := ParseJudgeRanks("no json at all"); err == nil {
		t.Fatalf("expected error for missing JSON")
	}
	if _, err := ParseJudgeRanks(`{"criteria":[]}`); err == nil {
		t.Fatalf("expected error for empty criteria")
	}
	if _, err := ParseJudgeRanks(`{"criteria":[{"criterion":"accuracy","ranks":{}}]}`); err == nil {
		t.Fatalf("expected error for empty ranks")
	}
}
