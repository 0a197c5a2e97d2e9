package visibility

// CoverageBucket aggregates cell verdicts for one classification tag
// value. Rate counts found cells against terminal non-error cells.
type CoverageBucket struct {
	Stage  string  `json:"stage"`
	Found  int     `json:"found"`
	Tested int     `json:"tested"`
	Rate   float64 `json:"rate"`
}

// CoverageByStage groups cells by the funnel stage of their originating
// query. queries[i] must correspond to prompt index i; cells whose index
// has no query, and untagged queries, land in the "unclassified" bucket.
// Buckets come back in first-appearance order. Error cells are counted
// as neither found nor tested.
func CoverageByStage(queries []Query, cells []CellResult) []CoverageBucket {
	stageFor := func(promptIndex int) string {
		if promptIndex >= 0 && promptIndex < len(queries) {
			if stage := queries[promptIndex].FunnelStage; stage != "" {
				return stage
			}
		}
		return "unclassified"
	}

	var order []string
	buckets := map[string]*CoverageBucket{}
	for _, cell := range cells {
		stage := stageFor(cell.PromptIndex)
		bucket, ok := buckets[stage]
		if !ok {
			bucket = &CoverageBucket{Stage: stage}
			buckets[stage] = bucket
			order = append(order, stage)
		}
		switch cell.Result.Status {
		case StatusFound:
			bucket.Found++
			bucket.Tested++
		case StatusNotFound:
			bucket.Tested++
		}
	}

	out := make([]CoverageBucket, 0, len(order))
	for _, stage := range order {
		bucket := buckets[stage]
		if bucket.Tested > 0 {
			bucket.Rate = float64(bucket.Found) / float64(bucket.Tested)
		}
		out = append(out, *bucket)
	}
	return out
}
