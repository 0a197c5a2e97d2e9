package visibility

import (
	"context"
	"fmt"

	"brandscope/internal/engine"
)

// Diagnose investigates a single not-found cell: it re-queries the engine
// with a broader informational search for the same topic and checks
// whether the target appears anywhere in that wider candidate set.
// FILTERED means the engine can see the brand but chose not to surface it
// for the original prompt; INVISIBLE means no discoverable signal at all.
//
// The call is read-only with respect to the original TestResult.
func Diagnose(ctx context.Context, adapter engine.Adapter, prompt string, cfg Config) DiagnosisResult {
	broadPrompt := fmt.Sprintf(
		"Give a broad informational overview of the topic behind this question, citing a wide range of relevant websites. Question: %s",
		prompt,
	)
	response, err := adapter.Invoke(ctx, broadPrompt, engine.Options{
		MaxTokens: 2048,
		Grounding: true,
	})
	if err != nil {
		return DiagnosisResult{
			Status:  DiagnosisError,
			Message: "diagnosis query failed: " + err.Error(),
		}
	}
	cost := adapter.Descriptor().ActualCostUSD(response.Usage)

	if len(response.Sources) == 0 && matchWord(response.Text, cfg.BrandName) == nil {
		return DiagnosisResult{
			Status:  DiagnosisInconclusive,
			Message: "the broader search returned no citation data to compare against",
			CostUSD: cost,
		}
	}

	for i, source := range response.Sources {
		if HostMatches(NormalizeHost(source), cfg.TargetHost) {
			return DiagnosisResult{
				Status: DiagnosisFiltered,
				Message: fmt.Sprintf(
					"%s appears at position %d of the broader candidate set but was not surfaced for the original prompt",
					cfg.TargetHost, i+1,
				),
				CostUSD: cost,
			}
		}
	}
	if matchWord(response.Text, cfg.BrandName) != nil {
		return DiagnosisResult{
			Status: DiagnosisFiltered,
			Message: fmt.Sprintf(
				"%q is mentioned in the broader answer text but was not surfaced for the original prompt",
				cfg.BrandName,
			),
			CostUSD: cost,
		}
	}
	return DiagnosisResult{
		Status: DiagnosisInvisible,
		Message: fmt.Sprintf(
			"%s is absent from the broader candidate set; the engine has no discoverable signal for it",
			cfg.TargetHost,
		),
		CostUSD: cost,
	}
}
