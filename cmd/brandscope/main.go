package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"brandscope/internal/council"
	"brandscope/internal/engine"
	"brandscope/internal/server"
	"brandscope/internal/visibility"
)

func main() {
	configPath := flag.String("config", envOr("BRANDSCOPE_CONFIG", ""), "Path to config YAML/JSON (engines, detection, budget)")
	mode := flag.String("mode", "matrix", "Operation: matrix|diagnose|council")
	target := flag.String("target", "", "Target site URL, e.g. https://www.acme.com")
	brand := flag.String("brand", "", "Brand name override (default: derived from target host)")
	variants := flag.String("variants", "", "Comma-separated brand name variants")
	engineIDs := flag.String("engines", "", "Comma-separated engine IDs (default: all configured)")
	judgeID := flag.String("judge", "", "Judge engine ID for council mode")
	synthesize := flag.Bool("synthesize", false, "Ask the judge to synthesize a combined answer (council mode)")
	budget := flag.Float64("budget", 0, "Run budget cap in USD (0=config default)")
	timeout := flag.Duration("timeout", 0, "Overall run timeout (0=config default)")
	concurrency := flag.Int("concurrency", 0, "Parallel cell workers (0=auto)")
	mock := flag.Bool("mock", false, "Use canned mock adapters, no provider calls or spend")
	queriesPath := flag.String("queries", "", "JSON file of tagged queries (matrix mode, replaces prompt args)")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full result JSON to this file")
	strict := flag.Bool("strict", false, "Exit non-zero if any cell errored or nothing was found")
	flag.Parse()

	if strings.TrimSpace(*target) == "" {
		exitWith("-target is required")
	}

	cfg, err := server.LoadServerConfig(*configPath)
	if err != nil {
		exitWith("load config: " + err.Error())
	}
	registry, err := server.BuildRegistry(cfg)
	if err != nil {
		exitWith("build engines: " + err.Error())
	}

	detection, err := visibility.NewConfig(*target, *brand, splitList(*variants)...)
	if err != nil {
		exitWith("invalid target: " + err.Error())
	}
	detection.ContextWindow = cfg.Detection.ContextWindow
	detection.AnswerTextCap = cfg.Detection.AnswerTextCap
	detection.PositiveWords = cfg.Detection.PositiveWords
	detection.NegativeWords = cfg.Detection.NegativeWords

	selected, err := selectAdapters(registry, splitList(*engineIDs))
	if err != nil {
		exitWith(err.Error())
	}
	if *mock {
		selected = mockAdapters(selected, detection)
	}

	runTimeout := *timeout
	if runTimeout <= 0 {
		runTimeout = time.Duration(cfg.Budget.DefaultTimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	switch strings.ToLower(strings.TrimSpace(*mode)) {
	case "matrix":
		prompts := flag.Args()
		var queries []visibility.Query
		if *queriesPath != "" {
			queries, err = loadQueries(*queriesPath)
			if err != nil {
				exitWith("load queries: " + err.Error())
			}
			prompts = make([]string, 0, len(queries))
			for _, query := range queries {
				prompts = append(prompts, query.Prompt)
			}
		}
		if len(prompts) == 0 {
			exitWith("matrix mode needs at least one prompt argument or -queries")
		}
		runCap := *budget
		if runCap <= 0 {
			runCap = cfg.Budget.DefaultRunCapUSD
		}
		var tracker *visibility.CostTracker
		if !*mock {
			tracker = visibility.NewCostTracker(runCap)
		}
		spec := visibility.MatrixSpec{
			Prompts:     prompts,
			Detection:   detection,
			Engines:     selected,
			Concurrency: *concurrency,
			MaxAttempts: cfg.Budget.MaxCallAttempts,
			Mock:        *mock,
		}
		progress := func(cell visibility.CellResult) {
			if !cell.Result.Status.Terminal() || strings.EqualFold(*format, "json") {
				return
			}
			fmt.Fprintf(os.Stderr, "  [%s] prompt %d x %s (%dms)\n",
				cell.Result.Status, cell.PromptIndex+1, cell.EngineID, cell.LatencyMS)
		}
		report := visibility.RunMatrix(ctx, spec, tracker, progress)
		if len(queries) > 0 {
			coverage := visibility.CoverageByStage(queries, report.Cells)
			payload := struct {
				visibility.Report
				Coverage []visibility.CoverageBucket `json:"coverage"`
			}{report, coverage}
			emitResult(*format, *outputPath, payload, func() {
				printReport(report)
				printCoverage(coverage)
			})
		} else {
			emitResult(*format, *outputPath, report, func() { printReport(report) })
		}
		if *strict && (report.Errored > 0 || report.Found == 0) {
			os.Exit(1)
		}

	case "diagnose":
		prompts := flag.Args()
		if len(prompts) != 1 {
			exitWith("diagnose mode needs exactly one prompt argument")
		}
		if len(selected) != 1 {
			exitWith("diagnose mode needs exactly one engine (-engines id)")
		}
		result := visibility.Diagnose(ctx, selected[0], prompts[0], detection)
		emitResult(*format, *outputPath, result, func() {
			fmt.Printf("Diagnosis: %s\n%s\n", result.Status, result.Message)
		})
		if *strict && result.Status == visibility.DiagnosisError {
			os.Exit(1)
		}

	case "council":
		prompts := flag.Args()
		if len(prompts) != 1 {
			exitWith("council mode needs exactly one prompt argument")
		}
		outcome, err := council.Run(ctx, prompts[0], selected, detection, council.Config{
			JudgeID:    *judgeID,
			Rubric:     cfg.Council.Rubric,
			Synthesize: *synthesize,
			MaxTokens:  cfg.Council.MaxTokens,
		})
		if err != nil {
			exitWith("council: " + err.Error())
		}
		emitResult(*format, *outputPath, outcome, func() { printCouncil(outcome) })

	default:
		exitWith("unknown mode " + *mode)
	}
}

func selectAdapters(registry *engine.Registry, ids []string) ([]engine.Adapter, error) {
	if len(ids) == 0 {
		ids = registry.IDs()
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no engines configured; provide -config with an engines section")
	}
	return registry.Select(ids)
}

// mockAdapters mirrors the server's quick-run stand-ins for offline use.
func mockAdapters(selected []engine.Adapter, detection visibility.Config) []engine.Adapter {
	out := make([]engine.Adapter, 0, len(selected))
	for i, adapter := range selected {
		mock := &engine.MockAdapter{
			Desc:  adapter.Descriptor(),
			Delay: 100 * time.Millisecond,
			MockUsage: engine.Usage{
				PromptTokens:     40,
				CompletionTokens: 180,
			},
		}
		if i%2 == 0 {
			mock.Text = fmt.Sprintf("Many buyers recommend %s as a solid choice in this category.", detection.BrandName)
			mock.SourceURLs = []string{"https://www." + detection.TargetHost + "/products"}
		} else {
			mock.Text = "The usual well-known alternatives come up in most reviews."
			mock.SourceURLs = []string{"https://example.com/buyers-guide"}
		}
		out = append(out, mock)
	}
	return out
}

func loadQueries(path string) ([]visibility.Query, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var queries []visibility.Query
	if err := json.Unmarshal(data, &queries); err != nil {
		return nil, err
	}
	for i, query := range queries {
		if strings.TrimSpace(query.Prompt) == "" {
			return nil, fmt.Errorf("query %d has no prompt", i)
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries in %s", path)
	}
	return queries, nil
}

func printCoverage(buckets []visibility.CoverageBucket) {
	if len(buckets) == 0 {
		return
	}
	fmt.Println("\nCoverage by funnel stage:")
	for _, bucket := range buckets {
		fmt.Printf("  %-16s found=%d/%d (%.0f%%)\n",
			bucket.Stage, bucket.Found, bucket.Tested, bucket.Rate*100)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func emitResult(format, outputPath string, value any, printText func()) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		printJSON(value)
	default:
		printText()
	}
	if strings.TrimSpace(outputPath) != "" {
		if err := writeJSON(outputPath, value); err != nil {
			exitWith("failed to write output: " + err.Error())
		}
	}
}

func printReport(report visibility.Report) {
	fmt.Printf("Target: %s\n", report.TargetHost)
	fmt.Printf("Generated: %s\n\n", report.GeneratedAt)
	for _, cell := range report.Cells {
		result := cell.Result
		fmt.Printf("[%s] prompt %d x %s", strings.ToUpper(string(result.Status)), cell.PromptIndex+1, cell.EngineID)
		if result.Rank > 0 {
			fmt.Printf(" rank=%d", result.Rank)
		}
		if result.Sentiment != "" {
			fmt.Printf(" sentiment=%s", result.Sentiment)
		}
		fmt.Printf(" confidence=%d (%dms, $%.4f)\n", result.Confidence, cell.LatencyMS, cell.CostUSD)
		if result.MatchContext != "" {
			fmt.Printf("  context: %s\n", result.MatchContext)
		}
		if result.Error != "" {
			fmt.Printf("  error: %s\n", result.Error)
		}
	}
	fmt.Printf("\nTotals: found=%d not-found=%d errored=%d visibility=%.0f%% cost=$%.4f\n",
		report.Found, report.NotFound, report.Errored,
		report.VisibilityRate()*100, report.TotalCostUSD)
}

func printCouncil(outcome council.Outcome) {
	fmt.Printf("Winner: %s\n\n", outcome.WinnerID)
	for _, ranking := range outcome.Rankings {
		fmt.Printf("#%d %s avg_rank=%.2f agreement=%.2f\n",
			ranking.FinalRank, ranking.EngineID, ranking.AverageRank, ranking.AgreementScore)
	}
	fmt.Println()
	for _, response := range outcome.Responses {
		if response.Error != "" {
			fmt.Printf("[%s] error: %s\n", response.EngineID, response.Error)
			continue
		}
		fmt.Printf("[%s] %d tokens, %dms, $%.4f, detection=%s\n",
			response.EngineID, response.TotalTokens, response.LatencyMS,
			response.CostUSD, response.Detection.Status)
	}
	if outcome.SynthesizedContent != "" {
		fmt.Printf("\nSynthesis:\n%s\n", outcome.SynthesizedContent)
	}
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		exitWith("failed to encode JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
