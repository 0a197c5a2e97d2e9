package server

import (
	"fmt"
	"time"

	"brandscope/internal/engine"
	"brandscope/internal/visibility"
)

// BuildRegistry constructs the adapter registry from the configured
// engine descriptors. Providers named "mock" get a canned adapter so a
// config can mix live and offline engines.
func BuildRegistry(cfg ServerConfig) (*engine.Registry, error) {
	registry := engine.NewRegistry()
	timeout := time.Duration(cfg.Budget.DefaultTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	for _, desc := range cfg.Engines {
		var adapter engine.Adapter
		if desc.Provider == "mock" {
			adapter = &engine.MockAdapter{
				Desc:  desc,
				Text:  "This is a canned response used for offline testing.",
				Delay: 200 * time.Millisecond,
			}
		} else {
			adapter = engine.NewProviderAdapter(desc, timeout)
		}
		if err := registry.Add(adapter); err != nil {
			return nil, fmt.Errorf("register engine: %w", err)
		}
	}
	return registry, nil
}

// mockAdaptersFor replaces each selected adapter with a canned stand-in
// keyed to the run's target, so mock runs produce plausible found and
// not-found verdicts without any provider call or budget spend.
func mockAdaptersFor(selected []engine.Adapter, detection visibility.Config) []engine.Adapter {
	out := make([]engine.Adapter, 0, len(selected))
	for i, adapter := range selected {
		desc := adapter.Descriptor()
		mock := &engine.MockAdapter{
			Desc:  desc,
			Delay: 250 * time.Millisecond,
			MockUsage: engine.Usage{
				PromptTokens:     40,
				CompletionTokens: 180,
			},
		}
		// Alternate found/not-found across the engine set so the result
		// matrix exercises both verdicts.
		if i%2 == 0 {
			mock.Text = fmt.Sprintf(
				"Shoppers often recommend %s for its quality, alongside a few other popular options.",
				detection.BrandName,
			)
			mock.SourceURLs = []string{
				"https://www." + detection.TargetHost + "/products",
				"https://example.org/roundup",
			}
		} else {
			mock.Text = "Several well-known alternatives dominate this category according to most reviews."
			mock.SourceURLs = []string{
				"https://example.com/buyers-guide",
				"https://example.net/comparisons",
			}
		}
		out = append(out, mock)
	}
	return out
}
