package ollama

import (
	"context"
	"fmt"
	"log/slog"
)

// EnsureReady verifies that Ollama is reachable and that all required models
// are present, pulling any that are missing. It is called once at startup so
// the first question does not stall on a multi-gigabyte download.
func EnsureReady(ctx context.Context, client *Client, models ...string) error {
	if !client.IsRunning(ctx) {
		return &ModelError{
			Op:        "startup",
			Err:       fmt.Errorf("ollama is not reachable"),
			Retryable: true,
			Remedy:    "start Ollama with 'ollama serve' and retry",
		}
	}

	seen := make(map[string]bool)
	for _, name := range models {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		if client.HasModel(ctx, name) {
			continue
		}

		slog.Info("pulling model", "model", name)
		var lastStatus string
		err := client.PullModel(ctx, name, func(p PullProgress) {
			if p.Status != lastStatus {
				slog.Info("pull progress", "model", name, "status", p.Status)
				lastStatus = p.Status
			}
		})
		if err != nil {
			return &ModelError{
				Op:        "pull",
				Err:       fmt.Errorf("pulling %s: %w", name, err),
				Retryable: true,
				Remedy:    fmt.Sprintf("pull the model manually with 'ollama pull %s'", name),
			}
		}
		slog.Info("model ready", "model", name)
	}

	return nil
}
