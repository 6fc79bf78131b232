package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/driveqa/driveqa/internal/answer"
	"github.com/driveqa/driveqa/internal/api"
	"github.com/driveqa/driveqa/internal/chunker"
	"github.com/driveqa/driveqa/internal/composer"
	"github.com/driveqa/driveqa/internal/config"
	"github.com/driveqa/driveqa/internal/eval"
	"github.com/driveqa/driveqa/internal/extract"
	"github.com/driveqa/driveqa/internal/index"
	"github.com/driveqa/driveqa/internal/ollama"
	"github.com/driveqa/driveqa/internal/relevance"
	"github.com/driveqa/driveqa/internal/retrieval"
	"github.com/driveqa/driveqa/internal/session"
	"github.com/driveqa/driveqa/internal/source"
	"github.com/driveqa/driveqa/internal/storage"
)

const answerTemperature = 0.7

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the driveqa server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running driveqa server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show driveqa system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "driveqa.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "driveqa version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Check if the server is already running before claiming the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("driveqa is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("driveqa is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check Ollama readiness and pull missing models.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient,
		cfg.Ollama.ChatModel, cfg.Ollama.EvalModel, cfg.Ollama.EmbedModel); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Wire the answering pipeline.
	chk, err := chunker.New(chunker.Config{Size: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap})
	if err != nil {
		return err
	}
	strategy, err := retrieval.ParseStrategy(cfg.Retrieval.Strategy)
	if err != nil {
		return err
	}

	embedder := retrieval.NewEmbedder(ollamaClient, cfg.Ollama.EmbedModel)
	indexes := index.NewManager(cfg.Storage.DataDir, index.Deps{
		Source:    source.NewLocalSource(cfg.Source.Root),
		Extractor: extract.NewTextExtractor(),
		Chunker:   chk,
		Embedder:  embedder,
	})

	var classifier relevance.EntityClassifier = relevance.HeuristicClassifier{}
	if cfg.Relevance.Classifier == "llm" {
		classifier = relevance.NewLLMClassifier(ollamaClient, cfg.Ollama.EvalModel)
	}

	sessions := session.NewManager(
		indexes,
		store,
		retrieval.NewRetriever(embedder),
		relevance.NewFilter(classifier),
		composer.New(cfg.Context.MaxTokens),
		answer.NewStreamer(ollamaClient, cfg.Ollama.ChatModel, answerTemperature),
		eval.NewEvaluator(ollamaClient, cfg.Ollama.EvalModel),
		session.Options{
			Retrieval: retrieval.Options{
				Strategy:  strategy,
				TopK:      cfg.Retrieval.TopK,
				FetchK:    cfg.Retrieval.FetchK,
				Lambda:    cfg.Retrieval.Lambda,
				Threshold: cfg.Retrieval.Threshold,
			},
			Template: cfg.Context.Template,
		},
	)
	defer func() {
		if err := sessions.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing sessions: %v\n", err)
		}
	}()

	handler := api.NewHandler(api.Deps{Sessions: sessions, Token: cfg.API.Token})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{Sessions: sessions})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "driveqa listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("driveqa is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop driveqa (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to driveqa (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Eval model", "%s", cfg.Ollama.EvalModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Corpus root", "%s", cfg.Source.Root)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
