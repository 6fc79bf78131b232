package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Source    SourceConfig
	Chunking  ChunkingConfig
	Retrieval RetrievalConfig
	Relevance RelevanceConfig
	Context   ContextConfig
	API       APIConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EvalModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

// SourceConfig points the built-in local source at a corpus directory.
// Each immediate subdirectory is treated as one user's document folder.
type SourceConfig struct {
	Root string
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type RetrievalConfig struct {
	Strategy  string
	TopK      int
	FetchK    int
	Lambda    float64
	Threshold float64
}

// RelevanceConfig selects how question entities are extracted: "heuristic"
// needs no model call, "llm" asks the eval model with structured output.
type RelevanceConfig struct {
	Classifier string
}

type ContextConfig struct {
	MaxTokens int
	Template  string
}

type APIConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4820,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "mistral-nemo",
			EvalModel:  "phi3.5",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Source: SourceConfig{
			Root: filepath.Join(dataDir, "corpus"),
		},
		Chunking: ChunkingConfig{
			Size:    250,
			Overlap: 50,
		},
		Retrieval: RetrievalConfig{
			Strategy:  "similarity",
			TopK:      4,
			FetchK:    20,
			Lambda:    0.5,
			Threshold: 0.3,
		},
		Relevance: RelevanceConfig{
			Classifier: "heuristic",
		},
		Context: ContextConfig{
			MaxTokens: 4000,
			Template:  "default",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in ascending priority order: built-in defaults,
// the JSON config file at $XDG_CONFIG_HOME/driveqa/config.json, then
// DRIVEQA_* environment variables. A .env file in the working directory is
// read first so development setups can keep overrides next to the corpus.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Chunking.Overlap >= cfg.Chunking.Size {
		return fmt.Errorf("invalid chunking config: overlap %d must be smaller than size %d",
			cfg.Chunking.Overlap, cfg.Chunking.Size)
	}
	if cfg.Retrieval.Lambda < 0 || cfg.Retrieval.Lambda > 1 {
		return fmt.Errorf("invalid retrieval config: lambda %v must be within [0,1]", cfg.Retrieval.Lambda)
	}
	switch cfg.Retrieval.Strategy {
	case "similarity", "mmr", "similarity_score_threshold":
	default:
		return fmt.Errorf("invalid retrieval config: unknown strategy %q", cfg.Retrieval.Strategy)
	}
	switch cfg.Relevance.Classifier {
	case "heuristic", "llm":
	default:
		return fmt.Errorf("invalid relevance config: unknown classifier %q", cfg.Relevance.Classifier)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "driveqa-data"
		}
	}
	return filepath.Join(dir, "driveqa")
}
