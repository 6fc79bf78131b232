package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DRIVEQA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DRIVEQA_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "DRIVEQA_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.eval_model", typ: kString, env: "DRIVEQA_OLLAMA_EVAL_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EvalModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EvalModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DRIVEQA_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DRIVEQA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "source.root", typ: kString, env: "DRIVEQA_SOURCE_ROOT",
		apply:   func(cfg *Config, v any) { cfg.Source.Root = v.(string) },
		extract: func(cfg Config) any { return cfg.Source.Root },
	},
	{
		key: "chunking.size", typ: kInt, env: "DRIVEQA_CHUNKING_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Size },
	},
	{
		key: "chunking.overlap", typ: kInt, env: "DRIVEQA_CHUNKING_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Overlap },
	},
	{
		key: "retrieval.strategy", typ: kString, env: "DRIVEQA_RETRIEVAL_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Strategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Strategy },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "DRIVEQA_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.fetch_k", typ: kInt, env: "DRIVEQA_RETRIEVAL_FETCH_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.FetchK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.FetchK },
	},
	{
		key: "retrieval.lambda", typ: kFloat, env: "DRIVEQA_RETRIEVAL_LAMBDA",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Lambda = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.Lambda },
	},
	{
		key: "retrieval.threshold", typ: kFloat, env: "DRIVEQA_RETRIEVAL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.Threshold },
	},
	{
		key: "relevance.classifier", typ: kString, env: "DRIVEQA_RELEVANCE_CLASSIFIER",
		apply:   func(cfg *Config, v any) { cfg.Relevance.Classifier = v.(string) },
		extract: func(cfg Config) any { return cfg.Relevance.Classifier },
	},
	{
		key: "context.max_tokens", typ: kInt, env: "DRIVEQA_CONTEXT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Context.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.MaxTokens },
	},
	{
		key: "context.template", typ: kString, env: "DRIVEQA_CONTEXT_TEMPLATE",
		apply:   func(cfg *Config, v any) { cfg.Context.Template = v.(string) },
		extract: func(cfg Config) any { return cfg.Context.Template },
	},
	{
		key: "api.token", typ: kString, env: "DRIVEQA_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "log.level", typ: kString, env: "DRIVEQA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
