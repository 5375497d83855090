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
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MEMVAULT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "MEMVAULT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "MEMVAULT_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "MEMVAULT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.timeout_secs", typ: kInt, env: "MEMVAULT_OLLAMA_TIMEOUT_SECS",
		apply:   func(cfg *Config, v any) { cfg.Ollama.TimeoutSecs = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.TimeoutSecs },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEMVAULT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.docs_dir", typ: kString, env: "MEMVAULT_STORAGE_DOCS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DocsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DocsDir },
	},
	{
		key: "storage.max_file_mb", typ: kInt, env: "MEMVAULT_STORAGE_MAX_FILE_MB",
		apply:   func(cfg *Config, v any) { cfg.Storage.MaxFileMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.MaxFileMB },
	},
	{
		key: "chunking.size", typ: kInt, env: "MEMVAULT_CHUNKING_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Size },
	},
	{
		key: "chunking.overlap", typ: kInt, env: "MEMVAULT_CHUNKING_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Overlap },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "MEMVAULT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.max_context_chars", typ: kInt, env: "MEMVAULT_RETRIEVAL_MAX_CONTEXT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextChars },
	},
	{
		key: "log.level", typ: kString, env: "MEMVAULT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			val, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading config key %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, val)
			}
		case kInt:
			val, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading config key %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, val)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw, ok := os.LookupEnv(s.env)
		if !ok || raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] ignoring %s=%q: not an integer\n", s.env, raw)
			}
		}
	}
}
