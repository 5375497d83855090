package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Chunking  ChunkingConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL    string
	Model      string
	EmbedModel string
	// TimeoutSecs bounds every embed/chat request to the backend.
	TimeoutSecs int
}

type StorageConfig struct {
	DataDir string
	// DocsDir is the root folder scanned for documents to index.
	DocsDir string
	// MaxFileMB is the per-file size ceiling; larger files are skipped
	// without being read.
	MaxFileMB int
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type RetrievalConfig struct {
	TopK int
	// MaxContextChars bounds the total chunk text injected into a prompt.
	MaxContextChars int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			Model:       "deepseek-r1:8b",
			EmbedModel:  "nomic-embed-text",
			TimeoutSecs: 30,
		},
		Storage: StorageConfig{
			DataDir:   defaultDataDir(),
			DocsDir:   "LocalDocs",
			MaxFileMB: 10,
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			MaxContextChars: 16000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/memvault/config.json, applies MEMVAULT_* environment
// variable overrides, and validates the result.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave mid-run. Chunking
// parameters in particular are checked here so a bad overlap fails at
// startup rather than looping forever during ingestion.
func Validate(cfg Config) error {
	if cfg.Chunking.Size <= 0 {
		return fmt.Errorf("invalid config: chunking.size must be positive, got %d", cfg.Chunking.Size)
	}
	if cfg.Chunking.Overlap < 0 {
		return fmt.Errorf("invalid config: chunking.overlap must be non-negative, got %d", cfg.Chunking.Overlap)
	}
	if cfg.Chunking.Overlap >= cfg.Chunking.Size {
		return fmt.Errorf("invalid config: chunking.overlap (%d) must be less than chunking.size (%d)",
			cfg.Chunking.Overlap, cfg.Chunking.Size)
	}
	if cfg.Retrieval.TopK <= 0 {
		return fmt.Errorf("invalid config: retrieval.top_k must be positive, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Ollama.TimeoutSecs <= 0 {
		return fmt.Errorf("invalid config: ollama.timeout_secs must be positive, got %d", cfg.Ollama.TimeoutSecs)
	}
	if cfg.Storage.MaxFileMB <= 0 {
		return fmt.Errorf("invalid config: storage.max_file_mb must be positive, got %d", cfg.Storage.MaxFileMB)
	}
	if !strings.HasPrefix(cfg.Ollama.BaseURL, "http://") && !strings.HasPrefix(cfg.Ollama.BaseURL, "https://") {
		return fmt.Errorf("invalid config: ollama.base_url must be an http(s) URL, got %q", cfg.Ollama.BaseURL)
	}
	return nil
}
