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

	"github.com/memvault/memvault/internal/api"
	"github.com/memvault/memvault/internal/chunker"
	"github.com/memvault/memvault/internal/composer"
	"github.com/memvault/memvault/internal/config"
	"github.com/memvault/memvault/internal/engine"
	"github.com/memvault/memvault/internal/index"
	"github.com/memvault/memvault/internal/ingest"
	"github.com/memvault/memvault/internal/loader"
	"github.com/memvault/memvault/internal/memory"
	"github.com/memvault/memvault/internal/pipeline"
	"github.com/memvault/memvault/internal/retrieval"
)

var offline bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memvault server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&offline, "offline", false, "run without an inference backend (keyword retrieval only)")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running memvault server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "memvault.pid")
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

// resolveDocsDir anchors a relative documents folder under the user's
// home directory.
func resolveDocsDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, dir)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "memvault version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice: probe the health endpoint before claiming
	// the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var eng engine.Engine
	if offline {
		eng = engine.NewOffline()
		slog.Info("offline mode, keyword retrieval only")
	} else {
		eng = engine.NewOllama(
			cfg.Ollama.BaseURL,
			cfg.Ollama.Model,
			cfg.Ollama.EmbedModel,
			time.Duration(cfg.Ollama.TimeoutSecs)*time.Second,
		)
		if eng.IsRunning(ctx) {
			slog.Info("inference backend ready", "base_url", cfg.Ollama.BaseURL,
				"model", cfg.Ollama.Model, "embed_model", cfg.Ollama.EmbedModel)
		} else {
			slog.Warn("inference backend unreachable, starting in degraded mode",
				"base_url", cfg.Ollama.BaseURL)
		}
	}

	mem, err := memory.Open(filepath.Join(cfg.Storage.DataDir, "conversations.json"))
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}

	idx, err := index.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer func() {
		if err := idx.Close(); err != nil {
			slog.Warn("closing index", "error", err)
		}
	}()

	ck, err := chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return fmt.Errorf("building chunker: %w", err)
	}

	docsDir := resolveDocsDir(cfg.Storage.DocsDir)
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		return fmt.Errorf("creating documents folder: %w", err)
	}

	embedder := retrieval.NewEmbedder(eng)
	retriever := retrieval.NewRetriever(embedder, idx)
	comp := composer.New(cfg.Retrieval.MaxContextChars)
	answerer := pipeline.NewAnswerer(eng, retriever, comp, mem, cfg.Retrieval.TopK)
	ingester := ingest.New(loader.New(cfg.Storage.MaxFileMB), ck, embedder, idx)

	deps := api.Deps{
		Memory:   mem,
		Index:    idx,
		Ingester: ingester,
		Answerer: answerer,
		Engine:   eng,
		DocsDir:  docsDir,
	}

	// Keep the index in sync with the documents folder.
	watcher, err := ingest.NewWatcher(docsDir, ingester)
	if err != nil {
		return fmt.Errorf("watching %s: %w", docsDir, err)
	}
	defer watcher.Close()
	go watcher.Run(ctx)
	slog.Info("watching documents folder", "dir", docsDir)

	// MCP over stdio.
	mcpSrv := api.NewMCPServer(deps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("memvault listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
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
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("memvault is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop memvault (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to memvault (PID %d)", pid)
	return nil
}
