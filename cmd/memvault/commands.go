package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memvault/memvault/internal/api"
	"github.com/memvault/memvault/internal/config"
	"github.com/memvault/memvault/internal/ingest"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memvault system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	stResp, err := c.get(cmdContext(), "/status")
	if err != nil {
		return err
	}
	var st api.StatusResponse
	if err := decodeJSON(stResp, &st); err != nil {
		return err
	}

	if st.EngineRunning {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	if st.Degraded {
		printWarning("answering is in degraded (keyword) mode")
	}
	printStatus("Model", "%s", cfg.Ollama.Model)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Docs folder", "%s", st.DocsDir)
	printStatus("Indexed", "%d chunks from %d documents", st.IndexChunks, len(st.IndexSources))
	printStatus("Sessions", "%d (%d messages)", st.Sessions, st.Messages)
	if st.ActiveSession != "" {
		printStatus("Active session", "%s", st.ActiveSession)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a file or folder into the vault",
	Long: `Index a file or folder into the vault.

Without an argument the configured documents folder is indexed.

Examples:
  memvault index
  memvault index ~/notes/meeting.md
  memvault index ~/research/`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(), "/index", api.IndexRequest{Path: path})
		if err != nil {
			return err
		}

		var report ingest.Report
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printSuccess("Indexed %d documents (%d chunks), skipped %d", report.Indexed, report.Chunks, report.Skipped)
		for path, msg := range report.Failed {
			printWarning("%s: %s", path, msg)
		}
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question over the indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		query := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(), "/query", api.QueryRequest{
			Query:     query,
			SessionID: sessionID,
		})
		if err != nil {
			return err
		}

		var result api.QueryResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Degraded {
			printWarning("inference backend unavailable; keyword matches only")
		}
		fmt.Println(result.Answer)
		if len(result.Hits) > 0 && !result.Degraded {
			printStatus("Sources", "%s", hitSources(result.Hits))
		}
		return nil
	},
}

func hitSources(hits []api.QueryHit) string {
	seen := make(map[string]bool)
	var sources []string
	for _, h := range hits {
		if !seen[h.SourcePath] {
			seen[h.SourcePath] = true
			sources = append(sources, h.SourcePath)
		}
	}
	return strings.Join(sources, ", ")
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search past conversations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(), "/recall?q="+url.QueryEscape(query))
		if err != nil {
			return err
		}

		var hits []api.RecallHit
		if err := decodeJSON(resp, &hits); err != nil {
			return err
		}

		if len(hits) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, h := range hits {
			fmt.Printf("[%s] %s (%s): %s\n",
				h.Timestamp.Format("2006-01-02 15:04"), h.SessionID, h.Role, h.Content)
		}
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List conversation sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(), "/sessions")
		if err != nil {
			return err
		}

		var sessions []api.SessionSummary
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  %d messages\n",
				s.ID, s.CreatedAt.Format("2006-01-02 15:04"), s.Messages)
		}
		return nil
	},
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(), "/sessions", nil)
		if err != nil {
			return err
		}

		var sess api.SessionSummary
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}
		printSuccess("Started session %s", sess.ID)
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the files in the documents folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(), "/scan")
		if err != nil {
			return err
		}

		var infos []ingest.FileInfo
		if err := decodeJSON(resp, &infos); err != nil {
			return err
		}

		if len(infos) == 0 {
			fmt.Println("Documents folder is empty.")
			return nil
		}
		var total int64
		for _, fi := range infos {
			fmt.Printf("%-40s %8d bytes  %s\n",
				fi.Name, fi.Size, fi.ModTime.Format("2006-01-02 15:04"))
			total += fi.Size
		}
		printStatus("Total", "%d files, %d bytes", len(infos), total)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear stored data",
}

var clearIndexCmd = &cobra.Command{
	Use:   "index",
	Short: "Remove every indexed document chunk",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmdContext(), "/index")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Index cleared")
		return nil
	},
}

var clearMemoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Erase all conversation sessions and start fresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmdContext(), "/memory")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Memory cleared, new session %s", result["session_id"])
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "", "session to converse in (default: active session)")
	sessionsCmd.AddCommand(sessionsNewCmd)
	clearCmd.AddCommand(clearIndexCmd, clearMemoryCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
