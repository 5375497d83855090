package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/memvault/memvault/internal/memory"
	"github.com/memvault/memvault/internal/pipeline"
)

// NewMCPServer exposes the vault to MCP clients over stdio: remembering
// and recalling conversation memory, asking questions over the indexed
// documents, and triggering re-indexing.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"memvault",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("memvault: local conversation memory and document retrieval."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Store a message into the active conversation session."),
			mcp.WithString("content", mcp.Description("The text to remember"), mcp.Required()),
			mcp.WithString("role", mcp.Description("Message role: user or assistant (default user)")),
		),
		mcpRemember(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search past conversations for messages containing the query."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_documents",
			mcp.WithDescription("Answer a question from the indexed documents, with source attribution."),
			mcp.WithString("query", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAskDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("index_documents",
			mcp.WithDescription("Re-index the configured documents folder and report the result."),
		),
		mcpIndexDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"memvault://stats",
			"Memory Stats",
			mcp.WithResourceDescription("Conversation store and index statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpRemember(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		role := req.GetString("role", memory.RoleUser)

		sess, err := deps.Memory.StartOrResume()
		if err != nil {
			return mcpError(fmt.Sprintf("resuming session: %v", err)), nil
		}
		if err := deps.Memory.Append(sess.ID, role, content); err != nil {
			return mcpError(fmt.Sprintf("storing message: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored in session %s", sess.ID)), nil
	}
}

func mcpRecall(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		found := deps.Memory.Search(query)
		if len(found) > limit {
			found = found[:limit]
		}
		if len(found) == 0 {
			return mcpText("[]"), nil
		}

		hits := make([]RecallHit, len(found))
		for i, h := range found {
			hits[i] = RecallHit{
				SessionID: h.SessionID,
				Role:      h.Message.Role,
				Content:   h.Message.Content,
				Timestamp: h.Message.Timestamp,
			}
		}
		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("marshalling results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		sess, err := deps.Memory.StartOrResume()
		if err != nil {
			return mcpError(fmt.Sprintf("resuming session: %v", err)), nil
		}

		res, err := deps.Answerer.Ask(ctx, sess.ID, query)
		if errors.Is(err, pipeline.ErrEmptyQuery) {
			return mcpError("query must not be empty"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("answering failed: %v", err)), nil
		}

		answer := res.Answer
		if res.Degraded {
			answer = "[degraded mode] " + answer
		}
		return mcpText(answer), nil
	}
}

func mcpIndexDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := deps.Ingester.IngestDir(ctx, deps.DocsDir)
		if err != nil {
			return mcpError(fmt.Sprintf("indexing failed: %v", err)), nil
		}
		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("marshalling report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats := deps.Memory.Stats()
		count, err := deps.Index.Count()
		if err != nil {
			return nil, fmt.Errorf("reading index: %w", err)
		}

		b, err := json.Marshal(map[string]any{
			"sessions":       stats.Sessions,
			"messages":       stats.Messages,
			"active_session": stats.ActiveSession,
			"index_chunks":   count,
		})
		if err != nil {
			return nil, fmt.Errorf("marshalling stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
