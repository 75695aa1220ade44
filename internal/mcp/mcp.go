// Package mcp implements the Model Context Protocol server for ownAI.
//
// The MCP server exposes the stored pipelines to MCP-compatible agents: they
// can list pipelines and knowledge collections, read a pipeline's aifile, and
// ask any pipeline for a reply. Replies run through the same execution path
// as the chat socket, without token streaming.
package mcp

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/reply"
)

// Store is the read side of the pipeline and knowledge tables.
type Store interface {
	GetPipeline(ctx context.Context, id int64) (model.Pipeline, error)
	ListPipelines(ctx context.Context) ([]model.Pipeline, error)
	ListKnowledge(ctx context.Context) ([]model.Knowledge, error)
	GetSettings(ctx context.Context, userID int64, domain string) (map[string]string, error)
}

// Replier produces one reply for a pipeline.
type Replier interface {
	Reply(ctx context.Context, req reply.Request, onToken func(string), onProgress func(int)) (string, error)
}

// Server wraps the MCP server with ownAI's reply service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	replier   Replier
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts registered.
func New(store Store, replier Replier, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:   store,
		replier: replier,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"ownai",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `ownAI runs configured AI pipelines. Call ownai_list_pipelines to see what is available, then ownai_reply with a pipeline_id and your text. Pass knowledge_id to ground the answer in a knowledge collection; ownai_list_knowledge lists them.`

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{
				Type: "text",
				Text: msg,
			},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}
