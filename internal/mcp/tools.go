package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ownai/ownai/internal/ctxutil"
	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/reply"
)

func (s *Server) registerTools() {
	// ownai_reply — run a pipeline and return its answer.
	s.mcpServer.AddTool(
		mcplib.NewTool("ownai_reply",
			mcplib.WithDescription(`Ask a stored pipeline for a reply.

The pipeline's chain runs with your text as input. When knowledge_id is set,
the passages most similar to your text are retrieved from that collection and
passed to the chain as context. The complete answer is returned once the
chain finishes.`),
			mcplib.WithNumber("pipeline_id",
				mcplib.Description("ID of the pipeline to run (see ownai_list_pipelines)"),
				mcplib.Required(),
				mcplib.Min(1),
			),
			mcplib.WithString("text",
				mcplib.Description("The message to answer"),
				mcplib.Required(),
			),
			mcplib.WithNumber("knowledge_id",
				mcplib.Description("Optional knowledge collection to retrieve context from"),
				mcplib.Min(1),
			),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
		),
		s.handleReply,
	)

	// ownai_list_pipelines — pipelines available to ownai_reply.
	s.mcpServer.AddTool(
		mcplib.NewTool("ownai_list_pipelines",
			mcplib.WithDescription("List the stored pipelines with their IDs, names, greetings and input variables."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListPipelines,
	)

	// ownai_list_knowledge — collections usable as knowledge_id.
	s.mcpServer.AddTool(
		mcplib.NewTool("ownai_list_knowledge",
			mcplib.WithDescription("List the knowledge collections that ownai_reply can retrieve context from."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListKnowledge,
	)
}

func (s *Server) handleReply(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	pipelineID := int64(request.GetInt("pipeline_id", 0))
	text := strings.TrimSpace(request.GetString("text", ""))
	if pipelineID <= 0 || text == "" {
		return errorResult("pipeline_id and text are required"), nil
	}

	req := reply.Request{PipelineID: pipelineID, Text: text}
	if k := int64(request.GetInt("knowledge_id", 0)); k > 0 {
		req.KnowledgeID = &k
	}
	// The caller's provider keys apply as they do in chat. There is no
	// conversation memory across tool calls.
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		overlay, err := s.store.GetSettings(ctx, claims.UserID(), model.SettingsExternalProviders)
		if err != nil {
			s.logger.Error("mcp: load provider settings", "error", err, "user_id", claims.UserID())
			return errorResult("reply failed: could not load provider settings"), nil
		}
		req.Overlay = overlay
	}

	answer, err := s.replier.Reply(ctx, req, func(string) {}, func(int) {})
	if err != nil {
		s.logger.Warn("mcp: reply failed", "error", err, "pipeline_id", pipelineID)
		return errorResult(fmt.Sprintf("reply failed: %v", err)), nil
	}
	return textResult(answer), nil
}

// pipelineSummary is the tool-facing view of a pipeline. The chain
// definition is left out; read the aifile resource for it.
type pipelineSummary struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Greeting  string   `json:"greeting,omitempty"`
	InputKeys []string `json:"input_keys"`
	IsPublic  bool     `json:"is_public"`
}

func (s *Server) handleListPipelines(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("list pipelines failed: %v", err)), nil
	}

	out := make([]pipelineSummary, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, pipelineSummary{
			ID:        p.ID,
			Name:      p.Name,
			Greeting:  p.Greeting,
			InputKeys: p.InputKeys,
			IsPublic:  p.IsPublic,
		})
	}
	return jsonResult(map[string]any{"pipelines": out, "total": len(out)})
}

func (s *Server) handleListKnowledge(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	collections, err := s.store.ListKnowledge(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("list knowledge failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"knowledge": collections, "total": len(collections)})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return textResult(string(data)), nil
}
