package mcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// ask-pipeline — introduces a pipeline and tells the agent how to call it.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("ask-pipeline",
			mcplib.WithPromptDescription("Start a conversation with a stored pipeline"),
			mcplib.WithArgument("pipeline_id",
				mcplib.ArgumentDescription("ID of the pipeline to talk to"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAskPipelinePrompt,
	)
}

func (s *Server) handleAskPipelinePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	raw := request.Params.Arguments["pipeline_id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("pipeline_id argument must be a positive integer")
	}

	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: pipeline %d: %w", id, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are talking to the ownAI pipeline %q (id %d).\n\n", p.Name, p.ID)
	if p.Greeting != "" {
		fmt.Fprintf(&b, "It introduces itself as:\n%s\n\n", p.Greeting)
	}
	fmt.Fprintf(&b, "Send each message with ownai_reply, pipeline_id=%d.", p.ID)
	if len(p.InputKeys) > 0 {
		fmt.Fprintf(&b, " Its chain reads these inputs: %s.", strings.Join(p.InputKeys, ", "))
	}
	b.WriteString(" To ground answers in documents, pass a knowledge_id from ownai_list_knowledge.")

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Talk to %s", p.Name),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: b.String(),
				},
			},
		},
	}, nil
}
