package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ownai/ownai/internal/chain"
)

const (
	pipelinesURI      = "ownai://pipelines"
	aifileURIPrefix   = "ownai://pipelines/"
	aifileURISuffix   = "/aifile"
	aifileURITemplate = "ownai://pipelines/{id}/aifile"
)

func (s *Server) registerResources() {
	// ownai://pipelines — every stored pipeline, without chain definitions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			pipelinesURI,
			"Pipelines",
			mcplib.WithResourceDescription("Stored pipelines with their input variables and greetings"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePipelinesResource,
	)

	// ownai://pipelines/{id}/aifile — a pipeline in aifile form.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			aifileURITemplate,
			"Pipeline Aifile",
			mcplib.WithTemplateDescription("A pipeline's chain definition in aifile form"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAifileResource,
	)
}

func (s *Server) handlePipelinesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list pipelines: %w", err)
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
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal pipelines: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      pipelinesURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleAifileResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseAifileURI(uri)
	if err != nil {
		return nil, err
	}

	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: pipeline %d: %w", id, err)
	}
	data, err := json.MarshalIndent(chain.Aifile{
		Name:          p.Name,
		AifileVersion: chain.MaxAifileVersion,
		Chain:         p.Chain,
		Greeting:      p.Greeting,
		InputLabels:   p.InputLabels,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal aifile: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseAifileURI extracts the pipeline ID from ownai://pipelines/{id}/aifile.
func parseAifileURI(uri string) (int64, error) {
	rest, ok := strings.CutPrefix(uri, aifileURIPrefix)
	if !ok {
		return 0, fmt.Errorf("mcp: invalid aifile URI: %s", uri)
	}
	rest, ok = strings.CutSuffix(rest, aifileURISuffix)
	if !ok {
		return 0, fmt.Errorf("mcp: invalid aifile URI: %s", uri)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("mcp: invalid pipeline id in URI: %s", uri)
	}
	return id, nil
}
