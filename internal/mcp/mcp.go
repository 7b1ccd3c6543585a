// Package mcp implements the Model Context Protocol server for Noema.
//
// Every dispatch method is exposed as an MCP tool, plus a small set of
// read-only resources for session bootstrap. The dispatcher stays
// transport-neutral; this package only translates tool calls into
// dispatch calls and marshals the results back as JSON text.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/noema-ai/noema/internal/dispatch"
	"github.com/noema-ai/noema/internal/model"
)

// Server wraps the MCP server around the dispatch surface.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// New creates and configures an MCP server with all tools and resources.
func New(d *dispatch.Dispatcher, version string, logger *slog.Logger) *Server {
	s := &Server{
		dispatcher: d,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"noema",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// noema://decisions/recent — latest recorded decisions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"noema://decisions/recent",
			"Recent Decisions",
			mcplib.WithResourceDescription("The most recently recorded decisions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleDecisionsRecent,
	)

	// noema://session/{agent} — per-agent startup bundle.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"noema://session/{agent}",
			"Agent Session",
			mcplib.WithTemplateDescription("Ready queue and calibration summary for one agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentSession,
	)
}

func (s *Server) handleDecisionsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	out, err := s.dispatcher.Dispatch(ctx, "listDecisions", "", mustJSON(map[string]any{"limit": 20}))
	if err != nil {
		return nil, fmt.Errorf("mcp: recent decisions: %w", err)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal decisions: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "noema://decisions/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleAgentSession(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	agent := strings.TrimPrefix(uri, "noema://session/")
	if agent == "" || agent == uri {
		return nil, fmt.Errorf("mcp: invalid session URI: %s", uri)
	}

	bundle := map[string]any{"agent": agent}
	if ready, err := s.dispatcher.Dispatch(ctx, "ready", agent, nil); err != nil {
		s.logger.Warn("mcp: session ready queue failed", "agent", agent, "error", err)
	} else {
		bundle["ready"] = ready
	}
	if cal, err := s.dispatcher.Dispatch(ctx, "getCalibration", agent,
		mustJSON(map[string]any{"agent": agent})); err != nil {
		s.logger.Warn("mcp: session calibration failed", "agent", agent, "error", err)
	} else {
		bundle["calibration"] = cal
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal session: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// dispatchTool adapts one dispatch method into an MCP tool handler. The
// "agent" argument carries the caller identity and stays in the params;
// methods that also accept an agent filter read it from there, the rest
// ignore it.
func (s *Server) dispatchTool(method string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		args := request.GetArguments()
		agent, _ := args["agent"].(string)

		var params json.RawMessage
		if len(args) > 0 {
			b, err := json.Marshal(args)
			if err != nil {
				return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			params = b
		}

		out, err := s.dispatcher.Dispatch(ctx, method, agent, params)
		if err != nil {
			return errorResult(fmt.Sprintf("%s: %v", model.KindOf(err), err)), nil
		}

		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: string(data)},
			},
		}, nil
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
