package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/orchestrator"
	"github.com/joescharf/triage/internal/store"
)

// Facade is the orchestration surface exposed as MCP tools.
type Facade interface {
	Scope(ctx context.Context, req orchestrator.Request) (*models.Session, error)
	Execute(ctx context.Context, req orchestrator.Request) (*models.Session, error)
	Session(ctx context.Context, id string, refresh bool) (*models.Session, error)
	Sessions(ctx context.Context, filter store.SessionFilter, refresh bool) ([]*models.Session, error)
	Events(ctx context.Context, id string) ([]*models.Event, error)
}

// Server exposes the triage facade as MCP tools.
type Server struct {
	svc     Facade
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(svc Facade, version string) *Server {
	return &Server{svc: svc, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("triage", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.scopeTool())
	srv.AddTool(s.executeTool())
	srv.AddTool(s.statusTool())
	srv.AddTool(s.eventsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

func submitOptions(desc string) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithDescription(desc),
		mcp.WithString("repository", mcp.Required(), mcp.Description("Repository as owner/name")),
		mcp.WithNumber("issue_number", mcp.Required(), mcp.Description("Issue number")),
		mcp.WithBoolean("wait", mcp.Description("Block until the session reaches a terminal status")),
	}
}

// triage_scope
func (s *Server) scopeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_scope", submitOptions(
		"Start a scoping session for a GitHub issue. Returns the session with summary, plan, risk level, effort estimate and confidence once finished.")...)
	return tool, s.handleScope
}

func (s *Server) handleScope(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, errResult := submitRequest(request)
	if errResult != nil {
		return errResult, nil
	}
	return sessionResult(s.svc.Scope(ctx, req))
}

// triage_execute
func (s *Server) executeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_execute", submitOptions(
		"Start an execution session that implements a GitHub issue and opens a pull request. Uses the latest successful scoping plan when one exists.")...)
	return tool, s.handleExecute
}

func (s *Server) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, errResult := submitRequest(request)
	if errResult != nil {
		return errResult, nil
	}
	return sessionResult(s.svc.Execute(ctx, req))
}

// triage_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_status",
		mcp.WithDescription("Get one session by ID, or list recent sessions filtered by repository, issue, phase and status. Newest first."),
		mcp.WithString("session_id", mcp.Description("Session ID; when set, the filters are ignored")),
		mcp.WithString("repository", mcp.Description("Filter by repository (owner/name)")),
		mcp.WithNumber("issue_number", mcp.Description("Filter by issue number; requires repository")),
		mcp.WithString("phase", mcp.Description("Filter by phase"), mcp.Enum("scope", "exec")),
		mcp.WithString("status", mcp.Description("Filter by status"),
			mcp.Enum("created", "running", "succeeded", "failed", "timed_out")),
		mcp.WithNumber("limit", mcp.Description("Maximum sessions to return (default 20)")),
		mcp.WithBoolean("refresh", mcp.Description("Poll the agent once for non-terminal sessions")),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	refresh := request.GetBool("refresh", false)

	if id := request.GetString("session_id", ""); id != "" {
		sess, err := s.svc.Session(ctx, id, refresh)
		if err != nil {
			return toolError("get session", err), nil
		}
		return jsonResult(sess)
	}

	filter := store.SessionFilter{
		Repo:        request.GetString("repository", ""),
		IssueNumber: request.GetInt("issue_number", 0),
		Status:      models.SessionStatus(request.GetString("status", "")),
		Limit:       request.GetInt("limit", 0),
	}
	if p := request.GetString("phase", ""); p != "" {
		phase, err := models.ParsePhase(p)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Phase = phase
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", filter.Status)), nil
	}

	list, err := s.svc.Sessions(ctx, filter, refresh)
	if err != nil {
		return toolError("list sessions", err), nil
	}
	if list == nil {
		list = []*models.Session{}
	}
	return jsonResult(list)
}

// triage_events
func (s *Server) eventsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_events",
		mcp.WithDescription("List the audit trail of a session in the order it was recorded."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleEvents
}

func (s *Server) handleEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	events, err := s.svc.Events(ctx, id)
	if err != nil {
		return toolError("list events", err), nil
	}
	if events == nil {
		events = []*models.Event{}
	}
	return jsonResult(events)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func submitRequest(request mcp.CallToolRequest) (orchestrator.Request, *mcp.CallToolResult) {
	repo, err := request.RequireString("repository")
	if err != nil {
		return orchestrator.Request{}, mcp.NewToolResultError("missing required parameter: repository")
	}
	number, err := request.RequireInt("issue_number")
	if err != nil {
		return orchestrator.Request{}, mcp.NewToolResultError("missing required parameter: issue_number")
	}
	return orchestrator.Request{
		Repo:        repo,
		IssueNumber: number,
		Wait:        request.GetBool("wait", false),
	}, nil
}

// sessionResult reports submission failures together with the persisted
// failed session so callers can still look it up.
func sessionResult(sess *models.Session, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		if errors.Is(err, orchestrator.ErrSubmitFailed) && sess != nil {
			data, merr := json.Marshal(map[string]any{"error": err.Error(), "session": sess})
			if merr != nil {
				return toolError("marshal session", merr), nil
			}
			return mcp.NewToolResultError(string(data)), nil
		}
		return toolError("submit", err), nil
	}
	return jsonResult(sess)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError("marshal result", err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func toolError(action string, err error) *mcp.CallToolResult {
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: not found", action))
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", action, err))
}
