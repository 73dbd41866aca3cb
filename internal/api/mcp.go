package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/dialback/internal/apperr"
	"github.com/kalambet/dialback/internal/calendar"
	"github.com/kalambet/dialback/internal/dispatch"
	"github.com/kalambet/dialback/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Engine   *dispatch.Engine
	Calendar *calendar.Checker
}

// NewMCPServer creates an MCP server exposing scheduling and dispatch tools
// to an assistant.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"dialback",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("dialback places scheduled outbound voice calls. Check availability before proposing a time, confirm it on the call, then dispatch."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("check_availability",
			mcp.WithDescription("Check whether a proposed call slot is free and suggest the next free start if not."),
			mcp.WithString("proposed_start", mcp.Description("Proposed start, RFC 3339"), mcp.Required()),
			mcp.WithNumber("duration_minutes", mcp.Description("Call length in minutes (default from config)")),
			mcp.WithString("busy_windows", mcp.Description("JSON array of {start, end, label} busy windows")),
			mcp.WithString("subject_id", mcp.Description("Also treat this subject's scheduled calls as busy")),
		),
		mcpCheckAvailability(deps),
	)

	s.AddTool(
		mcp.NewTool("confirm_call_time",
			mcp.WithDescription("Move a pending or failed call to the proposed start if the slot is free."),
			mcp.WithString("call_id", mcp.Description("Call to reschedule"), mcp.Required()),
			mcp.WithString("proposed_start", mcp.Description("Proposed start, RFC 3339"), mcp.Required()),
			mcp.WithNumber("duration_minutes", mcp.Description("Call length in minutes (default from config)")),
			mcp.WithString("busy_windows", mcp.Description("JSON array of {start, end, label} busy windows")),
		),
		mcpConfirmCallTime(deps),
	)

	s.AddTool(
		mcp.NewTool("dispatch_call",
			mcp.WithDescription("Hand a scheduled call to the voice provider. Each call is placed at most once."),
			mcp.WithString("call_id", mcp.Description("Call to dispatch"), mcp.Required()),
			mcp.WithBoolean("force", mcp.Description("Dispatch even if the call is not yet due")),
		),
		mcpDispatchCall(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"calls://recent",
			"Recent Calls",
			mcp.WithResourceDescription("The 20 most recently scheduled calls as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentCalls(deps),
	)

	return s
}

// calendarRequest reads the shared availability arguments.
func calendarRequest(req mcp.CallToolRequest) (calendar.Request, error) {
	raw, err := req.RequireString("proposed_start")
	if err != nil {
		return calendar.Request{}, apperr.BadInput("proposed_start is required")
	}
	start, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return calendar.Request{}, apperr.BadInput(fmt.Sprintf("proposed_start must be RFC 3339: %v", err))
	}

	out := calendar.Request{
		ProposedStart:   start,
		DurationMinutes: req.GetInt("duration_minutes", 0),
		SubjectID:       req.GetString("subject_id", ""),
		CallID:          req.GetString("call_id", ""),
	}
	if windows := strings.TrimSpace(req.GetString("busy_windows", "")); windows != "" {
		if err := json.Unmarshal([]byte(windows), &out.BusyWindows); err != nil {
			return calendar.Request{}, apperr.BadInput(fmt.Sprintf("busy_windows must be a JSON array: %v", err))
		}
	}
	return out, nil
}

func mcpCheckAvailability(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		creq, err := calendarRequest(req)
		if err != nil {
			return mcpAppError(err), nil
		}
		res, err := deps.Calendar.Check(creq)
		if err != nil {
			return mcpAppError(err), nil
		}
		return mcpJSON(res), nil
	}
}

func mcpConfirmCallTime(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, err := req.RequireString("call_id"); err != nil {
			return mcpError("call_id is required"), nil
		}
		creq, err := calendarRequest(req)
		if err != nil {
			return mcpAppError(err), nil
		}
		res, err := deps.Calendar.Confirm(creq)
		if err != nil {
			return mcpAppError(err), nil
		}
		return mcpJSON(res), nil
	}
}

func mcpDispatchCall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		callID, err := req.RequireString("call_id")
		if err != nil {
			return mcpError("call_id is required"), nil
		}
		res, err := deps.Engine.Dispatch(ctx, callID, dispatch.Options{Force: req.GetBool("force", false)})
		if err != nil {
			return mcpAppError(err), nil
		}
		return mcpJSON(res), nil
	}
}

func mcpResourceRecentCalls(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		calls, err := deps.Store.ListCalls("", 20, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list calls: %w", err)
		}

		type callSummary struct {
			ID          string `json:"id"`
			SubjectID   string `json:"subject_id"`
			ScheduledAt string `json:"scheduled_at"`
			Status      string `json:"status"`
			Purpose     string `json:"purpose,omitempty"`
		}

		summaries := make([]callSummary, len(calls))
		for i, c := range calls {
			summaries[i] = callSummary{
				ID:          c.ID,
				SubjectID:   c.SubjectID,
				ScheduledAt: c.ScheduledAt.Format(time.RFC3339),
				Status:      string(c.Status),
				Purpose:     c.Purpose,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal calls: %w", err)
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

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
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

// mcpAppError renders a classified error with its text code so the
// assistant can tell a conflict from a validation problem.
func mcpAppError(err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s: %s", apperr.TextCode(err), apperr.Message(err))
	if current := apperr.CurrentStatus(err); current != "" {
		msg += fmt.Sprintf(" (current status %s)", current)
	}
	return mcpError(msg)
}
