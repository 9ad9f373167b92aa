package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/qaknow/internal/keys"
	"github.com/kalambet/qaknow/internal/queue"
	"github.com/kalambet/qaknow/internal/resolver"
)

// MCPDeps holds dependencies for the MCP tool server.
type MCPDeps struct {
	Selectors SelectorResolver
	Data      DataResolver
	Tickets   *queue.Queue
	Jobs      queue.Backend
}

// NewMCPServer creates an MCP server exposing resolution and queue tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"qaknow",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("qaknow resolves natural-language test steps into UI locators and generates realistic test data. "+
			"Resolved values are remembered per project, so repeated requests are answered from knowledge without calling the generator. "+
			"Use build_key to preview the key a step or data requirement will be stored under."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("resolve_selector",
			mcp.WithDescription("Resolve a step description to a strategy-tagged locator such as role:button[name=Login]."),
			mcp.WithString("description", mcp.Required(), mcp.Description("Natural-language step, e.g. 'Click Login'")),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project the knowledge is scoped to")),
			mcp.WithString("application_id", mcp.Description("Application under test")),
			mcp.WithString("page_context", mcp.Description("Page HTML or a textual summary of it")),
			mcp.WithString("semantic_key", mcp.Description("Explicit key overriding the derived one")),
			mcp.WithBoolean("skip_knowledge_lookup", mcp.Description("Always generate a fresh locator")),
		),
		resolveSelectorHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("resolve_data",
			mcp.WithDescription("Resolve data requirements to concrete values keyed by alias."),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project the knowledge is scoped to")),
			mcp.WithString("requirements", mcp.Required(), mcp.Description("JSON array of {alias, type, scenario, role}")),
			mcp.WithString("context", mcp.Description("JSON object with ticket_title, ticket_description, acceptance_criteria, test_case_title, test_case_scenario")),
		),
		resolveDataHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("build_key",
			mcp.WithDescription("Preview the knowledge key for a step description or a data requirement."),
			mcp.WithString("description", mcp.Description("Step description; yields a selector key")),
			mcp.WithString("scenario", mcp.Description("Data scenario; with type yields a data key")),
			mcp.WithString("role", mcp.Description("Optional data role")),
			mcp.WithString("type", mcp.Description("Data requirement type")),
		),
		buildKeyHandler(),
	)

	s.AddTool(
		mcp.NewTool("enqueue_ticket",
			mcp.WithDescription("Queue test generation for a ticket whose snapshot has been stored."),
			mcp.WithString("ticket_id", mcp.Required(), mcp.Description("Ticket identifier")),
		),
		enqueueTicketHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Show one job, or per-state counts when no job_id is given."),
			mcp.WithString("job_id", mcp.Description("Job identifier")),
			mcp.WithString("queue", mcp.Description("Restrict counts to one queue")),
		),
		jobStatusHandler(deps),
	)

	return s
}

func resolveSelectorHandler(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		description, err := req.RequireString("description")
		if err != nil {
			return mcpError("description is required"), nil
		}
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}

		res, err := deps.Selectors.Resolve(ctx, resolver.SelectorRequest{
			Description:         description,
			ProjectID:           projectID,
			ApplicationID:       req.GetString("application_id", ""),
			PageContext:         req.GetString("page_context", ""),
			SemanticKey:         req.GetString("semantic_key", ""),
			SkipKnowledgeLookup: req.GetBool("skip_knowledge_lookup", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("resolve failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func resolveDataHandler(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		raw, err := req.RequireString("requirements")
		if err != nil {
			return mcpError("requirements is required"), nil
		}
		var reqs []resolver.DataRequirement
		if err := json.Unmarshal([]byte(raw), &reqs); err != nil {
			return mcpError(fmt.Sprintf("invalid requirements JSON: %v", err)), nil
		}
		var dctx resolver.DataContext
		if c := req.GetString("context", ""); c != "" {
			if err := json.Unmarshal([]byte(c), &dctx); err != nil {
				return mcpError(fmt.Sprintf("invalid context JSON: %v", err)), nil
			}
		}

		values, err := deps.Data.Resolve(ctx, projectID, reqs, dctx)
		if err != nil {
			return mcpError(fmt.Sprintf("resolve failed: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"values": values,
			"flat":   resolver.Flatten(values),
		})
	}
}

func buildKeyHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if d := req.GetString("description", ""); d != "" {
			return mcpText(resolver.KeyFor(resolver.SelectorRequest{Description: d})), nil
		}
		scenario := req.GetString("scenario", "")
		typ := req.GetString("type", "")
		if scenario == "" || typ == "" {
			return mcpError("either description, or scenario and type, are required"), nil
		}
		return mcpText(keys.BuildDataKey(scenario, req.GetString("role", ""), typ)), nil
	}
}

func enqueueTicketHandler(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ticketID, err := req.RequireString("ticket_id")
		if err != nil {
			return mcpError("ticket_id is required"), nil
		}
		jobID, err := deps.Tickets.Enqueue(ctx, ticketID)
		if err != nil {
			return mcpError(fmt.Sprintf("enqueue failed: %v", err)), nil
		}
		if jobID == "" {
			return mcpText(fmt.Sprintf("ticket %s already has a pending job", ticketID)), nil
		}
		return mcpText(fmt.Sprintf("queued job %s", jobID)), nil
	}
}

func jobStatusHandler(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q := queue.All(deps.Jobs)
		if name := req.GetString("queue", ""); name != "" {
			q = queue.New(deps.Jobs, name, 1)
		}

		id := req.GetString("job_id", "")
		if id == "" {
			counts, err := q.Counts(ctx)
			if err != nil {
				return mcpError(fmt.Sprintf("counting jobs: %v", err)), nil
			}
			return mcpJSON(counts)
		}
		j, err := q.Job(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("job lookup failed: %v", err)), nil
		}
		return mcpJSON(viewJob(j))
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcpText(string(data)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
