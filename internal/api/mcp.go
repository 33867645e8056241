package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/campusconnect/internal/apperr"
	"github.com/kalambet/campusconnect/internal/profile"
	"github.com/kalambet/campusconnect/internal/retrieval"
)

const profileSchemaURI = "schema://profile"

// NewMCPServer creates an MCP server exposing search and profile tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"campusconnect",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("campusconnect: program search over the admissions catalog and student profile upkeep. Profiles are only ever filled in, never overwritten."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_and_count",
			mcp.WithDescription("Vector similarity search over study programs. Describe every constraint (country, level, budget, field) in queryText; no structured filters are applied. Returns one page of hits plus totals over the whole matching set."),
			mcp.WithString("queryText", mcp.Description("Natural-language description of the programs wanted"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Page size (default %d)", deps.limit()))),
			mcp.WithNumber("offset", mcp.Description("Number of ranked hits to skip (default 0)")),
			mcp.WithNumber("threshold", mcp.Description("Cosine distance cut-off for totals, 0..2")),
			mcp.WithBoolean("exhaustive", mcp.Description("Scan every program instead of probing partitions")),
		),
		mcpSearchAndCount(deps),
	)

	s.AddTool(
		mcp.NewTool("get_user_profile",
			mcp.WithDescription("Fetch a student profile by email. Every schema field is present; unknown ones are null."),
			mcp.WithString("email", mcp.Description("Student email"), mcp.Required()),
		),
		mcpGetUserProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("update_profile",
			mcp.WithDescription("Merge structured data into a student profile. Only missing or empty fields are written."),
			mcp.WithString("email", mcp.Description("Student email"), mcp.Required()),
			mcp.WithObject("candidatePatch", mcp.Description("Partial profile in the profile schema shape"), mcp.Required()),
		),
		mcpUpdateProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("update_profile_from_document",
			mcp.WithDescription("Extract text from an uploaded document (PDF or plain text) and merge it, with any structured patch, into a student profile."),
			mcp.WithString("email", mcp.Description("Student email"), mcp.Required()),
			mcp.WithString("fileName", mcp.Description("Original file name, used to detect the format"), mcp.Required()),
			mcp.WithString("contentBase64", mcp.Description("File content, base64 encoded"), mcp.Required()),
			mcp.WithObject("candidatePatch", mcp.Description("Optional structured data extracted from the document")),
		),
		mcpUpdateProfileFromDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			profileSchemaURI,
			"Profile Schema",
			mcp.WithResourceDescription("Empty profile with every known field, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfileSchema,
	)

	return s
}

func mcpSearchAndCount(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("queryText")
		if err != nil {
			return mcpError("queryText is required"), nil
		}

		q := retrieval.Query{
			Text:       query,
			Limit:      req.GetInt("limit", deps.limit()),
			Offset:     req.GetInt("offset", 0),
			Exhaustive: req.GetBool("exhaustive", false),
		}
		if v, ok := req.GetArguments()["threshold"]; ok && v != nil {
			t := req.GetFloat("threshold", 0)
			q.Threshold = &t
		}

		res, err := deps.Search.Search(ctx, q)
		if err != nil {
			return mcpFailure("search", err), nil
		}
		return mcpJSON(res)
	}
}

func mcpGetUserProfile(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		email, err := req.RequireString("email")
		if err != nil {
			return mcpError("email is required"), nil
		}
		view, err := deps.Profiles.View(ctx, email)
		if err != nil {
			return mcpFailure("get profile", err), nil
		}
		return mcpJSON(view)
	}
}

func mcpUpdateProfile(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		email, err := req.RequireString("email")
		if err != nil {
			return mcpError("email is required"), nil
		}
		patch, err := patchArgument(req, "candidatePatch")
		if err != nil {
			return mcpFailure("update profile", err), nil
		}
		if patch.IsNull() {
			return mcpError("candidatePatch is required"), nil
		}
		out, err := deps.Profiles.Merge(ctx, email, patch)
		if err != nil {
			return mcpFailure("update profile", err), nil
		}
		return mcpJSON(out)
	}
}

func mcpUpdateProfileFromDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		email, err := req.RequireString("email")
		if err != nil {
			return mcpError("email is required"), nil
		}
		name, err := req.RequireString("fileName")
		if err != nil {
			return mcpError("fileName is required"), nil
		}
		encoded, err := req.RequireString("contentBase64")
		if err != nil {
			return mcpError("contentBase64 is required"), nil
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return mcpError("contentBase64 is not valid base64"), nil
		}
		patch, err := patchArgument(req, "candidatePatch")
		if err != nil {
			return mcpFailure("update profile from document", err), nil
		}
		candidate, err := documentPatch(name, data, patch)
		if err != nil {
			return mcpFailure("update profile from document", err), nil
		}
		out, err := deps.Profiles.Merge(ctx, email, candidate)
		if err != nil {
			return mcpFailure("update profile from document", err), nil
		}
		return mcpJSON(out)
	}
}

func mcpResourceProfileSchema(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(profile.FullView(profile.Null()))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile schema: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

// patchArgument reads an object argument. Clients that cannot send nested
// objects may pass the patch as a JSON string instead. A missing argument
// is null.
func patchArgument(req mcp.CallToolRequest, key string) (profile.Value, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return profile.Null(), nil
	}
	if s, isStr := raw.(string); isStr {
		v, err := profile.Parse([]byte(s))
		if err != nil {
			return profile.Value{}, apperr.Validation("%s is not valid JSON: %v", key, err)
		}
		return v, nil
	}
	v, err := profile.FromAny(raw)
	if err != nil {
		return profile.Value{}, apperr.Validation("%s: %v", key, err)
	}
	return v, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

// mcpFailure renders err as a tool error. Backend failures are flagged as
// retryable so the agent can try again.
func mcpFailure(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return mcpError(fmt.Sprintf("invalid request: %v", err))
	case errors.Is(err, apperr.ErrNotFound):
		return mcpError(fmt.Sprintf("not found: %v", err))
	case errors.Is(err, apperr.ErrConflict):
		return mcpError(fmt.Sprintf("conflict, retry later: %v", err))
	case errors.Is(err, context.Canceled):
		slog.Debug(op+" canceled", "error", err)
		return mcpError(op + " canceled")
	case errors.Is(err, apperr.ErrUnavailable):
		slog.Warn(op+" failed, backend unavailable", "error", err)
		return mcpError(fmt.Sprintf("service unavailable, retry later: %v", err))
	}
	slog.Error(op+" failed", "error", err)
	return mcpError(fmt.Sprintf("%s failed: %v", op, err))
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
