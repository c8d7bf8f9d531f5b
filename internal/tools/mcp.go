package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/followcrm/internal/contacts"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Tool names are part of the public interface and must not change.
const (
	ToolListFollows        = "list_follows"
	ToolUpdateContact      = "update_contact"
	ToolUpdateContactsBulk = "update_contacts_bulk"
	ToolRemoveTag          = "remove_tag"
	ToolListTags           = "list_tags"

	serverName = "followcrm"
	basePath   = "/mcp"
)

var errUnauthenticated = errors.New("tool call has no authenticated user")

// ContactOperations is the subset of the contact service exposed as tools.
type ContactOperations interface {
	ListFollows(ctx context.Context, userID, tagFilter string) ([]contacts.Follow, error)
	UpdateContact(ctx context.Context, userID, handle string, note, tags *string) (contacts.UpdateResult, error)
	UpdateBulk(ctx context.Context, userID string, items []contacts.BulkUpdate) (contacts.BulkResult, error)
	RemoveTag(ctx context.Context, userID, tag string) (contacts.RemoveTagResult, error)
	UniqueTags(ctx context.Context, userID string) ([]string, error)
}

type userIDKey struct{}

// WithUserID attaches the authenticated user to ctx for tool handlers.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the user attached by WithUserID.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}

// Toolset binds contact operations to MCP tool handlers.
type Toolset struct {
	ops    ContactOperations
	logger *zap.Logger
}

// NewToolset constructs a Toolset.
func NewToolset(ops ContactOperations, logger *zap.Logger) *Toolset {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Toolset{ops: ops, logger: logger}
}

// ServerTools returns the tool definitions with their handlers.
func (t *Toolset) ServerTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool(ToolListFollows,
				mcp.WithDescription("List followed accounts ordered by follower count. Optionally filter by tag text."),
				mcp.WithString("tag", mcp.Description("Keep follows whose tags contain this text (case-insensitive)")),
			),
			Handler: t.listFollows,
		},
		{
			Tool: mcp.NewTool(ToolUpdateContact,
				mcp.WithDescription("Set the note and/or tags of one followed account. Omitted fields are left unchanged."),
				mcp.WithString("handle", mcp.Required(), mcp.Description("Handle of the followed account, with or without @")),
				mcp.WithString("note", mcp.Description("New note; empty clears it")),
				mcp.WithString("tags", mcp.Description("Comma-separated tags replacing the current tags; empty clears them")),
			),
			Handler: t.updateContact,
		},
		{
			Tool: mcp.NewTool(ToolUpdateContactsBulk,
				mcp.WithDescription("Set tags (and optionally notes) on several followed accounts. Each item is applied independently."),
				mcp.WithArray("updates", mcp.Required(),
					mcp.Description("List of {handle, tags, note?} updates"),
					mcp.Items(SchemaOf(&contacts.BulkUpdate{})),
				),
			),
			Handler: t.updateContactsBulk,
		},
		{
			Tool: mcp.NewTool(ToolRemoveTag,
				mcp.WithDescription("Remove a tag from every followed account that has it."),
				mcp.WithString("tag", mcp.Required(), mcp.Description("Tag to remove, matched case-insensitively")),
			),
			Handler: t.removeTag,
		},
		{
			Tool: mcp.NewTool(ToolListTags,
				mcp.WithDescription("List every distinct tag in sorted order."),
			),
			Handler: t.listTags,
		},
	}
}

// NewMCPServer registers the toolset on a new MCP server.
func NewMCPServer(toolset *Toolset, version string) *server.MCPServer {
	mcpServer := server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	mcpServer.AddTools(toolset.ServerTools()...)
	return mcpServer
}

// NewSSEServer serves mcpServer under /mcp. The authenticated user is read
// from the request context of every message.
func NewSSEServer(mcpServer *server.MCPServer, publicBaseURL string) *server.SSEServer {
	return server.NewSSEServer(mcpServer,
		server.WithBaseURL(publicBaseURL),
		server.WithStaticBasePath(basePath),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return WithUserID(ctx, UserIDFromContext(r.Context()))
		}),
	)
}

func (t *Toolset) listFollows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, failure := requireUser(ctx)
	if failure != nil {
		return failure, nil
	}
	follows, err := t.ops.ListFollows(ctx, userID, request.GetString("tag", ""))
	if err != nil {
		return t.failure(ToolListFollows, err), nil
	}
	return jsonResult(ListFollowsOutput{Count: len(follows), Follows: follows})
}

func (t *Toolset) updateContact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, failure := requireUser(ctx)
	if failure != nil {
		return failure, nil
	}
	handle, err := request.RequireString("handle")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	arguments := request.GetArguments()
	result, err := t.ops.UpdateContact(ctx, userID, handle, optionalString(arguments, "note"), optionalString(arguments, "tags"))
	if err != nil {
		return t.failure(ToolUpdateContact, err), nil
	}
	return jsonResult(result)
}

func (t *Toolset) updateContactsBulk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, failure := requireUser(ctx)
	if failure != nil {
		return failure, nil
	}
	items, err := decodeBulkUpdates(request.GetArguments()["updates"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := t.ops.UpdateBulk(ctx, userID, items)
	if err != nil {
		return t.failure(ToolUpdateContactsBulk, err), nil
	}
	return jsonResult(result)
}

func (t *Toolset) removeTag(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, failure := requireUser(ctx)
	if failure != nil {
		return failure, nil
	}
	tag, err := request.RequireString("tag")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := t.ops.RemoveTag(ctx, userID, tag)
	if err != nil {
		return t.failure(ToolRemoveTag, err), nil
	}
	return jsonResult(result)
}

func (t *Toolset) listTags(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, failure := requireUser(ctx)
	if failure != nil {
		return failure, nil
	}
	tags, err := t.ops.UniqueTags(ctx, userID)
	if err != nil {
		return t.failure(ToolListTags, err), nil
	}
	return jsonResult(ListTagsOutput{Tags: tags})
}

func (t *Toolset) failure(tool string, err error) *mcp.CallToolResult {
	t.logger.Warn("tool call failed", zap.String("tool", tool), zap.Error(err))
	return mcp.NewToolResultError(err.Error())
}

func requireUser(ctx context.Context) (string, *mcp.CallToolResult) {
	userID := UserIDFromContext(ctx)
	if userID == "" {
		return "", mcp.NewToolResultError(errUnauthenticated.Error())
	}
	return userID, nil
}

func optionalString(arguments map[string]any, key string) *string {
	value, ok := arguments[key].(string)
	if !ok {
		return nil
	}
	return &value
}

// decodeBulkUpdates accepts the raw "updates" argument, which must be an array.
func decodeBulkUpdates(raw any) ([]contacts.BulkUpdate, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, contacts.ErrInvalidBulkPayload
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return nil, contacts.ErrInvalidBulkPayload
	}
	items := make([]contacts.BulkUpdate, 0, len(list))
	if err := json.Unmarshal(encoded, &items); err != nil {
		return nil, contacts.ErrInvalidBulkPayload
	}
	return items, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}
