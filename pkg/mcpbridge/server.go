package mcpbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverName = "openport"

// EmptyInput is the argument of tools that take none.
type EmptyInput struct{}

// TransactionListInput selects a page of a ledger's transactions.
type TransactionListInput struct {
	LedgerID  string `json:"ledgerId" jsonschema:"ledger to list"`
	StartDate string `json:"startDate,omitempty" jsonschema:"inclusive start, YYYY-MM-DD or ISO 8601"`
	EndDate   string `json:"endDate,omitempty" jsonschema:"inclusive end, YYYY-MM-DD or ISO 8601"`
	Page      int    `json:"page,omitempty"`
	PageSize  int    `json:"pageSize,omitempty"`
}

// PreflightInput asks for the impact of an action.
type PreflightInput struct {
	Action  string         `json:"action" jsonschema:"action tool name, e.g. transaction.create"`
	Payload map[string]any `json:"payload" jsonschema:"action payload"`
}

// ActionCreateInput records an action draft and optionally executes it.
type ActionCreateInput struct {
	Action         string         `json:"action" jsonschema:"action tool name"`
	Payload        map[string]any `json:"payload,omitempty" jsonschema:"action payload; may be omitted with preflightId"`
	PreflightID    string         `json:"preflightId,omitempty"`
	PreflightHash  string         `json:"preflightHash,omitempty"`
	Execute        bool           `json:"execute,omitempty" jsonschema:"request immediate execution when policy allows"`
	ForceDraft     bool           `json:"forceDraft,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Justification  string         `json:"justification,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
}

// DraftGetInput names a draft.
type DraftGetInput struct {
	ID string `json:"id" jsonschema:"draft id"`
}

// NewServer registers the gateway tools on an MCP server.
func NewServer(client *Client, version string) *mcp.Server {
	b := &bridge{client: client, logger: slog.Default().With("component", "mcpbridge")}
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "manifest",
		Description: "Describe this integration and the tools its scopes allow.",
	}, b.manifest)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_list",
		Description: "List the ledgers visible to this integration.",
	}, b.ledgerList)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "transaction_list",
		Description: "List a page of a ledger's transactions.",
	}, b.transactionList)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "action_preflight",
		Description: "Compute the impact of a write action and return a preflight id and hash.",
	}, b.preflight)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "action_create",
		Description: "Record a write action as a draft, executing it when policy allows.",
	}, b.actionCreate)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "draft_get",
		Description: "Fetch a draft and its latest execution.",
	}, b.draftGet)
	return server
}

// Serve runs the bridge on stdio until ctx ends or the client disconnects.
func Serve(ctx context.Context, client *Client, version string) error {
	return NewServer(client, version).Run(ctx, &mcp.StdioTransport{})
}

type bridge struct {
	client *Client
	logger *slog.Logger
}

func (b *bridge) forward(ctx context.Context, tool, method, path string, query url.Values, body any) (*mcp.CallToolResult, any, error) {
	data, err := b.client.Do(ctx, method, path, query, body)
	if err != nil {
		b.logger.DebugContext(ctx, "tool call failed", "tool", tool, "error", err)
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, json.RawMessage(data), nil
}

func (b *bridge) manifest(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
	return b.forward(ctx, "manifest", http.MethodGet, "/api/agent/v1/manifest", nil, nil)
}

func (b *bridge) ledgerList(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
	return b.forward(ctx, "ledger_list", http.MethodGet, "/api/agent/v1/ledgers", nil, nil)
}

func (b *bridge) transactionList(ctx context.Context, _ *mcp.CallToolRequest, in TransactionListInput) (*mcp.CallToolResult, any, error) {
	q := url.Values{}
	q.Set("ledgerId", in.LedgerID)
	if in.StartDate != "" {
		q.Set("startDate", in.StartDate)
	}
	if in.EndDate != "" {
		q.Set("endDate", in.EndDate)
	}
	if in.Page > 0 {
		q.Set("page", strconv.Itoa(in.Page))
	}
	if in.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(in.PageSize))
	}
	return b.forward(ctx, "transaction_list", http.MethodGet, "/api/agent/v1/transactions", q, nil)
}

func (b *bridge) preflight(ctx context.Context, _ *mcp.CallToolRequest, in PreflightInput) (*mcp.CallToolResult, any, error) {
	return b.forward(ctx, "action_preflight", http.MethodPost, "/api/agent/v1/preflight", nil, in)
}

func (b *bridge) actionCreate(ctx context.Context, _ *mcp.CallToolRequest, in ActionCreateInput) (*mcp.CallToolResult, any, error) {
	return b.forward(ctx, "action_create", http.MethodPost, "/api/agent/v1/actions", nil, in)
}

func (b *bridge) draftGet(ctx context.Context, _ *mcp.CallToolRequest, in DraftGetInput) (*mcp.CallToolResult, any, error) {
	return b.forward(ctx, "draft_get", http.MethodGet, "/api/agent/v1/drafts/"+url.PathEscape(in.ID), nil, nil)
}
