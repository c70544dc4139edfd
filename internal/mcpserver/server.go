// Package mcpserver exposes the sync status, the outbox and the local cache
// as MCP (Model Context Protocol) tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/slabsync/internal/apperr"
	"github.com/starford/slabsync/internal/indicator"
	"github.com/starford/slabsync/internal/localstore"
	"github.com/starford/slabsync/internal/models"
	"github.com/starford/slabsync/internal/syncengine"
)

const mutationFormatURI = "slabsync://mutation-format"

// Server wraps the MCP server with the slabsync tools.
type Server struct {
	mcp    *server.MCPServer
	ind    *indicator.Indicator
	engine *syncengine.Engine
	store  *localstore.Store
}

// New creates an MCP server with every tool registered.
func New(ind *indicator.Indicator, engine *syncengine.Engine, store *localstore.Store, version string) *Server {
	s := &Server{ind: ind, engine: engine, store: store}

	s.mcp = server.NewMCPServer(
		"slabsync",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("sync_status",
		mcp.WithDescription("Online state, number of pending mutations, whether a drain is running and the last drain outcome."),
	), s.syncStatus)

	s.mcp.AddTool(mcp.NewTool("sync_now",
		mcp.WithDescription("Replay every pending mutation against the remote API now and report synced/failed counts. "+
			"Returns zero counts when offline or when a drain is already running."),
	), s.syncNow)

	s.mcp.AddTool(mcp.NewTool("list_pending",
		mcp.WithDescription("List pending mutations in replay order."),
	), s.listPending)

	s.mcp.AddTool(mcp.NewTool("discard_mutation",
		mcp.WithDescription("Drop one pending mutation the server keeps rejecting. The change is lost; "+
			"only do this when the user asked for it."),
		mcp.WithString("seq", mcp.Required(), mcp.Description("Sequence number from list_pending")),
	), s.discardMutation)

	s.mcp.AddTool(mcp.NewTool("list_cached",
		mcp.WithDescription("Read cached records of one partition (inventory, parties, orders, invoices, payments). "+
			"Filters apply to inventory and parties only."),
		mcp.WithString("partition", mcp.Required(), mcp.Description("Cache partition")),
		mcp.WithString("store_id", mcp.Description("Owning store filter")),
		mcp.WithString("status", mcp.Description("Status filter")),
		mcp.WithString("category", mcp.Description("Inventory category or party type filter")),
	), s.listCached)

	s.mcp.AddTool(mcp.NewTool("get_cached",
		mcp.WithDescription("Read one cached record by id."),
		mcp.WithString("partition", mcp.Required(), mcp.Description("Cache partition")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record id")),
	), s.getCached)

	s.mcp.AddTool(mcp.NewTool("refresh_cache",
		mcp.WithDescription("Download a partition from the remote API into the local cache. Requires connectivity."),
		mcp.WithString("partition", mcp.Required(), mcp.Description("Cache partition")),
	), s.refreshCache)

	s.mcp.AddResource(
		mcp.NewResource(mutationFormatURI, "Pending Mutation Format",
			mcp.WithResourceDescription("Shape and replay rules of queued mutations."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readMutationFormat,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func optional(req mcp.CallToolRequest, key string) string {
	v, err := req.RequireString(key)
	if err != nil {
		return ""
	}
	return v
}

func (s *Server) syncStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.ind.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (s *Server) syncNow(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.ind.SyncNow(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) listPending(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ms, err := s.engine.PendingMutations(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(ms) == 0 {
		return mcp.NewToolResultText("no pending mutations"), nil
	}
	return jsonResult(ms)
}

func (s *Server) discardMutation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("seq")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return mcp.NewToolResultError("seq must be an integer"), nil
	}
	m, err := s.ind.Discard(ctx, seq)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError("no pending mutation with seq " + raw), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(m)
}

func (s *Server) listCached(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("partition")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	recs, err := s.store.Find(ctx, models.Partition(p), localstore.Filter{
		StoreID:  optional(req, "store_id"),
		Status:   optional(req, "status"),
		Category: optional(req, "category"),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(recs)
}

func (s *Server) getCached(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("partition")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.store.GetByID(ctx, models.Partition(p), id)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError("not found: " + p + "/" + id), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) refreshCache(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := req.RequireString("partition")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.ind.Refresh(ctx, models.Partition(p))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) readMutationFormat(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      mutationFormatURI,
			MIMEType: "text/markdown",
			Text:     MutationFormat,
		},
	}, nil
}
