// Package mcptools exposes the tree API to agents as MCP tools.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rectangular-labs/workspacesync/internal/pipeline"
	"github.com/rectangular-labs/workspacesync/internal/room"
	"github.com/rectangular-labs/workspacesync/internal/schedule"
	"github.com/rectangular-labs/workspacesync/internal/workspace"
)

// Options restricts which rooms the tools may address. An empty Tenant
// allows every room.
type Options struct {
	Tenant string
	UserID string
}

type tools struct {
	service *workspace.Service
	opts    Options
}

// Register adds the tree tools to s.
func Register(s *server.MCPServer, service *workspace.Service, opts Options) {
	t := &tools{service: service, opts: opts}
	s.AddTool(listTool(), t.list)
	s.AddTool(readTool(), t.read)
	s.AddTool(writeTool(), t.write)
	s.AddTool(deleteTool(), t.delete)
	s.AddTool(moveTool(), t.move)
}

// NewServer builds an MCP server carrying only the tree tools.
func NewServer(service *workspace.Service, version string, opts Options) *server.MCPServer {
	s := server.NewMCPServer("workspacesync", version, server.WithToolCapabilities(true))
	Register(s, service, opts)
	return s
}

func roomArg() mcp.ToolOption {
	return mcp.WithString("room",
		mcp.Description("Room key: tenant/workspace or tenant/workspace/scope"),
		mcp.Required(),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("list_tree",
		mcp.WithDescription("List a directory of the content tree with per-status file counts, or describe a single file."),
		roomArg(),
		mcp.WithString("path", mcp.Description("Absolute path; defaults to /")),
	)
}

func readTool() mcp.Tool {
	return mcp.NewTool("read_file",
		mcp.WithDescription("Read a content item's text and metadata."),
		roomArg(),
		mcp.WithString("path", mcp.Description("Absolute path of the file"), mcp.Required()),
		mcp.WithString("content_key", mcp.Description("Text field to read; defaults to content")),
	)
}

func writeTool() mcp.Tool {
	return mcp.NewTool("write_file",
		mcp.WithDescription("Write a content item's text and metadata. Moving an item to queued or planned assigns a publish slot; queued also starts a writing workflow."),
		roomArg(),
		mcp.WithString("path", mcp.Description("Absolute path of the file"), mcp.Required()),
		mcp.WithString("content", mcp.Description("Replacement text; omit to leave the text unchanged")),
		mcp.WithBoolean("create_if_missing", mcp.Description("Create the file and missing parent directories")),
		mcp.WithString("content_key", mcp.Description("Text field to write; defaults to content")),
		mcp.WithObject("metadata", mcp.Description("Metadata keys to set; an empty string removes the key")),
		mcp.WithObject("cadence", mcp.Description("Publishing cadence: {period: daily|weekly|monthly, frequency, allowedDays: [mon..sun]}; defaults to the room's configured cadence")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("delete_path",
		mcp.WithDescription("Delete a file or directory."),
		roomArg(),
		mcp.WithString("path", mcp.Description("Absolute path"), mcp.Required()),
		mcp.WithBoolean("recursive", mcp.Description("Allow deleting a non-empty directory")),
	)
}

func moveTool() mcp.Tool {
	return mcp.NewTool("move_path",
		mcp.WithDescription("Move a file or directory into another directory."),
		roomArg(),
		mcp.WithString("from", mcp.Description("Path to move"), mcp.Required()),
		mcp.WithString("to", mcp.Description("Destination directory"), mcp.Required()),
	)
}

func (t *tools) roomKey(req mcp.CallToolRequest) (room.Key, error) {
	key, err := room.ParseKey(req.GetString("room", ""))
	if err != nil {
		return room.Key{}, err
	}
	if t.opts.Tenant != "" && key.Tenant != t.opts.Tenant {
		return room.Key{}, fmt.Errorf("room %s is outside tenant %s", key, t.opts.Tenant)
	}
	return key, nil
}

func (t *tools) list(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := t.roomKey(req)
	if err != nil {
		return toolError(err)
	}
	return result(t.service.List(ctx, key, req.GetString("path", "/")))
}

func (t *tools) read(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := t.roomKey(req)
	if err != nil {
		return toolError(err)
	}
	return result(t.service.Read(ctx, key, req.GetString("path", ""), req.GetString("content_key", "")))
}

func (t *tools) write(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := t.roomKey(req)
	if err != nil {
		return toolError(err)
	}
	args := req.GetArguments()
	metadata, err := metadataArg(args["metadata"])
	if err != nil {
		return toolError(err)
	}
	cadence, err := cadenceArg(args["cadence"])
	if err != nil {
		return toolError(err)
	}
	var text *string
	if raw, ok := args["content"].(string); ok {
		text = &raw
	}
	return result(t.service.Write(ctx, key, pipeline.Request{
		Path:            req.GetString("path", ""),
		Content:         text,
		CreateIfMissing: req.GetBool("create_if_missing", false),
		ContentKey:      req.GetString("content_key", ""),
		Metadata:        metadata,
		Context: pipeline.Context{
			OrganizationID: key.Tenant,
			ProjectID:      key.Workspace,
			UserID:         t.opts.UserID,
			Cadence:        cadence,
		},
	}))
}

func (t *tools) delete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := t.roomKey(req)
	if err != nil {
		return toolError(err)
	}
	return result(t.service.Delete(ctx, key, req.GetString("path", ""), req.GetBool("recursive", false)))
}

func (t *tools) move(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := t.roomKey(req)
	if err != nil {
		return toolError(err)
	}
	return result(t.service.Move(ctx, key, req.GetString("from", ""), req.GetString("to", "")))
}

// metadataArg turns the metadata object into entries in key order.
func metadataArg(raw any) ([]pipeline.Entry, error) {
	if raw == nil {
		return nil, nil
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata must be an object")
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]pipeline.Entry, 0, len(keys))
	for _, k := range keys {
		value, ok := fields[k].(string)
		if !ok {
			return nil, fmt.Errorf("metadata %s must be a string", k)
		}
		entries = append(entries, pipeline.Entry{Key: k, Value: value})
	}
	return entries, nil
}

type cadenceInput struct {
	Period      string   `json:"period"`
	Frequency   int      `json:"frequency"`
	AllowedDays []string `json:"allowedDays"`
}

// cadenceArg does not validate beyond the weekday names; the pipeline
// reports an unusable cadence as a configuration failure.
func cadenceArg(raw any) (*schedule.Cadence, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var in cadenceInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("cadence: %w", err)
	}
	cadence := &schedule.Cadence{Period: schedule.Period(in.Period), Frequency: in.Frequency}
	for _, name := range in.AllowedDays {
		day, err := schedule.ParseWeekday(name)
		if err != nil {
			return nil, err
		}
		cadence.AllowedDays = append(cadence.AllowedDays, day)
	}
	return cadence, nil
}

func result(res workspace.Result) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}
