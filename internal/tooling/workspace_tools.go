package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"silexa/substrate/internal/objectstore"
	"silexa/substrate/internal/workspace"
)

// WorkspaceTools serves the per-conversation workspace to the agent as
// model-context tools: list, read, and write files through the same
// gateway and record store the sync engine uses, so tool writes obey the
// same path and size rules.
type WorkspaceTools struct {
	gw    *objectstore.Gateway
	store *workspace.Store
	log   zerolog.Logger
}

func NewWorkspaceTools(gw *objectstore.Gateway, store *workspace.Store, log zerolog.Logger) *WorkspaceTools {
	return &WorkspaceTools{gw: gw, store: store, log: log.With().Str("subsystem", "workspace_tools").Logger()}
}

type ListFilesInput struct {
	Tenant       string `json:"tenant"`
	Conversation string `json:"conversation"`
}

type FileSummary struct {
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	MimeType    string `json:"mime_type"`
	Source      string `json:"source"`
	Version     int    `json:"version"`
	IsPresented bool   `json:"is_presented"`
}

type ListFilesOutput struct {
	Files []FileSummary `json:"files"`
}

type ReadFileInput struct {
	Tenant       string `json:"tenant"`
	Conversation string `json:"conversation"`
	Path         string `json:"path"`
}

type ReadFileOutput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type WriteFileInput struct {
	Tenant       string `json:"tenant"`
	Conversation string `json:"conversation"`
	Path         string `json:"path"`
	Content      string `json:"content"`
	MimeType     string `json:"mime_type,omitempty"`
}

type WriteFileOutput struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

func (t *WorkspaceTools) listFiles(ctx context.Context, _ *mcp.CallToolRequest, in ListFilesInput) (*mcp.CallToolResult, ListFilesOutput, error) {
	records, err := t.store.List(ctx, in.Tenant, in.Conversation)
	if err != nil {
		return nil, ListFilesOutput{}, err
	}
	out := ListFilesOutput{Files: make([]FileSummary, 0, len(records))}
	for _, rec := range records {
		out.Files = append(out.Files, FileSummary{
			Path:        rec.FilePath,
			SizeBytes:   rec.SizeBytes,
			MimeType:    rec.MimeType,
			Source:      string(rec.Source),
			Version:     rec.Version,
			IsPresented: rec.IsPresented,
		})
	}
	return nil, out, nil
}

func (t *WorkspaceTools) readFile(ctx context.Context, _ *mcp.CallToolRequest, in ReadFileInput) (*mcp.CallToolResult, ReadFileOutput, error) {
	data, err := t.gw.Get(ctx, in.Tenant, in.Conversation, in.Path)
	if err != nil {
		return nil, ReadFileOutput{}, err
	}
	return nil, ReadFileOutput{Path: in.Path, Content: string(data)}, nil
}

func (t *WorkspaceTools) writeFile(ctx context.Context, _ *mcp.CallToolRequest, in WriteFileInput) (*mcp.CallToolResult, WriteFileOutput, error) {
	mime := in.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	if err := t.gw.Put(ctx, in.Tenant, in.Conversation, in.Path, []byte(in.Content), mime); err != nil {
		return nil, WriteFileOutput{}, err
	}
	err := t.store.Upsert(ctx, in.Tenant, workspace.Record{
		ConversationID: in.Conversation,
		FilePath:       in.Path,
		OriginalName:   in.Path,
		OriginalRelativePath: in.Path,
		SizeBytes:      int64(len(in.Content)),
		MimeType:       mime,
		Source:         workspace.SourceAICreated,
		ContentHash:    workspace.HashBytes([]byte(in.Content)),
	})
	if err != nil {
		return nil, WriteFileOutput{}, err
	}
	return nil, WriteFileOutput{Path: in.Path, SizeBytes: int64(len(in.Content))}, nil
}

// MCPServer builds the MCP server exposing the workspace tools.
func (t *WorkspaceTools) MCPServer() *mcp.Server {
	impl := &mcp.Implementation{
		Name:    "substrate-workspace",
		Version: "1.0.0",
	}
	server := mcp.NewServer(impl, &mcp.ServerOptions{HasTools: true})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_workspace_files",
		Description: "List the files in the conversation workspace with sizes and sources.",
	}, t.listFiles)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "read_workspace_file",
		Description: "Read one workspace file's content by conversation-relative path.",
	}, t.readFile)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "write_workspace_file",
		Description: "Write a file into the conversation workspace.",
	}, t.writeFile)

	return server
}

// HTTPHandler serves the workspace MCP server over streamable HTTP, the
// transport the agent reaches through the egress proxy.
func (t *WorkspaceTools) HTTPHandler() http.Handler {
	server := t.MCPServer()
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{JSONResponse: true})
}

// RegisterOn wires the workspace tools into a dispatch registry so the
// pipeline's tool_use events resolve by name even off the MCP transport.
func (t *WorkspaceTools) RegisterOn(reg *Registry) error {
	register := func(name string, fn func(ctx context.Context, input json.RawMessage) (string, bool, error)) error {
		return reg.Register(name, fn)
	}
	if err := register("list_workspace_files", func(ctx context.Context, input json.RawMessage) (string, bool, error) {
		var in ListFilesInput
		if err := json.Unmarshal(input, &in); err != nil {
			return fmt.Sprintf("invalid input: %v", err), true, nil
		}
		_, out, err := t.listFiles(ctx, nil, in)
		return marshalResult(out, err)
	}); err != nil {
		return err
	}
	if err := register("read_workspace_file", func(ctx context.Context, input json.RawMessage) (string, bool, error) {
		var in ReadFileInput
		if err := json.Unmarshal(input, &in); err != nil {
			return fmt.Sprintf("invalid input: %v", err), true, nil
		}
		_, out, err := t.readFile(ctx, nil, in)
		return marshalResult(out, err)
	}); err != nil {
		return err
	}
	return register("write_workspace_file", func(ctx context.Context, input json.RawMessage) (string, bool, error) {
		var in WriteFileInput
		if err := json.Unmarshal(input, &in); err != nil {
			return fmt.Sprintf("invalid input: %v", err), true, nil
		}
		_, out, err := t.writeFile(ctx, nil, in)
		return marshalResult(out, err)
	})
}

func marshalResult(out any, err error) (string, bool, error) {
	if err != nil {
		return err.Error(), true, nil
	}
	data, merr := json.Marshal(out)
	if merr != nil {
		return merr.Error(), true, nil
	}
	return string(data), false, nil
}
