package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/loader"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// ChainRegistry is the chain management surface the tools delegate to.
type ChainRegistry interface {
	Register(ctx context.Context, c *schema.Chain) error
	Validate(c *schema.Chain) *schema.ValidationResult
	Get(id string) (*schema.Chain, bool)
	List() []*schema.Chain
	Execute(ctx context.Context, chainID string, input any) (*engine.ExecutionResult, error)
	Start(ctx context.Context, chainID string, input any) (*engine.Handle, error)
	Status(ctx context.Context, executionID string) (*engine.ExecutionResult, error)
	Cancel(ctx context.Context, executionID string) error
	Forget(ctx context.Context, executionID string) error
}

// ChainServerDeps holds the dependencies for creating a ChainServer.
type ChainServerDeps struct {
	Registry ChainRegistry
	// Loader decodes chain documents passed to chain.register and
	// chain.validate. Nil decodes without the structural schema check.
	Loader *loader.Loader
	// Hub, when set, streams step progress of asynchronous executions to
	// the calling agent.
	Hub    streaming.EventHub
	Logger *zap.Logger
}

// ChainServer wraps an MCP server with chain tool handlers.
type ChainServer struct {
	registry  ChainRegistry
	loader    *loader.Loader
	hub       streaming.EventHub
	logger    *zap.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewChainServer creates a ChainServer with every chain tool registered.
func NewChainServer(deps ChainServerDeps) *ChainServer {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	l := deps.Loader
	if l == nil {
		l = loader.New(nil)
	}

	s := &ChainServer{
		registry: deps.Registry,
		loader:   l,
		hub:      deps.Hub,
		logger:   logging.Component(logger, "mcp"),
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"chainflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Chainflow runs multi-step LLM chains. Use chain.register to add a chain, chain.validate to check one without registering it, chain.execute to run a registered chain, chain.status and chain.cancel to follow or stop an execution, chain.get and chain.list to inspect registered chains, and chain.diagram to draw one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ChainServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ChainServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ChainServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: forgetTool(), Handler: s.handleForget},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func registerTool() mcp.Tool {
	return mcp.NewTool("chain.register",
		mcp.WithDescription("Validate and register a chain definition"),
		mcp.WithObject("chain", mcp.Required(), mcp.Description("Chain definition object")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("chain.validate",
		mcp.WithDescription("Validate a chain definition without registering it"),
		mcp.WithObject("chain", mcp.Required(), mcp.Description("Chain definition object")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("chain.execute",
		mcp.WithDescription("Execute a registered chain"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("ID of the registered chain")),
		mcp.WithObject("input", mcp.Description("Chain input values")),
		mcp.WithBoolean("async", mcp.Description("Return the execution ID immediately instead of waiting for completion")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent; async executions notify it on completion")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("chain.get",
		mcp.WithDescription("Get a registered chain definition"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("ID of the registered chain")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("chain.list",
		mcp.WithDescription("List registered chains"),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chain.status",
		mcp.WithDescription("Get chain execution status"),
		mcp.WithString("execution_id", mcp.Description("ID of the execution to query")),
		mcp.WithString("agent_id", mcp.Description("Without execution_id, list the async executions this agent is waiting on")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("chain.cancel",
		mcp.WithDescription("Cancel a running chain execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func forgetTool() mcp.Tool {
	return mcp.NewTool("chain.forget",
		mcp.WithDescription("Delete a finished chain execution and its recorded history"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to delete")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("chain.diagram",
		mcp.WithDescription("Generate a diagram of a registered chain. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("ID of the registered chain")),
		mcp.WithString("execution_id", mcp.Description("Execution whose step status is overlaid on the diagram")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
