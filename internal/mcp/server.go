package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/ziadkadry99/kinesight/internal/embeddings"
	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/pipeline"
	"github.com/ziadkadry99/kinesight/internal/registry"
	"github.com/ziadkadry99/kinesight/internal/sessions"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Deps are the collaborators behind the tools. Tools whose collaborator is
// nil answer with a tool error.
type Deps struct {
	Sessions     *sessions.Store
	Orchestrator *pipeline.Orchestrator
	Registry     *registry.Registry
	Cache        *evidence.Cache
	Embedder     embeddings.Embedder
}

// Server wraps an MCP server that exposes session insight tools.
type Server struct {
	deps Deps
	mcp  *server.MCPServer
}

// NewServer creates a new MCP server with the given dependencies.
func NewServer(deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = registry.Default()
	}
	s := &Server{deps: deps}

	s.mcp = server.NewMCPServer(
		"kinesight",
		Version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(pipelineStatusTool, s.handlePipelineStatus)
	s.mcp.AddTool(triggerPipelineTool, s.handleTriggerPipeline)
	s.mcp.AddTool(getReportTool, s.handleGetReport)
	s.mcp.AddTool(getBenchmarksTool, s.handleGetBenchmarks)
	s.mcp.AddTool(lookupMetricTool, s.handleLookupMetric)
	s.mcp.AddTool(validateFormulaTool, s.handleValidateFormula)
	s.mcp.AddTool(evaluateFormulaTool, s.handleEvaluateFormula)
	s.mcp.AddTool(searchEvidenceTool, s.handleSearchEvidence)
}

// Serve starts the MCP server on stdio. Stdout is used for MCP protocol
// messages; all logging must go to stderr.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}
