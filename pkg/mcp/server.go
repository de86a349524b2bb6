package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/batch"
	"github.com/Sriram-PR/redirect-finder/pkg/config"
	"github.com/Sriram-PR/redirect-finder/pkg/stats"
	"github.com/Sriram-PR/redirect-finder/pkg/storage"
)

const (
	serverName    = "redirect-finder"
	serverVersion = "1.0.0"
)

// StatsReader is the subset of the statistics store the tools query
type StatsReader interface {
	Overall(ctx context.Context, from, to time.Time) (stats.Overall, error)
	SuccessRateByStrategy(ctx context.Context, from, to time.Time) ([]stats.StrategyRate, error)
	StrategiesForDomain(ctx context.Context, domain string, since time.Time) ([]stats.DomainStrategy, error)
	BestStrategyForDomain(ctx context.Context, domain string, since time.Time) (stats.DomainStrategy, bool, error)
}

// HintLookup returns the cached strategy hint for a domain. *storage.HintStore satisfies it.
type HintLookup interface {
	Lookup(ctx context.Context, domain string) (storage.Hint, error)
}

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig *config.AppConfig
	Resolver  batch.Resolver
	Stats     StatsReader
	Hints     HintLookup // Optional
	Transport string     // "stdio" or "sse"
	Port      int
	Logger    *logrus.Logger
}

// Server exposes URL resolution and strategy statistics as MCP tools
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
	now        func() time.Time
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("Resolver is required")
	}
	if cfg.Stats == nil {
		return nil, fmt.Errorf("Stats is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        cfg.Logger.WithField("component", "mcp"),
		jobManager: NewJobManager(),
		now:        time.Now,
	}

	s.registerTools()

	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	resolveURLTool := mcp.NewTool("resolve_url",
		mcp.WithDescription("Follow the redirects of one URL and report the final URL, status and the strategy that produced it"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The http(s) URL to resolve"),
		),
		mcp.WithNumber("max_redirects",
			mcp.Description("Redirect hop budget (1-20, default from config)"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Per-strategy timeout in milliseconds (1000-60000, default from config)"),
		),
		mcp.WithBoolean("use_browser_fallback",
			mcp.Description("Retry in a headless browser when the plain request is blocked"),
		),
	)
	s.mcpServer.AddTool(resolveURLTool, s.handleResolveURL)

	resolveBatchTool := mcp.NewTool("resolve_batch",
		mcp.WithDescription("Start a background resolution of many URLs. Returns immediately with a job ID."),
		mcp.WithString("urls",
			mcp.Description("URLs separated by newlines, commas or spaces"),
		),
		mcp.WithString("input_file",
			mcp.Description("Path to a .csv or .xlsx file with a URL column (alternative to urls)"),
		),
		mcp.WithString("output_file",
			mcp.Description("Write results to this file when the job finishes (optional)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format for output_file: csv or xlsx (default from config)"),
		),
		mcp.WithNumber("max_redirects",
			mcp.Description("Redirect hop budget (1-20)"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Per-strategy timeout in milliseconds"),
		),
		mcp.WithBoolean("use_browser_fallback",
			mcp.Description("Retry blocked URLs in a headless browser"),
		),
	)
	s.mcpServer.AddTool(resolveBatchTool, s.handleResolveBatch)

	getJobStatusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the progress of a batch job, and its results once finished"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by resolve_batch"),
		),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum number of results to include (default: 50, max: 1000, 0 = none)"),
		),
	)
	s.mcpServer.AddTool(getJobStatusTool, s.handleGetJobStatus)

	cancelJobTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a pending or running batch job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by resolve_batch"),
		),
	)
	s.mcpServer.AddTool(cancelJobTool, s.handleCancelJob)

	strategyStatsTool := mcp.NewTool("strategy_stats",
		mcp.WithDescription("Success rate per strategy and overall totals for a recent window"),
		mcp.WithNumber("days",
			mcp.Description("Window length in days (default: 7, max: 3650)"),
		),
	)
	s.mcpServer.AddTool(strategyStatsTool, s.handleStrategyStats)

	recommendTool := mcp.NewTool("recommend_strategy",
		mcp.WithDescription("Recommend the strategy with the best recent success rate for a URL's domain"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("A URL or bare domain"),
		),
	)
	s.mcpServer.AddTool(recommendTool, s.handleRecommendStrategy)

	s.log.Infof("Registered %d MCP tools", 6)
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels running batch jobs
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	return nil
}
