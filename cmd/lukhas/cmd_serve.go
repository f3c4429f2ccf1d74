package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lukhas/internal/api"
	"lukhas/internal/authz"
	"lukhas/internal/config"
	"lukhas/internal/guardian"
	"lukhas/internal/incident"
	"lukhas/internal/mcp"
	"lukhas/internal/telemetry"
)

var (
	serveSampleInterval time.Duration
	serveNoMCP          bool
)

// serveCmd runs the whole server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, MCP file server, guardian and incident engine",
	Long: `Starts every lukhas component:

  - REST API on server.listen, every route behind the authz middleware
  - MCP file server on mcp.listen (disable with --no-mcp)
  - guardian sampling of error and denial rates every --sample-interval
  - incident engine with playbooks from incident.playbook_dir; critical
    guardian alerts open incidents when guardian.open_incidents is set

The policy file is reloaded on change when authz.hot_reload is set.
SIGINT or SIGTERM shuts everything down gracefully.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveSampleInterval, "sample-interval", 10*time.Second, "Guardian metric sampling interval")
	serveCmd.Flags().BoolVar(&serveNoMCP, "no-mcp", false, "Do not start the MCP file server")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiLn, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}
	var mcpLn net.Listener
	if !serveNoMCP {
		mcpLn, err = net.Listen("tcp", cfg.MCP.Listen)
		if err != nil {
			apiLn.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.MCP.Listen, err)
		}
	}

	return serve(ctx, cfg, apiLn, mcpLn, serveSampleInterval)
}

// serve wires every component from c and serves until ctx ends. A nil mcpLn
// leaves the MCP server off.
func serve(ctx context.Context, c *config.Config, apiLn, mcpLn net.Listener, sampleEvery time.Duration) error {
	defer apiLn.Close()
	if mcpLn != nil {
		defer mcpLn.Close()
	}

	shutdownTracing, err := telemetry.Setup(ctx, c.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	st, err := openStore(c.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	rt, err := buildDecider(ctx, c.Authz, true)
	if err != nil {
		return err
	}
	defer rt.Stop()

	issuer, verifier, err := buildIssuer(c.Authz)
	if err != nil {
		return err
	}
	authorizer := authz.NewAuthorizer(verifier, rt.decider, authz.WithDecisionSink(st))

	var approver incident.Approver = incident.DenyApprover{}
	if c.Incident.AutoApprove {
		approver = incident.AutoApprover{}
	}
	engine, err := buildEngine(c.Incident, approver, st)
	if err != nil {
		return err
	}

	monitor := guardian.FromConfig(c.Guardian)
	var escalation *guardian.Escalation
	if c.Guardian.OpenIncidents {
		escalation = monitor.Escalate(ctx, &guardian.EngineSink{Engine: engine})
	}

	apiSrv, err := api.NewServer(c.Server, api.Deps{
		Store:      st,
		Authorizer: authorizer,
		Issuer:     issuer,
		Engine:     engine,
		Monitor:    monitor,
		TokenTTL:   c.Authz.GetTokenTTL(),
		Uploads:    c.Uploads,
	})
	if err != nil {
		return err
	}

	var mcpSrv *mcp.Server
	if mcpLn != nil {
		mcpSrv, err = newMCPServer(c.MCP, authorizer, c.Version)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiSrv.Serve(gctx, apiLn) })
	g.Go(func() error {
		apiSrv.ReportMetrics(gctx, sampleEvery)
		return nil
	})
	if mcpSrv != nil {
		g.Go(func() error { return serveMCP(gctx, mcpSrv, mcpLn) })
	}

	logger.Info("lukhas serving",
		zap.String("api", apiLn.Addr().String()),
		zap.Bool("mcp", mcpSrv != nil),
		zap.String("authz", c.Authz.Mode),
		zap.Int("playbooks", len(engine.Playbooks())))

	err = g.Wait()
	if escalation != nil {
		escalation.Wait()
	}
	logger.Info("lukhas stopped")
	return err
}
