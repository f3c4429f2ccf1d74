package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lukhas/internal/authz"
	"lukhas/internal/config"
	"lukhas/internal/logging"
	"lukhas/internal/mcp"
)

var (
	mcpRoot    string
	mcpListen  string
	mcpURL     string
	mcpToken   string
	mcpTimeout time.Duration
	mcpJSON    bool
)

// mcpCmd groups MCP file server commands
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve or query the sandboxed MCP file server",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve list_directory and read_file over MCP (SSE transport)",
	Long: `Starts a standalone MCP server rooted at mcp.root. Paths outside the root,
absolute paths and symlinks escaping it are refused.

When mcp.authorize is set, streams need a capability token and every tool
call is authorized as module "mcp" with the tool name as action.`,
	Args: cobra.NoArgs,
	RunE: runMCPServe,
}

var mcpCallCmd = &cobra.Command{
	Use:   "call <tool|tools|ping> [path]",
	Short: "Call a tool on a running MCP server",
	Long: `Connects to an MCP server, performs the handshake and calls one tool.

Examples:
  lukhas mcp call tools
  lukhas mcp call list_directory docs
  lukhas mcp call read_file docs/readme.md --token "$TOKEN"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runMCPCall,
}

func init() {
	mcpServeCmd.Flags().StringVar(&mcpRoot, "root", "", "Sandbox root (default: mcp.root)")
	mcpServeCmd.Flags().StringVar(&mcpListen, "listen", "", "Listen address (default: mcp.listen)")

	mcpCallCmd.Flags().StringVar(&mcpURL, "url", "", "Stream URL (default: http://<mcp.listen>/sse)")
	mcpCallCmd.Flags().StringVar(&mcpToken, "token", "", "Capability token")
	mcpCallCmd.Flags().DurationVar(&mcpTimeout, "timeout", 10*time.Second, "Handshake and call timeout")
	mcpCallCmd.Flags().BoolVar(&mcpJSON, "json", false, "Print raw JSON results")

	mcpCmd.AddCommand(mcpServeCmd)
	mcpCmd.AddCommand(mcpCallCmd)
}

// newMCPServer builds the file server for mc. auth may be nil; it is only
// used when mc.Authorize is set.
func newMCPServer(mc config.MCPConfig, auth *authz.Authorizer, version string) (*mcp.Server, error) {
	sb, err := mcp.NewSandbox(mc.Root)
	if err != nil {
		return nil, err
	}
	opts := mcp.Options{
		Tools:   mcp.NewFileTools(sb, mc.MaxFileBytes, mc.MaxEntries),
		Name:    "lukhas-mcp",
		Version: version,
	}
	if mc.Authorize {
		if auth == nil {
			return nil, errors.New("mcp.authorize requires an authorizer")
		}
		opts.Authorizer = auth
	} else {
		logging.MCPWarn("serving %s without authorization", sb.Root())
	}
	return mcp.NewServer(opts), nil
}

// serveMCP serves srv on ln until ctx ends. Open streams are closed before
// the HTTP server shuts down.
func serveMCP(ctx context.Context, srv *mcp.Server, ln net.Listener) error {
	hs := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.MCP("MCP listening on %s", ln.Addr())
		errCh <- hs.Serve(ln)
	}()

	select {
	case err := <-errCh:
		srv.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.MCP("MCP shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("mcp shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mc := cfg.MCP
	if mcpRoot != "" {
		mc.Root = mcpRoot
	}
	if mcpListen != "" {
		mc.Listen = mcpListen
	}

	var auth *authz.Authorizer
	if mc.Authorize {
		rt, err := buildDecider(ctx, cfg.Authz, true)
		if err != nil {
			return err
		}
		defer rt.Stop()
		_, verifier, err := buildIssuer(cfg.Authz)
		if err != nil {
			return err
		}
		auth = authz.NewAuthorizer(verifier, rt.decider)
	}

	srv, err := newMCPServer(mc, auth, cfg.Version)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", mc.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", mc.Listen, err)
	}
	logger.Info("mcp server starting", zap.String("listen", ln.Addr().String()), zap.String("root", mc.Root))
	return serveMCP(ctx, srv, ln)
}

func runMCPCall(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	url := mcpURL
	if url == "" {
		url = "http://" + cfg.MCP.Listen + "/sse"
	}

	var opts []mcp.ClientOption
	if mcpToken != "" {
		opts = append(opts, mcp.WithToken(mcpToken))
	}
	client := mcp.NewClient(url, mcpTimeout, opts...)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	tool := args[0]
	path := "."
	if len(args) == 2 {
		path = args[1]
	}

	switch tool {
	case "ping":
		if err := client.Ping(ctx); err != nil {
			return err
		}
		info := client.ServerInfo()
		fmt.Fprintf(out, "pong from %s %s\n", info.ServerInfo.Name, info.ServerInfo.Version)
		return nil

	case "tools":
		tools, err := client.ListTools(ctx)
		if err != nil {
			return err
		}
		if mcpJSON {
			return writeIndented(out, tools)
		}
		for _, t := range tools {
			fmt.Fprintf(out, "%s\t%s\n", t.Name, t.Description)
		}
		return nil

	case "list_directory":
		listing, err := client.ListDirectory(ctx, path)
		if err != nil {
			return err
		}
		if mcpJSON {
			return writeIndented(out, listing)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, e := range listing.Entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", e.Type, e.Name, e.Size)
		}
		if listing.Truncated {
			fmt.Fprintln(tw, "...\ttruncated\t")
		}
		return tw.Flush()

	case "read_file":
		if len(args) != 2 {
			return errors.New("read_file needs a path")
		}
		text, err := client.ReadFile(ctx, path)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(out, text)
		return err

	default:
		res, err := client.CallTool(ctx, tool, map[string]any{"path": path})
		if err != nil {
			return err
		}
		if mcpJSON {
			return writeIndented(out, res)
		}
		fmt.Fprintln(out, res.Text())
		if res.IsError {
			return fmt.Errorf("tool %s failed", tool)
		}
		return nil
	}
}

// writeIndented encodes v as indented JSON.
func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
