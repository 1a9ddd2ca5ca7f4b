// Command aoc-hub runs the per-session hub (C8): the WebSocket legacy
// surface and UDS pulse protocol that fan out agent telemetry to
// subscribers and route commands back to publishers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aoc/cockpit/internal/hub"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "aoc-hub",
		Short:   "Session hub for the agent ops cockpit",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.AddCommand(buildServeCmd())
	return root
}

// buildServeCmd wires spec §6.6's hub CLI flags: bind address, session id,
// debug, stale-after seconds, ping interval, write timeout, log directory.
func buildServeCmd() *cobra.Command {
	var (
		bindAddr     string
		sessionID    string
		debug        bool
		staleAfter   float64
		pingInterval float64
		writeTimeout float64
		stateDir     string
		logDir       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub's WebSocket and UDS pulse surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveConfig{
				bindAddr:     bindAddr,
				sessionID:    sessionID,
				debug:        debug,
				staleAfter:   time.Duration(staleAfter * float64(time.Second)),
				pingInterval: time.Duration(pingInterval * float64(time.Second)),
				writeTimeout: time.Duration(writeTimeout * float64(time.Second)),
				stateDir:     stateDir,
				logDir:       logDir,
			})
		},
	}

	cmd.Flags().StringVar(&bindAddr, "bind", "", "loopback bind address (default 127.0.0.1:<derived port>)")
	cmd.Flags().StringVar(&sessionID, "session", envOr("AOC_SESSION_ID", ""), "session id (required)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().Float64Var(&staleAfter, "stale-after", hub.DefaultStaleAfter.Seconds(), "seconds before an unheartbeated agent is reaped")
	cmd.Flags().Float64Var(&pingInterval, "ping-interval", 15, "seconds between WebSocket keepalive pings")
	cmd.Flags().Float64Var(&writeTimeout, "write-timeout", 2, "seconds allowed for a single WebSocket write")
	cmd.Flags().StringVar(&stateDir, "state-dir", envOr("AOC_STATE_DIR", defaultStateDir()), "root directory for the UDS pulse socket")
	cmd.Flags().StringVar(&logDir, "log-dir", envOr("AOC_LOG_DIR", ""), "directory for hub logs (stderr if empty)")

	return cmd
}

type serveConfig struct {
	bindAddr     string
	sessionID    string
	debug        bool
	staleAfter   time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	stateDir     string
	logDir       string
}

func runServe(ctx context.Context, cfg serveConfig) error {
	if cfg.sessionID == "" {
		return fmt.Errorf("--session is required")
	}

	logger, err := newLogger(cfg.logDir, cfg.debug)
	if err != nil {
		return err
	}

	h := hub.New(cfg.sessionID, hub.WithLogger(logger), hub.WithStaleAfter(cfg.staleAfter))

	bindAddr := cfg.bindAddr
	if bindAddr == "" {
		bindAddr = hub.WSBindAddr(cfg.sessionID)
	}
	if host, _, splitErr := splitHostPort(bindAddr); splitErr == nil && !hub.IsLoopbackBind(host) {
		return fmt.Errorf("refusing non-loopback bind %q", bindAddr)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go h.RunStaleReaper(ctx)

	udsPath := hub.UDSPath(cfg.stateDir, cfg.sessionID)
	pulseSrv, err := hub.ListenPulse(udsPath, h, nil, logger)
	if err != nil {
		return fmt.Errorf("listen pulse: %w", err)
	}
	defer pulseSrv.Close()
	go func() {
		if err := pulseSrv.Serve(ctx); err != nil {
			logger.Error("pulse server stopped", "error", err)
		}
	}()

	wsSrv := hub.NewServer(h, nil, logger, hub.WithPingInterval(cfg.pingInterval), hub.WithWriteTimeout(cfg.writeTimeout))
	httpSrv := &http.Server{Addr: bindAddr, Handler: wsSrv}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("hub listening", "session", cfg.sessionID, "ws", bindAddr, "uds", udsPath)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newLogger(logDir string, debug bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	out := os.Stderr
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(logDir, "aoc-hub.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})), nil
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state")
	}
	return os.TempDir()
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", fmt.Errorf("no port in address %q", addr)
}
