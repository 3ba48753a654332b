package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kirkphillip605/Vibe-Song-Sync/internal/api"
	"github.com/kirkphillip605/Vibe-Song-Sync/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status API and MCP server (foreground)",
	Long: `Serve the local library over HTTP for dashboards and over MCP
stdio for assistant integrations. Sync and download commands keep working
in other terminals; the catalog is shared.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vibesync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vibesync system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vibesync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "vibesync version %s\n", version)

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	// Refuse a second instance on the same port.
	pidPath := pidFilePath(a.cfg.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", a.cfg.ServerPort)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("vibesync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("vibesync is already running on port %d", a.cfg.ServerPort)
		return fmt.Errorf("server already running on port %d", a.cfg.ServerPort)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signalContext()
	defer stop()

	handler := api.NewAppHandler(api.AppDeps{
		Store:   a.store,
		Version: version,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", a.cfg.ServerPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP over stdio in a goroutine; assistants attach to the same process.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:   a.store,
		Version: version,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "vibesync listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("vibesync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop vibesync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to vibesync (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.ServerPort)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.ServerPort)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		statusResp, err := client.Get(serverURL + "/status")
		if err == nil {
			var s api.StatusResponse
			if json.NewDecoder(statusResp.Body).Decode(&s) == nil {
				printStatus("Tracks", "%d", s.TotalTracks)
				printStatus("Pending", "%d", s.PendingTracks)
				if s.LastTrackID != "" {
					printStatus("Newest track", "%s", s.LastTrackID)
				}
			}
			statusResp.Body.Close()
		}
	}

	printStatus("Site", "%s", cfg.BaseURL)
	printStatus("Download dir", "%s", cfg.DownloadDir)
	printStatus("Data dir", "%s", cfg.DataDir)
	return nil
}
