package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mdsync/mdsync/internal/app"
	"github.com/mdsync/mdsync/internal/config"
	"github.com/mdsync/mdsync/internal/server"
	"github.com/mdsync/mdsync/internal/ui"
	"github.com/mdsync/mdsync/internal/workspace"
)

var openCmd = &cobra.Command{
	Use:   "open <file-or-directory>",
	Short: "Start the editing server for a markdown file or workspace folder",
	Long: `Start the mdsync server.

Given a markdown file, the server runs in single-file mode with the
workspace scoped to the file's parent directory. Given a directory, it runs
in folder mode and serves every markdown file underneath it.

The preferred port auto-increments when occupied. Configuration is read
from flags, MDSYNC_* environment variables, and an optional mdsync.yaml in
the workspace root.`,
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

func init() {
	openCmd.Flags().String("host", "127.0.0.1", "Host interface to bind")
	openCmd.Flags().IntP("port", "p", 8000, "Preferred start port; auto-increments when occupied")
	openCmd.Flags().String("log-file", "", "Rotating log file path (default stderr only)")
	rootCmd.AddCommand(openCmd)
}

func runOpen(cmd *cobra.Command, args []string) error {
	target, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", args[0], err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", target, err)
	}

	root := target
	mode := app.ModeFolder
	pinned := ""
	if !info.IsDir() {
		if !workspace.IsMarkdown(target) {
			return fmt.Errorf("only markdown files are supported (.md, .markdown): %s", target)
		}
		root = filepath.Dir(target)
		mode = app.ModeFile
		pinned = filepath.Base(target)
	}

	cfg, err := config.Load(root, cmd.Flags())
	if err != nil {
		return err
	}

	core, err := app.New(cfg, root, mode, pinned)
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.Start(); err != nil {
		return err
	}

	port, err := findAvailablePort(cfg.Host, cfg.Port)
	if err != nil {
		return err
	}

	srv := server.New(core)
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))
	if err := srv.Start(addr); err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s", addr)
	fmt.Printf("%s Serving %s at %s\n", ui.RenderPass("✓"), ui.RenderAccent(target), url)
	fmt.Printf("  WebSocket endpoint: ws://%s/ws\n", addr)
	fmt.Println("\nPress Ctrl+C to stop...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	fmt.Printf("\n%s Shutting down...\n", ui.RenderWarn("⚠"))
	if err := srv.Stop(); err != nil {
		return err
	}
	return nil
}

// findAvailablePort probes upward from the preferred port for one that can
// be bound.
func findAvailablePort(host string, start int) (int, error) {
	if start < 1 || start > 65535 {
		return 0, fmt.Errorf("start port %d out of range", start)
	}
	for port := start; port <= 65535; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no available TCP port at or above %d", start)
}
