// Package app wires the mdsync core together.
//
// App is the one explicit context object constructed at startup and passed
// by reference into the transport layer. It owns the store, watcher, and
// hub, bridges watcher events into hub broadcasts, and tears everything
// down (watch loop, timers, lock artifacts) instead of leaning on process
// exit.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mdsync/mdsync/internal/config"
	"github.com/mdsync/mdsync/internal/hub"
	"github.com/mdsync/mdsync/internal/logging"
	"github.com/mdsync/mdsync/internal/store"
	"github.com/mdsync/mdsync/internal/watcher"
	"github.com/mdsync/mdsync/internal/workspace"
)

// Mode is the editing mode the server was started in.
type Mode string

const (
	// ModeFile serves a single pinned markdown file; the workspace is its
	// parent directory.
	ModeFile Mode = "file"
	// ModeFolder serves every markdown file under the workspace root.
	ModeFolder Mode = "folder"
)

// App is the assembled mdsync core.
type App struct {
	Config    *config.Config
	Workspace *workspace.Workspace
	Store     *store.Store
	Watcher   *watcher.Watcher
	Hub       *hub.Hub
	Logs      *logging.Sink

	// Mode and, in file mode, the pinned document path.
	Mode       Mode
	PinnedFile string

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds the core over a workspace root. pinned is the workspace-relative
// path of the single served file in file mode, empty in folder mode.
func New(cfg *config.Config, root string, mode Mode, pinned string) (*App, error) {
	ws, err := workspace.New(root)
	if err != nil {
		return nil, err
	}
	logs := logging.NewSink(logging.Options{
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})
	st := store.New(ws, store.Options{
		LockTimeout:    cfg.LockTimeout,
		SuppressionTTL: cfg.SuppressionTTL,
		Logger:         logs.Component("store"),
	})
	w, err := watcher.New(ws, st, watcher.Options{
		Debounce: cfg.Debounce,
		Logger:   logs.Component("watcher"),
	})
	if err != nil {
		logs.Close()
		return nil, err
	}
	h := hub.New(hub.Options{
		SendTimeout: cfg.SendTimeout,
		Logger:      logs.Component("hub"),
	})
	return &App{
		Config:     cfg,
		Workspace:  ws,
		Store:      st,
		Watcher:    w,
		Hub:        h,
		Logs:       logs,
		Mode:       mode,
		PinnedFile: pinned,
	}, nil
}

// Start begins watching and pumping change events into the hub.
func (a *App) Start() error {
	if err := a.Watcher.Start(); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.pump(ctx)
	return nil
}

// pump moves change events from the watcher into hub broadcasts. This is the
// only bridge between the notification domain and the serving domain; the
// watcher enqueues, the pump dequeues, and broadcast work never runs on the
// notification path.
func (a *App) pump(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.Watcher.Events():
			if !ok {
				return
			}
			a.Hub.Broadcast(ctx, event)
		}
	}
}

// Close tears the core down: stop the watcher, stop the hub sweep, remove
// lock artifacts, close the log file. Idempotent.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if err := a.Watcher.Stop(); err != nil {
			a.Logs.Component("app").Printf("stopping watcher: %v", err)
		}
		if a.cancel != nil {
			a.cancel()
		}
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			a.Logs.Component("app").Printf("timed out waiting for event pump")
		}
		a.Hub.Close()
		a.Store.Close()
		_ = a.Logs.Close()
	})
}
