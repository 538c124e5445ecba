package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"onemcp/internal/capability"
	"onemcp/internal/config"
	"onemcp/internal/configdiff"
	"onemcp/internal/ctxprop"
	"onemcp/internal/gateway"
	"onemcp/internal/lazyload"
	"onemcp/internal/preset"
	"onemcp/internal/reload"
	"onemcp/internal/serverindex"
	"onemcp/internal/session"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

const version = "1.0.0"

var (
	flagHost      string
	flagPort      int
	flagTransport string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagHost, "host", "127.0.0.1", "listen host (http transport)")
	serveCmd.Flags().IntVar(&flagPort, "port", 3050, "listen port (http transport)")
	serveCmd.Flags().StringVar(&flagTransport, "transport", "http", "downstream transport: http or stdio")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	manager, err := config.NewManager(flagConfig)
	if err != nil {
		return err
	}
	defer manager.Stop()

	// Outbound side: one supervisor entry per configured upstream.
	supervisor := upstream.NewSupervisor(nil, 0)
	descriptors, generation := manager.Current()
	for _, desc := range descriptors {
		supervisor.Add(desc)
	}

	var index atomic.Pointer[serverindex.Index]
	index.Store(serverindex.Build(descriptors, generation))
	indexFn := func() *serverindex.Index { return index.Load() }
	rebuildIndex := func() {
		descs, gen := manager.Current()
		index.Store(serverindex.Build(descs, gen))
	}

	// Discovery core: aggregator, registry, cache, meta-tools.
	agg := capability.New(supervisor)
	orch := lazyload.New(manager.LazyLoading(), agg, supervisor)

	// Presets and sessions persist under the data directory.
	if err := os.MkdirAll(flagDataDir, 0o755); err != nil {
		return err
	}
	presets, err := preset.NewStore(filepath.Join(flagDataDir, "presets.json"), indexFn)
	if err != nil {
		return err
	}
	if err := presets.Watch(); err != nil {
		logging.Warn("Serve", "preset file watch unavailable: %v", err)
	}
	defer presets.Close()

	sessionStore, err := session.NewFileStore(filepath.Join(flagDataDir, "sessions"))
	if err != nil {
		return err
	}

	var gw *gateway.Server
	sessions := session.NewManager(sessionStore, func() *mcp.InitializeResult { return gw.InitializeResult() })
	gw = gateway.New(gateway.Options{Name: "onemcp", Version: version, Host: flagHost, Port: flagPort},
		orch, sessions, presets, indexFn, supervisor)

	// Reload path: config edits run through the analyzer, then the
	// controller, then a capability refresh.
	controller := reload.NewController(supervisor, orch.Cache())
	controller.Subscribe(func(res reload.Result) {
		rebuildIndex()
		orch.RefreshCapabilities(context.Background())
		gw.SyncTools()
	})
	if err := manager.Watch(func(oldCfg, newCfg map[string]config.ServerDescriptor) {
		analysis := configdiff.Analyze(oldCfg, newCfg)
		if analysis.IsNoop() {
			return
		}
		logging.Info("Serve", "configuration changed: %d adds, %d removes, %d modifies (est. downtime %s)",
			analysis.Adds, analysis.Removes, analysis.Modifies, analysis.EstimatedTotalDowntime)
		controller.Apply(context.Background(), analysis, newCfg)
	}); err != nil {
		return err
	}

	// Upstream capability events drive refreshes, debounced so a burst of
	// reconnects becomes one rebuild.
	sub := supervisor.Subscribe()
	go func() {
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if ev.Kind != upstream.EventCapabilitiesUpdated {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(300*time.Millisecond, func() {
					orch.RefreshCapabilities(context.Background())
					gw.SyncTools()
				})
			}
		}
	}()

	if err := orch.Initialize(ctx); err != nil {
		return err
	}

	if flagTransport == "stdio" {
		applyEnvPreset(sessions, presets)
		return gw.ServeStdio(ctx)
	}

	if err := gw.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logging.Info("Serve", "shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logging.Warn("Serve", "gateway shutdown: %v", err)
	}
	for _, snap := range supervisor.Entries() {
		supervisor.Remove(snap.Name, true)
	}
	return nil
}

// applyEnvPreset honors ONE_MCP_PRESET for stdio proxy mode: the desktop
// client can't pass a preset itself, so the environment selects one for the
// implicit stdio session.
func applyEnvPreset(sessions *session.Manager, presets *preset.Store) {
	name := os.Getenv("ONE_MCP_PRESET")
	if name == "" {
		return
	}
	if _, err := presets.Get(name); err != nil {
		logging.Warn("Serve", "ONE_MCP_PRESET=%s does not name a known preset", name)
		return
	}
	if err := presets.MarkUsed(name); err != nil {
		logging.Debug("Serve", "could not mark preset %s used: %v", name, err)
	}
	sessions.CreateSession(session.Config{PresetName: name}, &ctxprop.ContextData{
		Environment: map[string]string{"ONE_MCP_PRESET": name},
	}, "stdio")
	logging.Info("Serve", "stdio session filtered by preset %s", name)
}
