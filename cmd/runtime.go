package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xkilldash9x/venice-bridge/internal/bridge"
	"github.com/xkilldash9x/venice-bridge/internal/browser"
	"github.com/xkilldash9x/venice-bridge/internal/config"
)

// runtime is the wired object graph shared by the serve and login commands.
type runtime struct {
	registry     *prometheus.Registry
	manager      *bridge.Manager
	orchestrator *bridge.Orchestrator
}

// launcherFactory is swapped in tests to avoid starting a real browser.
var launcherFactory = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) browser.Launcher {
	return browser.NewChromeLauncher(ctx, cfg, logger)
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := bridge.NewMetrics(reg)

	auth, err := bridge.NewAuthenticator(cfg.Venice, cfg.Bridge)
	if err != nil {
		return nil, fmt.Errorf("failed to build authenticator: %w", err)
	}

	manager := bridge.NewManager(launcherFactory(ctx, cfg.Browser, logger), auth, bridge.ManagerOptions{
		Venice:  cfg.Venice,
		Bridge:  cfg.Bridge,
		Logger:  logger,
		Metrics: metrics,
	})

	orchestrator := bridge.NewOrchestrator(manager, nil, bridge.Options{
		Venice:       cfg.Venice,
		Bridge:       cfg.Bridge,
		Inference:    cfg.Inference,
		DebugConsole: cfg.Browser.Debug,
		Logger:       logger,
		Metrics:      metrics,
	})

	return &runtime{
		registry:     reg,
		manager:      manager,
		orchestrator: orchestrator,
	}, nil
}

// close tears the browser down. It still works after ctx is canceled.
func (r *runtime) close(ctx context.Context) {
	r.manager.Close(ctx)
}
