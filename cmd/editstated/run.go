package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"editstate/internal/config"
	"editstate/internal/engine"
	"editstate/internal/health"
	"editstate/internal/ipc"
	"editstate/internal/logging"
	"editstate/internal/metrics"
	"editstate/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run restores the last checkpoint, then serves producers on the local
socket and the metrics and health endpoints until SIGINT or SIGTERM.
The configuration file is watched; producer limits apply immediately,
other changes need a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx)
	},
}

func runDaemon(ctx context.Context) error {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, nil))
	loader := config.NewLoader(resolveConfigPath(), bootstrap)
	defer loader.Close()

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	log, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  cfg.Logging.CrashDir,
		Version:   Version,
		Component: "editstated",
		Logger:    log.Component("crash"),
	})

	var audit *logging.AuditLogger
	if cfg.Logging.AuditPath != "" {
		ac := logging.DefaultAuditConfig()
		ac.FilePath = cfg.Logging.AuditPath
		ac.Component = "editstated"
		audit, err = logging.NewAuditLogger(ac)
		if err != nil {
			return fmt.Errorf("init audit trail: %w", err)
		}
		defer audit.Close()
	}

	storeCfg := cfg.StorageOptions()
	storeCfg.Logger = log.Component("storage")
	durable, err := storage.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer durable.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	hc := health.NewChecker()

	eng := engine.New(durable, engine.OptionsFromConfig(cfg),
		engine.WithLogger(log.Logger),
		engine.WithAudit(audit),
		engine.WithMetrics(m),
		engine.WithCrashHandler(crash),
		engine.WithHealth(hc),
		engine.WithVersion(Version),
	)
	eng.RegisterHealth(hc, cfg.Storage.Path)

	loader.OnChange(func(old, updated *config.Config) {
		if old.Producers != updated.Producers {
			eng.SetProducerLimits(updated.Producers.RateLimit, updated.Producers.Burst)
			audit.LogConfigChange(ctx, "producers",
				fmt.Sprintf("%+v", old.Producers), fmt.Sprintf("%+v", updated.Producers))
		}
		rest := *old
		rest.Producers = updated.Producers
		if !reflect.DeepEqual(&rest, updated) {
			log.Warn("configuration changed; restart to apply sections other than producers")
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch disabled", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           observabilityMux(m, hc),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(crash.Guard("http", func() error {
			log.Info("http listening", "addr", srv.Addr, "metrics", m != nil)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		}))
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if cfg.IPC.Enabled {
		if err := serveIPC(gctx, g, cfg, eng, hc, log); err != nil {
			cancel()
			g.Wait()
			return err
		}
	}

	log.Info("editstated started", "version", Version, "storage", cfg.Storage.Backend, "config", loader.Path())
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("editstated stopped")
	return err
}

// serveIPC starts the producer socket and stops it when ctx is done.
func serveIPC(ctx context.Context, g *errgroup.Group, cfg *config.Config, eng *engine.Engine, hc *health.Checker, log *logging.Logger) error {
	sc := ipc.DefaultServerConfig(config.DataDir())
	sc.SocketPath = cfg.IPC.SocketPath
	sc.Version = Version
	sc.MaxConnections = cfg.IPC.MaxConnections
	if cfg.IPC.ReadOnly {
		sc.DefaultPerm = ipc.PermReadOnly
	}

	handler := ipc.NewEngineHandler(eng, hc, Version, log.Component("ipc"))
	server := ipc.NewServer(sc, handler, log.Component("ipc"))
	if err := server.Start(); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	detach := handler.Attach(server)

	g.Go(func() error {
		<-ctx.Done()
		detach()
		return server.Stop()
	})
	return nil
}

func observabilityMux(m *metrics.Metrics, hc *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	mux.Handle("GET /livez", hc.LivenessHandler())
	mux.Handle("GET /readyz", hc.ReadinessHandler())
	mux.Handle("GET /healthz", hc.HealthHandler())
	return mux
}
