package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/power-topology/backend/internal/api"
	"github.com/power-topology/backend/internal/asset"
	"github.com/power-topology/backend/internal/config"
	"github.com/power-topology/backend/internal/diagram"
	"github.com/power-topology/backend/internal/imagecache"
	"github.com/power-topology/backend/internal/models"
	"github.com/power-topology/backend/internal/power"
	"github.com/power-topology/backend/internal/session"
	"github.com/power-topology/backend/internal/storage"
	"github.com/power-topology/backend/internal/topology"
	"github.com/power-topology/backend/internal/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the diagram server",
	Long: `Start the HTTP and WebSocket server.

The topology file named in the config is applied on startup and, when
WatchTopology is enabled, re-applied whenever it changes on disk.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	printBanner(cmd.OutOrStdout(), cfg, path)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.run(ctx)
}

// server is every long-lived piece of a running instance.
type server struct {
	cfg       *config.AppConfig
	logger    *slog.Logger
	resources *storage.ResourceStore
	images    *imagecache.Loader
	engine    *power.Engine
	positions storage.PositionStore
	ctrl      *diagram.Controller
	sessions  *session.Manager
	echo      *echo.Echo
	http      *http.Server
}

func newServer(cfg *config.AppConfig, logger *slog.Logger) (*server, error) {
	resources, err := storage.NewResourceStore(cfg.Storage.ResourcesDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resources: %w", err)
	}

	var positions storage.PositionStore
	if cfg.Storage.EnablePersistence {
		positions, err = storage.NewDuckStore(cfg.Storage.PositionsDatabase, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open positions database: %w", err)
		}
	} else {
		positions = storage.NewMemoryStore()
	}

	s := &server{
		cfg:       cfg,
		logger:    logger,
		resources: resources,
		images: imagecache.NewLoader(resources,
			imagecache.WithTimeout(cfg.ImageFetchTimeout()),
			imagecache.WithLogger(logger)),
		engine: power.NewEngine(
			power.WithVoltage(cfg.Advanced.MainsVoltage, cfg.Advanced.MinVoltage),
			power.WithLogger(logger)),
		positions: positions,
		sessions:  session.NewManager(cfg.Processing.MaxViewers, logger),
	}
	s.ctrl = diagram.New(diagram.Config{
		Registry:       asset.DefaultRegistry(),
		Resolver:       s.images,
		Authority:      s.engine,
		Positions:      positions,
		Logger:         logger,
		FrameRate:      cfg.Rendering.FrameRate,
		RequestTimeout: cfg.PowerRequestTimeout(),
		InboxSize:      cfg.Processing.InboxSize,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api.SetupMiddleware(e, api.MiddlewareOptions{
		Logger:         logger,
		Verbose:        cfg.SlogLevel() <= slog.LevelDebug,
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		RequestTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		BodyLimit:      cfg.Server.BodyLimit,
		EnableCORS:     cfg.Server.EnableCORS,
		AllowOrigins:   cfg.Origins(),
	})
	handlers := api.NewHandlers(&api.Dependencies{
		Diagram:   s.ctrl,
		Power:     s.engine,
		Images:    s.images,
		Resources: resources,
		Sessions:  s.sessions,
		Logger:    logger,
		Version:   Version,
		ResourceOptions: api.ResourceOptions{
			AllowUpload:     cfg.Security.AllowResourceUpload,
			AllowDeletion:   cfg.Security.AllowResourceDeletion,
			MaxPreviewScale: cfg.Rendering.MaxPreviewScale,
			AllowedTypes:    cfg.ResourceTypes(),
		},
		WSMaxMessageSize: int64(cfg.Advanced.WebSocketMaxMessageSize) * 1024,
	})
	api.RegisterRoutes(e, handlers)
	api.RegisterWebSocketRoutes(e, handlers)

	if web.HasEmbeddedFiles() {
		if err := web.RegisterStaticRoutes(e); err != nil {
			logger.Warn("failed to register static routes", "error", err)
		}
	}
	s.echo = e

	s.http = &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
	return s, nil
}

// run serves until ctx is cancelled, then shuts every component down.
func (s *server) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.ctrl.Run(ctx) })

	s.loadTopology(ctx)

	if s.cfg.Storage.WatchTopology {
		g.Go(func() error {
			w := &topology.Watcher{
				Path:     s.cfg.Storage.TopologyFile,
				Debounce: s.cfg.TopologyDebounce(),
				Logger:   s.logger,
				OnChange: func(topo *models.Topology) { s.apply(ctx, topo) },
			}
			// A broken watch only loses live reload.
			if err := w.Run(ctx); err != nil {
				s.logger.Warn("topology watch stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.cleanupSessions(ctx)
		return nil
	})

	g.Go(func() error {
		if err := s.echo.StartServer(s.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.close()
	return err
}

// loadTopology applies the configured topology file if there is one. A file
// that fails to parse leaves the diagram empty.
func (s *server) loadTopology(ctx context.Context) {
	path := s.cfg.Storage.TopologyFile
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no topology file yet", "path", path)
		return
	}
	topo, err := topology.ParseFile(path)
	if err != nil {
		s.logger.Warn("failed to load topology", "path", path, "error", err)
		return
	}
	s.apply(ctx, topo)
}

func (s *server) apply(ctx context.Context, topo *models.Topology) {
	res, err := s.ctrl.Apply(ctx, topo)
	if err != nil {
		s.logger.Error("failed to apply topology", "name", topo.Name, "error", err)
		return
	}
	s.logger.Info("topology applied", "name", topo.Name, "added", res.Added, "removed", res.Removed, "kept", res.Kept)
}

// cleanupSessions evicts idle viewers and ends the drags they abandoned.
func (s *server) cleanupSessions(ctx context.Context) {
	interval := time.Duration(s.cfg.Processing.CleanupIntervalMinutes) * time.Minute
	maxAge := time.Duration(s.cfg.Processing.SessionTimeoutMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAge <= 0 {
		maxAge = session.SessionMaxAge
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if orphaned := s.sessions.CleanupIdle(now, maxAge); len(orphaned) > 0 {
				api.EndOrphanedDrags(s.ctrl, orphaned, s.logger)
			}
		}
	}
}

func (s *server) close() {
	<-s.ctrl.Done()
	if err := s.positions.Close(); err != nil {
		s.logger.Warn("failed to close positions store", "error", err)
	}
	s.images.Purge()
	s.logger.Info("server stopped")
}

func printBanner(w io.Writer, cfg *config.AppConfig, configPath string) {
	mode := "Development"
	if web.HasEmbeddedFiles() {
		mode = "Embedded Viewer"
	}
	persistence := "memory"
	if cfg.Storage.EnablePersistence {
		persistence = cfg.Storage.PositionsDatabase
	}

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Fprintf(w, "║           Power Topology Server                           ║\n")
	fmt.Fprintf(w, "╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║  Version:    %-45s║\n", Version)
	fmt.Fprintf(w, "║  Build Time: %-45s║\n", BuildTime)
	fmt.Fprintf(w, "║  Mode:       %-45s║\n", mode)
	fmt.Fprintf(w, "╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║  Config:    %-46s║\n", configPath)
	fmt.Fprintf(w, "║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Fprintf(w, "║  Topology:  %-46s║\n", cfg.Storage.TopologyFile)
	fmt.Fprintf(w, "║  Positions: %-46s║\n", persistence)
	fmt.Fprintf(w, "╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Fprintf(w, "\n")
}
