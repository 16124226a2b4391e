// Command publish-cache inspects and maintains the local publish cache
// databases used by the static site exporter.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/publish-cache/monitor"
	"github.com/wolfeidau/publish-cache/telemetry"
)

var version = "dev"

type globals struct {
	Dir   string `help:"Cache directory." default:"./publish-cache" env:"PUBLISH_CACHE_DIR"`
	Debug bool   `help:"Enable debug logging."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type cli struct {
	globals

	Stats    statsCmd    `cmd:"" help:"Show entry counts and storage usage for every cache."`
	Cleanup  cleanupCmd  `cmd:"" help:"Evict expired entries from every cache."`
	Clear    clearCmd    `cmd:"" help:"Empty every cache."`
	Sessions sessionsCmd `cmd:"" help:"List resumable upload sessions for a provider."`
}

func main() {
	var flags cli
	ctx := kong.Parse(&flags,
		kong.Name("publish-cache"),
		kong.Description("Local cache maintenance for the static site publisher."),
		kong.Vars{"version": version},
	)

	level := slog.LevelInfo
	if flags.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	ctx.FatalIfErrorf(ctx.Run(&flags.globals, logger))
}

func openSet(g *globals, logger *slog.Logger) (*monitor.Set, error) {
	return monitor.OpenAll(g.Dir, monitor.WithLogger(logger))
}

type statsCmd struct {
	Serve   string `help:"Also serve Prometheus metrics at this address (e.g. :9090) until interrupted."`
	Metrics string `help:"Metrics endpoint path." default:"/metrics"`
}

func (c *statsCmd) Run(g *globals, logger *slog.Logger) error {
	set, err := openSet(g, logger)
	if err != nil {
		return err
	}
	defer set.Close()

	ctx := context.Background()

	if c.Serve != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "publish-cache",
			ServiceVersion:   version,
			EnablePrometheus: true,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	stats := set.Stats(ctx)
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if c.Serve == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.Metrics, telemetry.PrometheusHandler())
	srv := &http.Server{Addr: c.Serve, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "address", c.Serve, "path", c.Metrics)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type cleanupCmd struct{}

func (c *cleanupCmd) Run(g *globals, logger *slog.Logger) error {
	set, err := openSet(g, logger)
	if err != nil {
		return err
	}
	defer set.Close()

	deleted := set.CleanupAll(context.Background())
	logger.Info("cleanup complete", "deleted", deleted)
	return nil
}

type clearCmd struct {
	Force bool `help:"Skip the confirmation prompt."`
}

func (c *clearCmd) Run(g *globals, logger *slog.Logger) error {
	if !c.Force {
		fmt.Fprintf(os.Stderr, "This will delete all cached data under %s. Re-run with --force to confirm.\n", g.Dir)
		return nil
	}

	set, err := openSet(g, logger)
	if err != nil {
		return err
	}
	defer set.Close()

	set.ClearAll(context.Background())
	logger.Info("caches cleared", "dir", g.Dir)
	return nil
}

type sessionsCmd struct {
	Provider string `arg:"" optional:"" help:"Storage provider ID. Omit to list all providers."`
}

func (c *sessionsCmd) Run(g *globals, logger *slog.Logger) error {
	set, err := openSet(g, logger)
	if err != nil {
		return err
	}
	defer set.Close()

	ctx := context.Background()
	sessions := set.Sessions.Resumable(ctx)
	if c.Provider != "" {
		sessions = set.Sessions.ResumableForProvider(ctx, c.Provider)
	}
	if len(sessions) == 0 {
		fmt.Println("no resumable sessions")
		return nil
	}

	for _, s := range sessions {
		fmt.Printf("%s  %-10s  %-12s  uploaded=%d/%d  updated=%s\n",
			s.ID, s.ProviderID, s.Status, s.Progress.UploadedFiles, s.Progress.TotalFiles,
			s.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}
