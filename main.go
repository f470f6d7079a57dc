// The colophon server fronts third-party book APIs for a reading tracker:
// cached search with provider fallback, duplicate-aware ingestion, and
// per-reader overrides on top of Postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit" // Sets GOMEMLIMIT from cgroup limits.
	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/colophon-io/colophon/internal"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

// _userAgent identifies us to upstream providers.
const _userAgent = "colophon (+https://github.com/colophon-io/colophon)"

type cli struct {
	Serve   serveCmd   `cmd:"" default:"withargs" help:"Run the HTTP service."`
	Sweep   sweepCmd   `cmd:"" help:"Run the scheduled sweeps once and exit."`
	Migrate migrateCmd `cmd:"" help:"Apply or roll back the database schema."`

	Verbosity int `short:"v" type:"counter" help:"Increase log verbosity."`
}

func (c *cli) AfterApply() error {
	log.SetReportTimestamp(true)
	if c.Verbosity > 0 {
		log.SetLevel(log.DebugLevel)
	}

	if isatty.IsTerminal(os.Stderr.Fd()) {
		styles := log.DefaultStyles()
		styles.Levels[log.WarnLevel] = lipgloss.NewStyle().SetString("WARN").Bold(true).Foreground(lipgloss.Color("192"))
		styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().SetString("ERROR").Bold(true).Foreground(lipgloss.Color("204"))
		log.SetStyles(styles)
	} else {
		log.SetFormatter(log.LogfmtFormatter)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx := kong.Parse(&cli{},
		kong.Name("colophon"),
		kong.Description("Book metadata search and ingestion for reading trackers."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	kctx.FatalIfErrorf(kctx.Run())
}

// serveCmd runs the HTTP service.
type serveCmd struct {
	Port        int    `default:"8788" env:"PORT" help:"Port to listen on."`
	DatabaseURL string `required:"" env:"DATABASE_URL" help:"Postgres connection string."`

	L1URL      string `name:"l1-url" env:"L1_URL" help:"Redis URL for a shared L1 cache. Empty uses in-process memory."`
	L1Password string `name:"l1-password" env:"L1_PASSWORD" help:"Redis password, when not part of the URL."`

	PrimaryBaseURL   string `default:"https://www.googleapis.com/books/v1" env:"PRIMARY_BASE_URL" help:"Primary provider API root."`
	PrimaryAPIKey    string `env:"PRIMARY_API_KEY" help:"Primary provider API key."`
	PrimaryRPS       int    `default:"1" env:"PRIMARY_RPS" help:"Primary provider request rate."`
	SecondaryBaseURL string `default:"https://openlibrary.org" env:"SECONDARY_BASE_URL" help:"Secondary provider API root."`
	SecondaryRPS     int    `default:"1" env:"SECONDARY_RPS" help:"Secondary provider request rate."`

	CacheL1TTL int `name:"cache-l1-ttl" default:"43200" env:"CACHE_L1_TTL_SEC" help:"L1 TTL, seconds."`
	CacheL2TTL int `name:"cache-l2-ttl" default:"2592000" env:"CACHE_L2_TTL_SEC" help:"L2 TTL, seconds."`

	CircuitTimeout  int `default:"2500" env:"CIRCUIT_TIMEOUT_MS" help:"Provider call timeout, milliseconds."`
	CircuitErrorPct int `default:"50" env:"CIRCUIT_ERROR_PCT" help:"Failure percentage that opens a breaker."`
	CircuitReset    int `default:"30000" env:"CIRCUIT_RESET_MS" help:"How long a breaker stays open, milliseconds."`
}

func (s *serveCmd) Run(ctx context.Context) error {
	reg := internal.NewMetrics()

	db, err := internal.NewStore(ctx, s.DatabaseURL, reg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Setup(ctx); err != nil {
		return err
	}

	cache, err := s.buildCache(ctx, db)
	if err != nil {
		return err
	}

	timeout := time.Duration(s.CircuitTimeout) * time.Millisecond

	primary, err := internal.NewGoogleBooks(internal.ProviderConfig{
		BaseURL:   s.PrimaryBaseURL,
		APIKey:    s.PrimaryAPIKey,
		UserAgent: _userAgent,
		Timeout:   timeout,
		RPS:       s.PrimaryRPS,
	})
	if err != nil {
		return err
	}
	secondary, err := internal.NewOpenLibrary(internal.ProviderConfig{
		BaseURL:   s.SecondaryBaseURL,
		UserAgent: _userAgent,
		Timeout:   timeout,
		RPS:       s.SecondaryRPS,
	})
	if err != nil {
		return err
	}

	controller := internal.NewController(cache, primary, secondary, internal.ControllerConfig{
		Breaker: internal.BreakerConfig{
			Timeout:  timeout,
			ErrorPct: s.CircuitErrorPct,
			Reset:    time.Duration(s.CircuitReset) * time.Millisecond,
		},
	}, reg)

	ingester := internal.NewIngester(db, internal.NewDetector(db), controller, reg)
	sweeper := internal.NewSweeper(db)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           internal.Instrument(reg, newHandler(controller, ingester, db, reg)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cache.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error {
		log.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildCache picks the L1 implementation: Redis when configured, otherwise
// in-process memory. A Redis that's down at boot degrades to no L1 rather
// than failing the whole service.
func (s *serveCmd) buildCache(ctx context.Context, db *internal.Store) (*internal.Manager, error) {
	l1TTL := time.Duration(s.CacheL1TTL) * time.Second
	l2TTL := time.Duration(s.CacheL2TTL) * time.Second

	if s.L1URL != "" {
		r, err := internal.NewRedisCache(ctx, s.L1URL, s.L1Password)
		if err != nil {
			log.Warn("l1 cache unreachable, running without it", "err", err)
			return internal.NewManager(nil, nil, db, l1TTL, l2TTL), nil
		}
		return internal.NewManager(r, r, db, l1TTL, l2TTL), nil
	}

	mem, err := internal.NewMemoryCache()
	if err != nil {
		return nil, err
	}
	return internal.NewManager(mem, mem, db, l1TTL, l2TTL), nil
}

// sweepCmd runs both sweeps once, for cron setups.
type sweepCmd struct {
	DatabaseURL string `required:"" env:"DATABASE_URL" help:"Postgres connection string."`
}

func (s *sweepCmd) Run(ctx context.Context) error {
	db, err := internal.NewStore(ctx, s.DatabaseURL, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	return internal.NewSweeper(db).RunOnce(ctx)
}

// migrateCmd applies the schema, or drops it with --rollback.
type migrateCmd struct {
	DatabaseURL string `required:"" env:"DATABASE_URL" help:"Postgres connection string."`
	Rollback    bool   `help:"Drop everything the schema created."`
}

func (m *migrateCmd) Run(ctx context.Context) error {
	db, err := internal.NewStore(ctx, m.DatabaseURL, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	if m.Rollback {
		return db.RollbackSchema(ctx)
	}
	return db.Setup(ctx)
}
