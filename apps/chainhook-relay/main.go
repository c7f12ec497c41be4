// Chainhook-relay: receives chainhook webhook deliveries for the Fort Knox wallet
// contract, keeps the latest contract calls in a bounded ledger and serves them to
// the dApp. Endpoints: POST /webhook, GET /events, GET /events/stream, GET /health, GET /metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)
	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainhook_webhook_events_total", Help: "Normalized events and rejected deliveries"},
		[]string{"status"},
	)
	ledgerSize = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chainhook_ledger_size", Help: "Events held in the ledger after the last write"},
	)
	ledgerWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "chainhook_ledger_write_duration_seconds", Help: "Ledger save latency", Buckets: prometheus.DefBuckets},
		[]string{"status"},
	)
	streamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chainhook_stream_clients", Help: "Connected /events/stream clients"},
	)
	rateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chainhook_webhook_rate_limit_total", Help: "Webhook requests rejected by the rate limiter"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, webhookEvents, ledgerSize,
		ledgerWriteDuration, streamClients, rateLimitHits)
}

func main() {
	slog.SetDefault(newLogger(slog.LevelInfo))
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("chainhook-relay failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "chainhook-relay",
		Usage: "Chainhook webhook relay for the Fort Knox seedless wallet",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Optional YAML config file",
				Sources: cli.EnvVars("CHAINHOOK_RELAY_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			registerCommand(),
			simulateCommand(),
		},
		Action: runServeCommand,
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the webhook server (default)",
		Action: runServeCommand,
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:   "register",
		Usage:  "Register the execute-action chainhook with the chainhooks service",
		Action: runRegisterCommand,
	}
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "Post synthetic execute-action deliveries to a running relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Webhook URL",
				Value: "http://localhost:" + defaultPort + "/webhook",
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Deliveries to send",
				Value: 5,
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Delay between deliveries",
				Value: 2 * time.Second,
			},
		},
		Action: runSimulateCommand,
	}
}

func configFor(cmd *cli.Command) (config, error) {
	return loadConfig(cmd.Root().String("config"))
}

func runServeCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	return serve(ctx, cfg)
}

func runRegisterCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	id, err := registerChainhook(ctx, cfg, &http.Client{})
	if err != nil {
		return fmt.Errorf("register chainhook: %w", err)
	}
	slog.Info("chainhook registered", "uuid", id)
	fmt.Printf("Chainhook registered: %s\n", id)
	return nil
}

func runSimulateCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	count := int(cmd.Int("count"))
	if count <= 0 {
		return errors.New("count must be positive")
	}
	interval := cmd.Duration("interval")
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gen := newSyntheticDeliveries(cfg.contractAddress+"."+cfg.contractName, time.Now().Unix())
	client := &http.Client{Timeout: 10 * time.Second}
	return runSimulate(ctx, client, cmd.String("url"), gen, count, interval, newLogger(cfg.logLevel))
}

// openStore picks the ledger backend. The returned close func is never nil.
func openStore(ctx context.Context, cfg config) (Store, func(), error) {
	switch cfg.backend {
	case "", "file":
		return newFileStore(cfg.eventsPath), func() {}, nil
	case "postgres":
		if cfg.databaseURL == "" {
			return nil, nil, errors.New("LEDGER_BACKEND=postgres requires DATABASE_URL")
		}
		s, err := newPostgresStore(ctx, cfg.databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, s.Close, nil
	case "redis":
		if cfg.redisURL == "" {
			return nil, nil, errors.New("LEDGER_BACKEND=redis requires REDIS_URL")
		}
		s, err := newRedisStore(ctx, cfg.redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown LEDGER_BACKEND %q", cfg.backend)
	}
}

func newRelay(store Store, cfg config, log *slog.Logger) *relay {
	ledger := newLedger(store, log)
	ledger.writeLimit = writeLimit(cfg.writeTimeout)
	hub := newStreamHub()
	ledger.onUpdate(hub.Publish)
	var limiter *ipLimiter
	if cfg.rateLimitRPS > 0 {
		limiter = newIPLimiter(cfg.rateLimitRPS, cfg.rateBurst)
		limiter.trustForwarded = cfg.trustForwarded
	}
	return &relay{
		ledger:       ledger,
		hub:          hub,
		limiter:      limiter,
		writeTimeout: cfg.writeTimeout,
		now:          time.Now,
		log:          log,
	}
}

func serve(ctx context.Context, cfg config) error {
	logger := newLogger(cfg.logLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	r := newRelay(store, cfg, logger)
	defer r.hub.Close()

	srv := &http.Server{Addr: cfg.addr, Handler: r.routes(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			cancel() // trigger shutdown so serve can return
		}
	}()
	slog.Info("starting", "addr", cfg.addr, "backend", cfg.backend, "events_path", cfg.eventsPath)

	<-ctx.Done()
	slog.Info("shutting down")
	r.hub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("server stopped: %w", err)
	default:
		return nil
	}
}
