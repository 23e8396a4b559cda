// Package main provides the entrypoint for pumpd, the pump reconciliation
// and command daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata" // device timezones must resolve on minimal images

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pumpsync/pumpsync/internal/alert"
	"github.com/pumpsync/pumpsync/internal/api"
	"github.com/pumpsync/pumpsync/internal/api/handler"
	"github.com/pumpsync/pumpsync/internal/api/middleware"
	"github.com/pumpsync/pumpsync/internal/auth"
	"github.com/pumpsync/pumpsync/internal/config"
	"github.com/pumpsync/pumpsync/internal/database"
	"github.com/pumpsync/pumpsync/internal/featureflags"
	"github.com/pumpsync/pumpsync/internal/ledger"
	"github.com/pumpsync/pumpsync/internal/provider/resilience"
	"github.com/pumpsync/pumpsync/internal/pump"
	"github.com/pumpsync/pumpsync/internal/telemetry"
	"github.com/pumpsync/pumpsync/internal/transport/natsbridge"
	"github.com/pumpsync/pumpsync/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const serviceName = "pumpd"

func main() {
	configPath := flag.String("config", os.Getenv("PUMPSYNC_CONFIG"), "path to the YAML configuration file")
	issueFor := flag.String("issue-token", "", "print an operator token for the given operator and exit")
	scopes := flag.String("scopes", auth.ScopeRead, "comma-separated scopes for -issue-token")
	ttl := flag.Duration("ttl", time.Hour, "lifetime for -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pumpd: %v\n", err)
		os.Exit(1)
	}

	if *issueFor != "" {
		if err := issueToken(cfg, *issueFor, *scopes, *ttl); err != nil {
			fmt.Fprintf(os.Stderr, "pumpd: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log := newLogger(cfg.Log)
	log.Info().
		Str("build_time", BuildTime).
		Str("environment", cfg.Server.Environment).
		Int("devices", len(cfg.Devices)).
		Msg("starting pumpd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("pumpd stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("pumpd stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()
}

func issueToken(cfg *config.Config, operator, scopes string, ttl time.Duration) error {
	tokens := newJWTService(cfg.Auth)
	token, expiresAt, err := tokens.IssueToken(operator, strings.Split(scopes, ","), ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

func newJWTService(cfg config.AuthConfig) *auth.JWTService {
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: cfg.SigningKey,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
	})
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Server.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		Logger:         &log,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	store, flagRepo, closeStore, err := openStores(ctx, cfg.Ledger, log)
	if err != nil {
		return err
	}
	defer closeStore()

	flags := featureflags.NewService(featureflags.ServiceConfig{
		Repository: flagRepo,
		Logger:     log,
		CacheTTL:   cfg.Interlocks.CacheTTL,
	})

	broker := alert.NewBroker()
	defer broker.Close()
	sinks := alert.Fanout{broker}
	if cfg.Alerts.PubSub.Enabled {
		publisher, err := alert.NewPubSubPublisher(ctx, alert.PubSubConfig{
			ProjectID: cfg.Alerts.PubSub.ProjectID,
			TopicID:   cfg.Alerts.PubSub.TopicID,
			Logger:    log,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("radio bridge disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("radio bridge reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect radio bridge: %w", err)
	}
	defer nc.Drain() //nolint:errcheck // best-effort on shutdown

	pumpMetrics, err := pump.NewMetrics()
	if err != nil {
		return fmt.Errorf("initialize pump metrics: %w", err)
	}
	httpMetrics, err := middleware.NewMetrics()
	if err != nil {
		return fmt.Errorf("initialize http metrics: %w", err)
	}

	registry := resilience.NewRegistry()
	g, ctx := errgroup.WithContext(ctx)

	var (
		devices  []worker.Device
		apiPumps []handler.Pump
	)
	for _, device := range cfg.Devices {
		m, listener, err := newDevice(cfg, device, nc, store, sinks, registry, pumpMetrics, log)
		if err != nil {
			return err
		}
		devices = append(devices, m)
		apiPumps = append(apiPumps, m)

		g.Go(func() error { return m.Run(ctx) })
		g.Go(func() error { return listener.Run(ctx) })
	}

	heartbeat := worker.NewHeartbeatJob(worker.HeartbeatJobConfig{
		Config: worker.HeartbeatConfig{
			Interval:    cfg.Heartbeat.Interval,
			Concurrency: cfg.Heartbeat.Concurrency,
			Timeout:     cfg.Heartbeat.Timeout,
		},
		Devices: devices,
		Logger:  log,
	})
	g.Go(func() error { return ignoreCanceled(heartbeat.Start(ctx)) })

	if cfg.Control.Enabled {
		control, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.Control.ProjectID,
			SubscriptionName: cfg.Control.Subscription,
			Heartbeat:        heartbeat,
			Logger:           log,
		})
		if err != nil {
			return err
		}
		defer control.Close()
		g.Go(func() error { return ignoreCanceled(control.Start(ctx)) })
	}

	advisories, unsubscribe := broker.Subscribe(64)
	defer unsubscribe()
	g.Go(func() error {
		logAdvisories(ctx, advisories, log)
		return nil
	})

	router := api.NewRouter(api.RouterConfig{
		Version:          Version,
		BuildTime:        BuildTime,
		Logger:           log,
		ServiceName:      serviceName,
		Metrics:          httpMetrics,
		RequireTLS:       cfg.Server.Environment == "production",
		Tokens:           newJWTService(cfg.Auth),
		Pumps:            handler.NewPumps(apiPumps...),
		Ledger:           store,
		Links:            registry,
		Flags:            flags,
		CommandRateLimit: cfg.Server.CommandRateLimit,
	})

	// Bolus requests block until the dose is committed, so the write
	// timeout covers the ledger timeout.
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Pump.LedgerTimeout + cfg.NATS.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return ignoreCanceled(g.Wait())
}

func newDevice(
	cfg *config.Config,
	device config.DeviceConfig,
	nc *nats.Conn,
	store ledger.Repository,
	sinks pump.AlertSink,
	registry *resilience.Registry,
	metrics *pump.Metrics,
	log zerolog.Logger,
) (*pump.Manager, *natsbridge.Listener, error) {
	loc, err := device.Location()
	if err != nil {
		return nil, nil, err
	}

	transport, err := natsbridge.NewTransport(natsbridge.Config{
		Conn:        nc,
		Prefix:      cfg.NATS.Prefix,
		DeviceID:    device.ID,
		Timeout:     cfg.NATS.RequestTimeout,
		TuneTimeout: cfg.NATS.TuneTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, nil, err
	}

	linkCfg := resilience.DefaultLinkConfig(device.ID)
	linkCfg.Permanent = pump.IsPermanent
	linkCfg.Registry = registry

	m, err := pump.NewManager(pump.ManagerConfig{
		Session: pump.NewSession(pump.SessionConfig{
			DeviceID:      device.ID,
			Timezone:      pump.StaticTimezone{Loc: loc},
			IdleListening: device.IdleListening,
		}),
		Transport:      transport,
		Ledger:         store,
		Alerts:         sinks,
		Glucose:        store,
		Prioritizer:    registry,
		Link:           resilience.NewLink(linkCfg),
		Logger:         log,
		Metrics:        metrics,
		BolusFreshness: cfg.Pump.BolusFreshness,
		ClockSkew:      cfg.Pump.ClockSkew,
		TuneCooldown:   cfg.Pump.TuneCooldown,
		LedgerRetries:  cfg.Pump.LedgerRetries,
		LedgerTimeout:  cfg.Pump.LedgerTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("device %s: %w", device.ID, err)
	}

	listener := natsbridge.NewListener(nc, m, cfg.NATS.Prefix, device.ID, log)
	log.Info().
		Str("device_id", device.ID).
		Str("timezone", loc.String()).
		Bool("idle_listening", device.IdleListening).
		Msg("device configured")
	return m, listener, nil
}

// openStores opens the dose ledger and the interlock flag store on the
// configured backend.
func openStores(ctx context.Context, cfg config.LedgerConfig, log zerolog.Logger) (ledger.Repository, featureflags.Repository, func(), error) {
	if cfg.Backend != config.LedgerPostgres {
		log.Warn().Msg("using in-memory dose ledger; doses are lost on restart")
		return ledger.NewInMemoryRepository(), featureflags.NewInMemoryRepository(), func() {}, nil
	}

	pool, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		return nil, nil, nil, err
	}
	repo := ledger.NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	flagRepo := featureflags.NewPostgresRepository(pool)
	if err := flagRepo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	log.Info().Str("database", cfg.Database.Redacted()).Msg("dose ledger connected")
	return repo, flagRepo, pool.Close, nil
}

func logAdvisories(ctx context.Context, events <-chan pump.Advisory, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-events:
			if !ok {
				return
			}
			log.Info().
				Str("advisory_id", a.ID).
				Str("type", string(a.Type)).
				Str("device_id", a.DeviceID).
				Time("at", a.At).
				Float64("units", a.Units).
				Msg("advisory")
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
