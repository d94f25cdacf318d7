// Package app wires the pipeline together: ingestion → event log → change
// feed → consumer → broadcaster → WebSocket subscribers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	kafkafeed "github.com/charleschow/sports-stream/internal/adapters/kafka"
	"github.com/charleschow/sports-stream/internal/adapters/outbound/discord"
	"github.com/charleschow/sports-stream/internal/broadcast"
	"github.com/charleschow/sports-stream/internal/config"
	"github.com/charleschow/sports-stream/internal/eventlog"
	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/normalizer"
	"github.com/charleschow/sports-stream/internal/registry"
	"github.com/charleschow/sports-stream/internal/stream"
	"github.com/charleschow/sports-stream/internal/telemetry"
	"github.com/charleschow/sports-stream/internal/transport/httpapi"
	"github.com/charleschow/sports-stream/internal/transport/ws"
)

const (
	broadcasterName = "broadcaster"
	relayName       = "kafka-relay"
)

// App centralizes dependency wiring for the stream service.
type App struct {
	cfg   *config.Config
	clock clock.Clock

	bus      *events.Bus
	store    *eventlog.Store
	ingest   *normalizer.Normalizer
	reg      registry.Registry
	redis    *redis.Client
	hub      *ws.Hub
	caster   *broadcast.Broadcaster
	consumer *stream.Consumer
	notifier *discord.Notifier

	relay      *kafkafeed.Relay
	feedReader *kafkafeed.FeedReader

	metrics    *prometheus.Registry
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds an App. Only the event log is opened eagerly; network clients
// connect lazily.
func New(cfg *config.Config, c clock.Clock) (*App, error) {
	if c == nil {
		c = clock.WallClock
	}
	a := &App{cfg: cfg, clock: c, bus: events.NewBus()}

	rules, err := config.LoadTopicRules(cfg.TopicRulesPath)
	if err != nil {
		return nil, err
	}

	// ── Event log ───────────────────────────────────────────────
	a.store, err = eventlog.Open(cfg.LogDBPath,
		eventlog.WithPartitions(cfg.Partitions),
		eventlog.WithClock(c),
		eventlog.WithBus(a.bus),
	)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	a.ingest = normalizer.New(a.store,
		normalizer.WithClock(c),
		normalizer.WithRetention(cfg.Retention),
	)

	// ── Connection registry ─────────────────────────────────────
	switch cfg.RegistryBackend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.reg = registry.NewRedis(a.redis, cfg.RedisPrefix, c)
	case "memory", "":
		a.reg = registry.NewMemory(c)
	default:
		a.cleanup()
		return nil, fmt.Errorf("unknown registry backend %q", cfg.RegistryBackend)
	}

	// ── Delivery ────────────────────────────────────────────────
	a.hub = ws.NewHub(a.reg, cfg.ConnTTL, c)
	a.caster = broadcast.New(a.reg, a.hub, broadcast.Config{
		MaxInFlight: cfg.MaxInFlight,
		MaxPending:  cfg.MaxPending,
		Timeout:     cfg.DeliveryTimeout,
		RetryDelay:  cfg.RetryDelay,
	})

	// ── Change feed ─────────────────────────────────────────────
	var feed stream.Feed
	switch cfg.FeedBackend {
	case "kafka":
		writer := kafkafeed.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.relay = kafkafeed.NewRelay(stream.NewLogFeed(a.store, relayName, a.bus), writer, cfg.FeedBatchSize, cfg.FeedPoll)
		a.feedReader = kafkafeed.NewFeedReader(kafkafeed.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaConsumerGroup()))
		feed = a.feedReader
	case "sqlite", "":
		feed = stream.NewLogFeed(a.store, broadcasterName, a.bus)
	default:
		a.cleanup()
		return nil, fmt.Errorf("unknown feed backend %q", cfg.FeedBackend)
	}

	a.consumer = stream.NewConsumer(feed, stream.NewRouter(rules), a.caster, stream.Config{
		Name:       broadcasterName,
		BatchSize:  cfg.FeedBatchSize,
		Poll:       cfg.FeedPoll,
		AlertAfter: cfg.BackoffAlertAfter,
	})

	a.notifier = discord.NewNotifier(cfg.DiscordWebhookURL)
	if a.notifier.Enabled() {
		a.consumer.OnBackoff(func(lane, failures int, cause error) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.notifier.FeedBackoff(ctx, broadcasterName, lane, failures, cause); err != nil {
					telemetry.Warnf("discord: %v", err)
				}
			}()
		})
	}

	// ── HTTP ────────────────────────────────────────────────────
	a.metrics = telemetry.NewRegistry()
	a.engine, a.httpServer = httpapi.NewServer(fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort))
	limiter := httpapi.NewSourceLimiter(cfg.IngestRatePerSource, cfg.IngestBurst)
	httpapi.NewEventsController(a.ingest, a.store, limiter).RegisterRoutes(a.engine.Group("/v1"))
	httpapi.RegisterOps(a.engine, a.health, a.metrics, a.hub.HandleWS)

	return a, nil
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler { return a.engine }

// Normalizer is the ingestion boundary for in-process producers.
func (a *App) Normalizer() *normalizer.Normalizer { return a.ingest }

// Registry exposes the connection registry.
func (a *App) Registry() registry.Registry { return a.reg }

// Run starts background services and the HTTP server and blocks until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.cleanup()

	if err := a.notifier.Lifecycle(ctx, "sports-stream", "started", true); err != nil {
		telemetry.Warnf("discord: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.RunWorkers(gctx)
	})
	g.Go(func() error {
		return a.runHTTPServer(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	telemetry.Infof("Shutdown complete  accepted=%d  rejected=%d  dispatched=%d  delivered=%d  pruned=%d",
		telemetry.Metrics.EventsAccepted.Value(),
		telemetry.Metrics.EventsRejected.Value(),
		telemetry.Metrics.Dispatches.Value(),
		telemetry.Metrics.Deliveries.Value(),
		telemetry.Metrics.ConnectionsPruned.Value(),
	)
	return nil
}

// RunWorkers runs the log janitor, the registry sweeper, the optional Kafka
// relay and the consumer. When ctx ends it drains in-flight deliveries for
// up to the shutdown grace period and closes every subscriber socket.
func (a *App) RunWorkers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.store.RunJanitor(gctx, a.cfg.JanitorEvery)
	})
	g.Go(func() error {
		return a.runSweeper(gctx)
	})
	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(gctx)
		})
	}
	g.Go(func() error {
		return a.consumer.Run(gctx)
	})

	err := g.Wait()

	grace, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	if derr := a.caster.Drain(grace); derr != nil {
		telemetry.Warnf("broadcast: drain cut short after %s: %v", a.cfg.ShutdownGrace, derr)
	}
	a.hub.CloseAll()
	return err
}

func (a *App) runSweeper(ctx context.Context) error {
	interval := a.cfg.ConnTTL
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := a.reg.Sweep(ctx, a.cfg.ConnTTL)
			if err != nil {
				telemetry.Warnf("registry: sweep failed: %v", err)
				continue
			}
			if n > 0 {
				telemetry.Infof("registry: swept %d stale connections", n)
			}
		}
	}
}

func (a *App) runHTTPServer(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		telemetry.Infof("HTTP listening on %q", a.httpServer.Addr)
		serverErr <- a.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		err := <-serverErr
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

type healthDetails struct {
	Log         eventlog.Stats `json:"log"`
	Connections int            `json:"connections"`
	Lanes       []string       `json:"lanes"`
}

func (a *App) health(ctx context.Context) (any, error) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	d := healthDetails{Log: stats, Connections: a.hub.Len()}
	backoff := 0
	for lane := range a.consumer.Lanes() {
		s := a.consumer.State(lane)
		d.Lanes = append(d.Lanes, s.String())
		if s == stream.StateBackoff {
			backoff++
		}
	}
	if backoff > 0 {
		return d, fmt.Errorf("%d feed lanes in backoff", backoff)
	}
	return d, nil
}

// Close releases resources for an App that was built but never Run.
func (a *App) Close() { a.cleanup() }

func (a *App) cleanup() {
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			telemetry.Warnf("error closing Kafka writer: %v", err)
		}
		a.relay = nil
	}
	if a.feedReader != nil {
		if err := a.feedReader.Close(); err != nil {
			telemetry.Warnf("error closing Kafka reader: %v", err)
		}
		a.feedReader = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			telemetry.Warnf("error closing Redis client: %v", err)
		}
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			telemetry.Warnf("error closing event log: %v", err)
		}
		a.store = nil
	}
}
