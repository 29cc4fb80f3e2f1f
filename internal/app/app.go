// Package app assembles servicematch processes from configuration: shared
// infrastructure first, then the roles a process was asked to run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/example/servicematch/internal/config"
	"github.com/example/servicematch/internal/dispatch/domain"
	"github.com/example/servicematch/internal/dispatch/engine"
	"github.com/example/servicematch/internal/dispatch/handler"
	"github.com/example/servicematch/internal/dispatch/repository"
	"github.com/example/servicematch/internal/eventbus"
	"github.com/example/servicematch/internal/geo"
	"github.com/example/servicematch/internal/http/middleware"
	"github.com/example/servicematch/internal/location"
	"github.com/example/servicematch/internal/notify"
	"github.com/example/servicematch/internal/realtime"
	"github.com/example/servicematch/pkg/observability"
)

// Role is one deployable part of the system.
type Role string

const (
	RoleDispatcher Role = "dispatcher"
	RoleGateway    Role = "gateway"
	RoleLocation   Role = "location"
)

// App owns the infrastructure shared by every role in the process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	redis     redis.UniversalClient
	bus       eventbus.Bus
	publisher eventbus.Publisher
	index     *geo.Index
	locations location.Store
	requests  domain.Repository
	readiness *observability.Readiness
	closers   []func() error

	engine   *engine.Engine
	registry *realtime.Registry
}

// New connects to Redis and the configured bus.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:       cfg,
		logger:    logger,
		index:     geo.NewIndex(cfg.Dispatch.H3Resolution),
		readiness: &observability.Readiness{},
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
		a.locations = location.NewRedisStore(client, a.index, nil, cfg.Redis.Prefix+"loc:").WithMaxSkew(cfg.Dispatch.MaxClockSkew)
		a.requests = repository.NewRedisRepository(client, cfg.Redis.Prefix+"dispatch:")
	} else {
		logger.Warn("redis not configured, stores are process-local")
		a.locations = location.NewMemoryStore(a.index, nil).WithMaxSkew(cfg.Dispatch.MaxClockSkew)
		a.requests = repository.NewMemoryRepository()
	}

	bus, err := a.openBus(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.bus = bus
	a.closers = append(a.closers, bus.Close)
	a.publisher = eventbus.NewRetryPublisher(bus, cfg.Retry(), logger.Named("publisher"))
	return a, nil
}

func (a *App) openBus(ctx context.Context) (eventbus.Bus, error) {
	busLogger := a.logger.Named("bus")
	switch a.cfg.Bus.Driver {
	case "nats":
		nc, err := nats.Connect(a.cfg.Bus.NATS.URL, nats.Name("servicematch"))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		a.closers = append(a.closers, nc.Drain)
		return eventbus.NewNATSBus(ctx, nc, eventbus.NATSConfig{
			Stream:     a.cfg.Bus.NATS.Stream,
			AckWait:    a.cfg.Bus.NATS.AckWait,
			MaxDeliver: a.cfg.Bus.NATS.MaxDeliver,
			NakDelay:   a.cfg.Bus.NATS.NakDelay,
		}, busLogger)
	case "kafka":
		return eventbus.NewKafkaBus(eventbus.KafkaConfig{
			Brokers:      a.cfg.Bus.Kafka.Brokers,
			MaxAttempts:  a.cfg.Bus.Kafka.MaxAttempts,
			RetryBackoff: a.cfg.Bus.Kafka.RetryBackoff,
		}, busLogger)
	default:
		return eventbus.NewMemoryBus(eventbus.MemoryConfig{}, busLogger), nil
	}
}

// Publisher is the retrying publisher shared by the process.
func (a *App) Publisher() eventbus.Publisher { return a.publisher }

// Run starts roles and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context, roles ...Role) error {
	g, ctx := errgroup.WithContext(ctx)
	mux := chi.NewRouter()
	mux.Mount("/observability", observability.MetricsRouter(a.readiness))

	for _, role := range roles {
		switch role {
		case RoleDispatcher:
			api, err := a.startDispatcher(ctx, g)
			if err != nil {
				return err
			}
			mux.Mount("/", api)
			a.serveHTTP(ctx, g, a.cfg.HTTP.Addr, mux)
		case RoleGateway:
			gw := a.startGateway(ctx, g)
			gwMux := chi.NewRouter()
			gwMux.Mount("/observability", observability.MetricsRouter(a.readiness))
			gwMux.Mount("/", gw)
			a.serveHTTP(ctx, g, a.cfg.Gateway.Addr, gwMux)
		case RoleLocation:
			a.startLocation(ctx, g)
		default:
			return fmt.Errorf("unknown role %q", role)
		}
	}
	a.readiness.Set(true)
	a.logger.Info("servicematch running", zap.Any("roles", roles), zap.String("bus", a.cfg.Bus.Driver))

	err := g.Wait()
	a.readiness.Set(false)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startDispatcher(ctx context.Context, g *errgroup.Group) (http.Handler, error) {
	eng, err := engine.New(a.requests, a.index, a.locations, a.publisher, domain.SystemClock{}, a.cfg.Engine(), a.logger.Named("engine"))
	if err != nil {
		return nil, err
	}
	a.engine = eng
	bridge := location.NewBridge(a.locations, a.logger.Named("location-bridge"))
	groups := a.cfg.Bus.Groups

	g.Go(func() error { return a.bus.Subscribe(ctx, eventbus.TopicIntake, groups.Dispatch, eng.Handle) })
	g.Go(func() error { return a.bus.Subscribe(ctx, eventbus.TopicLocation, groups.Location, bridge.Handle) })
	g.Go(func() error { return eng.RunSweeper(ctx) })
	g.Go(func() error {
		return location.RunEvictor(ctx, a.locations, a.cfg.Dispatch.EvictInterval, a.cfg.Dispatch.FreshnessWindow, a.logger.Named("evictor"))
	})

	var limiter *middleware.RateLimiter
	if a.redis != nil {
		limiter = middleware.NewRateLimiter(a.redis, a.cfg.RateLimit.Read, a.cfg.RateLimit.Write, a.logger.Named("ratelimit"))
	}
	sink := location.NewBusSink(a.publisher, nil).WithMaxSkew(a.cfg.Dispatch.MaxClockSkew)
	return handler.NewHTTP(eng, sink, a.cfg.Gateway.JWTSecret, limiter, a.logger.Named("http")).Router(), nil
}

func (a *App) startGateway(ctx context.Context, g *errgroup.Group) http.Handler {
	registry := realtime.NewRegistry(a.logger.Named("registry"))
	a.registry = registry
	router := notify.NewRouter(registry, a.logger.Named("router"))
	g.Go(func() error {
		return a.bus.Subscribe(ctx, eventbus.TopicLifecycle, a.cfg.Bus.Groups.Router, router.Handle)
	})
	return realtime.NewGateway(registry, a.cfg.Gateway.JWTSecret, a.cfg.Realtime(), a.logger.Named("gateway")).
		WithRoomAuthorizer(notify.NewRoomAccess(a.requests)).
		Router()
}

func (a *App) startLocation(ctx context.Context, g *errgroup.Group) {
	srv := grpc.NewServer()
	location.RegisterLocationServer(srv, location.NewServer(location.NewBusSink(a.publisher, nil).WithMaxSkew(a.cfg.Dispatch.MaxClockSkew), a.logger.Named("location")))
	g.Go(func() error {
		lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", a.cfg.GRPC.Addr, err)
		}
		a.logger.Info("location stream listening", zap.String("addr", a.cfg.GRPC.Addr))
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.GracefulStop()
		return nil
	})
}

func (a *App) serveHTTP(ctx context.Context, g *errgroup.Group, addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: a.cfg.HTTP.ReadHeaderTimeout,
	}
	g.Go(func() error {
		a.logger.Info("http listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// SubmitRequest publishes a request.created intake event, standing in for
// the external intake service.
func SubmitRequest(ctx context.Context, pub eventbus.Publisher, requestID, requesterID, category string, origin geo.Point, price float64) error {
	evt := eventbus.New(eventbus.TypeRequestCreated, time.Now())
	evt.RequestID = requestID
	evt.RequesterID = requesterID
	evt.Category = category
	evt.Origin = &origin
	evt.Price = price
	return pub.Publish(ctx, eventbus.TopicIntake, evt)
}
