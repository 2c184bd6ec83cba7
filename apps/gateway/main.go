package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/mahaj/threadgate/pkg/api"
	"github.com/mahaj/threadgate/pkg/auth"
	"github.com/mahaj/threadgate/pkg/chat"
	"github.com/mahaj/threadgate/pkg/config"
	"github.com/mahaj/threadgate/pkg/fanout"
	"github.com/mahaj/threadgate/pkg/gateway"
	"github.com/mahaj/threadgate/pkg/logger"
	"github.com/mahaj/threadgate/pkg/metrics"
	"github.com/mahaj/threadgate/pkg/platform"
	"github.com/mahaj/threadgate/pkg/presence"
	"github.com/mahaj/threadgate/pkg/registry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("gateway_failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Gateway, zl *zap.Logger) error {
	instanceID := uuid.NewString()
	zl = zl.With(zap.String("service", "gateway"), zap.String("instance_id", instanceID))
	if cfg.DefaultSecret() {
		zl.Warn("jwt_default_secret", zap.String("hint", "set JWT_SECRET; tokens signed with the built-in key can be forged"))
	}

	st, err := platform.OpenStore(ctx, cfg.Store, cfg.NodeID, zl)
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Fanout.Backend == config.FanoutRedis || cfg.PresenceEnabled {
		if rdb, err = platform.OpenRedis(ctx, cfg.RedisAddr); err != nil {
			return err
		}
		defer rdb.Close()
	}

	var opts []registry.Option
	if cfg.PresenceEnabled {
		tracker := presence.NewTracker(rdb, instanceID, zl)
		withdrawn := make(chan struct{})
		go func() {
			tracker.Run(ctx)
			close(withdrawn)
		}()
		defer func() { <-withdrawn }()
		opts = append(opts, registry.WithObserver(tracker))
	}
	reg := registry.New(zl, opts...)

	bus, err := platform.OpenBus(cfg.Fanout, rdb, instanceID, zl)
	if err != nil {
		return err
	}
	defer bus.Close()
	go fanout.Relay(ctx, bus, reg, instanceID, zl)

	service := chat.NewService(st, fanout.NewBroadcaster(reg, bus, instanceID, zl), zl)
	ws := gateway.NewServer(gateway.Options{
		Verifier:       auth.NewJWTVerifier(cfg.JWTSecret, st),
		Registry:       reg,
		Chat:           service,
		Log:            zl,
		FrameRate:      cfg.FrameRate,
		FrameBurst:     cfg.FrameBurst,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", api.Health)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: cfg.Addr, Handler: logger.Middleware(zl)(mux)}
	return platform.Serve(ctx, srv, zl, ws.Shutdown)
}
