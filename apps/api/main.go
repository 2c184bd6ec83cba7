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
	"github.com/mahaj/threadgate/pkg/logger"
	"github.com/mahaj/threadgate/pkg/platform"
	"github.com/mahaj/threadgate/pkg/presence"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadAPI()
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
		zl.Fatal("api_failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.API, zl *zap.Logger) error {
	instanceID := "api-" + uuid.NewString()
	zl = zl.With(zap.String("service", "api"), zap.String("instance_id", instanceID))
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

	bus, err := platform.OpenBus(cfg.Fanout, rdb, instanceID, zl)
	if err != nil {
		return err
	}
	defer bus.Close()

	// The api holds no connections: its events reach clients only through
	// the gateways' relays.
	service := chat.NewService(st, fanout.NewBroadcaster(nil, bus, instanceID, zl), zl)

	var online api.Presence
	if cfg.PresenceEnabled {
		online = presence.NewDirectory(rdb)
	}

	handler := api.NewRouter(api.Options{
		Chat:        service,
		Users:       st,
		Issuer:      auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL),
		Verifier:    auth.NewJWTVerifier(cfg.JWTSecret, st),
		Presence:    online,
		CORSOrigins: cfg.CORSOrigins,
		Log:         zl,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}
	return platform.Serve(ctx, srv, zl)
}
