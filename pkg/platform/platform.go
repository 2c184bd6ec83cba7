// Package platform wires configuration to concrete backends for the
// gateway and api processes.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mahaj/threadgate/pkg/config"
	"github.com/mahaj/threadgate/pkg/db"
	"github.com/mahaj/threadgate/pkg/fanout"
	"github.com/mahaj/threadgate/pkg/snowflake"
	"github.com/mahaj/threadgate/pkg/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func OpenStore(ctx context.Context, cfg config.Store, nodeID int64, log *zap.Logger) (store.Store, error) {
	ids, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}

	switch cfg.Driver {
	case config.StoreSQLite:
		st, err := store.OpenSQLite(ctx, cfg.SQLitePath, ids)
		if err != nil {
			return nil, err
		}
		log.Info("store_opened", zap.String("driver", cfg.Driver), zap.String("path", cfg.SQLitePath))
		return st, nil
	case config.StoreScylla:
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, log)
		if err != nil {
			return nil, err
		}
		return store.NewScylla(session, ids), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// OpenRedis connects and pings. The client is shared by the fan-out bus
// and presence.
func OpenRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// OpenBus returns the configured fan-out backend. rdb is only used by the
// redis backend and may be nil otherwise.
func OpenBus(cfg config.Fanout, rdb *redis.Client, instanceID string, log *zap.Logger) (fanout.Bus, error) {
	switch cfg.Backend {
	case config.FanoutRedis:
		if rdb == nil {
			return nil, errors.New("redis fan-out needs a redis client")
		}
		return fanout.NewRedis(rdb, cfg.RedisChannel, log), nil
	case config.FanoutKafka:
		return fanout.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, instanceID, log), nil
	case config.FanoutLocal:
		return fanout.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown fan-out backend %q", cfg.Backend)
}

// Serve runs srv until ctx ends, then shuts it down. onShutdown hooks run
// before the listener drains, for connections http.Server does not track.
func Serve(ctx context.Context, srv *http.Server, log *zap.Logger, onShutdown ...func()) error {
	errc := make(chan error, 1)
	go func() {
		log.Info("http_listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	log.Info("http_shutting_down", zap.String("addr", srv.Addr))
	for _, fn := range onShutdown {
		fn()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	return nil
}
