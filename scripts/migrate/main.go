// Command migrate creates (or with --drop, recreates) the schema for the
// configured store driver.
package main

import (
	"context"
	"log"

	"github.com/mahaj/threadgate/pkg/config"
	"github.com/mahaj/threadgate/pkg/db"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	drop := flag.Bool("drop", false, "drop all tables before creating them")
	replication := flag.Int("replication", 1, "scylla keyspace replication factor")
	flag.Parse()

	var cfg config.Store
	if err := config.ParseEnv(&cfg); err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()

	switch cfg.Driver {
	case config.StoreScylla:
		if err := db.CreateKeyspace(cfg.ScyllaHosts, cfg.ScyllaKeyspace, *replication, zap.NewNop()); err != nil {
			log.Fatal(err)
		}
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, zap.NewNop())
		if err != nil {
			log.Fatal(err)
		}
		defer session.Close()
		if *drop {
			if err := db.DropScylla(session); err != nil {
				log.Fatal(err)
			}
			log.Println("Tables dropped")
		}
		if err := db.MigrateScylla(session); err != nil {
			log.Fatal(err)
		}
	case config.StoreSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatal(err)
		}
		defer sqlDB.Close()
		if *drop {
			if err := db.DropSQLite(ctx, sqlDB); err != nil {
				log.Fatal(err)
			}
			log.Println("Tables dropped")
			if err := db.MigrateSQLite(ctx, sqlDB); err != nil {
				log.Fatal(err)
			}
		}
	default:
		log.Fatalf("unknown STORE_DRIVER %q", cfg.Driver)
	}
	log.Printf("Schema ready for %s", cfg.Driver)
}
