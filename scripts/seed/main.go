// Command seed creates users, and optionally a thread between them, in the
// configured store.
package main

import (
	"context"
	"log"

	"github.com/mahaj/threadgate/pkg/config"
	"github.com/mahaj/threadgate/pkg/model"
	"github.com/mahaj/threadgate/pkg/platform"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	users := flag.StringSlice("users", []string{"userA", "userB"}, "user ids to create")
	thread := flag.Bool("thread", true, "create a thread between the seeded users")
	inactive := flag.StringSlice("inactive", nil, "user ids to create as inactive")
	flag.Parse()

	var cfg config.Common
	if err := config.ParseEnv(&cfg); err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()

	st, err := platform.OpenStore(ctx, cfg.Store, cfg.NodeID, zap.NewNop())
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	for _, id := range *users {
		if err := st.UpsertUser(ctx, model.User{ID: id, DisplayName: id, Active: true}); err != nil {
			log.Fatalf("seed user %s: %v", id, err)
		}
	}
	for _, id := range *inactive {
		if err := st.UpsertUser(ctx, model.User{ID: id, DisplayName: id, Active: false}); err != nil {
			log.Fatalf("seed user %s: %v", id, err)
		}
	}
	log.Printf("Seeded %d users", len(*users)+len(*inactive))

	if *thread && len(*users) >= 2 {
		th, created, err := st.CreateThread(ctx, *users)
		if err != nil {
			log.Fatalf("seed thread: %v", err)
		}
		log.Printf("Thread %s (created=%t)", th.ID, created)
	}
}
