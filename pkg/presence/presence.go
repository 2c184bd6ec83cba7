// Package presence records which users hold a live connection on any
// gateway instance.
//
// Each user has a Redis set of the instances serving them. Instances keep a
// heartbeat key alive; members whose heartbeat expired are ignored, so a
// crashed instance cannot pin users online.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	heartbeatEvery = 10 * time.Second
	heartbeatTTL   = 30 * time.Second
)

func userKey(userID string) string         { return "presence:" + userID }
func instanceKey(instanceID string) string { return "presence:instance:" + instanceID }

type event struct {
	userID string
	online bool
}

// Tracker implements registry.Observer. Online and Offline only enqueue;
// Run applies them to Redis in order.
type Tracker struct {
	client   *redis.Client
	instance string
	events   chan event
	log      *zap.Logger
}

func NewTracker(client *redis.Client, instanceID string, log *zap.Logger) *Tracker {
	return &Tracker{
		client:   client,
		instance: instanceID,
		events:   make(chan event, 1024),
		log:      log,
	}
}

func (t *Tracker) Online(userID string)  { t.enqueue(event{userID: userID, online: true}) }
func (t *Tracker) Offline(userID string) { t.enqueue(event{userID: userID, online: false}) }

func (t *Tracker) enqueue(e event) {
	select {
	case t.events <- e:
	default:
		t.log.Warn("presence_event_dropped", zap.String("user_id", e.userID), zap.Bool("online", e.online))
	}
}

// Run applies presence events and refreshes this instance's heartbeat until
// ctx ends, then withdraws the instance from every user it marked online.
func (t *Tracker) Run(ctx context.Context) {
	online := make(map[string]struct{})
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	t.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			t.withdraw(online)
			return
		case <-ticker.C:
			t.heartbeat(ctx)
		case e := <-t.events:
			var err error
			if e.online {
				online[e.userID] = struct{}{}
				err = t.client.SAdd(ctx, userKey(e.userID), t.instance).Err()
			} else {
				delete(online, e.userID)
				err = t.client.SRem(ctx, userKey(e.userID), t.instance).Err()
			}
			if err != nil {
				t.log.Warn("presence_update_failed", zap.String("user_id", e.userID), zap.Bool("online", e.online), zap.Error(err))
			}
		}
	}
}

func (t *Tracker) heartbeat(ctx context.Context) {
	if err := t.client.Set(ctx, instanceKey(t.instance), time.Now().UTC().Format(time.RFC3339), heartbeatTTL).Err(); err != nil {
		t.log.Warn("presence_heartbeat_failed", zap.String("instance_id", t.instance), zap.Error(err))
	}
}

func (t *Tracker) withdraw(online map[string]struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := t.client.Pipeline()
	for userID := range online {
		pipe.SRem(ctx, userKey(userID), t.instance)
	}
	pipe.Del(ctx, instanceKey(t.instance))
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Warn("presence_withdraw_failed", zap.String("instance_id", t.instance), zap.Error(err))
	}
}

// Directory answers presence queries. It needs no instance of its own, so
// the api process can use it.
type Directory struct {
	client *redis.Client
}

func NewDirectory(client *redis.Client) *Directory {
	return &Directory{client: client}
}

// OnlineUsers returns the subset of userIDs served by a live instance.
func (d *Directory) OnlineUsers(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return []string{}, nil
	}

	pipe := d.client.Pipeline()
	members := make([]*redis.StringSliceCmd, len(userIDs))
	for i, id := range userIDs {
		members[i] = pipe.SMembers(ctx, userKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}

	alive := make(map[string]bool)
	pipe = d.client.Pipeline()
	checks := make(map[string]*redis.IntCmd)
	for _, cmd := range members {
		for _, inst := range cmd.Val() {
			if _, ok := checks[inst]; !ok {
				checks[inst] = pipe.Exists(ctx, instanceKey(inst))
			}
		}
	}
	if len(checks) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("read instance heartbeats: %w", err)
		}
		for inst, cmd := range checks {
			alive[inst] = cmd.Val() == 1
		}
	}

	online := []string{}
	for i, cmd := range members {
		for _, inst := range cmd.Val() {
			if alive[inst] {
				online = append(online, userIDs[i])
				break
			}
		}
	}
	return online, nil
}
