package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string, log *zap.Logger) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect scylla %v: %w", hosts, err)
	}

	log.Info("scylla_connected", zap.Strings("hosts", hosts), zap.String("keyspace", keyspace))
	return &Session{Session: session}, nil
}

// CreateKeyspace connects through the system keyspace and creates keyspace
// if it is missing.
func CreateKeyspace(hosts []string, keyspace string, replication int, log *zap.Logger) error {
	sys, err := NewSession(hosts, "system", log)
	if err != nil {
		return err
	}
	defer sys.Close()

	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	if err := sys.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}
	return nil
}

var scyllaTables = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		display_name text,
		active boolean
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id text PRIMARY KEY,
		participants set<text>,
		created_at timestamp,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS thread_participants (
		thread_id text,
		user_id text,
		PRIMARY KEY (thread_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_threads (
		user_id text,
		thread_id text,
		PRIMARY KEY (user_id, thread_id)
	)`,
	`CREATE TABLE IF NOT EXISTS direct_threads (
		pair_key text PRIMARY KEY,
		thread_id text
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		thread_id text,
		id bigint,
		sender_id text,
		content text,
		attachments list<text>,
		read_by set<text>,
		created_at timestamp,
		PRIMARY KEY (thread_id, id)
	) WITH CLUSTERING ORDER BY (id ASC)`,
}

var scyllaTableNames = []string{"messages", "direct_threads", "user_threads", "thread_participants", "threads", "users"}

// MigrateScylla creates every table the store needs.
func MigrateScylla(s *Session) error {
	for _, stmt := range scyllaTables {
		if err := s.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func DropScylla(s *Session) error {
	for _, name := range scyllaTableNames {
		if err := s.Query("DROP TABLE IF EXISTS " + name).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", name, err)
		}
	}
	return nil
}
