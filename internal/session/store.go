package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for per-connection hashes.
	PresencePrefix = "presence:"

	// UserPrefix is the Redis key prefix for the set of a user's live
	// connection IDs.
	UserPrefix = "presence:user:"

	// PresenceTTL bounds how long a record survives a crashed server.
	PresenceTTL = 1 * time.Hour
)

// Presence is one live connection as stored in Redis.
type Presence struct {
	ConnectionID string `redis:"connection_id" json:"connection_id"`
	UserID       string `redis:"user_id" json:"user_id"`
	ProjectID    string `redis:"project_id" json:"project_id"`
	Server       string `redis:"server" json:"server"`             // which hub instance holds the socket
	ConnectedAt  int64  `redis:"connected_at" json:"connected_at"` // unix timestamp
}

// Store manages presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this hub instance
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Track stores the presence hash for a connection and adds it to the user's
// set. Both keys get PresenceTTL.
func (s *Store) Track(ctx context.Context, connectionID, userID, projectID string, connectedAt time.Time) error {
	key := PresencePrefix + connectionID
	userKey := UserPrefix + userID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"connection_id": connectionID,
		"user_id":       userID,
		"project_id":    projectID,
		"server":        s.serverName,
		"connected_at":  connectedAt.Unix(),
	})
	pipe.Expire(ctx, key, PresenceTTL)
	pipe.SAdd(ctx, userKey, connectionID)
	pipe.Expire(ctx, userKey, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: track %s: %w", connectionID, err)
	}
	return nil
}

// Get returns the presence record of a connection, or nil if there is none.
func (s *Store) Get(ctx context.Context, connectionID string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, PresencePrefix+connectionID).Scan(&p); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connectionID, err)
	}
	if p.ConnectionID == "" {
		return nil, nil
	}
	return &p, nil
}

// UserConnections lists the live connection IDs of a user across all hub
// instances.
func (s *Store) UserConnections(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, UserPrefix+userID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: members %s: %w", userID, err)
	}
	return ids, nil
}

// Untrack removes a connection's presence hash and its entry in the user's
// set.
func (s *Store) Untrack(ctx context.Context, connectionID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, PresencePrefix+connectionID)
	pipe.SRem(ctx, UserPrefix+userID, connectionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: untrack %s: %w", connectionID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
