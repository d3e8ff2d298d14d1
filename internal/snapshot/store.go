// Package snapshot persists periodic graph exports to a durable store and
// restores them on startup. Persistence is batched and off the merge
// path: the hot path never blocks on I/O.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/convergence/internal/ontology"
)

// ErrNoSnapshot is returned by Load when the store holds no snapshot yet.
var ErrNoSnapshot = errors.New("snapshot: no snapshot stored")

// Store is the durable read/write contract. Any document or graph store
// that can hold one ordered export satisfies it.
type Store interface {
	Save(ctx context.Context, snap *ontology.Snapshot) error
	Load(ctx context.Context) (*ontology.Snapshot, error)
}

// RedisStore keeps the latest snapshot under a single key.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store on the given client. key defaults to
// "convergence:snapshot".
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "convergence:snapshot"
	}
	return &RedisStore{client: client, key: key}
}

// Save serializes the snapshot and overwrites the stored copy.
func (s *RedisStore) Save(ctx context.Context, snap *ontology.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}
	return nil
}

// Load fetches and decodes the stored snapshot.
func (s *RedisStore) Load(ctx context.Context) (*ontology.Snapshot, error) {
	payload, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}

	var snap ontology.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Restore loads the stored snapshot, if any, and replays it into the
// graph. A missing snapshot is not an error: the graph starts empty.
func Restore(ctx context.Context, store Store, graph *ontology.Graph) error {
	snap, err := store.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return err
	}
	return graph.Restore(snap)
}
