package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tracel/internal/config"
)

// RedisStore coordinates owner presence across multiple instances: the live
// Entry (which holds goroutines and channels) always lives in the local
// process cache, but teardown is published so every instance reaps its own
// copy together.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration

	mu    sync.RWMutex
	local map[string]*Entry

	pubsub        *redis.PubSub
	teardownTopic string
}

// NewRedisStore creates a RedisStore and subscribes to the teardown topic.
func NewRedisStore(cfg config.RedisConfig, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	topic := cfg.KeyPrefix + "teardown"
	s := &RedisStore{
		client:        client,
		keyPrefix:     cfg.KeyPrefix,
		ttl:           ttl,
		local:         make(map[string]*Entry),
		pubsub:        client.Subscribe(context.Background(), topic),
		teardownTopic: topic,
	}
	return s, nil
}

// ListenTeardown drains remote teardown notifications and removes the
// matching local Entry (without re-publishing, so instances don't echo
// the notification back and forth) until ctx is cancelled.
func (s *RedisStore) ListenTeardown(ctx context.Context, onRemote func(ownerID string)) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ownerID := msg.Payload
			s.mu.Lock()
			delete(s.local, ownerID)
			s.mu.Unlock()
			if onRemote != nil {
				onRemote(ownerID)
			}
		}
	}
}

// PublishTeardown announces that ownerID has been torn down locally so
// other instances reap their copy too.
func (s *RedisStore) PublishTeardown(ownerID string) {
	if err := s.client.Publish(context.Background(), s.teardownTopic, ownerID).Err(); err != nil {
		slog.Warn("registry: failed to publish teardown", "owner_id", ownerID, "error", err)
	}
}

func (s *RedisStore) Get(ownerID string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.local[ownerID]
	return e, ok
}

func (s *RedisStore) Put(e *Entry) {
	s.mu.Lock()
	s.local[e.OwnerID] = e
	s.mu.Unlock()

	key := s.keyPrefix + e.OwnerID
	if err := s.client.Set(context.Background(), key, time.Now().Unix(), s.ttl).Err(); err != nil {
		slog.Warn("registry: failed to record owner presence", "owner_id", e.OwnerID, "error", err)
	}
}

func (s *RedisStore) Delete(ownerID string) {
	s.mu.Lock()
	delete(s.local, ownerID)
	s.mu.Unlock()

	s.client.Del(context.Background(), s.keyPrefix+ownerID)
}

func (s *RedisStore) List() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.local))
	for _, e := range s.local {
		out = append(out, e)
	}
	return out
}

// Close releases the subscription and the underlying client.
func (s *RedisStore) Close() error {
	_ = s.pubsub.Close()
	return s.client.Close()
}
