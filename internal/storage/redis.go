package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "alarmd/pkg/logx"
)

type redisStore struct {
	client *redis.Client
	key    string
	log    logx.Logger
	poll   time.Duration
	own    ownWrites
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required when storage.driver=redis")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &redisStore{client: client, key: cfg.Key, log: log, poll: cfg.PollInterval}, nil
}

func (s *redisStore) Read(ctx context.Context) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return b, nil
}

func (s *redisStore) Write(ctx context.Context, doc []byte) error {
	s.own.begin()
	err := s.client.Set(ctx, s.key, doc, 0).Err()
	s.own.end(doc, err == nil)
	if err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context) error {
	s.own.begin()
	err := s.client.Del(ctx, s.key).Err()
	s.own.end(nil, err == nil)
	if err != nil {
		return fmt.Errorf("redis del %s: %w", s.key, err)
	}
	return nil
}

func (s *redisStore) Close() error { return s.client.Close() }

// Watch polls the key for edits made by other clients.
func (s *redisStore) Watch(ctx context.Context, onChange func()) error {
	return pollWatch(ctx, s.poll, &s.own, s.log, s.Read, onChange)
}
