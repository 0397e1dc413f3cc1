package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryStorage keeps operations in process memory. Used by tests and by
// embedded hosts that supply their own durability.
type MemoryStorage struct {
	mu  sync.Mutex
	ops map[string][]Operation
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{ops: make(map[string][]Operation)}
}

func (s *MemoryStorage) Append(_ context.Context, rundownID string, op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[rundownID] = append(s.ops[rundownID], op)
	return nil
}

func (s *MemoryStorage) List(_ context.Context, rundownID string) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]Operation, len(s.ops[rundownID]))
	copy(ops, s.ops[rundownID])
	return ops, nil
}

func (s *MemoryStorage) Remove(_ context.Context, rundownID, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := s.ops[rundownID]
	for i, op := range ops {
		if op.ID == opID {
			s.ops[rundownID] = append(ops[:i], ops[i+1:]...)
			return nil
		}
	}
	return nil
}

// RedisStorage persists the queue as one Redis list per rundown, so pending
// operations survive a process restart.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client, prefix: "queue:rundown:"}
}

func (s *RedisStorage) key(rundownID string) string {
	return s.prefix + rundownID
}

func (s *RedisStorage) Append(ctx context.Context, rundownID string, op Operation) error {
	encoded, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	if err := s.client.RPush(ctx, s.key(rundownID), encoded).Err(); err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

func (s *RedisStorage) List(ctx context.Context, rundownID string) ([]Operation, error) {
	raw, err := s.client.LRange(ctx, s.key(rundownID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	ops := make([]Operation, 0, len(raw))
	for _, item := range raw {
		var op Operation
		if err := json.Unmarshal([]byte(item), &op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *RedisStorage) Remove(ctx context.Context, rundownID, opID string) error {
	raw, err := s.client.LRange(ctx, s.key(rundownID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}
	for _, item := range raw {
		var op Operation
		if err := json.Unmarshal([]byte(item), &op); err != nil {
			continue
		}
		if op.ID == opID {
			if err := s.client.LRem(ctx, s.key(rundownID), 1, item).Err(); err != nil {
				return fmt.Errorf("remove operation: %w", err)
			}
			return nil
		}
	}
	return nil
}
