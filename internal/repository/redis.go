package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"opsync/internal/config"
	"opsync/internal/models"
	"opsync/internal/worker"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// RedisOperationStore keeps operations in a hash keyed by id, with two sorted
// sets indexing them by seq: one global and one per owner.
type RedisOperationStore struct {
	client *redis.Client
	prefix string
}

var _ worker.Store = (*RedisOperationStore)(nil)

func NewRedisOperationStore(client *redis.Client, prefix string) *RedisOperationStore {
	if prefix == "" {
		prefix = "opsync"
	}
	return &RedisOperationStore{client: client, prefix: prefix}
}

func (r *RedisOperationStore) opsKey() string { return r.prefix + ":ops" }
func (r *RedisOperationStore) seqKey() string { return r.prefix + ":seq" }
func (r *RedisOperationStore) ownerKey(owner string) string {
	return r.prefix + ":owner:" + owner
}

func (r *RedisOperationStore) Append(ctx context.Context, op *models.Operation) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.opsKey(), op.ID, data)
		pipe.ZAdd(ctx, r.seqKey(), redis.Z{Score: float64(op.Seq), Member: op.ID})
		pipe.ZAdd(ctx, r.ownerKey(op.OwnerKey), redis.Z{Score: float64(op.Seq), Member: op.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append operation to redis: %w", err)
	}
	return nil
}

func (r *RedisOperationStore) Head(ctx context.Context, ownerKey string) (*models.Operation, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	ids, err := r.client.ZRange(ctx, r.ownerKey(ownerKey), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read owner index: %w", err)
	}
	if len(ids) == 0 {
		return nil, worker.ErrNotFound
	}
	return r.get(ctx, ids[0])
}

func (r *RedisOperationStore) Load(ctx context.Context) ([]*models.Operation, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	ids, err := r.client.ZRange(ctx, r.seqKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read seq index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := r.client.HMGet(ctx, r.opsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load operations from redis: %w", err)
	}

	ops := make([]*models.Operation, 0, len(vals))
	for i, val := range vals {
		s, ok := val.(string)
		if !ok {
			// index entry without a body; skip rather than fail the whole load
			continue
		}
		op, err := decodeOperation(s)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", ids[i], err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (r *RedisOperationStore) Update(ctx context.Context, op *models.Operation) error {
	stored, err := r.get(ctx, op.ID)
	if err != nil {
		return err
	}
	stored.Attempt = op.Attempt
	stored.NextAttemptAt = op.NextAttemptAt
	stored.LastError = op.LastError

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	if err := r.client.HSet(ctx, r.opsKey(), op.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to update operation in redis: %w", err)
	}
	return nil
}

func (r *RedisOperationStore) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	vals, err := r.client.HMGet(ctx, r.opsKey(), ids...).Result()
	if err != nil {
		return fmt.Errorf("failed to read operations from redis: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, val := range vals {
			if s, ok := val.(string); ok {
				if op, err := decodeOperation(s); err == nil {
					pipe.ZRem(ctx, r.ownerKey(op.OwnerKey), ids[i])
				}
			}
		}
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.HDel(ctx, r.opsKey(), ids...)
		pipe.ZRem(ctx, r.seqKey(), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove operations from redis: %w", err)
	}
	return nil
}

func (r *RedisOperationStore) RemoveOwner(ctx context.Context, ownerKey string) (int, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	ids, err := r.client.ZRange(ctx, r.ownerKey(ownerKey), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read owner index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.opsKey(), ids...)
		pipe.ZRem(ctx, r.seqKey(), members...)
		pipe.Del(ctx, r.ownerKey(ownerKey))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove owner operations from redis: %w", err)
	}
	return len(ids), nil
}

func (r *RedisOperationStore) get(ctx context.Context, id string) (*models.Operation, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.HGet(ctx, r.opsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, worker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation from redis: %w", err)
	}
	return decodeOperation(val)
}

func decodeOperation(s string) (*models.Operation, error) {
	var op models.Operation
	if err := json.Unmarshal([]byte(s), &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
	}
	return &op, nil
}
