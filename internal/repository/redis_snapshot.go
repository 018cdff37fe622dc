package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wallet_ledger/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "wallet:snapshot:"
	snapshotIndexKey  = "wallet:snapshot:index"
	snapshotCursorKey = "wallet:snapshot:cursor"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// SnapshotRedisStore keeps the latest balance snapshot per wallet together with
// the publisher's paging cursor.
type SnapshotRedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotRedisStore(client *redis.Client, ttl time.Duration) *SnapshotRedisStore {
	return &SnapshotRedisStore{client: client, ttl: ttl}
}

func (s *SnapshotRedisStore) SaveSnapshots(ctx context.Context, snapshots []models.BalanceSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	members := make([]any, 0, len(snapshots))
	for _, snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s: %w", snap.WalletID, err)
		}
		pipe.Set(ctx, snapshotKey(snap.WalletID), data, s.ttl)
		members = append(members, snap.WalletID.String())
	}
	pipe.SAdd(ctx, snapshotIndexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshots: %w", err)
	}
	return nil
}

// GetSnapshot returns nil, nil when no snapshot is cached for the wallet.
func (s *SnapshotRedisStore) GetSnapshot(ctx context.Context, walletID uuid.UUID) (*models.BalanceSnapshot, error) {
	val, err := s.client.Get(ctx, snapshotKey(walletID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", walletID, err)
	}
	var snap models.BalanceSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", walletID, err)
	}
	return &snap, nil
}

// Count is the number of wallets that have ever been snapshotted. Expired
// entries stay in the index until the wallet is written again.
func (s *SnapshotRedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, snapshotIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// Cursor returns the last wallet id published, or nil to start from the beginning.
func (s *SnapshotRedisStore) Cursor(ctx context.Context) (*uuid.UUID, error) {
	val, err := s.client.Get(ctx, snapshotCursorKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get snapshot cursor: %w", err)
	}
	if val == "" {
		return nil, nil
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot cursor %q: %w", val, err)
	}
	return &id, nil
}

// SetCursor stores the next starting point. A nil cursor rewinds to the start.
func (s *SnapshotRedisStore) SetCursor(ctx context.Context, cursor *uuid.UUID) error {
	var err error
	if cursor == nil {
		err = s.client.Del(ctx, snapshotCursorKey).Err()
	} else {
		err = s.client.Set(ctx, snapshotCursorKey, cursor.String(), 0).Err()
	}
	if err != nil {
		return fmt.Errorf("set snapshot cursor: %w", err)
	}
	return nil
}

func (s *SnapshotRedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

func snapshotKey(walletID uuid.UUID) string {
	return snapshotKeyPrefix + walletID.String()
}
