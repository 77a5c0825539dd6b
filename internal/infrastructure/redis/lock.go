package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Locker serializes work on a single key across service replicas.
type Locker struct {
	client RedisClient
	ttl    time.Duration
}

func NewLocker(client RedisClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{client: client, ttl: ttl}
}

// Lock is a held lock; Unlock is safe to call more than once.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// TryLock acquires key without waiting. ok is false when someone else holds it.
func (l *Locker) TryLock(ctx context.Context, key string) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{locker: l, key: key, token: token}, true, nil
}

func (lk *Lock) Unlock(ctx context.Context) {
	if lk == nil || lk.token == "" {
		return
	}
	if _, err := lk.locker.client.CompareAndDelete(ctx, lk.key, lk.token); err != nil {
		slog.Error("failed to release lock", "key", lk.key, "error", err)
		return
	}
	lk.token = ""
}
