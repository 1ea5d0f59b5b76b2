package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/acid"
)

type lockService struct {
	conn    *Connection
	isOwner bool
}

// NewLockService returns a lock service over the singleton connection.
// Read/write distinction collapses to exclusive ownership here: a token is
// one Redis key, owned by one lock ID at a time.
func NewLockService() (acid.LockService, error) {
	if connection == nil {
		return nil, fmt.Errorf("Redis connection is not open, 'can't create lock service")
	}
	return &lockService{conn: connection}, nil
}

// NewConnectionLockService opens a dedicated connection for this lock
// service, for the case of a Redis cluster separate from the main one.
func NewConnectionLockService(options Options) acid.LockService {
	return &lockService{conn: openConnection(options), isOwner: true}
}

// Close this lock service's connection if it owns one.
func (ls *lockService) Close() error {
	if !ls.isOwner || ls.conn == nil {
		return nil
	}
	err := ls.conn.Client.Close()
	ls.conn = nil
	return err
}

// formatLockKey prefixes the token so lock entries can't collide with other
// tenants of the same Redis DB.
func formatLockKey(token acid.Token) string {
	return "Lk" + token.String()
}

func (ls *lockService) keyNotFound(err error) bool {
	return err == redis.Nil
}

// Lock attempts to acquire all keys using the given TTL duration. If any key
// is already locked by another owner, it returns false and that owner's ID.
func (ls *lockService) Lock(ctx context.Context, duration time.Duration, lockKeys []*acid.LockKey) (bool, acid.UUID, error) {
	for _, lk := range lockKeys {
		key := formatLockKey(lk.Token)
		readItem, err := ls.conn.Client.Get(ctx, key).Result()
		if err != nil && !ls.keyNotFound(err) {
			return false, acid.NilUUID, err
		}
		if err == nil {
			// Item found in Redis, check if not ours. Most likely, but check anyway.
			if readItem != lk.LockID.String() {
				id, _ := acid.ParseUUID(readItem)
				return false, id, nil
			}
			continue
		}

		// Item does not exist, upsert it.
		if err := ls.conn.Client.Set(ctx, key, lk.LockID.String(), duration).Err(); err != nil {
			return false, acid.NilUUID, err
		}
		// Use a 2nd "get" to ensure we "won" the lock attempt & fail if not.
		readItem2, err := ls.conn.Client.Get(ctx, key).Result()
		if err != nil {
			return false, acid.NilUUID, err
		}
		if readItem2 != lk.LockID.String() {
			id, _ := acid.ParseUUID(readItem2)
			// Item found in Redis, lock attempt failed.
			return false, id, nil
		}
		// We got the item locked, ensure we can unlock it.
		lk.IsLockOwner = true
	}
	// Successfully locked.
	return true, acid.NilUUID, nil
}

// IsLocked reports whether all provided lock keys are currently owned by this process.
func (ls *lockService) IsLocked(ctx context.Context, lockKeys []*acid.LockKey) (bool, error) {
	r := true
	var lastErr error
	for _, lk := range lockKeys {
		readItem, err := ls.conn.Client.Get(ctx, formatLockKey(lk.Token)).Result()
		if err != nil {
			lk.IsLockOwner = false
			r = false
			if !ls.keyNotFound(err) {
				lastErr = err
			}
			continue
		}
		// Item found in Redis has different value, means key is locked by another owner.
		if readItem != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, lastErr
}

// Unlock releases the provided lock keys, deleting only those owned by this process.
func (ls *lockService) Unlock(ctx context.Context, lockKeys []*acid.LockKey) error {
	var lastErr error
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		lk.IsLockOwner = false
		if err := ls.conn.Client.Del(ctx, formatLockKey(lk.Token)).Err(); err != nil && !ls.keyNotFound(err) {
			lastErr = err
		}
	}
	return lastErr
}
