package services

import (
	"context"
	"fmt"
	"time"

	"github.com/hetuflow/hetuflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockSchedServerLeader is the lease contested by server replicas.
const LockSchedServerLeader = "sched_server_leader"

const pgAcquireLockSQL = `
INSERT INTO distributed_lock (id, value, token, locked_at, expires_at)
VALUES (@id, @value, 1, now(), now() + make_interval(secs => @ttl))
ON CONFLICT (id) DO UPDATE SET
	value = EXCLUDED.value,
	expires_at = EXCLUDED.expires_at,
	token = CASE
		WHEN distributed_lock.expires_at < now()
			OR distributed_lock.value <> EXCLUDED.value
			OR now() - distributed_lock.locked_at > make_interval(secs => @interval)
		THEN distributed_lock.token + 1
		ELSE distributed_lock.token
	END,
	locked_at = CASE
		WHEN distributed_lock.expires_at < now()
			OR distributed_lock.value <> EXCLUDED.value
			OR now() - distributed_lock.locked_at > make_interval(secs => @interval)
		THEN now()
		ELSE distributed_lock.locked_at
	END
WHERE distributed_lock.expires_at < now() OR distributed_lock.value = EXCLUDED.value
RETURNING id, value, token, locked_at, expires_at`

// LockService implements named leases with fencing tokens on the
// distributed_lock table.
type LockService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLockService(db *gorm.DB) *LockService {
	return &LockService{db: db, now: time.Now}
}

// TryAcquireOrRenew takes the lease when it is free or expired, or renews it
// when holder already owns it. It returns nil without error when another
// holder owns an unexpired lease. tx may be a transaction; when nil the
// service's own handle is used.
//
// The token increases when the lease changes hands and, for a long-running
// holder, every tokenInterval.
func (s *LockService) TryAcquireOrRenew(ctx context.Context, tx *gorm.DB, lockID, holder string, ttl, tokenInterval time.Duration) (*models.DistributedLock, error) {
	if tx == nil {
		tx = s.db
	}
	tx = tx.WithContext(ctx)

	if models.Dialect(tx) == models.DialectPostgres {
		return s.acquirePostgres(tx, lockID, holder, ttl, tokenInterval)
	}
	return s.acquirePortable(tx, lockID, holder, ttl, tokenInterval)
}

func (s *LockService) acquirePostgres(tx *gorm.DB, lockID, holder string, ttl, tokenInterval time.Duration) (*models.DistributedLock, error) {
	var row models.DistributedLock
	res := tx.Raw(pgAcquireLockSQL, map[string]interface{}{
		"id":       lockID,
		"value":    holder,
		"ttl":      ttl.Seconds(),
		"interval": tokenInterval.Seconds(),
	}).Scan(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lockID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

// acquirePortable evaluates the same predicate as the Postgres upsert with a
// row lock (where supported) and a compare-and-set update.
func (s *LockService) acquirePortable(tx *gorm.DB, lockID, holder string, ttl, tokenInterval time.Duration) (*models.DistributedLock, error) {
	now := s.now()

	var cur models.DistributedLock
	res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", lockID).Limit(1).Find(&cur)
	if res.Error != nil {
		return nil, fmt.Errorf("read lock %s: %w", lockID, res.Error)
	}

	if res.RowsAffected == 0 {
		row := models.DistributedLock{
			ID:        lockID,
			Value:     holder,
			Token:     1,
			LockedAt:  now,
			ExpiresAt: now.Add(ttl),
		}
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if ins.Error != nil {
			return nil, fmt.Errorf("insert lock %s: %w", lockID, ins.Error)
		}
		if ins.RowsAffected == 0 {
			return nil, nil
		}
		return &row, nil
	}

	expired := cur.ExpiresAt.Before(now)
	if !expired && cur.Value != holder {
		return nil, nil
	}

	next := cur
	next.Value = holder
	next.ExpiresAt = now.Add(ttl)
	if expired || cur.Value != holder || now.Sub(cur.LockedAt) > tokenInterval {
		next.Token = cur.Token + 1
		next.LockedAt = now
	}

	upd := tx.Model(&models.DistributedLock{}).
		Where("id = ? AND token = ? AND value = ?", lockID, cur.Token, cur.Value).
		Updates(map[string]interface{}{
			"value":      next.Value,
			"token":      next.Token,
			"locked_at":  next.LockedAt,
			"expires_at": next.ExpiresAt,
		})
	if upd.Error != nil {
		return nil, fmt.Errorf("update lock %s: %w", lockID, upd.Error)
	}
	if upd.RowsAffected == 0 {
		return nil, nil
	}
	return &next, nil
}

// Release expires the lease if holder still owns it. The row is kept so the
// fencing token keeps increasing across releases.
func (s *LockService) Release(ctx context.Context, lockID, holder string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.DistributedLock{}).
		Where("id = ? AND value = ?", lockID, holder).
		Update("expires_at", s.now().Add(-time.Second))
	if res.Error != nil {
		return false, fmt.Errorf("release lock %s: %w", lockID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get returns the current lease row, or nil when it was never taken.
func (s *LockService) Get(ctx context.Context, lockID string) (*models.DistributedLock, error) {
	var row models.DistributedLock
	res := s.db.WithContext(ctx).Where("id = ?", lockID).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}
