package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/pkg/logger"
	"gorm.io/gorm"
)

// LeaderElector contests the leader lease and, while holding it, runs the
// liveness sweeps. Leadership is exposed as a hint through IsLeader; every
// state change it drives is still conditioned on row state in the database.
type LeaderElector struct {
	db       *gorm.DB
	cfg      *config.SchedulerConfig
	serverID string
	locks    *LockService
	servers  *ServerService
	agents   *AgentService
	tasks    *TaskStore
	metrics  *Metrics
	now      func() time.Time

	leader atomic.Bool
	token  atomic.Int64
}

func NewLeaderElector(db *gorm.DB, cfg *config.SchedulerConfig, serverID string, tasks *TaskStore, metrics *Metrics) *LeaderElector {
	return &LeaderElector{
		db:       db,
		cfg:      cfg,
		serverID: serverID,
		locks:    NewLockService(db),
		servers:  NewServerService(db),
		agents:   NewAgentService(db),
		tasks:    tasks,
		metrics:  metrics,
		now:      time.Now,
	}
}

func (e *LeaderElector) IsLeader() bool { return e.leader.Load() }

// Token is the fencing token of the last committed lease, 0 when follower.
func (e *LeaderElector) Token() int64 { return e.token.Load() }

// TickResult summarizes what a single tick did.
type TickResult struct {
	Leader          bool
	Token           int64
	OfflineAgents   []string
	InactiveServers []string
	Reclaimed       map[string]int64
}

// Tick renews the lease and, when leader, sweeps overdue agents and servers
// and reclaims their tasks. All of it commits in one transaction; on any
// error nothing is applied and this replica becomes follower.
func (e *LeaderElector) Tick(ctx context.Context) (*TickResult, error) {
	result := &TickResult{Reclaimed: map[string]int64{}}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lock, err := e.locks.TryAcquireOrRenew(ctx, tx, LockSchedServerLeader, e.serverID, e.cfg.LockTTL, e.cfg.TokenIncrementInterval)
		if err != nil {
			return err
		}
		if err := e.servers.Heartbeat(ctx, tx, e.serverID); err != nil {
			return err
		}
		if lock == nil {
			return nil
		}
		result.Leader = true
		result.Token = lock.Token

		now := e.now()
		if result.OfflineAgents, err = e.agents.MarkOverdueOffline(ctx, tx, now.Add(-e.cfg.AgentOverdueTTL)); err != nil {
			return err
		}
		if result.InactiveServers, err = e.servers.MarkOverdueInactive(ctx, tx, e.serverID, now.Add(-e.cfg.ServerHeartbeatTTL)); err != nil {
			return err
		}

		n, err := e.tasks.ReclaimOrphaned(ctx, tx)
		if err != nil {
			return err
		}
		result.Reclaimed[ReclaimAgentOffline] = n

		if n, err = e.tasks.ReclaimForServers(ctx, tx, result.InactiveServers); err != nil {
			return err
		}
		result.Reclaimed[ReclaimServerGone] = n

		if e.cfg.ClaimTimeout > 0 {
			if n, err = e.tasks.ReclaimStaleLocks(ctx, tx, now.Add(-e.cfg.ClaimTimeout)); err != nil {
				return err
			}
			result.Reclaimed[ReclaimClaimTimeout] = n

			if n, err = e.tasks.ReclaimStaleDispatched(ctx, tx, e.cfg.DefaultTaskTimeout, e.cfg.ClaimTimeout); err != nil {
				return err
			}
			result.Reclaimed[ReclaimResultOverdue] = n
		}
		return nil
	})
	if err != nil {
		e.setFollower()
		return nil, err
	}

	wasLeader := e.leader.Load()
	if result.Leader {
		e.token.Store(result.Token)
		e.leader.Store(true)
		if !wasLeader {
			logger.Infof("[Leader] Server %s became leader, token: %d", e.serverID, result.Token)
		}
	} else {
		e.setFollower()
	}
	e.metrics.SetLeader(result.Leader, result.Token)

	for reason, n := range result.Reclaimed {
		if n > 0 {
			logger.Infof("[Leader] Reclaimed %d tasks (%s)", n, reason)
		}
		e.metrics.TasksReclaimed(reason, n)
	}
	if len(result.OfflineAgents) > 0 {
		logger.Warnf("[Leader] Marked %d agents offline: %v", len(result.OfflineAgents), result.OfflineAgents)
	}
	if len(result.InactiveServers) > 0 {
		logger.Warnf("[Leader] Marked %d servers inactive: %v", len(result.InactiveServers), result.InactiveServers)
	}
	return result, nil
}

func (e *LeaderElector) setFollower() {
	if e.leader.Swap(false) {
		logger.Warnf("[Leader] Server %s lost leadership", e.serverID)
	}
	e.token.Store(0)
	e.metrics.SetLeader(false, 0)
}

// Run ticks every heartbeat_interval until ctx is done, then releases the
// lease so a follower can take over without waiting for expiry.
func (e *LeaderElector) Run(ctx context.Context) {
	logger.Infof("[Leader] Election started, server: %s, ttl: %v, heartbeat: %v", e.serverID, e.cfg.LockTTL, e.cfg.HeartbeatInterval)

	if _, err := e.Tick(ctx); err != nil {
		logger.Errorf("[Leader] Tick failed: %v", err)
	}

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.release()
			return
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				logger.Errorf("[Leader] Tick failed: %v", err)
			}
		}
	}
}

func (e *LeaderElector) release() {
	wasLeader := e.leader.Load()
	e.setFollower()
	if !wasLeader {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	released, err := e.locks.Release(ctx, LockSchedServerLeader, e.serverID)
	if err != nil {
		logger.Errorf("[Leader] Failed to release lease: %v", err)
		return
	}
	if released {
		logger.Infof("[Leader] Lease released by %s", e.serverID)
	}
}
