package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInstanceNotFound  = errors.New("task instance not found")
	ErrClaimLost         = errors.New("task claim lost")
)

// Reclaim reasons reported to metrics.
const (
	ReclaimAgentOffline  = "agent_offline"
	ReclaimServerGone    = "server_inactive"
	ReclaimClaimTimeout  = "claim_timeout"
	ReclaimAgentDetached = "agent_disconnected"
	ReclaimResultOverdue = "result_overdue"
)

// Postgres claim: the inner SELECT skips rows locked by concurrent claimants.
const pgClaimSQL = `
UPDATE sched_task SET
	status = @locked,
	server_id = @server_id,
	agent_id = @agent_id,
	locked_at = now(),
	lock_version = lock_version + 1,
	updated_at = now()
WHERE id IN (
	SELECT id FROM sched_task
	WHERE status = @pending
		AND scheduled_at <= now()
		AND COALESCE(CAST(config AS jsonb) -> 'labels', '{}'::jsonb) <@ CAST(@labels AS jsonb)
	ORDER BY
		priority + CASE WHEN CAST(@aging AS double precision) > 0
			THEN floor(extract(epoch FROM now() - scheduled_at) / CAST(@aging AS double precision))
			ELSE 0 END DESC,
		scheduled_at ASC
	LIMIT @limit
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

// claimStatuses are the statuses a reclaim sweep resets to Pending.
var claimStatuses = []models.TaskStatus{models.TaskStatusLocked, models.TaskStatusDispatched}

var terminalInstanceStatuses = []models.TaskInstanceStatus{
	models.InstanceStatusTimeout, models.InstanceStatusSkipped, models.InstanceStatusFailed,
	models.InstanceStatusCancelled, models.InstanceStatusSucceeded,
}

// TaskStore implements the task state machine on sched_task and
// sched_task_instance. Every status change is a conditional update on the
// expected current status, so illegal or concurrent transitions affect zero
// rows instead of overwriting each other.
type TaskStore struct {
	db            *gorm.DB
	agingInterval time.Duration
	now           func() time.Time
}

func NewTaskStore(db *gorm.DB, agingInterval time.Duration) *TaskStore {
	return &TaskStore{db: db, agingInterval: agingInterval, now: time.Now}
}

// ClaimRequest describes the agent a batch of tasks is claimed for.
type ClaimRequest struct {
	ServerID string
	AgentID  string
	Limit    int
	Labels   models.Labels
}

type TaskListRequest struct {
	Page       int               `form:"page"`
	PageSize   int               `form:"page_size"`
	Status     models.TaskStatus `form:"status"`
	JobID      string            `form:"job_id"`
	ScheduleID string            `form:"schedule_id"`
	AgentID    string            `form:"agent_id"`
}

type TaskListResponse struct {
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Items    []models.SchedTask `json:"items"`
}

// effectivePriority boosts a task by one point per aging interval it has
// waited past its scheduled time.
func (s *TaskStore) effectivePriority(t *models.SchedTask, now time.Time) int {
	if s.agingInterval <= 0 {
		return t.Priority
	}
	waited := now.Sub(t.ScheduledAt)
	if waited <= 0 {
		return t.Priority
	}
	return t.Priority + int(waited/s.agingInterval)
}

// Claim moves up to req.Limit due Pending tasks to Locked for req.ServerID.
// Tasks claimed by a concurrent caller are skipped, never returned twice.
func (s *TaskStore) Claim(ctx context.Context, req ClaimRequest) ([]models.SchedTask, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	db := s.db.WithContext(ctx)
	if models.Dialect(db) == models.DialectPostgres {
		return s.claimPostgres(db, req)
	}
	return s.claimPortable(db, req)
}

func (s *TaskStore) claimPostgres(db *gorm.DB, req ClaimRequest) ([]models.SchedTask, error) {
	labels := req.Labels
	if labels == nil {
		labels = models.Labels{}
	}
	labelJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, err
	}

	var agentID *string
	if req.AgentID != "" {
		agentID = &req.AgentID
	}

	var tasks []models.SchedTask
	err = db.Raw(pgClaimSQL, map[string]interface{}{
		"locked":    models.TaskStatusLocked,
		"pending":   models.TaskStatusPending,
		"server_id": req.ServerID,
		"agent_id":  agentID,
		"labels":    string(labelJSON),
		"aging":     s.agingInterval.Seconds(),
		"limit":     req.Limit,
	}).Scan(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	return tasks, nil
}

// claimPortable selects candidates and takes each with a compare-and-set on
// (status, lock_version). MySQL additionally skips rows locked by other
// claimants; SQLite serializes writers so the conditional update suffices.
func (s *TaskStore) claimPortable(db *gorm.DB, req ClaimRequest) ([]models.SchedTask, error) {
	now := s.now()
	// over-fetch so label filtering and aging can reorder candidates
	window := req.Limit * 10
	if window < 100 {
		window = 100
	}

	var claimed []models.SchedTask
	err := db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ? AND scheduled_at <= ?", models.TaskStatusPending, now).
			Order("priority DESC, scheduled_at ASC").
			Limit(window)
		if models.Dialect(tx) == models.DialectMySQL {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []models.SchedTask
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}

		eligible := candidates[:0]
		for _, t := range candidates {
			if req.Labels.Contains(t.Config.Labels) {
				eligible = append(eligible, t)
			}
		}
		sort.SliceStable(eligible, func(i, j int) bool {
			pi, pj := s.effectivePriority(&eligible[i], now), s.effectivePriority(&eligible[j], now)
			if pi != pj {
				return pi > pj
			}
			return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
		})

		for _, t := range eligible {
			if len(claimed) >= req.Limit {
				break
			}
			updates := map[string]interface{}{
				"status":       models.TaskStatusLocked,
				"server_id":    req.ServerID,
				"locked_at":    now,
				"lock_version": gorm.Expr("lock_version + 1"),
				"updated_at":   now,
			}
			if req.AgentID != "" {
				updates["agent_id"] = req.AgentID
			}
			res := tx.Model(&models.SchedTask{}).
				Where("id = ? AND status = ? AND lock_version = ?", t.ID, models.TaskStatusPending, t.LockVersion).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}

			t.Status = models.TaskStatusLocked
			t.ServerID = strPtr(req.ServerID)
			if req.AgentID != "" {
				t.AgentID = strPtr(req.AgentID)
			}
			t.LockedAt = &now
			t.LockVersion++
			t.UpdatedAt = now
			claimed = append(claimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	return claimed, nil
}

// MarkDispatched records that the agent connection accepted the push.
// It returns false when the claim was lost in the meantime.
func (s *TaskStore) MarkDispatched(ctx context.Context, taskID string, expectedVersion int, agentID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.SchedTask{}).
		Where("id = ? AND status = ? AND lock_version = ?", taskID, models.TaskStatusLocked, expectedVersion).
		Updates(map[string]interface{}{
			"status":       models.TaskStatusDispatched,
			"agent_id":     agentID,
			"lock_version": gorm.Expr("lock_version + 1"),
			"updated_at":   s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark task %s dispatched: %w", taskID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseClaim returns a Locked task to Pending after a failed push.
func (s *TaskStore) ReleaseClaim(ctx context.Context, taskID string, expectedVersion int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.SchedTask{}).
		Where("id = ? AND status = ? AND lock_version = ?", taskID, models.TaskStatusLocked, expectedVersion).
		Updates(reclaimUpdates(s.now()))
	if res.Error != nil {
		return false, fmt.Errorf("release task %s: %w", taskID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Transition moves a task from one status to another if the edge is legal
// and the task is still in from. Extra columns may be set through updates.
func (s *TaskStore) Transition(ctx context.Context, tx *gorm.DB, taskID string, from, to models.TaskStatus, updates map[string]interface{}) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if tx == nil {
		tx = s.db
	}

	values := map[string]interface{}{}
	for k, v := range updates {
		values[k] = v
	}
	values["status"] = to
	values["lock_version"] = gorm.Expr("lock_version + 1")
	if _, ok := values["updated_at"]; !ok {
		values["updated_at"] = s.now()
	}

	res := tx.WithContext(ctx).Model(&models.SchedTask{}).
		Where("id = ? AND status = ?", taskID, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("transition task %s %s -> %s: %w", taskID, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ApplyInstanceUpdate folds an agent's instance report into the task row.
// Only the attempt currently bound to the task drives it; reports from an
// attempt that was reclaimed or superseded are ignored.
func (s *TaskStore) ApplyInstanceUpdate(ctx context.Context, update *protocol.TaskInstanceUpdated) (*models.SchedTask, error) {
	var result *models.SchedTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := s.getTask(tx, update.TaskID)
		if err != nil {
			return err
		}
		result = task

		if task.InstanceID == nil || *task.InstanceID != update.TaskInstanceID {
			return nil
		}

		var to models.TaskStatus
		now := s.now()
		updates := map[string]interface{}{}
		switch update.Status {
		case models.InstanceStatusSucceeded:
			to = models.TaskStatusSucceeded
			updates["completed_at"] = now
			updates["error_message"] = ""
		case models.InstanceStatusFailed, models.InstanceStatusTimeout:
			updates["error_message"] = update.ErrorMessage
			if task.RetryCount < task.MaxRetries {
				to = models.TaskStatusWaitingRetry
				updates["retry_count"] = task.RetryCount + 1
			} else {
				to = models.TaskStatusFailed
				updates["completed_at"] = now
			}
		case models.InstanceStatusCancelled:
			to = models.TaskStatusCancelled
			updates["completed_at"] = now
		default:
			return nil
		}

		from := task.Status
		if from == models.TaskStatusLocked {
			// the agent answered before MarkDispatched landed
			extra := map[string]interface{}{}
			if update.AgentID != "" {
				extra["agent_id"] = update.AgentID
			}
			ok, err := s.Transition(ctx, tx, task.ID, from, models.TaskStatusDispatched, extra)
			if err != nil || !ok {
				return err
			}
			from = models.TaskStatusDispatched
		}
		if !from.CanTransitionTo(to) {
			return nil
		}
		ok, err := s.Transition(ctx, tx, task.ID, from, to, updates)
		if err != nil || !ok {
			return err
		}
		result, err = s.getTask(tx, task.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func reclaimUpdates(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":       models.TaskStatusPending,
		"agent_id":     nil,
		"server_id":    nil,
		"instance_id":  nil,
		"locked_at":    nil,
		"lock_version": gorm.Expr("lock_version + 1"),
		"updated_at":   now,
	}
}

// ReclaimForAgents resets Locked and Dispatched tasks assigned to agentIDs.
func (s *TaskStore) ReclaimForAgents(ctx context.Context, tx *gorm.DB, agentIDs []string) (int64, error) {
	if len(agentIDs) == 0 {
		return 0, nil
	}
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).Model(&models.SchedTask{}).
		Where("status IN ? AND agent_id IN ?", claimStatuses, agentIDs).
		Updates(reclaimUpdates(s.now()))
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim tasks of agents: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReclaimOrphaned resets claimed tasks whose agent is no longer live.
func (s *TaskStore) ReclaimOrphaned(ctx context.Context, tx *gorm.DB) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	tx = tx.WithContext(ctx)
	dead := tx.Session(&gorm.Session{NewDB: true}).Model(&models.SchedAgent{}).
		Select("id").
		Where("status IN ?", []models.AgentStatus{models.AgentStatusOffline, models.AgentStatusError})
	res := tx.Model(&models.SchedTask{}).
		Where("status IN ? AND agent_id IN (?)", claimStatuses, dead).
		Updates(reclaimUpdates(s.now()))
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim orphaned tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReclaimForServers resets Locked tasks claimed by servers that went away
// before dispatching them.
func (s *TaskStore) ReclaimForServers(ctx context.Context, tx *gorm.DB, serverIDs []string) (int64, error) {
	if len(serverIDs) == 0 {
		return 0, nil
	}
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).Model(&models.SchedTask{}).
		Where("status = ? AND server_id IN ?", models.TaskStatusLocked, serverIDs).
		Updates(reclaimUpdates(s.now()))
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim tasks of servers: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReclaimStaleLocks resets Locked tasks whose claim is older than olderThan.
func (s *TaskStore) ReclaimStaleLocks(ctx context.Context, tx *gorm.DB, olderThan time.Time) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).Model(&models.SchedTask{}).
		Where("status = ? AND locked_at < ?", models.TaskStatusLocked, olderThan).
		Updates(reclaimUpdates(s.now()))
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim stale locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReclaimStaleDispatched resets Dispatched tasks whose result never arrived
// within the task timeout plus margin, counted from the claim. Tasks without
// a timeout use defaultTimeout; a zero defaultTimeout leaves them alone.
func (s *TaskStore) ReclaimStaleDispatched(ctx context.Context, tx *gorm.DB, defaultTimeout, margin time.Duration) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	tx = tx.WithContext(ctx)
	now := s.now()

	var candidates []models.SchedTask
	err := tx.Where("status = ? AND locked_at < ?", models.TaskStatusDispatched, now.Add(-margin)).
		Order("locked_at ASC").
		Find(&candidates).Error
	if err != nil {
		return 0, fmt.Errorf("find overdue dispatched tasks: %w", err)
	}

	var reclaimed int64
	for _, t := range candidates {
		timeout := time.Duration(t.Config.Timeout) * time.Second
		if timeout == 0 {
			timeout = defaultTimeout
		}
		if timeout <= 0 || t.LockedAt == nil || t.LockedAt.Add(timeout+margin).After(now) {
			continue
		}
		res := tx.Model(&models.SchedTask{}).
			Where("id = ? AND status = ? AND lock_version = ?", t.ID, models.TaskStatusDispatched, t.LockVersion).
			Updates(reclaimUpdates(now))
		if res.Error != nil {
			return reclaimed, fmt.Errorf("reclaim overdue task %s: %w", t.ID, res.Error)
		}
		reclaimed += res.RowsAffected
	}
	return reclaimed, nil
}

// RequeueRetryable returns retry candidates to Pending: Failed tasks with
// attempts left and no update for grace, and WaitingRetry tasks whose retry
// interval has elapsed.
func (s *TaskStore) RequeueRetryable(ctx context.Context, grace time.Duration, limit int) (int64, error) {
	now := s.now()
	db := s.db.WithContext(ctx)

	var candidates []models.SchedTask
	err := db.Where("(status = ? AND retry_count < max_retries AND updated_at <= ?) OR status = ?",
		models.TaskStatusFailed, now.Add(-grace), models.TaskStatusWaitingRetry).
		Order("updated_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return 0, fmt.Errorf("find retryable tasks: %w", err)
	}

	var requeued int64
	for _, t := range candidates {
		updates := reclaimUpdates(now)
		updates["completed_at"] = nil
		switch t.Status {
		case models.TaskStatusWaitingRetry:
			interval := time.Duration(t.Config.RetryInterval) * time.Second
			if t.UpdatedAt.Add(interval).After(now) {
				continue
			}
		case models.TaskStatusFailed:
			updates["retry_count"] = t.RetryCount + 1
		}

		res := db.Model(&models.SchedTask{}).
			Where("id = ? AND status = ? AND lock_version = ?", t.ID, t.Status, t.LockVersion).
			Updates(updates)
		if res.Error != nil {
			return requeued, fmt.Errorf("requeue task %s: %w", t.ID, res.Error)
		}
		requeued += res.RowsAffected
	}
	return requeued, nil
}

// Cancel moves a non-terminal task to Cancelled and returns it as it was
// before cancellation, so the caller can notify the assigned agent.
func (s *TaskStore) Cancel(ctx context.Context, taskID string) (*models.SchedTask, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransitionTo(models.TaskStatusCancelled) {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, task.Status)
	}
	ok, err := s.Transition(ctx, nil, taskID, task.Status, models.TaskStatusCancelled, map[string]interface{}{
		"completed_at":  s.now(),
		"error_message": "cancelled",
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, taskID)
	}
	return task, nil
}

// CreateInstance records a new execution attempt of task on agentID.
func (s *TaskStore) CreateInstance(ctx context.Context, task *models.SchedTask, agentID string) (*models.SchedTaskInstance, error) {
	return s.createInstance(s.db.WithContext(ctx), task, agentID)
}

func (s *TaskStore) createInstance(tx *gorm.DB, task *models.SchedTask, agentID string) (*models.SchedTaskInstance, error) {
	instance := &models.SchedTaskInstance{
		ID:      newID(),
		TaskID:  task.ID,
		JobID:   task.JobID,
		AgentID: agentID,
		Status:  models.InstanceStatusDispatched,
	}
	if err := tx.Create(instance).Error; err != nil {
		return nil, fmt.Errorf("create instance for task %s: %w", task.ID, err)
	}
	return instance, nil
}

// StartAttempt creates the instance for a Locked task and binds it as the
// task's current attempt. It fails with ErrClaimLost when the claim moved on
// since task was read.
func (s *TaskStore) StartAttempt(ctx context.Context, task *models.SchedTask, agentID string) (*models.SchedTaskInstance, error) {
	var instance *models.SchedTaskInstance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if instance, err = s.createInstance(tx, task, agentID); err != nil {
			return err
		}
		res := tx.Model(&models.SchedTask{}).
			Where("id = ? AND status = ? AND lock_version = ?", task.ID, models.TaskStatusLocked, task.LockVersion).
			Update("instance_id", instance.ID)
		if res.Error != nil {
			return fmt.Errorf("bind instance to task %s: %w", task.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrClaimLost, task.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	task.InstanceID = strPtr(instance.ID)
	return instance, nil
}

// UpdateInstance applies a status report to its instance row. Reports
// carrying an older timestamp than the last applied one are ignored, as are
// non-terminal reports for an instance that already finished.
func (s *TaskStore) UpdateInstance(ctx context.Context, update *protocol.TaskInstanceUpdated) (bool, error) {
	db := s.db.WithContext(ctx)

	var inst models.SchedTaskInstance
	res := db.Where("id = ?", update.TaskInstanceID).Limit(1).Find(&inst)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, fmt.Errorf("%w: %s", ErrInstanceNotFound, update.TaskInstanceID)
	}
	if update.Timestamp < inst.ReportedAtMs {
		return false, nil
	}
	if inst.Status.IsTerminal() && !update.Status.IsTerminal() {
		return false, nil
	}

	at := time.UnixMilli(update.Timestamp)
	values := map[string]interface{}{
		"status":         update.Status,
		"reported_at_ms": update.Timestamp,
		"progress":       update.Progress,
		"updated_at":     s.now(),
	}
	if update.Status == models.InstanceStatusRunning && inst.StartedAt == nil {
		values["started_at"] = at
	}
	if update.Status.IsTerminal() {
		values["completed_at"] = at
		if inst.StartedAt == nil {
			values["started_at"] = at
		}
	}
	if update.Output != "" {
		values["output"] = update.Output
	}
	if update.ErrorMessage != "" {
		values["error_message"] = update.ErrorMessage
	}
	if update.ExitCode != nil {
		values["exit_code"] = *update.ExitCode
	}
	if update.Metrics != nil {
		raw, err := json.Marshal(update.Metrics)
		if err != nil {
			return false, err
		}
		values["metrics"] = string(raw)
	}

	// the row may have changed since it was read; repeat both checks in the write
	q := db.Model(&models.SchedTaskInstance{}).
		Where("id = ? AND reported_at_ms <= ?", inst.ID, update.Timestamp)
	if !update.Status.IsTerminal() {
		q = q.Where("status NOT IN ?", terminalInstanceStatuses)
	}
	upd := q.Updates(values)
	if upd.Error != nil {
		return false, fmt.Errorf("update instance %s: %w", inst.ID, upd.Error)
	}
	return upd.RowsAffected == 1, nil
}

func (s *TaskStore) getTask(tx *gorm.DB, taskID string) (*models.SchedTask, error) {
	var task models.SchedTask
	res := tx.Where("id = ?", taskID).Limit(1).Find(&task)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return &task, nil
}

func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*models.SchedTask, error) {
	return s.getTask(s.db.WithContext(ctx), taskID)
}

func (s *TaskStore) GetInstance(ctx context.Context, instanceID string) (*models.SchedTaskInstance, error) {
	var inst models.SchedTaskInstance
	res := s.db.WithContext(ctx).Where("id = ?", instanceID).Limit(1).Find(&inst)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return &inst, nil
}

// ListTasks returns paginated tasks, newest schedule time first.
func (s *TaskStore) ListTasks(ctx context.Context, req *TaskListRequest) (*TaskListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	var tasks []models.SchedTask
	var total int64

	query := s.db.WithContext(ctx).Model(&models.SchedTask{})
	if req.Status != 0 {
		query = query.Where("status = ?", req.Status)
	}
	if req.JobID != "" {
		query = query.Where("job_id = ?", req.JobID)
	}
	if req.ScheduleID != "" {
		query = query.Where("schedule_id = ?", req.ScheduleID)
	}
	if req.AgentID != "" {
		query = query.Where("agent_id = ?", req.AgentID)
	}

	query.Count(&total)

	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("scheduled_at DESC").Find(&tasks).Error; err != nil {
		return nil, err
	}

	return &TaskListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    tasks,
	}, nil
}

func (s *TaskStore) ListInstances(ctx context.Context, taskID string) ([]models.SchedTaskInstance, error) {
	var instances []models.SchedTaskInstance
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at ASC").Find(&instances).Error
	return instances, err
}

func strPtr(s string) *string { return &s }
