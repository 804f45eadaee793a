package services

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/models"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := models.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, gormlogger.Silent)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func testSchedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		LockTTL:                60 * time.Second,
		TokenIncrementInterval: 20 * time.Second,
		HeartbeatInterval:      10 * time.Second,
		AgentOverdueTTL:        30 * time.Second,
		ServerHeartbeatTTL:     60 * time.Second,
		ClaimTimeout:           2 * time.Minute,
		DefaultTaskTimeout:     time.Hour,
		JobCheckInterval:       10 * time.Second,
		JobCheckDuration:       time.Minute,
		RetryCheckInterval:     time.Minute,
		RetryGrace:             5 * time.Minute,
		MaxGeneratePerSchedule: 1000,
	}
}

func createTestJob(t *testing.T, db *gorm.DB, cfg models.TaskConfig) *models.SchedJob {
	t.Helper()
	if cfg.Cmd == "" {
		cfg.Cmd = "echo"
	}
	job := &models.SchedJob{
		ID:          newID(),
		NamespaceID: "default",
		Name:        "job",
		Config:      cfg,
		Status:      models.JobStatusEnabled,
	}
	if err := db.Create(job).Error; err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

// createTestTask inserts a Pending task due a minute ago; mutate adjusts it
// before insert.
func createTestTask(t *testing.T, db *gorm.DB, job *models.SchedJob, mutate func(*models.SchedTask)) *models.SchedTask {
	t.Helper()
	task := &models.SchedTask{
		ID:           newID(),
		JobID:        job.ID,
		NamespaceID:  job.NamespaceID,
		Status:       models.TaskStatusPending,
		ScheduledAt:  time.Now().Add(-time.Minute),
		ScheduleKind: models.ScheduleKindEvent,
		Config:       job.Config,
		MaxRetries:   int(job.Config.MaxRetries),
	}
	if mutate != nil {
		mutate(task)
	}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func reloadTask(t *testing.T, db *gorm.DB, id string) *models.SchedTask {
	t.Helper()
	var task models.SchedTask
	if err := db.First(&task, "id = ?", id).Error; err != nil {
		t.Fatalf("reload task %s: %v", id, err)
	}
	return &task
}
