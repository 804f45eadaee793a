package services

import (
	"context"
	"fmt"
	"time"

	"github.com/hetuflow/hetuflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServerService maintains the sched_server rows of coordinating replicas.
type ServerService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewServerService(db *gorm.DB) *ServerService {
	return &ServerService{db: db, now: time.Now}
}

// Register upserts this replica as Active.
func (s *ServerService) Register(ctx context.Context, id, name, address string) error {
	now := s.now()
	server := models.SchedServer{
		ID:              id,
		Name:            name,
		Address:         address,
		Status:          models.ServerStatusActive,
		LastHeartbeatAt: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "address", "status", "last_heartbeat_at", "updated_at"}),
	}).Create(&server).Error
	if err != nil {
		return fmt.Errorf("register server %s: %w", id, err)
	}
	return nil
}

// Heartbeat refreshes the replica's heartbeat. It runs inside the leader tick
// transaction when tx is non-nil.
func (s *ServerService) Heartbeat(ctx context.Context, tx *gorm.DB, id string) error {
	if tx == nil {
		tx = s.db
	}
	now := s.now()
	err := tx.WithContext(ctx).Model(&models.SchedServer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":            models.ServerStatusActive,
			"last_heartbeat_at": now,
			"updated_at":        now,
		}).Error
	if err != nil {
		return fmt.Errorf("heartbeat server %s: %w", id, err)
	}
	return nil
}

// Deactivate marks the replica Inactive on graceful shutdown.
func (s *ServerService) Deactivate(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.SchedServer{}).
		Where("id = ?", id).
		Update("status", models.ServerStatusInactive).Error
}

// MarkOverdueInactive flips peers whose heartbeat is older than cutoff to
// Inactive and returns their ids. self is never touched.
func (s *ServerService) MarkOverdueInactive(ctx context.Context, tx *gorm.DB, self string, cutoff time.Time) ([]string, error) {
	if tx == nil {
		tx = s.db
	}
	tx = tx.WithContext(ctx)

	var ids []string
	err := tx.Model(&models.SchedServer{}).
		Where("status = ? AND last_heartbeat_at < ? AND id <> ?", models.ServerStatusActive, cutoff, self).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find overdue servers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	err = tx.Model(&models.SchedServer{}).
		Where("id IN ? AND status = ?", ids, models.ServerStatusActive).
		Updates(map[string]interface{}{
			"status":     models.ServerStatusInactive,
			"updated_at": s.now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("deactivate overdue servers: %w", err)
	}
	return ids, nil
}

func (s *ServerService) List(ctx context.Context) ([]models.SchedServer, error) {
	var servers []models.SchedServer
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&servers).Error
	return servers, err
}
