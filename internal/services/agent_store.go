package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hetuflow/hetuflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrAgentNotFound = errors.New("agent not found")

// AgentService owns the persisted sched_agent projection.
type AgentService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAgentService(db *gorm.DB) *AgentService {
	return &AgentService{db: db, now: time.Now}
}

type AgentListRequest struct {
	Page     int                `form:"page"`
	PageSize int                `form:"page_size"`
	Status   models.AgentStatus `form:"status"`
}

type AgentListResponse struct {
	Total    int64               `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	Items    []models.SchedAgent `json:"items"`
}

// Upsert records a (re)registered agent as Online.
func (s *AgentService) Upsert(ctx context.Context, agentID, address string, caps models.AgentCapabilities) error {
	now := s.now()
	agent := models.SchedAgent{
		ID:              agentID,
		Address:         address,
		Status:          models.AgentStatusOnline,
		Capabilities:    caps,
		LastHeartbeatAt: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "status", "capabilities", "last_heartbeat_at", "updated_at"}),
	}).Create(&agent).Error
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agentID, err)
	}
	return nil
}

// Heartbeat refreshes last_heartbeat_at and the reported status.
func (s *AgentService) Heartbeat(ctx context.Context, agentID string, status models.AgentStatus) error {
	now := s.now()
	return s.db.WithContext(ctx).Model(&models.SchedAgent{}).
		Where("id = ?", agentID).
		Updates(map[string]interface{}{
			"status":            status,
			"last_heartbeat_at": now,
			"updated_at":        now,
		}).Error
}

func (s *AgentService) UpdateStatistics(ctx context.Context, agentID string, stats models.AgentStatistics) error {
	return s.db.WithContext(ctx).Model(&models.SchedAgent{ID: agentID}).
		Select("statistics").
		Updates(&models.SchedAgent{Statistics: stats}).Error
}

func (s *AgentService) MarkOffline(ctx context.Context, agentID string) error {
	return s.db.WithContext(ctx).Model(&models.SchedAgent{}).
		Where("id = ?", agentID).
		Updates(map[string]interface{}{
			"status":     models.AgentStatusOffline,
			"updated_at": s.now(),
		}).Error
}

// MarkOverdueOffline flips live agents whose heartbeat is older than cutoff
// to Offline and returns their ids.
func (s *AgentService) MarkOverdueOffline(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]string, error) {
	if tx == nil {
		tx = s.db
	}
	tx = tx.WithContext(ctx)

	var ids []string
	err := tx.Model(&models.SchedAgent{}).
		Where("status IN ? AND last_heartbeat_at < ?", models.LiveAgentStatuses, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find overdue agents: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	err = tx.Model(&models.SchedAgent{}).
		Where("id IN ? AND status IN ?", ids, models.LiveAgentStatuses).
		Updates(map[string]interface{}{
			"status":     models.AgentStatusOffline,
			"updated_at": s.now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("mark agents offline: %w", err)
	}
	return ids, nil
}

func (s *AgentService) Get(ctx context.Context, agentID string) (*models.SchedAgent, error) {
	var agent models.SchedAgent
	res := s.db.WithContext(ctx).Where("id = ?", agentID).Limit(1).Find(&agent)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return &agent, nil
}

func (s *AgentService) List(ctx context.Context, req *AgentListRequest) (*AgentListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	var agents []models.SchedAgent
	var total int64

	query := s.db.WithContext(ctx).Model(&models.SchedAgent{})
	if req.Status != 0 {
		query = query.Where("status = ?", req.Status)
	}
	query.Count(&total)

	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("last_heartbeat_at DESC").Find(&agents).Error; err != nil {
		return nil, err
	}

	return &AgentListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    agents,
	}, nil
}
