package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/utils"
	"github.com/hetuflow/hetuflow/pkg/logger"
	"github.com/hetuflow/hetuflow/pkg/response"
)

type AuthHandler struct {
	jwt      *config.JWTConfig
	serverID string
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{jwt: &cfg.JWT, serverID: cfg.Server.ServerID}
}

type GenerateTokenRequest struct {
	Subject     string   `json:"subject" binding:"required"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	ExpireHours int      `json:"expire_hours"`
}

type GenerateTokenResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateToken issues an agent or admin token. The route is reachable from
// loopback only, so whoever runs the server can bootstrap credentials.
// POST /api/v1/auth/generate-token
func (h *AuthHandler) GenerateToken(c *gin.Context) {
	var req GenerateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.Role == "" {
		req.Role = utils.RoleAgent
	}
	if req.Role != utils.RoleAgent && req.Role != utils.RoleAdmin {
		response.BadRequest(c, "role must be agent or admin")
		return
	}
	if req.ExpireHours <= 0 {
		req.ExpireHours = h.jwt.ExpireHour
	}

	token, err := utils.GenerateToken(req.Subject, req.Role, h.serverID, req.Permissions, req.ExpireHours)
	if err != nil {
		response.ServerError(c, "failed to sign token")
		return
	}
	logger.Info().Str("subject", req.Subject).Str("role", req.Role).Int("expire_hours", req.ExpireHours).Msg("[Auth] Token issued")

	response.Success(c, GenerateTokenResponse{
		Token:     token,
		Role:      req.Role,
		ExpiresAt: time.Now().Add(time.Duration(req.ExpireHours) * time.Hour),
	})
}
