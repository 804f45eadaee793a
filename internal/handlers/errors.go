package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/gateway"
	"github.com/hetuflow/hetuflow/internal/services"
	"github.com/hetuflow/hetuflow/pkg/logger"
	"github.com/hetuflow/hetuflow/pkg/response"
)

// renderError maps service and gateway errors onto API responses.
func renderError(c *gin.Context, err error) {
	response.Error(c, toAppError(err))
}

func toAppError(err error) *response.AppError {
	var gwErr *gateway.GatewayError
	switch {
	case errors.As(err, &gwErr):
		return gwErr.ToAppError()
	case errors.Is(err, services.ErrJobNotFound),
		errors.Is(err, services.ErrScheduleNotFound),
		errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, services.ErrInstanceNotFound),
		errors.Is(err, services.ErrAgentNotFound):
		return response.NewNotFound(err.Error())
	case errors.Is(err, services.ErrInvalidTransition):
		return response.NewConflict(err.Error())
	case errors.Is(err, services.ErrInvalidRequest):
		return response.NewBadRequest(err.Error())
	}
	logger.Error().Err(err).Msg("[API] Unhandled error")
	return response.NewServerError("internal error")
}
