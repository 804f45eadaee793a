//go:build !linux

package agent

import "github.com/hetuflow/hetuflow/internal/models"

func applyLimits(int, *models.ResourceLimits) error { return nil }
