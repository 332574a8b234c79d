package controller

import (
	"context"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"judgebox/internal/common/cache"
	"judgebox/pkg/utils/logger"
)

// Memory usage at or past this share of the host marks the service
// unhealthy so the balancer stops routing new work here.
const defaultMemoryCriticalPercent = 90.0

// HealthChecker implements Prober on the real dependencies: a Redis
// round trip and host memory pressure.
type HealthChecker struct {
	cache              cache.Cache
	memCriticalPercent float64
}

// NewHealthChecker builds a checker; threshold <= 0 uses the default.
func NewHealthChecker(c cache.Cache, memCriticalPercent float64) *HealthChecker {
	if memCriticalPercent <= 0 {
		memCriticalPercent = defaultMemoryCriticalPercent
	}
	return &HealthChecker{cache: c, memCriticalPercent: memCriticalPercent}
}

// Healthy reports false when Redis is unreachable or host memory is
// critically loaded.
func (h *HealthChecker) Healthy(ctx context.Context) bool {
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			logger.Warn(ctx, "health probe: redis unreachable", zap.Error(err))
			return false
		}
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn(ctx, "health probe: memory stats unavailable", zap.Error(err))
		return true
	}
	if vm.UsedPercent >= h.memCriticalPercent {
		logger.Warn(ctx, "health probe: memory pressure critical",
			zap.Float64("used_percent", vm.UsedPercent),
			zap.Float64("threshold", h.memCriticalPercent))
		return false
	}
	return true
}

var _ Prober = (*HealthChecker)(nil)
