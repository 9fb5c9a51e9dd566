package ratelimit

import (
	"github.com/lyzr/canvasgraph/common/models"
)

// KindConfig defines run limits for one processor kind
type KindConfig struct {
	Kind          models.ProcessorKind
	Limit         int64 // Runs allowed per window
	WindowSeconds int
	Description   string
}

// Default per-kind limits. Remote processors call paid providers and get
// a much smaller budget.
var DefaultKindConfigs = map[models.ProcessorKind]KindConfig{
	models.KindLocal: {
		Kind:          models.KindLocal,
		Limit:         120,
		WindowSeconds: 60,
		Description:   "Local processors - 120 runs/minute",
	},
	models.KindRemote: {
		Kind:          models.KindRemote,
		Limit:         20,
		WindowSeconds: 60,
		Description:   "Remote processors - 20 runs/minute",
	},
}

// GetLimitForKind returns the run limit for a processor kind
func GetLimitForKind(kind models.ProcessorKind) int64 {
	if config, exists := DefaultKindConfigs[kind]; exists {
		return config.Limit
	}
	// Fallback to the most restrictive kind
	return DefaultKindConfigs[models.KindRemote].Limit
}

// GetWindowForKind returns the window for a processor kind
func GetWindowForKind(kind models.ProcessorKind) int {
	if config, exists := DefaultKindConfigs[kind]; exists {
		return config.WindowSeconds
	}
	return DefaultKindConfigs[models.KindRemote].WindowSeconds
}
