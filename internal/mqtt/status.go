package mqtt

import (
	"time"

	"github.com/semantest/docs-sub005/internal/buildinfo"
)

// Status is the retained document on <prefix>/<instance>/status. It is
// republished on every connect and after every mirrored alert.
type Status struct {
	InstanceID  string           `json:"instance_id"`
	Version     string           `json:"version"`
	Uptime      string           `json:"uptime"`
	UpdatedAt   time.Time        `json:"updated_at"`
	AlertsToday map[string]int64 `json:"alerts_today"`
	Dropped     int64            `json:"dropped_today"`
}

// NewStatus snapshots the hub identity and today's alert counters.
func NewStatus(instanceID string, counts *DailyCounts) Status {
	byType, dropped := counts.Snapshot()
	return Status{
		InstanceID:  instanceID,
		Version:     buildinfo.Version,
		Uptime:      buildinfo.Uptime().String(),
		UpdatedAt:   time.Now().UTC(),
		AlertsToday: byType,
		Dropped:     dropped,
	}
}
