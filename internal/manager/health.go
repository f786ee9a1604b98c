package manager

import (
	"context"
	"time"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// HealthStatus classifies one plugin's liveness.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// PluginHealth is one plugin's entry in a HealthReport.
type PluginHealth struct {
	PluginID    string           `json:"plugin_id"`
	Status      HealthStatus     `json:"status"`
	Lifecycle   secplugin.Status `json:"lifecycle"`
	Quarantined bool             `json:"quarantined"`
	Executions  int64            `json:"executions"`
	Failures    int64            `json:"failures"`
	LastError   string           `json:"last_error,omitempty"`
}

// HealthReport aggregates per-plugin liveness across the Manager.
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Plugins   []PluginHealth `json:"plugins"`
}

// HealthCheck reports the health of every tracked plugin. A quarantined
// or errored plugin is unhealthy; a disabled plugin, or one whose
// failures exceed half its executions, is degraded; every other plugin
// is healthy. The overall status is the worst individual one.
func (m *Manager) HealthCheck(ctx context.Context) (HealthReport, error) {
	if err := m.ready(); err != nil {
		return HealthReport{}, err
	}

	report := HealthReport{Status: HealthHealthy, Timestamp: time.Now()}

	for _, lp := range m.loader.List() {
		id := lp.Entity.Manifest.ID
		stats := lp.Entity.Stats()
		ph := PluginHealth{
			PluginID:    id,
			Lifecycle:   lp.Entity.Status(),
			Quarantined: m.security.IsQuarantined(id),
			Executions:  stats.Executions,
			Failures:    stats.Failures,
			LastError:   stats.LastError,
		}
		ph.Status = classify(ph)
		report.Plugins = append(report.Plugins, ph)

		if worse(ph.Status, report.Status) {
			report.Status = ph.Status
		}
	}

	return report, nil
}

func classify(ph PluginHealth) HealthStatus {
	if ph.Quarantined || ph.Lifecycle == secplugin.StatusError {
		return HealthUnhealthy
	}
	if ph.Lifecycle == secplugin.StatusDisabled {
		return HealthDegraded
	}
	if ph.Executions > 0 && ph.Failures*2 > ph.Executions {
		return HealthDegraded
	}
	return HealthHealthy
}

func worse(a, b HealthStatus) bool {
	rank := map[HealthStatus]int{HealthHealthy: 0, HealthDegraded: 1, HealthUnhealthy: 2}
	return rank[a] > rank[b]
}
