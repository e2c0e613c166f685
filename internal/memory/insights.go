package memory

import (
	"github.com/BrendanShields/spec-flow/internal/history"
	"github.com/BrendanShields/spec-flow/internal/metrics"
)

// GetStateHistory returns up to limit recent history entries, oldest
// first. limit <= 0 uses history.DefaultRecentLimit.
func (m *Manager) GetStateHistory(limit int) ([]history.Entry, error) {
	if limit <= 0 {
		limit = history.DefaultRecentLimit
	}
	return m.history.Recent(limit)
}

// GetFeatureHistory returns every entry that mentions featureID before or
// after the change. The SQLite index is consulted when present, since it
// survives pruning.
func (m *Manager) GetFeatureHistory(featureID string) ([]history.Entry, error) {
	if idx := m.history.Index(); idx != nil {
		return idx.ForFeature(featureID)
	}
	return m.history.ForFeature(featureID)
}

// GetHistoryStatistics summarises the history log.
func (m *Manager) GetHistoryStatistics() (history.Statistics, error) {
	return m.history.Statistics()
}

// GetSessionMetrics replays recent history into aggregate metrics.
func (m *Manager) GetSessionMetrics() (metrics.SessionMetrics, error) {
	return m.metrics.Calculate()
}

// GetVelocityMetrics reports throughput over period.
func (m *Manager) GetVelocityMetrics(period metrics.Period) (metrics.Velocity, error) {
	return m.metrics.Velocity(period)
}
