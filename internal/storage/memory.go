package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type snapshotKey struct {
	date time.Time
	from string
	to   string
}

// MemoryStore is a process-local Backend used when no database is configured and in tests.
type MemoryStore struct {
	mu            sync.RWMutex
	alerts        map[string]AlertSetting
	alertOrder    []string
	notifications []NotificationRecord
	snapshots     map[snapshotKey]DailyRate
}

// NewMemoryStore constructs an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:    make(map[string]AlertSetting),
		snapshots: make(map[snapshotKey]DailyRate),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() {}

func (m *MemoryStore) ReadSnapshot(ctx context.Context, date time.Time) ([]DailyRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DailyRate, 0)
	for key, row := range m.snapshots {
		if key.date.Equal(date) {
			out = append(out, row)
		}
	}
	sortDailyRates(out)
	return out, nil
}

// WriteSnapshot inserts every row or none. Any existing (date, pair) fails the whole batch.
func (m *MemoryStore) WriteSnapshot(ctx context.Context, date time.Time, rows []DailyRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[snapshotKey]struct{}, len(rows))
	for _, row := range rows {
		key := snapshotKey{date: date, from: row.CurrencyFrom, to: row.CurrencyTo}
		if _, ok := m.snapshots[key]; ok {
			return fmt.Errorf("write snapshot %s %s: %w", date.Format(time.DateOnly), row.Pair(), ErrDuplicateSnapshot)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("write snapshot %s %s: %w", date.Format(time.DateOnly), row.Pair(), ErrDuplicateSnapshot)
		}
		seen[key] = struct{}{}
	}

	now := time.Now().UTC()
	for _, row := range rows {
		row.Date = date
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		m.snapshots[snapshotKey{date: date, from: row.CurrencyFrom, to: row.CurrencyTo}] = row
	}
	return nil
}

func (m *MemoryStore) LatestSnapshotDate(ctx context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	found := false
	for key := range m.snapshots {
		if !found || key.date.After(latest) {
			latest = key.date
			found = true
		}
	}
	return latest, found, nil
}

func (m *MemoryStore) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]DailyRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DailyRate, 0)
	for key, row := range m.snapshots {
		if key.date.Before(from) || key.date.After(to) {
			continue
		}
		out = append(out, row)
	}
	sortDailyRates(out)
	return out, nil
}

func (m *MemoryStore) CreateAlert(ctx context.Context, alert AlertSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[alert.ID]; ok {
		return fmt.Errorf("create alert %s: already exists", alert.ID)
	}
	m.alerts[alert.ID] = alert
	m.alertOrder = append(m.alertOrder, alert.ID)
	return nil
}

func (m *MemoryStore) GetAlert(ctx context.Context, id string) (AlertSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alert, ok := m.alerts[id]
	if !ok {
		return AlertSetting{}, ErrNotFound
	}
	return alert, nil
}

func (m *MemoryStore) ListAlertsByOwner(ctx context.Context, ownerID string) ([]AlertSetting, error) {
	return m.filterAlerts(func(a AlertSetting) bool { return a.OwnerID == ownerID }), nil
}

func (m *MemoryStore) ListActiveAlerts(ctx context.Context) ([]AlertSetting, error) {
	return m.filterAlerts(func(a AlertSetting) bool { return a.Active }), nil
}

func (m *MemoryStore) filterAlerts(keep func(AlertSetting) bool) []AlertSetting {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AlertSetting, 0)
	for _, id := range m.alertOrder {
		alert, ok := m.alerts[id]
		if ok && keep(alert) {
			out = append(out, alert)
		}
	}
	return out
}

func (m *MemoryStore) UpdateAlert(ctx context.Context, id string, patch AlertPatch, at time.Time) (AlertSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return AlertSetting{}, ErrNotFound
	}
	if patch.TargetRate != nil {
		alert.TargetRate = *patch.TargetRate
	}
	if patch.Condition != nil {
		alert.Condition = *patch.Condition
	}
	if patch.Active != nil {
		alert.Active = *patch.Active
	}
	alert.UpdatedAt = at
	m.alerts[id] = alert
	return alert, nil
}

func (m *MemoryStore) DeleteAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[id]; !ok {
		return ErrNotFound
	}
	delete(m.alerts, id)
	for i, existing := range m.alertOrder {
		if existing == id {
			m.alertOrder = append(m.alertOrder[:i], m.alertOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) InsertNotification(ctx context.Context, record NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notifications = append(m.notifications, record)
	return nil
}

func (m *MemoryStore) RecentNotification(ctx context.Context, alertID string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.notifications {
		if rec.AlertID == alertID && rec.SentAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListNotificationsByOwner(ctx context.Context, ownerID string, limit int) ([]NotificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NotificationRecord, 0)
	for _, rec := range m.notifications {
		if rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountNotificationsByOwner(ctx context.Context, ownerID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, rec := range m.notifications {
		if rec.OwnerID == ownerID && rec.SentAt.After(since) {
			count++
		}
	}
	return count, nil
}

func sortDailyRates(rows []DailyRate) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		if rows[i].CurrencyFrom != rows[j].CurrencyFrom {
			return rows[i].CurrencyFrom < rows[j].CurrencyFrom
		}
		return rows[i].CurrencyTo < rows[j].CurrencyTo
	})
}
