package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fxwatch/internal/config"
	"fxwatch/internal/storage"
)

const (
	defaultHistoryLimit = 50
	recentStatsWindow   = 7 * 24 * time.Hour
)

// ErrInvalidAlert marks input rejected by the registry.
var ErrInvalidAlert = errors.New("invalid alert")

// AlertInput is the user-supplied part of a new alert.
type AlertInput struct {
	CurrencyFrom string
	CurrencyTo   string
	TargetRate   decimal.Decimal
	Condition    string
}

// AlertStats summarises an owner's alerts and notifications.
type AlertStats struct {
	TotalAlerts         int        `json:"total_alerts"`
	ActiveAlerts        int        `json:"active_alerts"`
	InactiveAlerts      int        `json:"inactive_alerts"`
	TotalNotifications  int64      `json:"total_notifications"`
	RecentNotifications int64      `json:"recent_notifications"`
	LastNotification    *time.Time `json:"last_notification"`
}

// Registry manages alert settings and reads the notification ledger.
type Registry struct {
	alerts storage.AlertStore
	ledger storage.NotificationStore
	now    func() time.Time
}

// NewRegistry constructs a Registry. A nil now uses time.Now.
func NewRegistry(alerts storage.AlertStore, ledger storage.NotificationStore, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{alerts: alerts, ledger: ledger, now: now}
}

// Create validates input and stores a new active alert.
func (r *Registry) Create(ctx context.Context, owner string, in AlertInput) (storage.AlertSetting, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return storage.AlertSetting{}, fmt.Errorf("%w: owner is required", ErrInvalidAlert)
	}
	from := strings.ToUpper(strings.TrimSpace(in.CurrencyFrom))
	to := strings.ToUpper(strings.TrimSpace(in.CurrencyTo))
	if !config.IsCurrencyCode(from) || !config.IsCurrencyCode(to) {
		return storage.AlertSetting{}, fmt.Errorf("%w: currency codes must be three letters, got %q/%q", ErrInvalidAlert, in.CurrencyFrom, in.CurrencyTo)
	}
	if !in.TargetRate.IsPositive() {
		return storage.AlertSetting{}, fmt.Errorf("%w: target rate must be positive", ErrInvalidAlert)
	}
	cond, err := storage.ParseCondition(in.Condition)
	if err != nil {
		return storage.AlertSetting{}, fmt.Errorf("%w: %v", ErrInvalidAlert, err)
	}

	now := r.now().UTC()
	alert := storage.AlertSetting{
		ID:           uuid.NewString(),
		OwnerID:      owner,
		CurrencyFrom: from,
		CurrencyTo:   to,
		TargetRate:   in.TargetRate,
		Condition:    cond,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.alerts.CreateAlert(ctx, alert); err != nil {
		return storage.AlertSetting{}, err
	}
	return alert, nil
}

func (r *Registry) Get(ctx context.Context, id string) (storage.AlertSetting, error) {
	return r.alerts.GetAlert(ctx, id)
}

func (r *Registry) ListByOwner(ctx context.Context, owner string) ([]storage.AlertSetting, error) {
	return r.alerts.ListAlertsByOwner(ctx, owner)
}

// Update applies patch and bumps UpdatedAt.
func (r *Registry) Update(ctx context.Context, id string, patch storage.AlertPatch) (storage.AlertSetting, error) {
	if patch.TargetRate != nil && !patch.TargetRate.IsPositive() {
		return storage.AlertSetting{}, fmt.Errorf("%w: target rate must be positive", ErrInvalidAlert)
	}
	return r.alerts.UpdateAlert(ctx, id, patch, r.now().UTC())
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.alerts.DeleteAlert(ctx, id)
}

// History lists the owner's notifications, newest first. A non-positive limit uses 50.
func (r *Registry) History(ctx context.Context, owner string, limit int) ([]storage.NotificationRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return r.ledger.ListNotificationsByOwner(ctx, owner, limit)
}

// Stats aggregates alert counts and notification activity for owner.
func (r *Registry) Stats(ctx context.Context, owner string) (AlertStats, error) {
	alerts, err := r.alerts.ListAlertsByOwner(ctx, owner)
	if err != nil {
		return AlertStats{}, err
	}

	var stats AlertStats
	stats.TotalAlerts = len(alerts)
	for _, a := range alerts {
		if a.Active {
			stats.ActiveAlerts++
		}
	}
	stats.InactiveAlerts = stats.TotalAlerts - stats.ActiveAlerts

	if stats.TotalNotifications, err = r.ledger.CountNotificationsByOwner(ctx, owner, time.Time{}); err != nil {
		return AlertStats{}, err
	}
	if stats.RecentNotifications, err = r.ledger.CountNotificationsByOwner(ctx, owner, r.now().Add(-recentStatsWindow)); err != nil {
		return AlertStats{}, err
	}

	last, err := r.ledger.ListNotificationsByOwner(ctx, owner, 1)
	if err != nil {
		return AlertStats{}, err
	}
	if len(last) > 0 {
		sent := last[0].SentAt
		stats.LastNotification = &sent
	}
	return stats, nil
}
