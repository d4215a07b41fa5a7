package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fxwatch/internal/config"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateSnapshot signals a snapshot row already exists for (date, pair).
	ErrDuplicateSnapshot = errors.New("storage: snapshot already exists")
)

// SnapshotStore persists daily rate snapshots.
type SnapshotStore interface {
	ReadSnapshot(ctx context.Context, date time.Time) ([]DailyRate, error)
	WriteSnapshot(ctx context.Context, date time.Time, rows []DailyRate) error
	LatestSnapshotDate(ctx context.Context) (time.Time, bool, error)
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]DailyRate, error)
}

// AlertStore is the alert registry.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert AlertSetting) error
	GetAlert(ctx context.Context, id string) (AlertSetting, error)
	ListAlertsByOwner(ctx context.Context, ownerID string) ([]AlertSetting, error)
	ListActiveAlerts(ctx context.Context) ([]AlertSetting, error)
	UpdateAlert(ctx context.Context, id string, patch AlertPatch, at time.Time) (AlertSetting, error)
	DeleteAlert(ctx context.Context, id string) error
}

// NotificationStore is the append-only notification ledger.
type NotificationStore interface {
	InsertNotification(ctx context.Context, record NotificationRecord) error
	RecentNotification(ctx context.Context, alertID string, since time.Time) (bool, error)
	ListNotificationsByOwner(ctx context.Context, ownerID string, limit int) ([]NotificationRecord, error)
	CountNotificationsByOwner(ctx context.Context, ownerID string, since time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend bundles every store the engine needs.
type Backend interface {
	SnapshotStore
	AlertStore
	NotificationStore
	Close()
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
	_ Backend        = (*MemoryStore)(nil)
)
