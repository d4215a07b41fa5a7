package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

const (
	selectSnapshotSQL = `SELECT
        rate_date,
        currency_from,
        currency_to,
        rate::text,
        previous_rate::text,
        change_amount::text,
        change_percentage::text,
        created_at
    FROM daily_exchange_rates
    WHERE rate_date = $1
    ORDER BY currency_from, currency_to;`

	insertSnapshotRowSQL = `INSERT INTO daily_exchange_rates (
        rate_date,
        currency_from,
        currency_to,
        rate,
        previous_rate,
        change_amount,
        change_percentage
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	latestSnapshotDateSQL = `SELECT MAX(rate_date) FROM daily_exchange_rates;`

	listSnapshotsBetweenSQL = `SELECT
        rate_date,
        currency_from,
        currency_to,
        rate::text,
        previous_rate::text,
        change_amount::text,
        change_percentage::text,
        created_at
    FROM daily_exchange_rates
    WHERE rate_date >= $1
      AND rate_date <= $2
    ORDER BY rate_date, currency_from, currency_to;`

	insertAlertSQL = `INSERT INTO alert_settings (
        id,
        owner_id,
        currency_from,
        currency_to,
        target_rate,
        condition,
        is_active,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	alertColumns = `id, owner_id, currency_from, currency_to, target_rate::text, condition, is_active, created_at, updated_at`

	getAlertSQL          = `SELECT ` + alertColumns + ` FROM alert_settings WHERE id = $1;`
	listAlertsByOwnerSQL = `SELECT ` + alertColumns + ` FROM alert_settings WHERE owner_id = $1 ORDER BY created_at;`
	listActiveAlertsSQL  = `SELECT ` + alertColumns + ` FROM alert_settings WHERE is_active ORDER BY created_at;`
	deleteAlertSQL       = `DELETE FROM alert_settings WHERE id = $1;`

	updateAlertSQL = `UPDATE alert_settings
    SET target_rate = COALESCE($2::numeric, target_rate),
        condition   = COALESCE($3::text, condition),
        is_active   = COALESCE($4::boolean, is_active),
        updated_at  = $5
    WHERE id = $1
    RETURNING ` + alertColumns + `;`

	insertNotificationSQL = `INSERT INTO notification_history (
        id,
        owner_id,
        alert_setting_id,
        triggered_rate,
        channel,
        sent_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	recentNotificationSQL = `SELECT EXISTS (
        SELECT 1 FROM notification_history
        WHERE alert_setting_id = $1
          AND sent_at > $2
    );`

	listNotificationsByOwnerSQL = `SELECT
        id,
        owner_id,
        alert_setting_id,
        triggered_rate::text,
        channel,
        sent_at
    FROM notification_history
    WHERE owner_id = $1
    ORDER BY sent_at DESC
    LIMIT $2;`

	countNotificationsByOwnerSQL = `SELECT COUNT(*) FROM notification_history WHERE owner_id = $1 AND sent_at > $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ReadSnapshot returns all rows stored for date.
func (s *Store) ReadSnapshot(ctx context.Context, date time.Time) ([]DailyRate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, selectSnapshotSQL, date)
	if queryErr != nil {
		return nil, fmt.Errorf("read snapshot: %w", queryErr)
	}
	return collectDailyRates(rows)
}

// WriteSnapshot inserts all rows for date in one transaction.
// A unique violation on (date, pair) maps to ErrDuplicateSnapshot.
func (s *Store) WriteSnapshot(ctx context.Context, date time.Time, rows []DailyRate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, row := range rows {
			batch.Queue(insertSnapshotRowSQL,
				date,
				row.CurrencyFrom,
				row.CurrencyTo,
				row.Rate.String(),
				nullableDecimal(row.PreviousRate),
				nullableDecimal(row.ChangeAmount),
				nullableDecimal(row.ChangePct),
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if txErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(txErr, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("write snapshot %s: %w", date.Format(time.DateOnly), ErrDuplicateSnapshot)
		}
		return fmt.Errorf("write snapshot: %w", txErr)
	}
	return nil
}

// LatestSnapshotDate returns the most recent date with stored rows.
func (s *Store) LatestSnapshotDate(ctx context.Context) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var latest sql.NullTime
	if scanErr := pool.QueryRow(ctx, latestSnapshotDateSQL).Scan(&latest); scanErr != nil {
		return time.Time{}, false, fmt.Errorf("latest snapshot date: %w", scanErr)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

// ListSnapshotsBetween lists rows with from <= date <= to.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]DailyRate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	return collectDailyRates(rows)
}

// CreateAlert persists a new alert setting.
func (s *Store) CreateAlert(ctx context.Context, alert AlertSetting) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.OwnerID,
		alert.CurrencyFrom,
		alert.CurrencyTo,
		alert.TargetRate.String(),
		string(alert.Condition),
		alert.Active,
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("create alert: %w", execErr)
	}
	return nil
}

// GetAlert fetches a single alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (AlertSetting, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertSetting{}, err
	}

	alert, scanErr := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertSetting{}, ErrNotFound
	}
	if scanErr != nil {
		return AlertSetting{}, fmt.Errorf("get alert: %w", scanErr)
	}
	return alert, nil
}

// ListAlertsByOwner lists every alert owned by ownerID.
func (s *Store) ListAlertsByOwner(ctx context.Context, ownerID string) ([]AlertSetting, error) {
	return s.listAlerts(ctx, listAlertsByOwnerSQL, ownerID)
}

// ListActiveAlerts lists alerts with the active flag set.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]AlertSetting, error) {
	return s.listAlerts(ctx, listActiveAlertsSQL)
}

func (s *Store) listAlerts(ctx context.Context, query string, args ...any) ([]AlertSetting, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertSetting, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// UpdateAlert applies patch and returns the updated alert.
func (s *Store) UpdateAlert(ctx context.Context, id string, patch AlertPatch, at time.Time) (AlertSetting, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertSetting{}, err
	}

	var target, condition, active any
	if patch.TargetRate != nil {
		target = patch.TargetRate.String()
	}
	if patch.Condition != nil {
		condition = string(*patch.Condition)
	}
	if patch.Active != nil {
		active = *patch.Active
	}

	alert, scanErr := scanAlert(pool.QueryRow(ctx, updateAlertSQL, id, target, condition, active, at))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertSetting{}, ErrNotFound
	}
	if scanErr != nil {
		return AlertSetting{}, fmt.Errorf("update alert: %w", scanErr)
	}
	return alert, nil
}

// DeleteAlert removes an alert permanently.
func (s *Store) DeleteAlert(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteAlertSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete alert: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertNotification appends a record to the ledger.
func (s *Store) InsertNotification(ctx context.Context, record NotificationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertNotificationSQL,
		record.ID,
		record.OwnerID,
		record.AlertID,
		record.TriggeredRate.String(),
		record.Channel,
		record.SentAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert notification: %w", execErr)
	}
	return nil
}

// RecentNotification reports whether alertID was notified strictly after since.
func (s *Store) RecentNotification(ctx context.Context, alertID string, since time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, recentNotificationSQL, alertID, since).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("recent notification: %w", scanErr)
	}
	return exists, nil
}

// ListNotificationsByOwner lists the newest notifications first.
func (s *Store) ListNotificationsByOwner(ctx context.Context, ownerID string, limit int) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listNotificationsByOwnerSQL, ownerID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list notifications: %w", queryErr)
	}
	defer rows.Close()

	records := make([]NotificationRecord, 0, limit)
	for rows.Next() {
		var rec NotificationRecord
		var rateStr string
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.AlertID, &rateStr, &rec.Channel, &rec.SentAt); err != nil {
			return nil, err
		}
		rate, convErr := decimal.NewFromString(rateStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse triggered rate: %w", convErr)
		}
		rec.TriggeredRate = rate
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountNotificationsByOwner counts notifications sent after since.
func (s *Store) CountNotificationsByOwner(ctx context.Context, ownerID string, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countNotificationsByOwnerSQL, ownerID, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count notifications: %w", scanErr)
	}
	return count, nil
}

func scanAlert(row pgx.Row) (AlertSetting, error) {
	var (
		alert     AlertSetting
		targetStr string
		condition string
	)
	if err := row.Scan(
		&alert.ID,
		&alert.OwnerID,
		&alert.CurrencyFrom,
		&alert.CurrencyTo,
		&targetStr,
		&condition,
		&alert.Active,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	); err != nil {
		return AlertSetting{}, err
	}

	target, err := decimal.NewFromString(targetStr)
	if err != nil {
		return AlertSetting{}, fmt.Errorf("parse target rate: %w", err)
	}
	alert.TargetRate = target
	alert.Condition = Condition(condition)
	return alert, nil
}

func collectDailyRates(rows pgx.Rows) ([]DailyRate, error) {
	defer rows.Close()

	out := make([]DailyRate, 0)
	for rows.Next() {
		row, err := scanDailyRate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanDailyRate(rows pgx.Rows) (DailyRate, error) {
	var (
		row         DailyRate
		rateStr     string
		previousStr sql.NullString
		changeStr   sql.NullString
		pctStr      sql.NullString
	)

	if err := rows.Scan(
		&row.Date,
		&row.CurrencyFrom,
		&row.CurrencyTo,
		&rateStr,
		&previousStr,
		&changeStr,
		&pctStr,
		&row.CreatedAt,
	); err != nil {
		return DailyRate{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return DailyRate{}, fmt.Errorf("parse rate: %w", err)
	}
	row.Rate = rate
	row.Date = row.Date.UTC()

	if row.PreviousRate, err = parseNullDecimal(previousStr); err != nil {
		return DailyRate{}, fmt.Errorf("parse previous rate: %w", err)
	}
	if row.ChangeAmount, err = parseNullDecimal(changeStr); err != nil {
		return DailyRate{}, fmt.Errorf("parse change amount: %w", err)
	}
	if row.ChangePct, err = parseNullDecimal(pctStr); err != nil {
		return DailyRate{}, fmt.Errorf("parse change percentage: %w", err)
	}
	return row, nil
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
