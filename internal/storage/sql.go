package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"pond-gateway/internal/data"
)

// Timestamps are stored as unix milliseconds and booleans as 0/1 so the same
// schema and queries serve SQLite and PostgreSQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sensor_readings (
		id TEXT PRIMARY KEY,
		pond_id TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		recorded_at BIGINT NOT NULL,
		ph DOUBLE PRECISION,
		temperature DOUBLE PRECISION,
		dissolved_oxygen DOUBLE PRECISION,
		turbidity DOUBLE PRECISION,
		nitrate DOUBLE PRECISION,
		nitrite DOUBLE PRECISION,
		ammonia DOUBLE PRECISION,
		water_level DOUBLE PRECISION,
		is_anomaly INTEGER NOT NULL DEFAULT 0,
		anomaly_score DOUBLE PRECISION,
		anomaly_reasons TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sensor_readings_pond_time ON sensor_readings (pond_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		pond_id TEXT NOT NULL,
		parameter TEXT NOT NULL,
		current_value DOUBLE PRECISION NOT NULL,
		threshold_value DOUBLE PRECISION,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		sensor_reading_id TEXT NOT NULL DEFAULT '',
		is_resolved INTEGER NOT NULL DEFAULT 0,
		sms_sent INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		resolved_at BIGINT,
		resolved_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts (pond_id, parameter, is_resolved, created_at)`,
}

// SQLStore implements Store on SQLite (modernc) or PostgreSQL (lib/pq).
// Queries are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore connects and applies the schema. driver is "sqlite" or "postgres".
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	switch driver {
	case "sqlite":
		// one writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	case "postgres":
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type readingRow struct {
	ID              string   `db:"id"`
	PondID          string   `db:"pond_id"`
	DeviceID        string   `db:"device_id"`
	RecordedAt      int64    `db:"recorded_at"`
	PH              *float64 `db:"ph"`
	Temperature     *float64 `db:"temperature"`
	DissolvedOxygen *float64 `db:"dissolved_oxygen"`
	Turbidity       *float64 `db:"turbidity"`
	Nitrate         *float64 `db:"nitrate"`
	Nitrite         *float64 `db:"nitrite"`
	Ammonia         *float64 `db:"ammonia"`
	WaterLevel      *float64 `db:"water_level"`
	IsAnomaly       int64    `db:"is_anomaly"`
	AnomalyScore    *float64 `db:"anomaly_score"`
	AnomalyReasons  *string  `db:"anomaly_reasons"`
	CreatedAt       int64    `db:"created_at"`
}

func (row readingRow) reading() (data.Reading, error) {
	r := data.Reading{
		ID:        row.ID,
		PondID:    row.PondID,
		DeviceID:  row.DeviceID,
		Timestamp: fromMillis(row.RecordedAt),
		Parameters: data.Parameters{
			PH:              row.PH,
			Temperature:     row.Temperature,
			DissolvedOxygen: row.DissolvedOxygen,
			Turbidity:       row.Turbidity,
			Nitrate:         row.Nitrate,
			Nitrite:         row.Nitrite,
			Ammonia:         row.Ammonia,
			WaterLevel:      row.WaterLevel,
		},
		IsAnomaly:    row.IsAnomaly != 0,
		AnomalyScore: row.AnomalyScore,
		CreatedAt:    fromMillis(row.CreatedAt),
	}
	if row.AnomalyReasons != nil && *row.AnomalyReasons != "" {
		if err := json.Unmarshal([]byte(*row.AnomalyReasons), &r.AnomalyReasons); err != nil {
			return data.Reading{}, fmt.Errorf("decode anomaly reasons for %s: %w", row.ID, err)
		}
	}
	return r, nil
}

func (s *SQLStore) InsertReading(ctx context.Context, r *data.Reading) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	p := r.Parameters
	query := s.db.Rebind(`
		INSERT INTO sensor_readings (id, pond_id, device_id, recorded_at, ph, temperature, dissolved_oxygen,
			turbidity, nitrate, nitrite, ammonia, water_level, is_anomaly, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.PondID, r.DeviceID, toMillis(r.Timestamp),
		p.PH, p.Temperature, p.DissolvedOxygen, p.Turbidity, p.Nitrate, p.Nitrite, p.Ammonia, p.WaterLevel,
		toMillis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateReadingAnomaly(ctx context.Context, id string, isAnomaly bool, score float64, reasons []string) error {
	encoded, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("encode anomaly reasons: %w", err)
	}
	query := s.db.Rebind(`
		UPDATE sensor_readings SET is_anomaly = ?, anomaly_score = ?, anomaly_reasons = ?
		WHERE id = ? AND anomaly_score IS NULL
	`)
	res, err := s.db.ExecContext(ctx, query, boolInt(isAnomaly), score, string(encoded), id)
	if err != nil {
		return fmt.Errorf("update reading anomaly: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update reading anomaly: %w", err)
	} else if n > 0 {
		return nil
	}

	var exists int
	err = s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT COUNT(*) FROM sensor_readings WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("update reading anomaly: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrAnomalyAlreadySet
}

func (s *SQLStore) ListReadings(ctx context.Context, f ReadingFilter) ([]data.Reading, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.PondID != "" {
		where = append(where, "pond_id = ?")
		args = append(args, f.PondID)
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, toMillis(f.Since))
	}
	query := "SELECT * FROM sensor_readings" + whereClause(where) + " ORDER BY recorded_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []readingRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	out := make([]data.Reading, 0, len(rows))
	for _, row := range rows {
		r, err := row.reading()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLStore) GetReading(ctx context.Context, id string) (*data.Reading, error) {
	var row readingRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM sensor_readings WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get reading: %w", err)
	}
	r, err := row.reading()
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLStore) AggregateReadingStats(ctx context.Context, topPonds int) (*data.ReadingStats, error) {
	var counts struct {
		Total     int `db:"total"`
		Anomalies int `db:"anomalies"`
	}
	err := s.db.GetContext(ctx, &counts, `
		SELECT COUNT(*) AS total, COALESCE(SUM(is_anomaly), 0) AS anomalies FROM sensor_readings
	`)
	if err != nil {
		return nil, fmt.Errorf("count readings: %w", err)
	}

	query := `
		SELECT pond_id, COUNT(*) AS n, MAX(recorded_at) AS latest FROM sensor_readings
		WHERE is_anomaly = 1 GROUP BY pond_id ORDER BY n DESC, pond_id ASC`
	var args []interface{}
	if topPonds > 0 {
		query += " LIMIT ?"
		args = append(args, topPonds)
	}
	var groups []struct {
		PondID string `db:"pond_id"`
		N      int    `db:"n"`
		Latest int64  `db:"latest"`
	}
	if err := s.db.SelectContext(ctx, &groups, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("aggregate anomalies by pond: %w", err)
	}

	stats := &data.ReadingStats{
		TotalReadings:   counts.Total,
		AnomalyReadings: counts.Anomalies,
		AnomaliesByPond: make([]data.PondAnomalies, 0, len(groups)),
	}
	for _, g := range groups {
		stats.AnomaliesByPond = append(stats.AnomaliesByPond, data.PondAnomalies{
			PondID: g.PondID, Count: g.N, LatestAnomaly: fromMillis(g.Latest),
		})
	}
	stats.ComputeRate()
	return stats, nil
}

type alertRow struct {
	ID              string   `db:"id"`
	PondID          string   `db:"pond_id"`
	Parameter       string   `db:"parameter"`
	CurrentValue    float64  `db:"current_value"`
	ThresholdValue  *float64 `db:"threshold_value"`
	Severity        string   `db:"severity"`
	Message         string   `db:"message"`
	SensorReadingID string   `db:"sensor_reading_id"`
	IsResolved      int64    `db:"is_resolved"`
	SMSSent         int64    `db:"sms_sent"`
	CreatedAt       int64    `db:"created_at"`
	ResolvedAt      *int64   `db:"resolved_at"`
	ResolvedBy      string   `db:"resolved_by"`
}

func (row alertRow) alert() data.Alert {
	a := data.Alert{
		ID:             row.ID,
		PondID:         row.PondID,
		Parameter:      row.Parameter,
		CurrentValue:   row.CurrentValue,
		ThresholdValue: row.ThresholdValue,
		Severity:       data.Severity(row.Severity),
		Message:        row.Message,
		ReadingID:      row.SensorReadingID,
		IsResolved:     row.IsResolved != 0,
		SMSSent:        row.SMSSent != 0,
		CreatedAt:      fromMillis(row.CreatedAt),
		ResolvedBy:     row.ResolvedBy,
	}
	if row.ResolvedAt != nil {
		t := fromMillis(*row.ResolvedAt)
		a.ResolvedAt = &t
	}
	return a
}

func (s *SQLStore) FindRecentAlert(ctx context.Context, pondID, parameter string, since time.Time) (*data.Alert, error) {
	query := s.db.Rebind(`
		SELECT * FROM alerts
		WHERE pond_id = ? AND parameter = ? AND is_resolved = 0 AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1
	`)
	var row alertRow
	if err := s.db.GetContext(ctx, &row, query, pondID, parameter, toMillis(since)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find recent alert: %w", err)
	}
	a := row.alert()
	return &a, nil
}

func (s *SQLStore) InsertAlert(ctx context.Context, a *data.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var resolvedAt *int64
	if a.ResolvedAt != nil {
		ms := toMillis(*a.ResolvedAt)
		resolvedAt = &ms
	}
	query := s.db.Rebind(`
		INSERT INTO alerts (id, pond_id, parameter, current_value, threshold_value, severity, message,
			sensor_reading_id, is_resolved, sms_sent, created_at, resolved_at, resolved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.PondID, a.Parameter, a.CurrentValue, a.ThresholdValue, string(a.Severity), a.Message,
		a.ReadingID, boolInt(a.IsResolved), boolInt(a.SMSSent), toMillis(a.CreatedAt), resolvedAt, a.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAlert(ctx context.Context, id string) (*data.Alert, error) {
	var row alertRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM alerts WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	a := row.alert()
	return &a, nil
}

func (s *SQLStore) UpdateAlert(ctx context.Context, id string, u data.AlertUpdate) (bool, error) {
	if err := validUpdate(u); err != nil {
		return false, err
	}
	var (
		set  []string
		args []interface{}
	)
	if u.IsResolved != nil {
		set = append(set, "is_resolved = ?")
		args = append(args, boolInt(*u.IsResolved))
	}
	if u.ResolvedAt != nil {
		set = append(set, "resolved_at = ?")
		args = append(args, toMillis(*u.ResolvedAt))
	}
	if u.ResolvedBy != nil {
		set = append(set, "resolved_by = ?")
		args = append(args, *u.ResolvedBy)
	}
	if u.SMSSent != nil {
		set = append(set, "sms_sent = ?")
		args = append(args, boolInt(*u.SMSSent))
	}
	query := "UPDATE alerts SET " + strings.Join(set, ", ") + " WHERE id = ?"
	args = append(args, id)
	if u.IfUnresolved {
		query += " AND is_resolved = 0"
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("update alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update alert: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) ListAlerts(ctx context.Context, f AlertFilter) ([]data.Alert, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.PondID != "" {
		where = append(where, "pond_id = ?")
		args = append(args, f.PondID)
	}
	if f.Parameter != "" {
		where = append(where, "parameter = ?")
		args = append(args, f.Parameter)
	}
	if f.OnlyOpen {
		where = append(where, "is_resolved = 0")
	}
	if !f.CreatedSince.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(f.CreatedSince))
	}
	query := "SELECT * FROM alerts" + whereClause(where) + " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]data.Alert, len(rows))
	for i, row := range rows {
		out[i] = row.alert()
	}
	return out, nil
}

func (s *SQLStore) AggregateAlertStats(ctx context.Context, pondID string, since time.Time) (*data.AlertStats, error) {
	where := []string{"created_at >= ?"}
	args := []interface{}{toMillis(since)}
	if pondID != "" {
		where = append(where, "pond_id = ?")
		args = append(args, pondID)
	}
	query := "SELECT severity, parameter, COUNT(*) AS n FROM alerts" + whereClause(where) + " GROUP BY severity, parameter"

	var groups []struct {
		Severity  string `db:"severity"`
		Parameter string `db:"parameter"`
		N         int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &groups, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("aggregate alerts: %w", err)
	}

	stats := data.NewAlertStats(0)
	for _, g := range groups {
		stats.Add(g.Severity, g.Parameter, g.N)
	}

	activeQuery := "SELECT COUNT(*) FROM alerts WHERE is_resolved = 0"
	var activeArgs []interface{}
	if pondID != "" {
		activeQuery += " AND pond_id = ?"
		activeArgs = append(activeArgs, pondID)
	}
	if err := s.db.GetContext(ctx, &stats.ActiveAlerts, s.db.Rebind(activeQuery), activeArgs...); err != nil {
		return nil, fmt.Errorf("count active alerts: %w", err)
	}
	return stats, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
