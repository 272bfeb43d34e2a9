// Package store persists location updates into Postgres. One connection, one
// prepared insert, reused for the lifetime of the process.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"owntracks/db-bridge/internal/model"
)

// Config holds the Postgres connection settings.
type Config struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`

	// ConnectMaxElapsed bounds the startup ping retries. Zero means a single
	// attempt.
	ConnectMaxElapsed time.Duration `mapstructure:"connect_max_elapsed"`
}

// ErrorKind splits persistence failures by how the caller may react.
type ErrorKind string

const (
	// Transient covers connectivity and timeout failures; the record itself
	// may still be insertable later.
	Transient ErrorKind = "transient"
	// Constraint covers data-integrity rejections; retrying the same record
	// unmodified will fail again.
	Constraint ErrorKind = "constraint"
)

// PersistError wraps a failed insert with its classification.
type PersistError struct {
	Kind ErrorKind
	Err  error
}

func (e *PersistError) Error() string { return fmt.Sprintf("persist (%s): %s", e.Kind, e.Err) }
func (e *PersistError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient persistence failure.
func IsTransient(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe) && pe.Kind == Transient
}

// Store owns the database connection and the prepared location-update insert.
type Store struct {
	db     *sql.DB
	insert *sql.Stmt
}

const insertStatement = `INSERT INTO locationupdates
	(acc, alt, batt, cog, lat, lon, radius, t, tid, tst, vac, vel, p, conn, rawdata, userid, device)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

const schemaStatement = `CREATE TABLE IF NOT EXISTS locationupdates (
	id BIGSERIAL PRIMARY KEY,
	acc DOUBLE PRECISION,
	alt DOUBLE PRECISION,
	batt INTEGER,
	cog DOUBLE PRECISION,
	lat DOUBLE PRECISION NOT NULL,
	lon DOUBLE PRECISION NOT NULL,
	radius DOUBLE PRECISION,
	t TEXT,
	tid TEXT,
	tst TIMESTAMPTZ NOT NULL,
	vac DOUBLE PRECISION,
	vel DOUBLE PRECISION,
	p DOUBLE PRECISION,
	conn TEXT,
	rawdata JSONB NOT NULL,
	userid TEXT NOT NULL,
	device TEXT NOT NULL
)`

// Open connects to Postgres, verifies the connection with bounded backoff,
// ensures the table exists, and prepares the insert statement.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Single logical stream of control: one connection is enough and keeps
	// the prepared statement pinned to it.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	err = backoff.Retry(func() error {
		pingErr := db.PingContext(ctx)
		if pingErr != nil {
			logger.Warn().Err(pingErr).Msg("database not reachable yet")
		}
		return pingErr
	}, backoff.WithContext(connectPolicy(cfg.ConnectMaxElapsed), ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	stmt, err := db.PrepareContext(ctx, insertStatement)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	s.insert = stmt

	logger.Info().Str("host", cfg.Host).Str("dbname", cfg.DBName).Msg("database connected")
	return s, nil
}

// NewWithDB wraps an existing database handle; used by tests.
func NewWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	stmt, err := db.PrepareContext(ctx, insertStatement)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	return &Store{db: db, insert: stmt}, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaStatement); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the prepared statement and the connection.
func (s *Store) Close() error {
	if s.insert != nil {
		_ = s.insert.Close()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store appends one location update. Each call is one insert; no
// deduplication is performed, so a redelivered message inserts a second row.
func (s *Store) Store(ctx context.Context, rec *model.EventRecord) error {
	rawdata, err := json.Marshal(rec.Raw)
	if err != nil {
		return &PersistError{Kind: Constraint, Err: fmt.Errorf("encode rawdata: %w", err)}
	}

	_, err = s.insert.ExecContext(ctx,
		nullFloat(rec.Accuracy),
		nullFloat(rec.Altitude),
		nullInt(rec.BatteryPercent),
		nullFloat(rec.CourseOverGround),
		rec.Latitude,
		rec.Longitude,
		nullFloat(rec.RegionRadius),
		nullString(rec.EventType),
		nullString(rec.TrackerID),
		rec.Timestamp,
		nullFloat(rec.VerticalAccuracy),
		nullFloat(rec.Velocity),
		nullFloat(rec.BarometricPressure),
		nullString(rec.ConnectionStatus),
		rawdata,
		rec.User,
		rec.Device,
	)
	if err != nil {
		return &PersistError{Kind: classify(err), Err: fmt.Errorf("insert location update: %w", err)}
	}
	return nil
}

// classify maps driver errors onto the retryability split. Integrity and data
// exceptions (SQLSTATE classes 22 and 23) are constraint failures; everything
// else, including timeouts and dropped connections, is transient.
func classify(err error) ErrorKind {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if class := pqErr.Code.Class(); class == "22" || class == "23" {
			return Constraint
		}
	}
	return Transient
}

// connectPolicy bounds startup retries to maxElapsed; zero means one attempt.
func connectPolicy(maxElapsed time.Duration) backoff.BackOff {
	if maxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxElapsed
	return policy
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
