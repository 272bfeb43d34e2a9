package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"owntracks/db-bridge/internal/model"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectPrepare(`INSERT INTO locationupdates`)
	s, err := NewWithDB(context.Background(), db)
	require.NoError(t, err)
	return s, mock
}

func fullRecord() *model.EventRecord {
	acc := 65.0
	batt := 52
	return &model.EventRecord{
		User:           "alice",
		Device:         "phone1",
		Latitude:       45.5,
		Longitude:      -122.6,
		Timestamp:      time.Unix(1493917547, 0).UTC(),
		Accuracy:       &acc,
		BatteryPercent: &batt,
		Raw: map[string]any{
			"_type": "location",
			"lat":   45.5,
			"lon":   -122.6,
			"tst":   float64(1493917547),
			"acc":   float64(65),
			"batt":  float64(52),
		},
	}
}

func TestStore_BindsAllSeventeenColumns(t *testing.T) {
	s, mock := newTestStore(t)
	rec := fullRecord()

	rawdata, err := json.Marshal(rec.Raw)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO locationupdates`).
		WithArgs(
			65.0,          // acc
			nil,           // alt
			int64(52),     // batt
			nil,           // cog
			45.5,          // lat
			-122.6,        // lon
			nil,           // radius
			nil,           // t
			nil,           // tid
			rec.Timestamp, // tst
			nil,           // vac
			nil,           // vel
			nil,           // p
			nil,           // conn
			rawdata,       // rawdata
			"alice",       // userid
			"phone1",      // device
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Store(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_NoDeduplication(t *testing.T) {
	// Redelivery of the same message inserts a second row. That is the
	// documented current behavior, not a bug.
	s, mock := newTestStore(t)
	rec := fullRecord()

	mock.ExpectExec(`INSERT INTO locationupdates`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO locationupdates`).WillReturnResult(sqlmock.NewResult(2, 1))

	require.NoError(t, s.Store(context.Background(), rec))
	require.NoError(t, s.Store(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ConstraintErrorIsNotRetryable(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO locationupdates`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})

	err := s.Store(context.Background(), fullRecord())
	require.Error(t, err)

	var pe *PersistError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, Constraint, pe.Kind)
	require.False(t, IsTransient(err))
}

func TestStore_ConnectivityErrorIsTransient(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO locationupdates`).
		WillReturnError(errors.New("connection reset by peer"))

	err := s.Store(context.Background(), fullRecord())
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func TestStore_DataExceptionIsConstraint(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO locationupdates`).
		WillReturnError(&pq.Error{Code: "22003", Message: "numeric value out of range"})

	err := s.Store(context.Background(), fullRecord())
	require.False(t, IsTransient(err))
}
