package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsgate/internal/model"
	"nuha.dev/gpsgate/internal/retry"
)

const (
	selectSQL = "SELECT id, uniqueid AS imei FROM devices"
	insertSQL = "INSERT INTO positions (id, deviceid, fixtime, valid, latitude, longitude, altitude, speed, course, power, address, attributes) " +
		"VALUES (:id, :device_id, :time, :valid, :latitude, :longitude, :altitude, :speed, :course, :power, :address, :extended_info::jsonb) RETURNING id"
	insertBound = "INSERT INTO positions (id, deviceid, fixtime, valid, latitude, longitude, altitude, speed, course, power, address, attributes) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb) RETURNING id"
	updateSQL   = "UPDATE devices SET positionid = :id WHERE id = :device_id"
	updateBound = "UPDATE devices SET positionid = $1 WHERE id = $2"
)

func testConfig() Config {
	return Config{
		Driver:               "pgx",
		URL:                  "postgres://localhost/gps",
		SelectDevice:         selectSQL,
		InsertPosition:       insertSQL,
		UpdateLatestPosition: updateSQL,
		Timeout:              time.Second,
		Partitions:           1,
	}
}

func newMock(t *testing.T, cfg Config) (*DataManager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	dm, err := NewDataManager(db, cfg, Dollar)
	require.NoError(t, err)
	return dm, mock
}

func fix() *model.Position {
	p := model.NewPosition("arknav", 7)
	p.Time = time.Date(2020, 2, 1, 12, 34, 56, 0, time.UTC)
	p.Valid = true
	p.Latitude = 55.66872
	p.Longitude = 37.50946
	p.Speed = 18.52
	p.Course = 90
	p.Set(model.KeyBatteryLevel, 42)
	p.AddAlarm(model.AlarmSOS)
	p.AddAlarm(model.AlarmOverspeed)
	return p
}

func fixArgs(p *model.Position) []driver.Value {
	return []driver.Value{nil, p.DeviceID, p.Time, p.Valid, p.Latitude, p.Longitude, p.Altitude, p.Speed, p.Course,
		nil, nil, `{"alarm":"sos,overspeed","battery_level":42}`}
}

func TestNewDataManagerRejectsBadConfig(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig()
	cfg.UpdateLatestPosition = "  "
	_, err = NewDataManager(db, cfg, Dollar)
	assert.ErrorIs(t, err, ErrMissingQuery)

	cfg = testConfig()
	cfg.InsertPosition = "INSERT INTO positions (x) VALUES (:fixtime)"
	_, err = NewDataManager(db, cfg, Dollar)
	assert.ErrorIs(t, err, ErrUnknownParameter)
}

func TestDevices(t *testing.T) {
	dm, mock := newMock(t, testConfig())
	mock.ExpectQuery(selectSQL).WillReturnRows(
		sqlmock.NewRows([]string{"id", "imei"}).AddRow(int64(1), "123456789012345").AddRow(int64(2), []byte("352544071677471")))

	devices, err := dm.Devices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Device{{ID: 1, UniqueID: "123456789012345"}, {ID: 2, UniqueID: "352544071677471"}}, devices)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDevicesNeedsColumns(t *testing.T) {
	dm, mock := newMock(t, testConfig())
	mock.ExpectQuery(selectSQL).WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "x"))
	_, err := dm.Devices(context.Background())
	assert.Error(t, err)
}

func TestAddPositionReturning(t *testing.T) {
	dm, mock := newMock(t, testConfig())
	p := fix()
	mock.ExpectQuery(insertBound).WithArgs(fixArgs(p)...).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))

	id, err := dm.AddPosition(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, sql.NullInt64{Int64: 101, Valid: true}, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPositionWithoutDevice(t *testing.T) {
	dm, mock := newMock(t, testConfig())
	p := fix()
	p.DeviceID = 0
	id, err := dm.AddPosition(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, id.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPositionExecLastInsertID(t *testing.T) {
	cfg := testConfig()
	cfg.InsertPosition = "INSERT INTO positions (deviceid, fixtime, power) VALUES (:device_id, :time, :power)"
	dm, mock := newMock(t, cfg)
	p := fix()
	p.Set(model.KeyPower, 12.5)
	mock.ExpectExec("INSERT INTO positions (deviceid, fixtime, power) VALUES ($1, $2, $3)").
		WithArgs(p.DeviceID, p.Time, 12.5).
		WillReturnResult(sqlmock.NewResult(55, 1))

	id, err := dm.AddPosition(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, sql.NullInt64{Int64: 55, Valid: true}, id)
}

func TestAddPositionNoGeneratedKey(t *testing.T) {
	cfg := testConfig()
	cfg.InsertPosition = "INSERT INTO positions (deviceid) VALUES (:device_id)"
	dm, mock := newMock(t, cfg)
	mock.ExpectExec("INSERT INTO positions (deviceid) VALUES ($1)").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("LastInsertId is not supported")))

	id, err := dm.AddPosition(context.Background(), fix())
	require.NoError(t, err)
	assert.False(t, id.Valid)
}

func TestUpdateLatestPosition(t *testing.T) {
	dm, mock := newMock(t, testConfig())
	mock.ExpectExec(updateBound).WithArgs(int64(101), int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, dm.UpdateLatestPosition(context.Background(), 7, 101))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestPersistRetriesTransient(t *testing.T) {
	dm, mock := newMock(t, testConfig())
	p := fix()
	deadlock := &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	mock.ExpectQuery(insertBound).WithArgs(fixArgs(p)...).WillReturnError(deadlock)
	mock.ExpectQuery(insertBound).WithArgs(fixArgs(p)...).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(102)))
	mock.ExpectExec(updateBound).WithArgs(int64(102), int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := dm.Persist(context.Background(), p, fastRetry())
	require.NoError(t, err)
	assert.Equal(t, int64(102), id.Int64)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistExhausted(t *testing.T) {
	dm, mock := newMock(t, testConfig())
	p := fix()
	lost := &pgconn.PgError{Code: "08006", Message: "connection failure"}
	for i := 0; i < 3; i++ {
		mock.ExpectQuery(insertBound).WithArgs(fixArgs(p)...).WillReturnError(lost)
	}
	_, err := dm.Persist(context.Background(), p, fastRetry())
	var ex *retry.ExhaustedError
	assert.ErrorAs(t, err, &ex)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistFatalIsNotRetried(t *testing.T) {
	dm, mock := newMock(t, testConfig())
	p := fix()
	mock.ExpectQuery(insertBound).WithArgs(fixArgs(p)...).WillReturnError(&pgconn.PgError{Code: "42601", Message: "syntax error"})

	_, err := dm.Persist(context.Background(), p, fastRetry())
	assert.True(t, retry.IsNonRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistSkipsUpdateWithoutKey(t *testing.T) {
	dm, mock := newMock(t, testConfig())
	p := fix()
	mock.ExpectQuery(insertBound).WithArgs(fixArgs(p)...).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	id, err := dm.Persist(context.Background(), p, fastRetry())
	require.NoError(t, err)
	assert.False(t, id.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "57P01"}))
	assert.True(t, IsTransient(&pq.Error{Code: "08003"}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsTransient(&pq.Error{Code: "42P01"}))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestDSN(t *testing.T) {
	cfg := Config{URL: "postgres://db:5432/gps?sslmode=disable", User: "gps", Password: "secret"}
	assert.Equal(t, "postgres://gps:secret@db:5432/gps?sslmode=disable", DSN(cfg))

	cfg = Config{URL: "host=db dbname=gps", User: "gps", Password: "secret"}
	assert.Equal(t, "host=db dbname=gps user=gps password=secret", DSN(cfg))

	assert.Equal(t, "pgx", DriverName("org.postgresql.Driver"))
	assert.Equal(t, Dollar, PlaceholderFor("postgres"))
	assert.Equal(t, Question, PlaceholderFor("mysql"))
}

func TestExtendedInfoKeepsBinaryText(t *testing.T) {
	p := model.NewPosition("eelink", 7)
	p.Set(model.KeyResult, "Lat:N23\nOK")
	p.Set(model.KeyMessage, string([]byte{'o', 'k', 0xff, 0xfe}))

	info, err := extendedInfo(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"Lat:N23\nOK","message_hex":"6f6bfffe"}`, info)
}
