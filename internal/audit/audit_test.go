package audit_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/audit"
)

func newService(t *testing.T, spoolBytes int64) (*audit.Service, sqlmock.Sqlmock, string) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	spool, err := audit.NewSpool(dir, spoolBytes)
	require.NoError(t, err)
	return audit.NewService(db, spool, zap.NewNop()), mock, dir
}

func spooled(t *testing.T, dir string) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, "audit_spool.jsonl"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return raw
}

func TestWrite_Success(t *testing.T) {
	s, mock, dir := newService(t, 1<<20)
	mock.ExpectExec("INSERT INTO operator_audit").WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Write(context.Background(), audit.Event{Action: "POST /profiles/{iccid}/enable", Result: audit.ResultSuccess}))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, spooled(t, dir))
}

func TestWrite_FailoverToSpool(t *testing.T) {
	s, mock, dir := newService(t, 1<<20)
	mock.ExpectExec("INSERT INTO operator_audit").WillReturnError(sql.ErrConnDone)

	require.NoError(t, s.Write(context.Background(), audit.Event{Action: "a", Result: audit.ResultSuccess}))
	assert.Contains(t, string(spooled(t, dir)), `"action":"a"`)
}

func TestWrite_SpoolFull(t *testing.T) {
	s, mock, _ := newService(t, 10)
	mock.ExpectExec("INSERT INTO operator_audit").WillReturnError(sql.ErrConnDone)
	mock.ExpectExec("INSERT INTO operator_audit").WillReturnError(sql.ErrConnDone)

	// The first event always fits in an empty spool file.
	require.NoError(t, s.Write(context.Background(), audit.Event{Action: "a"}))
	err := s.Write(context.Background(), audit.Event{Action: "b"})
	assert.ErrorIs(t, err, audit.ErrSpoolFull)
}

func TestWrite_NoSpool(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("INSERT INTO operator_audit").WillReturnError(sql.ErrConnDone)

	err = audit.NewService(db, nil, zap.NewNop()).Write(context.Background(), audit.Event{Action: "a"})
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestReplay(t *testing.T) {
	s, mock, dir := newService(t, 1<<20)
	id := uuid.New()

	mock.ExpectExec("INSERT INTO operator_audit").WillReturnError(sql.ErrConnDone)
	require.NoError(t, s.Write(context.Background(), audit.Event{EventID: id, Action: "a"}))

	mock.ExpectExec("INSERT INTO operator_audit").
		WithArgs(id.String(), sqlmock.AnyArg(), sqlmock.AnyArg(), "a", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	flushed, err := s.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, spooled(t, dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplay_DatabaseStillDown(t *testing.T) {
	s, mock, dir := newService(t, 1<<20)
	mock.ExpectExec("INSERT INTO operator_audit").WillReturnError(sql.ErrConnDone)
	require.NoError(t, s.Write(context.Background(), audit.Event{Action: "a"}))

	mock.ExpectExec("INSERT INTO operator_audit").WillReturnError(sql.ErrConnDone)
	flushed, err := s.Replay(context.Background())
	require.NoError(t, err)
	assert.Zero(t, flushed)
	assert.Contains(t, string(spooled(t, dir)), `"action":"a"`)
}

func TestQuery(t *testing.T) {
	s, mock, _ := newService(t, 1<<20)
	now := time.Now()
	cols := []string{"id", "event_id", "actor", "role", "action", "target", "result", "reason_code", "request_id", "client_ip", "metadata", "created_at"}

	mock.ExpectQuery(`SELECT .* FROM operator_audit WHERE actor = \$1 AND id < \$2 ORDER BY id DESC LIMIT \$3`).
		WithArgs("op", int64(10), int64(2)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(9), uuid.New(), "op", "operator", "POST /x", "/x", "success", "", "r1", "", []byte(`{"status":200}`), now).
			AddRow(int64(7), uuid.New(), "op", "operator", "POST /y", "/y", "failure", "http_409", "r2", "", nil, now))

	events, next, err := s.Query(context.Background(), audit.Filter{Actor: "op", Cursor: 10, Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(7), next)
	assert.Equal(t, "POST /x", events[0].Action)
	assert.JSONEq(t, `{"status":200}`, string(events[0].Metadata))
	assert.Equal(t, "http_409", events[1].ReasonCode)

	mock.ExpectQuery(`SELECT .* FROM operator_audit ORDER BY id DESC LIMIT \$1`).
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows(cols))
	events, next, err = s.Query(context.Background(), audit.Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, next)
	assert.NoError(t, mock.ExpectationsWereMet())
}
