package data

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_LoadProfiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &PostgresStore{DB: db}

	rows := sqlmock.NewRows([]string{"eid", "euicc_path", "path", "iccid", "name", "nickname", "service_provider", "activation_code", "state", "class"}).
		AddRow("E1", "/euicc/1", "/profile/1", "8901", "Carrier", "", "Carrier Inc", "", "active", "operational")
	mock.ExpectQuery("SELECT eid, euicc_path").WillReturnRows(rows)

	got, err := s.LoadProfiles(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "8901", got[0].ICCID)
	assert.Equal(t, ProfileStateActive, got[0].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveProfiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &PostgresStore{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM esim_profiles").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO esim_profiles").
		WithArgs(int64(0), "E1", "", "", "8901", "", "", "", "", "inactive", "operational").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = s.SaveProfiles(context.Background(), []ESimProfile{
		{EID: "E1", ICCID: "8901", State: ProfileStateInactive, Class: ProfileClassOperational},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveProfilesRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &PostgresStore{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM esim_profiles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO esim_profiles").WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err = s.SaveProfiles(context.Background(), []ESimProfile{{ICCID: "8901"}})
	assert.ErrorContains(t, err, "insert profile 8901")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Registry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &PostgresStore{DB: db}

	mock.ExpectExec("INSERT INTO refreshed_euiccs").WithArgs("E1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT id FROM refreshed_euiccs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("E1").AddRow("/euicc/1"))

	require.NoError(t, s.AddRefreshedEuicc(context.Background(), "E1"))
	ids, err := s.RefreshedEuiccs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"E1", "/euicc/1"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
