package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/model"
	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/tenant"
)

// GORM adds ORDER BY and LIMIT clauses, so queries are matched with
// sqlmock.QueryMatcherRegexp against the stable part of the statement.

const testTenantID = "tenant-test-123"

func newMockDB(t *testing.T) (*PostgresRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})
	return &PostgresRepo{db: gormDB}, mock
}

func tenantCtx() context.Context {
	return tenant.WithTenantID(context.Background(), testTenantID)
}

func TestSchemaNamer(t *testing.T) {
	n := schemaNamer{schemaName: "orchestrator"}
	assert.Equal(t, `"orchestrator".sessions`, n.TableName("sessions"))
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"insufficient resources", &pgconn.PgError{Code: "53300"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"broken pipe", errors.New("write: Broken Pipe"), true},
		{"plain error", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransientError(tt.err))
		})
	}
}

func TestCheckConstraintViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"record not found", gorm.ErrRecordNotFound, apperrors.ErrNotFound},
		{"duplicated key", gorm.ErrDuplicatedKey, apperrors.ErrDuplicate},
		{"unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "idx_messages_tenant_message"}, apperrors.ErrDuplicate},
		{"foreign key", &pgconn.PgError{Code: "23503"}, apperrors.ErrValidation},
		{"not null", &pgconn.PgError{Code: "23502", ColumnName: "chat_id"}, apperrors.ErrValidation},
		{"data exception", &pgconn.PgError{Code: "22001"}, apperrors.ErrValidation},
		{"other pg error", &pgconn.PgError{Code: "42P01"}, apperrors.ErrDatabase},
		{"generic", errors.New("boom"), apperrors.ErrDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := checkConstraintViolation(tt.err)
			assert.ErrorIs(t, got, tt.want)
		})
	}
	assert.NoError(t, checkConstraintViolation(nil))
}

func TestOperationsRequireTenant(t *testing.T) {
	repo, mock := newMockDB(t)
	ctx := context.Background()

	assert.ErrorIs(t, repo.EnsureSession(ctx), apperrors.ErrUnauthorized)
	_, err := repo.FindSession(ctx)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.ErrorIs(t, repo.WipeTenantData(ctx), apperrors.ErrUnauthorized)
	assert.ErrorIs(t, repo.UpsertMessages(ctx, []model.Message{{MessageID: "m1", ChatID: "c1"}}), apperrors.ErrUnauthorized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsForeignTenantRows(t *testing.T) {
	repo, mock := newMockDB(t)

	err := repo.UpsertChats(tenantCtx(), []model.Chat{{TenantID: "other", ChatID: "1@c.us"}})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	err = repo.UpsertContacts(tenantCtx(), []model.Contact{{TenantID: testTenantID}})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEmptyIsNoop(t *testing.T) {
	repo, mock := newMockDB(t)

	assert.NoError(t, repo.UpsertMessages(tenantCtx(), nil))
	assert.NoError(t, repo.UpsertChats(tenantCtx(), nil))
	assert.NoError(t, repo.UpsertContacts(tenantCtx(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSessionNotFound(t *testing.T) {
	repo, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT \* FROM "sessions" WHERE tenant_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id"}))

	_, err := repo.FindSession(tenantCtx())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSession(t *testing.T) {
	repo, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "linked_account", "active"}).
		AddRow(1, testTenantID, "628111", true)
	mock.ExpectQuery(`SELECT \* FROM "sessions" WHERE tenant_id = \$1`).WillReturnRows(rows)

	session, err := repo.FindSession(tenantCtx())
	require.NoError(t, err)
	assert.Equal(t, "628111", session.LinkedAccount)
	assert.True(t, session.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSessionActive(t *testing.T) {
	t.Run("updates row", func(t *testing.T) {
		repo, mock := newMockDB(t)
		mock.ExpectExec(`UPDATE "sessions" SET`).WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.SetSessionActive(tenantCtx(), false, "LOGOUT"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		repo, mock := newMockDB(t)
		mock.ExpectExec(`UPDATE "sessions" SET`).WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.SetSessionActive(tenantCtx(), true, "")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSetLinkedAccountRequiresAccount(t *testing.T) {
	repo, mock := newMockDB(t)
	err := repo.SetLinkedAccount(tenantCtx(), model.AccountInfo{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWipeTenantData(t *testing.T) {
	t.Run("commits all deletes", func(t *testing.T) {
		repo, mock := newMockDB(t)

		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "messages" WHERE tenant_id = \$1`).
			WithArgs(testTenantID).WillReturnResult(sqlmock.NewResult(0, 12))
		mock.ExpectExec(`DELETE FROM "chats" WHERE tenant_id = \$1`).
			WithArgs(testTenantID).WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectExec(`DELETE FROM "contacts" WHERE tenant_id = \$1`).
			WithArgs(testTenantID).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(`UPDATE "sessions" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, repo.WipeTenantData(tenantCtx()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		repo, mock := newMockDB(t)

		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "messages"`).WillReturnError(errors.New("permission denied"))
		mock.ExpectRollback()

		err := repo.WipeTenantData(tenantCtx())
		assert.ErrorIs(t, err, apperrors.ErrDatabase)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMarkChatReadMissingChat(t *testing.T) {
	repo, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "chats" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.MarkChatRead(tenantCtx(), "628222@c.us")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryableOperationRetriesTransient(t *testing.T) {
	attempts := 0
	err := retryableOperation(context.Background(), newRetryPolicy(context.Background(), time.Second), "test", func() error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = retryableOperation(context.Background(), newRetryPolicy(context.Background(), time.Second), "test", func() error {
		attempts++
		return apperrors.ErrValidation
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, 1, attempts)
}
