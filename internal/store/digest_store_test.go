package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"inbox-autopilot-go/internal/model"
)

// newMockedDB opens gorm over a sqlmock connection so the SQL the store
// issues can be asserted without a database. Default transactions are
// skipped so only the store's explicit ones appear in the expectations.
func newMockedDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	db, err := gorm.Open(gormmysql.New(gormmysql.Config{
		Conn:                      conn,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	assert.NoError(t, err)
	return db, mock
}

func scheduleRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "account_id", "interval_minutes"}).
		AddRow("sched-1", "acct-1", 60)
}

func TestFinalizeSentRedactsItemsWithStatusAtomically(t *testing.T) {
	db, mock := newMockedDB(t)
	s := NewDigestStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM `digest_schedules` WHERE account_id = ").
		WillReturnRows(scheduleRows())
	mock.ExpectExec("UPDATE `digest_schedules` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `digests` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `digest_items` SET `content`=").
		WithArgs(model.RedactedContent, sqlmock.AnyArg(), "digest-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := s.FinalizeSent(context.Background(), "acct-1", []string{"digest-1"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeSentRollsBackWhenRedactionFails(t *testing.T) {
	db, mock := newMockedDB(t)
	s := NewDigestStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM `digest_schedules` WHERE account_id = ").
		WillReturnRows(scheduleRows())
	mock.ExpectExec("UPDATE `digest_schedules` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `digests` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `digest_items` SET `content`=").
		WillReturnError(errors.New("lock wait timeout exceeded"))
	mock.ExpectRollback()

	// The status flip must not survive a failed redaction: all three writes
	// commit together or none do.
	err := s.FinalizeSent(context.Background(), "acct-1", []string{"digest-1"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedLeavesItemContentIntact(t *testing.T) {
	db, mock := newMockedDB(t)
	s := NewDigestStore(db)

	mock.ExpectExec("UPDATE `digests` SET `status`=").
		WithArgs(string(model.DigestFailed), sqlmock.AnyArg(), "digest-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkFailed(context.Background(), []string{"digest-1"})
	assert.NoError(t, err)
	// Only the status flip ran: no statement touched digest_items, so content
	// stays available for retry and audit.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendItemReusesDigestCreatedConcurrently(t *testing.T) {
	db, mock := newMockedDB(t)
	s := NewDigestStore(db)

	mock.ExpectBegin()
	// No pending digest yet, so this run tries to create one.
	mock.ExpectQuery("SELECT (.+) FROM `digests` WHERE account_id = ").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// The insert loses the (account_id, pending_token) unique-index race to a
	// concurrent aggregator.
	mock.ExpectExec("INSERT INTO `digests`").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	// The winner's digest is picked up and appended to instead.
	mock.ExpectQuery("SELECT (.+) FROM `digests` WHERE account_id = ").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "status"}).
			AddRow("digest-1", "acct-1", string(model.DigestPending)))
	mock.ExpectQuery("SELECT (.+) FROM `digest_items` WHERE digest_id = ").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO `digest_items`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := s.AppendItem(context.Background(), "acct-1", ItemParams{
		MessageID: "msg-1",
		ThreadID:  "thread-1",
		RuleName:  "Newsletters",
		Content:   "summary",
	})
	assert.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingClearsPendingToken(t *testing.T) {
	db, mock := newMockedDB(t)
	s := NewDigestStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM `digests` WHERE account_id = ").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "status"}).
			AddRow("digest-1", "acct-1", string(model.DigestPending)))
	mock.ExpectQuery("SELECT (.+) FROM `digest_items`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// Claiming frees the (account_id, pending_token) slot so a new pending
	// digest can be created while this one is delivered.
	mock.ExpectExec("UPDATE `digests` SET").
		WithArgs(nil, string(model.DigestProcessing), sqlmock.AnyArg(), "digest-1", string(model.DigestPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := s.ClaimPending(context.Background(), "acct-1")
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, model.DigestProcessing, claimed[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
