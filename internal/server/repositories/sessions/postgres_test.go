package sessions

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

const (
	qInsert = `(?s)^\s*INSERT\s+INTO\s+sessions\s+\(id,\s*owner_id\)\s+VALUES\s*\(\$1,\s*\$2\)\s+RETURNING\s+created_at,\s*refreshed_at\s*$`
	qFind   = `(?s)^\s*SELECT\s+id,\s*owner_id,\s*created_at,\s*refreshed_at\s+FROM\s+sessions\s+WHERE\s+id\s*=\s*\$1\s*$`
	qTouch  = `(?s)^\s*UPDATE\s+sessions\s+SET\s+refreshed_at\s*=\s*\$2\s+WHERE\s+id\s*=\s*\$1\s*$`
)

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(qInsert).
		WithArgs("s1", "owner").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "refreshed_at"}).AddRow(now, now))

	got, err := repo.Create(context.Background(), &models.Session{ID: "s1", OwnerID: "owner"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.CreatedAt.Equal(now) || !got.RefreshedAt.Equal(now) {
		t.Fatalf("timestamps not scanned: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qInsert).
		WithArgs("s1", "owner").
		WillReturnError(errors.New("duplicate key"))

	_, err := repo.Create(context.Background(), &models.Session{ID: "s1", OwnerID: "owner"})
	if err == nil || !regexp.MustCompile(`db error: .*duplicate key`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestFind_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(qFind).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "created_at", "refreshed_at"}).
			AddRow("s1", "owner", created, created.Add(time.Hour)))

	got, err := repo.Find(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "s1" || got.OwnerID != "owner" || !got.RefreshedAt.Equal(created.Add(time.Hour)) {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestFind_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qFind).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	if _, err := repo.Find(context.Background(), "missing"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestTouch(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	at := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

	mock.ExpectExec(qTouch).WithArgs("s1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Touch(context.Background(), "s1", at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.ExpectExec(qTouch).WithArgs("gone", at).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := repo.Touch(context.Background(), "gone", at); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}

	mock.ExpectExec(qTouch).WithArgs("s1", at).WillReturnError(errors.New("db err"))
	if err := repo.Touch(context.Background(), "s1", at); err == nil || !regexp.MustCompile(`db error: .*db err`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}
