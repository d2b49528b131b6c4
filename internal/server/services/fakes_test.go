package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/dbx"
	"github.com/dmitrijs2005/listenalong/internal/server/config"
	"github.com/dmitrijs2005/listenalong/internal/server/models"
	"github.com/dmitrijs2005/listenalong/internal/server/repositories/sessions"
	"github.com/dmitrijs2005/listenalong/internal/server/repositories/states"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.SecretKey = "k"
	return cfg
}

type fakeSessionsRepo struct {
	mu        sync.Mutex
	rows      map[string]*models.Session
	createErr error
	touchErr  error
}

func (f *fakeSessionsRepo) Create(_ context.Context, s *models.Session) (*models.Session, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s.CreatedAt, s.RefreshedAt = t0, t0
	f.rows[s.ID] = s
	return s, nil
}

func (f *fakeSessionsRepo) Find(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return s, nil
}

func (f *fakeSessionsRepo) Touch(_ context.Context, id string, at time.Time) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return common.ErrorNotFound
	}
	s.RefreshedAt = at
	return nil
}

// fakeStatesRepo mirrors the conditional upsert of the Postgres repository.
type fakeStatesRepo struct {
	mu        sync.Mutex
	rows      map[string]models.PlaybackState
	upsertErr error
	upserts   int
}

func (f *fakeStatesRepo) Upsert(_ context.Context, st *models.PlaybackState) (bool, error) {
	if f.upsertErr != nil {
		return false, f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if cur, ok := f.rows[st.SessionID]; ok && cur.Timestamp > st.Timestamp {
		return false, nil
	}
	f.rows[st.SessionID] = *st
	return true, nil
}

func (f *fakeStatesRepo) Get(_ context.Context, id string) (*models.PlaybackState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.rows[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &st, nil
}

type fakeRepoManager struct {
	sessions *fakeSessionsRepo
	states   *fakeStatesRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		sessions: &fakeSessionsRepo{rows: make(map[string]*models.Session)},
		states:   &fakeStatesRepo{rows: make(map[string]models.PlaybackState)},
	}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Sessions(dbx.DBTX) sessions.Repository        { return m.sessions }
func (m *fakeRepoManager) States(dbx.DBTX) states.Repository            { return m.states }
