package state

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/marksync/internal/tree"
)

// textArray matches a pq.Array([]string) argument.
type textArray []string

func (a textArray) Match(v driver.Value) bool {
	want, err := pq.Array([]string(a)).Value()
	if err != nil {
		return false
	}
	return v == want
}

func newMockPostgres(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	backend, err := NewPostgresBackend("postgres://marksync@localhost/marksync")
	require.NoError(t, err)
	backend.openDB = func(driverName, dsn string) (*sql.DB, error) {
		assert.Equal(t, "postgres", driverName)
		return db, nil
	}
	for _, table := range []string{"workspaces", "bindings", "groups", "items"} {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "marksync_` + table + `"`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "marksync_items_by_group"`).WillReturnResult(sqlmock.NewResult(0, 0))
	return backend, mock
}

func oneRow() driver.Result { return sqlmock.NewResult(0, 1) }

func TestPostgresBackendSavesRowsPerGroup(t *testing.T) {
	backend, mock := newMockPostgres(t)
	savedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snapshot := &Snapshot{
		Version:  1,
		SavedAt:  savedAt,
		Bindings: map[string]string{KeyRootFolderID: "41", KeyHomeFolderID: "42"},
		Groups:   []tree.Group{{ID: "g1", Name: "Research", ContainerID: "44"}},
		Items: []tree.Item{
			{ID: "a", Type: tree.TypeShortcut, GroupID: tree.HomeGroupID, Position: 0, ExternalID: "50", Title: "A", URL: "https://a.example"},
			{ID: "f", Type: tree.TypeFolder, GroupID: "g1", Position: 0, ExternalID: "51", Title: "Papers"},
			{ID: "p", Type: tree.TypeShortcut, GroupID: "g1", ParentID: "f", Position: 0, Title: "P", URL: "https://p.example"},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "marksync_workspaces"`).WithArgs("default", 1, savedAt).WillReturnResult(oneRow())
	mock.ExpectExec(`INSERT INTO "marksync_bindings"`).WithArgs("default", KeyHomeFolderID, "42").WillReturnResult(oneRow())
	mock.ExpectExec(`INSERT INTO "marksync_bindings"`).WithArgs("default", KeyRootFolderID, "41").WillReturnResult(oneRow())
	mock.ExpectExec(`DELETE FROM "marksync_bindings"`).
		WithArgs("default", textArray{KeyHomeFolderID, KeyRootFolderID}).WillReturnResult(oneRow())
	mock.ExpectExec(`INSERT INTO "marksync_groups"`).WithArgs("default", "g1", "Research", "44").WillReturnResult(oneRow())
	mock.ExpectExec(`DELETE FROM "marksync_groups"`).WithArgs("default", textArray{"g1"}).WillReturnResult(oneRow())
	mock.ExpectExec(`INSERT INTO "marksync_items"`).
		WithArgs("default", "a", "shortcut", tree.HomeGroupID, "", 0, "50", "A", "https://a.example").WillReturnResult(oneRow())
	mock.ExpectExec(`DELETE FROM "marksync_items" WHERE workspace = \$1 AND group_id = \$2`).
		WithArgs("default", tree.HomeGroupID, textArray{"a"}).WillReturnResult(oneRow())
	mock.ExpectExec(`INSERT INTO "marksync_items"`).
		WithArgs("default", "f", "folder", "g1", "", 0, "51", "Papers", "").WillReturnResult(oneRow())
	mock.ExpectExec(`INSERT INTO "marksync_items"`).
		WithArgs("default", "p", "shortcut", "g1", "f", 0, "", "P", "https://p.example").WillReturnResult(oneRow())
	mock.ExpectExec(`DELETE FROM "marksync_items" WHERE workspace = \$1 AND group_id = \$2`).
		WithArgs("default", "g1", textArray{"f", "p"}).WillReturnResult(oneRow())
	mock.ExpectExec(`DELETE FROM "marksync_items" WHERE workspace = \$1 AND NOT \(group_id = ANY`).
		WithArgs("default", textArray{tree.HomeGroupID, "g1"}).WillReturnResult(oneRow())
	mock.ExpectCommit()

	require.NoError(t, backend.Save(snapshot))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendRemovedGroupLosesItsRows(t *testing.T) {
	backend, mock := newMockPostgres(t)
	snapshot := &Snapshot{Version: 1, SavedAt: time.Now().UTC(), Bindings: map[string]string{}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "marksync_workspaces"`).WillReturnResult(oneRow())
	mock.ExpectExec(`DELETE FROM "marksync_bindings"`).WithArgs("default", textArray{}).WillReturnResult(oneRow())
	mock.ExpectExec(`DELETE FROM "marksync_groups"`).WithArgs("default", textArray{}).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM "marksync_items" WHERE workspace = \$1 AND group_id = \$2`).
		WithArgs("default", tree.HomeGroupID, textArray{}).WillReturnResult(oneRow())
	mock.ExpectExec(`DELETE FROM "marksync_items" WHERE workspace = \$1 AND NOT \(group_id = ANY`).
		WithArgs("default", textArray{tree.HomeGroupID}).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, backend.Save(snapshot))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendRollsBackFailedSave(t *testing.T) {
	backend, mock := newMockPostgres(t)
	snapshot := &Snapshot{
		Version:  1,
		SavedAt:  time.Now().UTC(),
		Bindings: map[string]string{},
		Items:    []tree.Item{{ID: "a", Type: tree.TypeShortcut, GroupID: tree.HomeGroupID, Title: "A", URL: "https://a.example"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "marksync_workspaces"`).WillReturnResult(oneRow())
	mock.ExpectExec(`DELETE FROM "marksync_bindings"`).WillReturnResult(oneRow())
	mock.ExpectExec(`DELETE FROM "marksync_groups"`).WillReturnResult(oneRow())
	mock.ExpectExec(`INSERT INTO "marksync_items"`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := backend.Save(snapshot)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save item a")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendLoadsRows(t *testing.T) {
	backend, mock := newMockPostgres(t)
	savedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT version, saved_at FROM "marksync_workspaces"`).WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"version", "saved_at"}).AddRow(1, savedAt))
	mock.ExpectQuery(`SELECT binding_key, binding_value FROM "marksync_bindings"`).WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"binding_key", "binding_value"}).AddRow(KeyRootFolderID, "41"))
	mock.ExpectQuery(`SELECT group_id, name, container_id FROM "marksync_groups"`).WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"group_id", "name", "container_id"}).AddRow("g1", "Research", "44"))
	mock.ExpectQuery(`SELECT item_id, item_type, group_id, parent_id, position, external_id, title, url FROM "marksync_items"`).WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "item_type", "group_id", "parent_id", "position", "external_id", "title", "url"}).
			AddRow("f", "folder", "g1", "", 0, "51", "Papers", "").
			AddRow("p", "shortcut", "g1", "f", 0, "", "P", "https://p.example"))

	snapshot, err := backend.Load()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, savedAt, snapshot.SavedAt)
	assert.Equal(t, "41", snapshot.Bindings[KeyRootFolderID])
	assert.Equal(t, []tree.Group{{ID: "g1", Name: "Research", ContainerID: "44"}}, snapshot.Groups)
	require.Len(t, snapshot.Items, 2)
	assert.Equal(t, tree.TypeFolder, snapshot.Items[0].Type)
	assert.Equal(t, "f", snapshot.Items[1].ParentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendLoadWithoutWorkspace(t *testing.T) {
	backend, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT version, saved_at FROM "marksync_workspaces"`).WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"version", "saved_at"}))

	snapshot, err := backend.Load()
	require.NoError(t, err)
	assert.Nil(t, snapshot)
	require.NoError(t, mock.ExpectationsWereMet())
}
