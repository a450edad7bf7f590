package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteStateTableName = "marksync_state"

// SQLiteBackend stores the snapshot in a single-file database, which suits
// one machine running one daemon.
type SQLiteBackend struct {
	path     string
	stateKey string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteBackend{path: path, stateKey: defaultWorkspaceKey}, nil
}

func (b *SQLiteBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var payload string
	err := b.db.QueryRow(
		fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = ?", sqliteStateTableName),
		b.stateKey,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	snapshot.normalize()
	return &snapshot, nil
}

func (b *SQLiteBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	query := fmt.Sprintf(`
	INSERT OR REPLACE INTO %s (state_key, snapshot, updated_at)
	VALUES (?, ?, ?)
	`, sqliteStateTableName)
	_, err = b.db.Exec(query, b.stateKey, string(payload), time.Now().UTC())
	return err
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) ensureReady() error {
	b.initOnce.Do(func() {
		if dir := filepath.Dir(b.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				b.initErr = fmt.Errorf("create data dir: %w", err)
				return
			}
		}
		db, err := sql.Open("sqlite3", b.path)
		if err != nil {
			b.initErr = fmt.Errorf("open database: %w", err)
			return
		}
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		`, sqliteStateTableName)
		if _, err := db.Exec(schema); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("initialize state table: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}
