package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/agentworkforce/marksync/internal/tree"
)

const (
	postgresTablePrefix      = "marksync"
	defaultWorkspaceKey      = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores a workspace relationally: one row per binding,
// group and item, all keyed by workspace. Save upserts what the snapshot
// holds and deletes what it no longer holds, group by group, so a change to
// one group leaves the rows of the others alone.
type PostgresBackend struct {
	dsn         string
	tablePrefix string
	workspace   string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:         dsn,
		tablePrefix: postgresTablePrefix,
		workspace:   defaultWorkspaceKey,
		openDB:      sql.Open,
	}, nil
}

type postgresTables struct {
	workspaces, bindings, groups, items string
}

func (b *PostgresBackend) tables() postgresTables {
	name := func(suffix string) string {
		return postgresQuoteIdentifier(b.tablePrefix + "_" + suffix)
	}
	return postgresTables{
		workspaces: name("workspaces"),
		bindings:   name("bindings"),
		groups:     name("groups"),
		items:      name("items"),
	}
}

func (b *PostgresBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	t := b.tables()

	snapshot := newSnapshot()
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT version, saved_at FROM %s WHERE workspace = $1", t.workspaces),
		b.workspace,
	).Scan(&snapshot.Version, &snapshot.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}

	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf("SELECT binding_key, binding_value FROM %s WHERE workspace = $1", t.bindings),
		b.workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("load bindings: %w", err)
	}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		snapshot.Bindings[key] = value
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load bindings: %w", err)
	}

	rows, err = b.db.QueryContext(ctx,
		fmt.Sprintf("SELECT group_id, name, container_id FROM %s WHERE workspace = $1 ORDER BY name, group_id", t.groups),
		b.workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	for rows.Next() {
		var g tree.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.ContainerID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan group: %w", err)
		}
		snapshot.Groups = append(snapshot.Groups, g)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}

	rows, err = b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT item_id, item_type, group_id, parent_id, position, external_id, title, url
			FROM %s WHERE workspace = $1 ORDER BY group_id, parent_id, position, item_id`, t.items),
		b.workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	for rows.Next() {
		var item tree.Item
		var itemType string
		if err := rows.Scan(&item.ID, &itemType, &item.GroupID, &item.ParentID, &item.Position, &item.ExternalID, &item.Title, &item.URL); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.Type = tree.ItemType(itemType)
		snapshot.Items = append(snapshot.Items, item)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	snapshot.normalize()
	return snapshot, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if closeErr := rows.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Save writes snapshot in one transaction.
func (b *PostgresBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	if err := b.saveTx(ctx, tx, snapshot); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (b *PostgresBackend) saveTx(ctx context.Context, tx *sql.Tx, snapshot *Snapshot) error {
	t := b.tables()
	version := snapshot.Version
	if version == 0 {
		version = snapshotVersion
	}
	savedAt := snapshot.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (workspace, version, saved_at) VALUES ($1, $2, $3)
		ON CONFLICT (workspace) DO UPDATE SET version = EXCLUDED.version, saved_at = EXCLUDED.saved_at`, t.workspaces),
		b.workspace, version, savedAt,
	); err != nil {
		return fmt.Errorf("save workspace: %w", err)
	}

	keys := make([]string, 0, len(snapshot.Bindings))
	for key := range snapshot.Bindings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (workspace, binding_key, binding_value) VALUES ($1, $2, $3)
			ON CONFLICT (workspace, binding_key) DO UPDATE SET binding_value = EXCLUDED.binding_value`, t.bindings),
			b.workspace, key, snapshot.Bindings[key],
		); err != nil {
			return fmt.Errorf("save binding %s: %w", key, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE workspace = $1 AND NOT (binding_key = ANY($2))", t.bindings),
		b.workspace, pq.Array(keys),
	); err != nil {
		return fmt.Errorf("prune bindings: %w", err)
	}

	groupIDs := []string{tree.HomeGroupID}
	for _, g := range snapshot.Groups {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (workspace, group_id, name, container_id) VALUES ($1, $2, $3, $4)
			ON CONFLICT (workspace, group_id) DO UPDATE SET name = EXCLUDED.name, container_id = EXCLUDED.container_id`, t.groups),
			b.workspace, g.ID, g.Name, g.ContainerID,
		); err != nil {
			return fmt.Errorf("save group %s: %w", g.ID, err)
		}
		groupIDs = append(groupIDs, g.ID)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE workspace = $1 AND NOT (group_id = ANY($2))", t.groups),
		b.workspace, pq.Array(groupIDs[1:]),
	); err != nil {
		return fmt.Errorf("prune groups: %w", err)
	}

	byGroup := map[string][]tree.Item{}
	for _, item := range snapshot.Items {
		byGroup[item.GroupID] = append(byGroup[item.GroupID], item)
	}
	for _, groupID := range groupIDs {
		if err := b.saveGroupItems(ctx, tx, groupID, byGroup[groupID]); err != nil {
			return err
		}
	}
	// Items whose group is gone go with it.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE workspace = $1 AND NOT (group_id = ANY($2))", t.items),
		b.workspace, pq.Array(groupIDs),
	); err != nil {
		return fmt.Errorf("prune orphaned items: %w", err)
	}
	return nil
}

// saveGroupItems upserts the items of one group and deletes the group's rows
// that are not among them.
func (b *PostgresBackend) saveGroupItems(ctx context.Context, tx *sql.Tx, groupID string, items []tree.Item) error {
	t := b.tables()
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (workspace, item_id, item_type, group_id, parent_id, position, external_id, title, url)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (workspace, item_id) DO UPDATE SET
				item_type = EXCLUDED.item_type, group_id = EXCLUDED.group_id, parent_id = EXCLUDED.parent_id,
				position = EXCLUDED.position, external_id = EXCLUDED.external_id,
				title = EXCLUDED.title, url = EXCLUDED.url`, t.items),
			b.workspace, item.ID, string(item.Type), groupID, item.ParentID, item.Position, item.ExternalID, item.Title, item.URL,
		); err != nil {
			return fmt.Errorf("save item %s: %w", item.ID, err)
		}
		ids = append(ids, item.ID)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE workspace = $1 AND group_id = $2 AND NOT (item_id = ANY($3))", t.items),
		b.workspace, groupID, pq.Array(ids),
	); err != nil {
		return fmt.Errorf("prune items of group %s: %w", groupID, err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) schema() []string {
	t := b.tables()
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			workspace TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL
		)`, t.workspaces),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			workspace TEXT NOT NULL,
			binding_key TEXT NOT NULL,
			binding_value TEXT NOT NULL,
			PRIMARY KEY (workspace, binding_key)
		)`, t.bindings),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			workspace TEXT NOT NULL,
			group_id TEXT NOT NULL,
			name TEXT NOT NULL,
			container_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (workspace, group_id)
		)`, t.groups),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			workspace TEXT NOT NULL,
			item_id TEXT NOT NULL,
			item_type TEXT NOT NULL,
			group_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (workspace, item_id)
		)`, t.items),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (workspace, group_id)",
			postgresQuoteIdentifier(b.tablePrefix+"_items_by_group"), t.items),
	}
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range b.schema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("initialize schema: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	return pq.QuoteIdentifier(strings.TrimSpace(identifier))
}
