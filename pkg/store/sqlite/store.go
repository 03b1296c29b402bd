// Package sqlite persists flows, the switch inventory, mirror group
// allocations and flow history in SQLite (modernc.org/sqlite, no CGo).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/flowhs/pkg/history"
	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/plaenen/flowhs/pkg/store/sqlite/migrate"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// Store implements orchestration.FlowRepository and history.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// txMu serialises writes; SQLite allows a single writer.
	txMu sync.Mutex
}

type storeConfig struct {
	dsn          string
	maxOpenConns int
	walMode      bool
	autoMigrate  bool
	logger       *slog.Logger
}

// Option configures a Store.
type Option func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) Option {
	return func(c *storeConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() Option {
	return WithDSN(":memory:")
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) {
		c.maxOpenConns = n
	}
}

// WithWALMode enables write-ahead logging. Ignored for in-memory databases.
func WithWALMode(enabled bool) Option {
	return func(c *storeConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations when the store opens.
func WithAutoMigrate(enabled bool) Option {
	return func(c *storeConfig) {
		c.autoMigrate = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// New opens the store. By default it uses flowhs.db in WAL mode and
// migrates the schema.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	cfg := storeConfig{
		dsn:          "flowhs.db",
		maxOpenConns: 8,
		walMode:      true,
		autoMigrate:  true,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to :memory: is its own database.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		cfg.walMode = false
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetConnMaxLifetime(time.Hour)
	}

	s := &Store{db: db, logger: cfg.logger}

	if cfg.walMode {
		if _, err := db.ExecContext(ctx, `
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA busy_timeout = 5000;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if cfg.autoMigrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	m := migrate.New(s.db, migrationsTable)
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := m.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if applied > 0 {
		s.logger.InfoContext(ctx, "Applied schema migrations", slog.Int("count", applied))
	}
	return nil
}

// MigrationVersion returns the current schema version.
func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	return migrate.New(s.db, migrationsTable).Version(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PutFlow inserts or replaces a flow.
func (s *Store) PutFlow(ctx context.Context, flow *model.Flow) error {
	doc, err := encodeFlow(flow)
	if err != nil {
		return fmt.Errorf("failed to encode flow %s: %w", flow.FlowID, err)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (flow_id, status, document, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at
	`, flow.FlowID, string(flow.Status), string(doc), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store flow %s: %w", flow.FlowID, err)
	}
	return nil
}

// PutSwitches inserts or updates switches in the inventory.
func (s *Store) PutSwitches(ctx context.Context, switches ...model.Switch) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, sw := range switches {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO switches (switch_id, status) VALUES (?, ?)
			ON CONFLICT(switch_id) DO UPDATE SET status = excluded.status
		`, string(sw.SwitchID), string(sw.Status))
		if err != nil {
			return fmt.Errorf("failed to store switch %s: %w", sw.SwitchID, err)
		}
	}
	return tx.Commit()
}

// GetFlow returns the flow with the given id.
func (s *Store) GetFlow(ctx context.Context, flowID string) (*model.Flow, error) {
	return getFlow(ctx, s.db, flowID)
}

// FlowIDsByStatus returns the ids of flows in status, sorted.
func (s *Store) FlowIDsByStatus(ctx context.Context, status model.FlowStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT flow_id FROM flows WHERE status = ? ORDER BY flow_id", string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WithTransaction runs fn in a database transaction, committing only when
// fn returns nil.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx orchestration.FlowTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&transaction{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendHistory implements history.Store.
func (s *Store) AppendHistory(ctx context.Context, entry history.Entry) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_history (entry_id, flow_id, task_id, action, details, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.FlowID, entry.TaskID, entry.Action, entry.Details, entry.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append history for flow %s: %w", entry.FlowID, err)
	}
	return nil
}

// History returns the history of a flow in the order it was recorded.
func (s *Store) History(ctx context.Context, flowID string) ([]history.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, flow_id, task_id, action, details, recorded_at
		FROM flow_history WHERE flow_id = ? ORDER BY seq
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []history.Entry
	for rows.Next() {
		var (
			entry      history.Entry
			recordedAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.FlowID, &entry.TaskID, &entry.Action, &entry.Details, &recordedAt); err != nil {
			return nil, err
		}
		entry.Timestamp = time.UnixMilli(recordedAt).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getFlow(ctx context.Context, q querier, flowID string) (*model.Flow, error) {
	var doc string
	err := q.QueryRowContext(ctx, "SELECT document FROM flows WHERE flow_id = ?", flowID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}
	return decodeFlow([]byte(doc))
}

type transaction struct {
	tx *sql.Tx
}

func (t *transaction) GetFlow(ctx context.Context, flowID string) (*model.Flow, error) {
	return getFlow(ctx, t.tx, flowID)
}

func (t *transaction) SaveFlow(ctx context.Context, flow *model.Flow) error {
	doc, err := encodeFlow(flow)
	if err != nil {
		return fmt.Errorf("failed to encode flow %s: %w", flow.FlowID, err)
	}

	res, err := t.tx.ExecContext(ctx,
		"UPDATE flows SET status = ?, document = ?, updated_at = ? WHERE flow_id = ?",
		string(flow.Status), string(doc), time.Now().UnixMilli(), flow.FlowID)
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", flow.FlowID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", model.ErrFlowNotFound, flow.FlowID)
	}
	return nil
}

func (t *transaction) GetSwitch(ctx context.Context, switchID model.SwitchID) (model.Switch, error) {
	var status string
	err := t.tx.QueryRowContext(ctx, "SELECT status FROM switches WHERE switch_id = ?", string(switchID)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Switch{}, fmt.Errorf("%w: %s", model.ErrSwitchNotFound, switchID)
	}
	if err != nil {
		return model.Switch{}, fmt.Errorf("failed to load switch %s: %w", switchID, err)
	}
	return model.Switch{SwitchID: switchID, Status: model.SwitchStatus(status)}, nil
}

func (t *transaction) AllocateMirrorGroupID(ctx context.Context, switchID model.SwitchID) (model.GroupID, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO mirror_groups (switch_id, last_group_id) VALUES (?, ?)
		ON CONFLICT(switch_id) DO UPDATE SET last_group_id = last_group_id + 1
		RETURNING last_group_id
	`, string(switchID), int64(model.MinMirrorGroupID)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate mirror group on %s: %w", switchID, err)
	}
	return model.GroupID(id), nil
}

var (
	_ orchestration.FlowRepository = (*Store)(nil)
	_ history.Store                = (*Store)(nil)
)
