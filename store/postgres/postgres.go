// Package postgres implements store.Store on PostgreSQL via uptrace/bun. All
// tables live under the flowmaestro schema; Migrate bootstraps them.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/flowmaestro/flowmaestro/store"
)

const defaultListLimit = 50

// Store is the PostgreSQL-backed store.Store implementation.
type Store struct {
	db *bun.DB
}

// Open connects to PostgreSQL with the pgdriver connector and returns a bun
// handle using the Postgres dialect.
func Open(dsn string) (*bun.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// New wraps a bun handle in a Store.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate creates the flowmaestro schema and all tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS flowmaestro"); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	models := []any{
		(*store.Workflow)(nil),
		(*store.Version)(nil),
		(*store.Execution)(nil),
		(*store.ExecutionLog)(nil),
		(*store.NodeResult)(nil),
		(*store.Trigger)(nil),
		(*store.TriggerExecution)(nil),
		(*store.WebhookLog)(nil),
		(*store.DatabaseConnection)(nil),
		(*store.IntegrationConnection)(nil),
		(*store.GlobalVariable)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}
	indexes := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS execution_logs_seq ON flowmaestro.execution_logs (execution_id, sequence)",
		"CREATE UNIQUE INDEX IF NOT EXISTS workflow_versions_number ON flowmaestro.workflow_versions (workflow_id, number)",
		"CREATE INDEX IF NOT EXISTS executions_workflow ON flowmaestro.executions (workflow_id, created_at)",
		"CREATE INDEX IF NOT EXISTS triggers_workflow ON flowmaestro.workflow_triggers (workflow_id)",
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Workflows implements store.Store.
func (s *Store) Workflows() store.WorkflowStore { return workflows{s.db} }

// Versions implements store.Store.
func (s *Store) Versions() store.VersionStore { return versions{s.db} }

// Executions implements store.Store.
func (s *Store) Executions() store.ExecutionStore { return executions{s.db} }

// Triggers implements store.Store.
func (s *Store) Triggers() store.TriggerStore { return triggers{s.db} }

// Connections implements store.Store.
func (s *Store) Connections() store.ConnectionStore { return connections{s.db} }

// Variables implements store.Store.
func (s *Store) Variables() store.VariableStore { return variables{s.db} }

func limitOf(opts store.ListOptions) int {
	if opts.Limit > 0 {
		return opts.Limit
	}
	return defaultListLimit
}

// notFound maps sql.ErrNoRows and zero-row updates to the store sentinel.
func notFound(err error) error {
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	return err
}

func requireRows(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type workflows struct{ db *bun.DB }

func (w workflows) Create(ctx context.Context, rec *store.Workflow) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	_, err := w.db.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (w workflows) Get(ctx context.Context, userID, id string) (*store.Workflow, error) {
	rec := new(store.Workflow)
	err := w.db.NewSelect().Model(rec).
		Where("w.id = ?", id).
		Where("w.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (w workflows) List(ctx context.Context, userID string, opts store.ListOptions) ([]*store.Workflow, error) {
	var recs []*store.Workflow
	err := w.db.NewSelect().Model(&recs).
		Where("w.user_id = ?", userID).
		OrderExpr("w.created_at DESC").
		Offset(opts.Offset).
		Limit(limitOf(opts)).
		Scan(ctx)
	return recs, err
}

func (w workflows) Update(ctx context.Context, rec *store.Workflow) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := w.db.NewUpdate().Model(rec).
		Column("name", "description", "definition", "is_active", "version", "updated_at").
		Where("w.id = ?", rec.ID).
		Where("w.user_id = ?", rec.UserID).
		Exec(ctx)
	return requireRows(res, err)
}

func (w workflows) SoftDelete(ctx context.Context, userID, id string) error {
	res, err := w.db.NewDelete().Model((*store.Workflow)(nil)).
		Where("w.id = ?", id).
		Where("w.user_id = ?", userID).
		Exec(ctx)
	return requireRows(res, err)
}

type versions struct{ db *bun.DB }

func (v versions) Create(ctx context.Context, rec *store.Version) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := v.db.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (v versions) Get(ctx context.Context, userID, id string) (*store.Version, error) {
	rec := new(store.Version)
	err := v.db.NewSelect().Model(rec).
		Where("wv.id = ?", id).
		Where("wv.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (v versions) GetByNumber(ctx context.Context, workflowID string, number int) (*store.Version, error) {
	rec := new(store.Version)
	err := v.db.NewSelect().Model(rec).
		Where("wv.workflow_id = ?", workflowID).
		Where("wv.number = ?", number).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (v versions) ListByWorkflow(ctx context.Context, userID, workflowID string, opts store.ListOptions) ([]*store.Version, error) {
	var recs []*store.Version
	err := v.db.NewSelect().Model(&recs).
		Where("wv.workflow_id = ?", workflowID).
		Where("wv.user_id = ?", userID).
		OrderExpr("wv.number DESC").
		Offset(opts.Offset).
		Limit(limitOf(opts)).
		Scan(ctx)
	return recs, err
}

func (v versions) Rename(ctx context.Context, userID, id, label string) error {
	res, err := v.db.NewUpdate().Model((*store.Version)(nil)).
		Set("label = ?", label).
		Where("id = ?", id).
		Where("user_id = ?", userID).
		Exec(ctx)
	return requireRows(res, err)
}

func (v versions) Delete(ctx context.Context, userID, id string) error {
	res, err := v.db.NewDelete().Model((*store.Version)(nil)).
		Where("id = ?", id).
		Where("user_id = ?", userID).
		Exec(ctx)
	return requireRows(res, err)
}

type executions struct{ db *bun.DB }

func (e executions) Create(ctx context.Context, rec *store.Execution) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = store.StatusPending
	}
	_, err := e.db.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (e executions) Get(ctx context.Context, userID, id string) (*store.Execution, error) {
	rec := new(store.Execution)
	err := e.db.NewSelect().Model(rec).
		Where("e.id = ?", id).
		Where("e.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (e executions) List(ctx context.Context, userID string, f store.ExecutionFilter, opts store.ListOptions) ([]*store.Execution, error) {
	var recs []*store.Execution
	q := e.db.NewSelect().Model(&recs).Where("e.user_id = ?", userID)
	if f.WorkflowID != "" {
		q = q.Where("e.workflow_id = ?", f.WorkflowID)
	}
	if f.Status != "" {
		q = q.Where("e.status = ?", f.Status)
	}
	err := q.OrderExpr("e.created_at DESC").
		Offset(opts.Offset).
		Limit(limitOf(opts)).
		Scan(ctx)
	return recs, err
}

func (e executions) UpdateStatus(ctx context.Context, id string, upd store.StatusUpdate) error {
	q := e.db.NewUpdate().Model((*store.Execution)(nil)).
		Set("status = ?", upd.Status).
		Where("id = ?", id)
	if upd.Outputs != nil {
		data, err := json.Marshal(upd.Outputs)
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
		q = q.Set("outputs = ?", string(data))
	}
	if upd.Error != "" {
		q = q.Set("error = ?", upd.Error)
	}
	if upd.FailedNode != "" {
		q = q.Set("failed_node = ?", upd.FailedNode)
	}
	if upd.StartedAt != nil {
		q = q.Set("started_at = ?", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		q = q.Set("completed_at = ?", *upd.CompletedAt)
	}
	res, err := q.Exec(ctx)
	return requireRows(res, err)
}

func (e executions) AppendLog(ctx context.Context, l *store.ExecutionLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	// duplicate sequences are replay artifacts, not errors
	_, err := e.db.NewInsert().Model(l).
		On("CONFLICT (execution_id, sequence) DO NOTHING").
		Exec(ctx)
	return err
}

func (e executions) ListLogs(ctx context.Context, executionID string, f store.LogFilter, limit int) ([]*store.ExecutionLog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var recs []*store.ExecutionLog
	q := e.db.NewSelect().Model(&recs).
		Where("el.execution_id = ?", executionID).
		Where("el.sequence > ?", f.AfterSequence)
	if f.Level != "" {
		q = q.Where("el.level = ?", f.Level)
	}
	if f.Node != "" {
		q = q.Where("el.node = ?", f.Node)
	}
	err := q.OrderExpr("el.sequence ASC").
		Limit(limit).
		Scan(ctx)
	return recs, err
}

func (e executions) UpsertNodeResult(ctx context.Context, r *store.NodeResult) error {
	_, err := e.db.NewInsert().Model(r).
		On("CONFLICT (execution_id, node) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("output = EXCLUDED.output").
		Set("error = EXCLUDED.error").
		Set("attempts = EXCLUDED.attempts").
		Set("completed_at = EXCLUDED.completed_at").
		Exec(ctx)
	return err
}

func (e executions) ListNodeResults(ctx context.Context, executionID string) ([]*store.NodeResult, error) {
	var recs []*store.NodeResult
	err := e.db.NewSelect().Model(&recs).
		Where("nr.execution_id = ?", executionID).
		OrderExpr("nr.started_at ASC").
		Scan(ctx)
	return recs, err
}

type triggers struct{ db *bun.DB }

func (t triggers) Create(ctx context.Context, rec *store.Trigger) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	_, err := t.db.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (t triggers) Get(ctx context.Context, userID, id string) (*store.Trigger, error) {
	rec := new(store.Trigger)
	err := t.db.NewSelect().Model(rec).
		Where("t.id = ?", id).
		Where("t.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (t triggers) GetForWebhook(ctx context.Context, workflowID, triggerID string) (*store.Trigger, error) {
	rec := new(store.Trigger)
	err := t.db.NewSelect().Model(rec).
		Where("t.id = ?", triggerID).
		Where("t.workflow_id = ?", workflowID).
		Where("t.kind = ?", store.TriggerWebhook).
		Where("t.is_active").
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (t triggers) List(ctx context.Context, userID string, f store.TriggerFilter, opts store.ListOptions) ([]*store.Trigger, error) {
	var recs []*store.Trigger
	q := t.db.NewSelect().Model(&recs).Where("t.user_id = ?", userID)
	if f.WorkflowID != "" {
		q = q.Where("t.workflow_id = ?", f.WorkflowID)
	}
	if f.Kind != "" {
		q = q.Where("t.kind = ?", f.Kind)
	}
	err := q.OrderExpr("t.created_at DESC").
		Offset(opts.Offset).
		Limit(limitOf(opts)).
		Scan(ctx)
	return recs, err
}

func (t triggers) Update(ctx context.Context, rec *store.Trigger) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := t.db.NewUpdate().Model(rec).
		Column("name", "config", "is_active", "updated_at").
		Where("t.id = ?", rec.ID).
		Where("t.user_id = ?", rec.UserID).
		Exec(ctx)
	return requireRows(res, err)
}

func (t triggers) SoftDelete(ctx context.Context, userID, id string) error {
	if _, err := t.db.NewUpdate().Model((*store.Trigger)(nil)).
		Set("is_active = FALSE").
		Where("id = ?", id).
		Where("user_id = ?", userID).
		Exec(ctx); err != nil {
		return err
	}
	res, err := t.db.NewDelete().Model((*store.Trigger)(nil)).
		Where("t.id = ?", id).
		Where("t.user_id = ?", userID).
		Exec(ctx)
	return requireRows(res, err)
}

func (t triggers) ListActive(ctx context.Context, kind store.TriggerKind) ([]*store.Trigger, error) {
	var recs []*store.Trigger
	q := t.db.NewSelect().Model(&recs).Where("t.is_active")
	if kind != "" {
		q = q.Where("t.kind = ?", kind)
	}
	err := q.OrderExpr("t.created_at ASC").Scan(ctx)
	return recs, err
}

func (t triggers) IncrementFireCount(ctx context.Context, id string, at time.Time) error {
	res, err := t.db.NewUpdate().Model((*store.Trigger)(nil)).
		Set("fire_count = fire_count + 1").
		Set("last_triggered_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	return requireRows(res, err)
}

func (t triggers) AppendTriggerExecution(ctx context.Context, te *store.TriggerExecution) error {
	if te.CreatedAt.IsZero() {
		te.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.NewInsert().Model(te).Exec(ctx)
	return err
}

func (t triggers) ListTriggerExecutions(ctx context.Context, triggerID string, opts store.ListOptions) ([]*store.TriggerExecution, error) {
	var recs []*store.TriggerExecution
	err := t.db.NewSelect().Model(&recs).
		Where("te.trigger_id = ?", triggerID).
		OrderExpr("te.created_at DESC").
		Offset(opts.Offset).
		Limit(limitOf(opts)).
		Scan(ctx)
	return recs, err
}

func (t triggers) AppendWebhookLog(ctx context.Context, wl *store.WebhookLog) error {
	if wl.CreatedAt.IsZero() {
		wl.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.NewInsert().Model(wl).Exec(ctx)
	return err
}

func (t triggers) ListWebhookLogs(ctx context.Context, triggerID string, opts store.ListOptions) ([]*store.WebhookLog, error) {
	var recs []*store.WebhookLog
	err := t.db.NewSelect().Model(&recs).
		Where("wl.trigger_id = ?", triggerID).
		OrderExpr("wl.created_at DESC").
		Offset(opts.Offset).
		Limit(limitOf(opts)).
		Scan(ctx)
	return recs, err
}

type connections struct{ db *bun.DB }

func (c connections) CreateDatabase(ctx context.Context, rec *store.DatabaseConnection) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	_, err := c.db.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (c connections) GetDatabase(ctx context.Context, userID, id string) (*store.DatabaseConnection, error) {
	rec := new(store.DatabaseConnection)
	err := c.db.NewSelect().Model(rec).
		Where("dc.id = ?", id).
		Where("dc.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (c connections) ListDatabases(ctx context.Context, userID string, opts store.ListOptions) ([]*store.DatabaseConnection, error) {
	var recs []*store.DatabaseConnection
	err := c.db.NewSelect().Model(&recs).
		Where("dc.user_id = ?", userID).
		OrderExpr("dc.created_at DESC").
		Offset(opts.Offset).
		Limit(limitOf(opts)).
		Scan(ctx)
	return recs, err
}

func (c connections) DeleteDatabase(ctx context.Context, userID, id string) error {
	res, err := c.db.NewDelete().Model((*store.DatabaseConnection)(nil)).
		Where("id = ?", id).
		Where("user_id = ?", userID).
		Exec(ctx)
	return requireRows(res, err)
}

func (c connections) CreateIntegration(ctx context.Context, rec *store.IntegrationConnection) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	_, err := c.db.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (c connections) GetIntegration(ctx context.Context, userID, id string) (*store.IntegrationConnection, error) {
	rec := new(store.IntegrationConnection)
	err := c.db.NewSelect().Model(rec).
		Where("ic.id = ?", id).
		Where("ic.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (c connections) ListIntegrations(ctx context.Context, userID string, opts store.ListOptions) ([]*store.IntegrationConnection, error) {
	var recs []*store.IntegrationConnection
	err := c.db.NewSelect().Model(&recs).
		Where("ic.user_id = ?", userID).
		OrderExpr("ic.created_at DESC").
		Offset(opts.Offset).
		Limit(limitOf(opts)).
		Scan(ctx)
	return recs, err
}

func (c connections) DeleteIntegration(ctx context.Context, userID, id string) error {
	res, err := c.db.NewDelete().Model((*store.IntegrationConnection)(nil)).
		Where("id = ?", id).
		Where("user_id = ?", userID).
		Exec(ctx)
	return requireRows(res, err)
}

type variables struct{ db *bun.DB }

func (v variables) Set(ctx context.Context, userID, key string, value any) error {
	rec := &store.GlobalVariable{
		UserID:    userID,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := v.db.NewInsert().Model(rec).
		On("CONFLICT (user_id, key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (v variables) Get(ctx context.Context, userID, key string) (any, error) {
	rec := new(store.GlobalVariable)
	err := v.db.NewSelect().Model(rec).
		Where("gv.user_id = ?", userID).
		Where("gv.key = ?", key).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	return rec.Value, nil
}

func (v variables) List(ctx context.Context, userID string) (map[string]any, error) {
	var recs []*store.GlobalVariable
	err := v.db.NewSelect().Model(&recs).
		Where("gv.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(recs))
	for _, rec := range recs {
		out[rec.Key] = rec.Value
	}
	return out, nil
}

func (v variables) Delete(ctx context.Context, userID, key string) error {
	res, err := v.db.NewDelete().Model((*store.GlobalVariable)(nil)).
		Where("user_id = ?", userID).
		Where("key = ?", key).
		Exec(ctx)
	return requireRows(res, err)
}
