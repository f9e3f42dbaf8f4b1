// Package inmem provides a map-backed Store used by tests and local
// development. Semantics mirror store/postgres: user scoping, soft deletes,
// idempotent log appends and last-write-wins variables.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/store"
)

const defaultListLimit = 50

// Store is an in-memory store.Store implementation. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	workflows    map[string]*store.Workflow
	versions     map[string]*store.Version
	executions   map[string]*store.Execution
	logs         map[string][]*store.ExecutionLog
	nodeResults  map[string]map[string]*store.NodeResult
	triggers     map[string]*store.Trigger
	triggerExecs map[string][]*store.TriggerExecution
	webhookLogs  map[string][]*store.WebhookLog
	dbConns      map[string]*store.DatabaseConnection
	intConns     map[string]*store.IntegrationConnection
	variables    map[string]map[string]any
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		workflows:    make(map[string]*store.Workflow),
		versions:     make(map[string]*store.Version),
		executions:   make(map[string]*store.Execution),
		logs:         make(map[string][]*store.ExecutionLog),
		nodeResults:  make(map[string]map[string]*store.NodeResult),
		triggers:     make(map[string]*store.Trigger),
		triggerExecs: make(map[string][]*store.TriggerExecution),
		webhookLogs:  make(map[string][]*store.WebhookLog),
		dbConns:      make(map[string]*store.DatabaseConnection),
		intConns:     make(map[string]*store.IntegrationConnection),
		variables:    make(map[string]map[string]any),
	}
}

// Workflows implements store.Store.
func (s *Store) Workflows() store.WorkflowStore { return workflows{s} }

// Versions implements store.Store.
func (s *Store) Versions() store.VersionStore { return versions{s} }

// Executions implements store.Store.
func (s *Store) Executions() store.ExecutionStore { return executions{s} }

// Triggers implements store.Store.
func (s *Store) Triggers() store.TriggerStore { return triggers{s} }

// Connections implements store.Store.
func (s *Store) Connections() store.ConnectionStore { return connections{s} }

// Variables implements store.Store.
func (s *Store) Variables() store.VariableStore { return variables{s} }

func fillID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func fillTime(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

func clip[T any](items []T, opts store.ListOptions) []T {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

type workflows struct{ s *Store }

func (w workflows) Create(_ context.Context, rec *store.Workflow) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	fillID(&rec.ID)
	fillTime(&rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt
	if _, ok := w.s.workflows[rec.ID]; ok {
		return fault.Newf(fault.KindConflict, "workflow %s already exists", rec.ID)
	}
	cp := *rec
	w.s.workflows[rec.ID] = &cp
	return nil
}

func (w workflows) Get(_ context.Context, userID, id string) (*store.Workflow, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()
	rec, ok := w.s.workflows[id]
	if !ok || rec.DeletedAt != nil || rec.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (w workflows) List(_ context.Context, userID string, opts store.ListOptions) ([]*store.Workflow, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()
	var out []*store.Workflow
	for _, rec := range w.s.workflows {
		if rec.UserID != userID || rec.DeletedAt != nil {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return clip(out, opts), nil
}

func (w workflows) Update(_ context.Context, rec *store.Workflow) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	cur, ok := w.s.workflows[rec.ID]
	if !ok || cur.DeletedAt != nil || cur.UserID != rec.UserID {
		return store.ErrNotFound
	}
	cur.Name = rec.Name
	cur.Description = rec.Description
	cur.Definition = append([]byte(nil), rec.Definition...)
	cur.IsActive = rec.IsActive
	cur.Version = rec.Version
	cur.UpdatedAt = time.Now().UTC()
	rec.UpdatedAt = cur.UpdatedAt
	return nil
}

func (w workflows) SoftDelete(_ context.Context, userID, id string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	cur, ok := w.s.workflows[id]
	if !ok || cur.DeletedAt != nil || cur.UserID != userID {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	cur.DeletedAt = &now
	return nil
}

type versions struct{ s *Store }

func (v versions) Create(_ context.Context, rec *store.Version) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	fillID(&rec.ID)
	fillTime(&rec.CreatedAt)
	for _, existing := range v.s.versions {
		if existing.WorkflowID == rec.WorkflowID && existing.Number == rec.Number {
			return fault.Newf(fault.KindConflict, "version %d already exists for workflow %s", rec.Number, rec.WorkflowID)
		}
	}
	cp := *rec
	cp.Definition = append([]byte(nil), rec.Definition...)
	v.s.versions[rec.ID] = &cp
	return nil
}

func (v versions) Get(_ context.Context, userID, id string) (*store.Version, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	rec, ok := v.s.versions[id]
	if !ok || rec.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *rec
	cp.Definition = append([]byte(nil), rec.Definition...)
	return &cp, nil
}

func (v versions) GetByNumber(_ context.Context, workflowID string, number int) (*store.Version, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	for _, rec := range v.s.versions {
		if rec.WorkflowID == workflowID && rec.Number == number {
			cp := *rec
			cp.Definition = append([]byte(nil), rec.Definition...)
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (v versions) ListByWorkflow(_ context.Context, userID, workflowID string, opts store.ListOptions) ([]*store.Version, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []*store.Version
	for _, rec := range v.s.versions {
		if rec.WorkflowID != workflowID || rec.UserID != userID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return clip(out, opts), nil
}

func (v versions) Rename(_ context.Context, userID, id, label string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	rec, ok := v.s.versions[id]
	if !ok || rec.UserID != userID {
		return store.ErrNotFound
	}
	rec.Label = label
	return nil
}

func (v versions) Delete(_ context.Context, userID, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	rec, ok := v.s.versions[id]
	if !ok || rec.UserID != userID {
		return store.ErrNotFound
	}
	delete(v.s.versions, id)
	return nil
}

type executions struct{ s *Store }

func (e executions) Create(_ context.Context, rec *store.Execution) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	fillID(&rec.ID)
	fillTime(&rec.CreatedAt)
	if rec.Status == "" {
		rec.Status = store.StatusPending
	}
	if _, ok := e.s.executions[rec.ID]; ok {
		return fault.Newf(fault.KindConflict, "execution %s already exists", rec.ID)
	}
	cp := *rec
	e.s.executions[rec.ID] = &cp
	return nil
}

func (e executions) Get(_ context.Context, userID, id string) (*store.Execution, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	rec, ok := e.s.executions[id]
	if !ok || rec.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (e executions) List(_ context.Context, userID string, f store.ExecutionFilter, opts store.ListOptions) ([]*store.Execution, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	var out []*store.Execution
	for _, rec := range e.s.executions {
		if rec.UserID != userID {
			continue
		}
		if f.WorkflowID != "" && rec.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return clip(out, opts), nil
}

func (e executions) UpdateStatus(_ context.Context, id string, upd store.StatusUpdate) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	rec, ok := e.s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = upd.Status
	if upd.Outputs != nil {
		rec.Outputs = upd.Outputs
	}
	if upd.Error != "" {
		rec.Error = upd.Error
	}
	if upd.FailedNode != "" {
		rec.FailedNode = upd.FailedNode
	}
	if upd.StartedAt != nil {
		rec.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		rec.CompletedAt = upd.CompletedAt
	}
	return nil
}

func (e executions) AppendLog(_ context.Context, l *store.ExecutionLog) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	fillTime(&l.CreatedAt)
	logs := e.s.logs[l.ExecutionID]
	for _, existing := range logs {
		if existing.Sequence == l.Sequence {
			return nil
		}
	}
	cp := *l
	cp.ID = int64(len(logs) + 1)
	e.s.logs[l.ExecutionID] = append(logs, &cp)
	return nil
}

func (e executions) ListLogs(_ context.Context, executionID string, f store.LogFilter, limit int) ([]*store.ExecutionLog, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []*store.ExecutionLog
	for _, l := range e.s.logs[executionID] {
		if l.Sequence <= f.AfterSequence {
			continue
		}
		if f.Level != "" && l.Level != f.Level {
			continue
		}
		if f.Node != "" && l.Node != f.Node {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e executions) UpsertNodeResult(_ context.Context, r *store.NodeResult) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	byNode := e.s.nodeResults[r.ExecutionID]
	if byNode == nil {
		byNode = make(map[string]*store.NodeResult)
		e.s.nodeResults[r.ExecutionID] = byNode
	}
	cp := *r
	byNode[r.Node] = &cp
	return nil
}

func (e executions) ListNodeResults(_ context.Context, executionID string) ([]*store.NodeResult, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	var out []*store.NodeResult
	for _, r := range e.s.nodeResults[executionID] {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

type triggers struct{ s *Store }

func (t triggers) Create(_ context.Context, rec *store.Trigger) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	fillID(&rec.ID)
	fillTime(&rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt
	if _, ok := t.s.triggers[rec.ID]; ok {
		return fault.Newf(fault.KindConflict, "trigger %s already exists", rec.ID)
	}
	cp := *rec
	t.s.triggers[rec.ID] = &cp
	return nil
}

func (t triggers) Get(_ context.Context, userID, id string) (*store.Trigger, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	rec, ok := t.s.triggers[id]
	if !ok || rec.DeletedAt != nil || rec.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (t triggers) GetForWebhook(_ context.Context, workflowID, triggerID string) (*store.Trigger, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	rec, ok := t.s.triggers[triggerID]
	if !ok || rec.DeletedAt != nil || !rec.IsActive || rec.WorkflowID != workflowID || rec.Kind != store.TriggerWebhook {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (t triggers) List(_ context.Context, userID string, f store.TriggerFilter, opts store.ListOptions) ([]*store.Trigger, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []*store.Trigger
	for _, rec := range t.s.triggers {
		if rec.UserID != userID || rec.DeletedAt != nil {
			continue
		}
		if f.WorkflowID != "" && rec.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Kind != "" && rec.Kind != f.Kind {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return clip(out, opts), nil
}

func (t triggers) Update(_ context.Context, rec *store.Trigger) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cur, ok := t.s.triggers[rec.ID]
	if !ok || cur.DeletedAt != nil || cur.UserID != rec.UserID {
		return store.ErrNotFound
	}
	cur.Name = rec.Name
	cur.Config = rec.Config
	cur.IsActive = rec.IsActive
	cur.UpdatedAt = time.Now().UTC()
	rec.UpdatedAt = cur.UpdatedAt
	return nil
}

func (t triggers) SoftDelete(_ context.Context, userID, id string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cur, ok := t.s.triggers[id]
	if !ok || cur.DeletedAt != nil || cur.UserID != userID {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	cur.DeletedAt = &now
	cur.IsActive = false
	return nil
}

func (t triggers) ListActive(_ context.Context, kind store.TriggerKind) ([]*store.Trigger, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []*store.Trigger
	for _, rec := range t.s.triggers {
		if rec.DeletedAt != nil || !rec.IsActive {
			continue
		}
		if kind != "" && rec.Kind != kind {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t triggers) IncrementFireCount(_ context.Context, id string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rec, ok := t.s.triggers[id]
	if !ok || rec.DeletedAt != nil {
		return store.ErrNotFound
	}
	rec.FireCount++
	rec.LastTriggeredAt = &at
	return nil
}

func (t triggers) AppendTriggerExecution(_ context.Context, te *store.TriggerExecution) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	fillID(&te.ID)
	fillTime(&te.CreatedAt)
	cp := *te
	t.s.triggerExecs[te.TriggerID] = append(t.s.triggerExecs[te.TriggerID], &cp)
	return nil
}

func (t triggers) ListTriggerExecutions(_ context.Context, triggerID string, opts store.ListOptions) ([]*store.TriggerExecution, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	recs := t.s.triggerExecs[triggerID]
	out := make([]*store.TriggerExecution, 0, len(recs))
	for _, rec := range recs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return clip(out, opts), nil
}

func (t triggers) AppendWebhookLog(_ context.Context, wl *store.WebhookLog) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	fillID(&wl.ID)
	fillTime(&wl.CreatedAt)
	cp := *wl
	t.s.webhookLogs[wl.TriggerID] = append(t.s.webhookLogs[wl.TriggerID], &cp)
	return nil
}

func (t triggers) ListWebhookLogs(_ context.Context, triggerID string, opts store.ListOptions) ([]*store.WebhookLog, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	recs := t.s.webhookLogs[triggerID]
	out := make([]*store.WebhookLog, 0, len(recs))
	for _, rec := range recs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return clip(out, opts), nil
}

type connections struct{ s *Store }

func (c connections) CreateDatabase(_ context.Context, rec *store.DatabaseConnection) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	fillID(&rec.ID)
	fillTime(&rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	c.s.dbConns[rec.ID] = &cp
	return nil
}

func (c connections) GetDatabase(_ context.Context, userID, id string) (*store.DatabaseConnection, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	rec, ok := c.s.dbConns[id]
	if !ok || rec.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (c connections) ListDatabases(_ context.Context, userID string, opts store.ListOptions) ([]*store.DatabaseConnection, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	var out []*store.DatabaseConnection
	for _, rec := range c.s.dbConns {
		if rec.UserID != userID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return clip(out, opts), nil
}

func (c connections) DeleteDatabase(_ context.Context, userID, id string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	rec, ok := c.s.dbConns[id]
	if !ok || rec.UserID != userID {
		return store.ErrNotFound
	}
	delete(c.s.dbConns, id)
	return nil
}

func (c connections) CreateIntegration(_ context.Context, rec *store.IntegrationConnection) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	fillID(&rec.ID)
	fillTime(&rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	c.s.intConns[rec.ID] = &cp
	return nil
}

func (c connections) GetIntegration(_ context.Context, userID, id string) (*store.IntegrationConnection, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	rec, ok := c.s.intConns[id]
	if !ok || rec.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (c connections) ListIntegrations(_ context.Context, userID string, opts store.ListOptions) ([]*store.IntegrationConnection, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	var out []*store.IntegrationConnection
	for _, rec := range c.s.intConns {
		if rec.UserID != userID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return clip(out, opts), nil
}

func (c connections) DeleteIntegration(_ context.Context, userID, id string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	rec, ok := c.s.intConns[id]
	if !ok || rec.UserID != userID {
		return store.ErrNotFound
	}
	delete(c.s.intConns, id)
	return nil
}

type variables struct{ s *Store }

func (v variables) Set(_ context.Context, userID, key string, value any) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	byKey := v.s.variables[userID]
	if byKey == nil {
		byKey = make(map[string]any)
		v.s.variables[userID] = byKey
	}
	byKey[key] = value
	return nil
}

func (v variables) Get(_ context.Context, userID, key string) (any, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	val, ok := v.s.variables[userID][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return val, nil
}

func (v variables) List(_ context.Context, userID string) (map[string]any, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	out := make(map[string]any, len(v.s.variables[userID]))
	for k, val := range v.s.variables[userID] {
		out[k] = val
	}
	return out, nil
}

func (v variables) Delete(_ context.Context, userID, key string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.variables[userID][key]; !ok {
		return store.ErrNotFound
	}
	delete(v.s.variables[userID], key)
	return nil
}
