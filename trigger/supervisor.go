// Package trigger manages the four trigger kinds that launch workflow
// executions: cron schedules, signed webhooks, event subscriptions and manual
// fires. The supervisor owns cron state, admission control and the per-fire
// bookkeeping (trigger_executions, fire counters, webhook logs).
package trigger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowmaestro/flowmaestro/events"
	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/runtime"
	"github.com/flowmaestro/flowmaestro/store"
	"github.com/flowmaestro/flowmaestro/telemetry"
)

type (
	// Starter launches executions. Satisfied by *runtime.Runtime.
	Starter interface {
		Start(ctx context.Context, req runtime.StartRequest) (*store.Execution, error)
	}

	// Supervisor owns trigger lifecycle and firing. One instance per process;
	// schedule state is rebuilt from the store on Run.
	Supervisor struct {
		st      store.Store
		starter Starter
		bus     events.Bus
		logger  telemetry.Logger
		metrics telemetry.Metrics
		adm     *admission

		cron *cron.Cron

		mu      sync.Mutex
		entries map[string]cron.EntryID
		// eventTriggers is the live set of active event-kind triggers,
		// matched against bus events.
		eventTriggers map[string]*store.Trigger

		sub events.Subscription
	}

	// Option configures a Supervisor.
	Option func(*Supervisor)
)

// WithLogger sets the supervisor logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetrics sets the supervisor metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithEventBus sets the bus used for event triggers and admission release.
func WithEventBus(b events.Bus) Option {
	return func(s *Supervisor) { s.bus = b }
}

// WithAdmissionCeiling caps concurrently running executions per user. Zero
// disables admission control.
func WithAdmissionCeiling(n int) Option {
	return func(s *Supervisor) { s.adm.ceiling = n }
}

// WithWebhookRate bounds the accepted webhook fire rate across all triggers.
func WithWebhookRate(perSecond float64, burst int) Option {
	return func(s *Supervisor) { s.adm.setRate(perSecond, burst) }
}

// New constructs a Supervisor. Call Run to rebuild schedule state and begin
// firing.
func New(st store.Store, starter Starter, opts ...Option) *Supervisor {
	s := &Supervisor{
		st:            st,
		starter:       starter,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		adm:           newAdmission(),
		cron:          cron.New(),
		entries:       make(map[string]cron.EntryID),
		eventTriggers: make(map[string]*store.Trigger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loads active schedule and event triggers, subscribes to the event bus
// and starts the cron scheduler. Missed fire times are skipped: cron computes
// the next fire from now, never from the past.
func (s *Supervisor) Run(ctx context.Context) error {
	schedules, err := s.st.Triggers().ListActive(ctx, store.TriggerSchedule)
	if err != nil {
		return err
	}
	for _, t := range schedules {
		if err := s.schedule(t); err != nil {
			s.logger.Error(ctx, "schedule registration failed", "trigger_id", t.ID, "err", err)
		}
	}
	eventful, err := s.st.Triggers().ListActive(ctx, store.TriggerEvent)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, t := range eventful {
		s.eventTriggers[t.ID] = t
	}
	s.mu.Unlock()

	if s.bus != nil {
		sub, err := s.bus.Register(events.SubscriberFunc(s.handleEvent))
		if err != nil {
			return err
		}
		s.sub = sub
	}
	s.cron.Start()
	s.logger.Info(ctx, "trigger supervisor running", "schedules", len(schedules), "event_triggers", len(eventful))
	return nil
}

// Close stops the cron scheduler and the bus subscription. Pending queued
// admissions are dropped.
func (s *Supervisor) Close() error {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	if s.sub != nil {
		_ = s.sub.Close()
	}
	return nil
}

// Create validates and persists a trigger, then activates it.
func (s *Supervisor) Create(ctx context.Context, t *store.Trigger) error {
	if err := s.prepare(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := s.st.Triggers().Create(ctx, t); err != nil {
		return err
	}
	s.sync(ctx, t)
	return nil
}

// Update persists trigger changes and rebuilds its live state.
func (s *Supervisor) Update(ctx context.Context, t *store.Trigger) error {
	if err := s.prepare(t); err != nil {
		return err
	}
	if err := s.st.Triggers().Update(ctx, t); err != nil {
		return err
	}
	s.deactivate(t.ID)
	s.sync(ctx, t)
	return nil
}

// Delete soft-deletes the trigger and stops its schedule or event match in
// the same call, so a deleted trigger can never fire again.
func (s *Supervisor) Delete(ctx context.Context, userID, id string) error {
	if err := s.st.Triggers().SoftDelete(ctx, userID, id); err != nil {
		return err
	}
	s.deactivate(id)
	return nil
}

// Fire launches an execution for a manual trigger. When the owner is at the
// admission ceiling the fire is rejected with rate_limited rather than queued,
// so the caller gets a synchronous answer.
func (s *Supervisor) Fire(ctx context.Context, userID, triggerID string, inputs map[string]any) (*store.Execution, error) {
	t, err := s.st.Triggers().Get(ctx, userID, triggerID)
	if err != nil {
		return nil, err
	}
	if t.Kind != store.TriggerManual {
		return nil, fault.Newf(fault.KindValidation, "trigger %s is %s, not manual", triggerID, t.Kind)
	}
	if !t.IsActive {
		return nil, fault.Newf(fault.KindConflict, "trigger %s is disabled", triggerID)
	}
	if !s.adm.tryAdmit(t.UserID) {
		return nil, fault.Retryable(fault.KindRateLimited, "running execution ceiling reached")
	}
	return s.fire(ctx, t, inputs)
}

// prepare validates kind-specific config and fills generated fields.
func (s *Supervisor) prepare(t *store.Trigger) error {
	if t.Config == nil {
		t.Config = map[string]any{}
	}
	switch t.Kind {
	case store.TriggerSchedule:
		expr, _ := t.Config["cron"].(string)
		if expr == "" {
			return fault.New(fault.KindValidation, "schedule trigger requires a cron expression")
		}
		if _, err := cron.ParseStandard(scheduleSpec(t)); err != nil {
			return fault.Wrap(fault.KindValidation, err, "invalid cron expression")
		}
	case store.TriggerWebhook:
		if secret, _ := t.Config["secret"].(string); secret == "" {
			t.Config["secret"] = newSecret()
		}
	case store.TriggerEvent:
		if topic, _ := t.Config["topic"].(string); topic == "" {
			return fault.New(fault.KindValidation, "event trigger requires a topic")
		}
	case store.TriggerManual:
	default:
		return fault.Newf(fault.KindValidation, "unknown trigger kind %q", t.Kind)
	}
	return nil
}

// sync activates the live state for one trigger.
func (s *Supervisor) sync(ctx context.Context, t *store.Trigger) {
	if !t.IsActive {
		return
	}
	switch t.Kind {
	case store.TriggerSchedule:
		if err := s.schedule(t); err != nil {
			s.logger.Error(ctx, "schedule registration failed", "trigger_id", t.ID, "err", err)
		}
	case store.TriggerEvent:
		s.mu.Lock()
		s.eventTriggers[t.ID] = t
		s.mu.Unlock()
	}
}

// deactivate removes the live state for one trigger.
func (s *Supervisor) deactivate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	delete(s.eventTriggers, id)
}

func (s *Supervisor) schedule(t *store.Trigger) error {
	entry, err := s.cron.AddFunc(scheduleSpec(t), func() { s.fireSchedule(t) })
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[t.ID] = entry
	s.mu.Unlock()
	return nil
}

// fireSchedule runs on the cron goroutine. The trigger is reloaded so a
// disable or delete racing the tick wins.
func (s *Supervisor) fireSchedule(t *store.Trigger) {
	ctx := context.Background()
	cur, err := s.st.Triggers().Get(ctx, t.UserID, t.ID)
	if err != nil || !cur.IsActive {
		return
	}
	inputs, _ := cur.Config["inputs"].(map[string]any)
	s.adm.admitOrQueue(cur.UserID, func() {
		if _, err := s.fire(ctx, cur, inputs); err != nil {
			s.logger.Error(ctx, "schedule fire failed", "trigger_id", cur.ID, "err", err)
		}
	})
}

func scheduleSpec(t *store.Trigger) string {
	expr, _ := t.Config["cron"].(string)
	if tz, _ := t.Config["timezone"].(string); tz != "" {
		return "CRON_TZ=" + tz + " " + expr
	}
	return expr
}

// fire starts one execution for an admitted trigger and records the fire. The
// caller must have admitted the owner; fire releases on start failure so the
// slot is not leaked.
func (s *Supervisor) fire(ctx context.Context, t *store.Trigger, inputs map[string]any) (*store.Execution, error) {
	ex, err := s.starter.Start(ctx, runtime.StartRequest{
		WorkflowID:  t.WorkflowID,
		UserID:      t.UserID,
		Inputs:      inputs,
		TriggerKind: string(t.Kind),
		TriggerID:   t.ID,
	})
	te := &store.TriggerExecution{ID: uuid.NewString(), TriggerID: t.ID, Status: "fired"}
	if err != nil {
		s.adm.release(t.UserID)
		te.Status = "failed"
		te.Error = err.Error()
	} else {
		te.ExecutionID = ex.ID
	}
	if aerr := s.st.Triggers().AppendTriggerExecution(ctx, te); aerr != nil {
		s.logger.Error(ctx, "trigger execution append failed", "trigger_id", t.ID, "err", aerr)
	}
	if err != nil {
		s.metrics.IncCounter("trigger_fires_total", 1, "kind", string(t.Kind), "outcome", "failed")
		return nil, err
	}
	if ierr := s.st.Triggers().IncrementFireCount(ctx, t.ID, time.Now()); ierr != nil {
		s.logger.Error(ctx, "fire count increment failed", "trigger_id", t.ID, "err", ierr)
	}
	s.metrics.IncCounter("trigger_fires_total", 1, "kind", string(t.Kind), "outcome", "fired")
	return ex, nil
}

// handleEvent reacts to bus events: terminal executions release admission
// slots, and event triggers fire on matching events.
func (s *Supervisor) handleEvent(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.ExecutionCompleted, events.ExecutionFailed, events.ExecutionCancelled:
		s.adm.release(ev.UserID)
	}
	s.matchEventTriggers(ctx, ev)
	return nil
}

func (s *Supervisor) matchEventTriggers(ctx context.Context, ev events.Event) {
	s.mu.Lock()
	var matched []*store.Trigger
	for _, t := range s.eventTriggers {
		if eventMatches(t, ev) {
			matched = append(matched, t)
		}
	}
	s.mu.Unlock()

	for _, t := range matched {
		trig := t
		inputs := map[string]any{"event": map[string]any{
			"type":         string(ev.Type),
			"execution_id": ev.ExecutionID,
			"workflow_id":  ev.WorkflowID,
			"node":         ev.Node,
			"payload":      ev.Payload,
		}}
		s.adm.admitOrQueue(trig.UserID, func() {
			if _, err := s.fire(context.WithoutCancel(ctx), trig, inputs); err != nil {
				s.logger.Error(ctx, "event trigger fire failed", "trigger_id", trig.ID, "err", err)
			}
		})
	}
}

// eventMatches applies the trigger's topic, ownership and payload filters. A
// trigger never fires on events from its own workflow, which would loop.
func eventMatches(t *store.Trigger, ev events.Event) bool {
	topic, _ := t.Config["topic"].(string)
	if topic != string(ev.Type) {
		return false
	}
	if ev.UserID != t.UserID {
		return false
	}
	if ev.WorkflowID == t.WorkflowID {
		return false
	}
	if filters, ok := t.Config["filters"].(map[string]any); ok {
		for k, want := range filters {
			if k == "workflow_id" {
				if s, _ := want.(string); s != ev.WorkflowID {
					return false
				}
				continue
			}
			if ev.Payload == nil || ev.Payload[k] != want {
				return false
			}
		}
	}
	return true
}

func newSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read only fails when the OS entropy source is broken
		panic(err)
	}
	return hex.EncodeToString(buf)
}
