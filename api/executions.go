package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/runtime"
	"github.com/flowmaestro/flowmaestro/store"
)

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	f := store.ExecutionFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Status:     store.ExecutionStatus(r.URL.Query().Get("status")),
	}
	rows, err := s.st.Executions().List(r.Context(), UserID(r.Context()), f, pageOptions(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, rows)
}

// startExecution launches a run manually. When the body names a trigger the
// fire goes through the supervisor so manual triggers count fires and respect
// the admission ceiling.
func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowID string         `json:"workflow_id"`
		TriggerID  string         `json:"trigger_id"`
		Inputs     map[string]any `json:"inputs"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.TriggerID != "" {
		ex, err := s.sup.Fire(r.Context(), UserID(r.Context()), req.TriggerID, req.Inputs)
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusCreated, ex)
		return
	}
	if req.WorkflowID == "" {
		respondErr(w, fault.New(fault.KindValidation, "workflow_id is required"))
		return
	}
	ex, err := s.rt.Start(r.Context(), runtime.StartRequest{
		WorkflowID:  req.WorkflowID,
		UserID:      UserID(r.Context()),
		Inputs:      req.Inputs,
		TriggerKind: string(store.TriggerManual),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, ex)
}

func (s *Server) describeExecution(w http.ResponseWriter, r *http.Request) {
	desc, err := s.rt.Describe(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, desc)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondErr(w, err)
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := s.rt.Cancel(r.Context(), UserID(r.Context()), id, req.Reason); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]any{"cancelling": true})
}

func (s *Server) submitInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node   string         `json:"node"`
		Values map[string]any `json:"values"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.Node == "" {
		respondErr(w, fault.New(fault.KindValidation, "node is required"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.rt.SubmitUserInput(r.Context(), UserID(r.Context()), id, req.Node, req.Values); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]any{"submitted": true})
}

// executionLogs pages the append-only log by sequence number so clients can
// poll with ?after=<last seen sequence>.
func (s *Server) executionLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ex, err := s.st.Executions().Get(ctx, UserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	f := store.LogFilter{
		Level: r.URL.Query().Get("level"),
		Node:  r.URL.Query().Get("node"),
	}
	if v := r.URL.Query().Get("after"); v != "" {
		f.AfterSequence, _ = strconv.ParseInt(v, 10, 64)
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	logs, err := s.st.Executions().ListLogs(ctx, ex.ID, f, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, logs)
}
