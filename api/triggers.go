package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowmaestro/flowmaestro/store"
)

type triggerRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Config     map[string]any `json:"config"`
	IsActive   *bool          `json:"is_active"`
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	f := store.TriggerFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Kind:       store.TriggerKind(r.URL.Query().Get("kind")),
	}
	rows, err := s.st.Triggers().List(r.Context(), UserID(r.Context()), f, pageOptions(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, rows)
}

func (s *Server) createTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	t := &store.Trigger{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		UserID:     UserID(r.Context()),
		Kind:       store.TriggerKind(req.Kind),
		Name:       req.Name,
		Config:     req.Config,
		IsActive:   req.IsActive == nil || *req.IsActive,
	}
	if err := s.sup.Create(r.Context(), t); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, t)
}

func (s *Server) getTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := s.st.Triggers().Get(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, t)
}

func (s *Server) updateTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	ctx := r.Context()
	t, err := s.st.Triggers().Get(ctx, UserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Config != nil {
		t.Config = req.Config
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	if err := s.sup.Update(ctx, t); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, t)
}

func (s *Server) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Delete(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"deleted": true})
}
