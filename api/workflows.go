package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowmaestro/flowmaestro/fault"
	"github.com/flowmaestro/flowmaestro/store"
	"github.com/flowmaestro/flowmaestro/workflow"
)

type workflowRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Definition  json.RawMessage `json:"definition"`
	IsActive    *bool           `json:"is_active"`
}

// validateDefinition runs the wire-format, graph and node-config checks a
// definition must pass before it is saved or snapshotted.
func (s *Server) validateDefinition(raw []byte) (*workflow.Definition, error) {
	if err := workflow.ValidateWire(raw); err != nil {
		return nil, err
	}
	def, err := workflow.Decode(raw)
	if err != nil {
		return nil, err
	}
	if s.nodes != nil {
		if err := s.nodes.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	return def, nil
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	rows, err := s.st.Workflows().List(r.Context(), UserID(r.Context()), pageOptions(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, rows)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if req.Name == "" {
		respondErr(w, fault.New(fault.KindValidation, "workflow name is required"))
		return
	}
	if _, err := s.validateDefinition(req.Definition); err != nil {
		respondErr(w, err)
		return
	}

	ctx := r.Context()
	wf := &store.Workflow{
		ID:          uuid.NewString(),
		UserID:      UserID(ctx),
		Name:        req.Name,
		Description: req.Description,
		Definition:  req.Definition,
		IsActive:    req.IsActive == nil || *req.IsActive,
		Version:     1,
	}
	if err := s.st.Workflows().Create(ctx, wf); err != nil {
		respondErr(w, err)
		return
	}
	// the current definition is always also the highest-numbered snapshot
	if err := s.snapshot(r, wf, ""); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, wf)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.st.Workflows().Get(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, wf)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	ctx := r.Context()
	wf, err := s.st.Workflows().Get(ctx, UserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if req.Name != "" {
		wf.Name = req.Name
	}
	if req.Description != "" {
		wf.Description = req.Description
	}
	if req.IsActive != nil {
		wf.IsActive = *req.IsActive
	}
	definitionChanged := len(req.Definition) > 0
	if definitionChanged {
		if _, err := s.validateDefinition(req.Definition); err != nil {
			respondErr(w, err)
			return
		}
		wf.Definition = req.Definition
		wf.Version++
	}
	if err := s.st.Workflows().Update(ctx, wf); err != nil {
		respondErr(w, err)
		return
	}
	if definitionChanged {
		if err := s.snapshot(r, wf, ""); err != nil {
			respondErr(w, err)
			return
		}
	}
	respond(w, http.StatusOK, wf)
}

// deleteWorkflow soft-deletes the workflow and stops its triggers. In-flight
// executions keep running to their terminal state.
func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)
	id := chi.URLParam(r, "id")
	if err := s.st.Workflows().SoftDelete(ctx, userID, id); err != nil {
		respondErr(w, err)
		return
	}
	triggers, err := s.st.Triggers().List(ctx, userID, store.TriggerFilter{WorkflowID: id}, store.ListOptions{})
	if err == nil {
		for _, t := range triggers {
			if derr := s.sup.Delete(ctx, userID, t.ID); derr != nil {
				s.logger.Warn(ctx, "trigger cleanup failed", "trigger_id", t.ID, "err", derr)
			}
		}
	}
	respond(w, http.StatusOK, map[string]any{"deleted": true})
}

// snapshot records the workflow's current definition as the version numbered
// by its counter.
func (s *Server) snapshot(r *http.Request, wf *store.Workflow, label string) error {
	return s.st.Versions().Create(r.Context(), &store.Version{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		UserID:     wf.UserID,
		Number:     wf.Version,
		Label:      label,
		Definition: wf.Definition,
	})
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rows, err := s.st.Versions().ListByWorkflow(ctx, UserID(ctx), chi.URLParam(r, "id"), pageOptions(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, rows)
}

// snapshotWorkflow creates an explicit labeled snapshot: the version counter
// advances and the current definition is copied under the new number.
func (s *Server) snapshotWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	ctx := r.Context()
	wf, err := s.st.Workflows().Get(ctx, UserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	wf.Version++
	if err := s.st.Workflows().Update(ctx, wf); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.snapshot(r, wf, req.Label); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"version": wf.Version, "label": req.Label})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.st.Versions().Get(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, v)
}

func (s *Server) deleteVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := s.st.Versions().Get(ctx, UserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	wf, err := s.st.Workflows().Get(ctx, UserID(ctx), v.WorkflowID)
	if err == nil && wf.Version == v.Number {
		respondErr(w, fault.New(fault.KindConflict, "cannot delete the current version snapshot"))
		return
	}
	if err := s.st.Versions().Delete(ctx, UserID(ctx), v.ID); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) renameVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.st.Versions().Rename(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.Label); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"label": req.Label})
}

// revertVersion copies a historical snapshot forward: the workflow takes the
// snapshot's definition under a new, higher version number. Pinned versions
// of in-flight executions are untouched.
func (s *Server) revertVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := s.st.Versions().Get(ctx, UserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	wf, err := s.st.Workflows().Get(ctx, UserID(ctx), v.WorkflowID)
	if err != nil {
		respondErr(w, err)
		return
	}
	wf.Definition = v.Definition
	wf.Version++
	if err := s.st.Workflows().Update(ctx, wf); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.snapshot(r, wf, fmt.Sprintf("revert to v%d", v.Number)); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, wf)
}

func (s *Server) listNodeTypes(w http.ResponseWriter, r *http.Request) {
	if s.nodes == nil {
		respond(w, http.StatusOK, []any{})
		return
	}
	respond(w, http.StatusOK, s.nodes.Metadata())
}
