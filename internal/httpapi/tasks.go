package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/humantasks/internal/definition"
	"github.com/ent0n29/humantasks/internal/taskruntime"
	"github.com/ent0n29/humantasks/internal/tasks"
)

type definitionView struct {
	Ref          definition.Ref          `json:"ref"`
	Kind         definition.Kind         `json:"kind"`
	Presentation definition.Presentation `json:"presentation"`
	Input        definition.Schema       `json:"input"`
	Output       definition.Schema       `json:"output"`
	People       map[string][]string     `json:"people"`
	Deadlines    []deadlineView          `json:"deadlines,omitempty"`
	Escalations  []escalationView        `json:"escalations,omitempty"`
}

type deadlineView struct {
	ID     string                  `json:"id"`
	Kind   definition.DeadlineKind `json:"kind"`
	After  string                  `json:"after,omitempty"`
	At     string                  `json:"at,omitempty"`
	Repeat string                  `json:"repeat,omitempty"`
}

type escalationView struct {
	ID       string                      `json:"id"`
	Deadline string                      `json:"deadline"`
	Action   definition.EscalationAction `json:"action"`
	Targets  []string                    `json:"targets,omitempty"`
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, _ *http.Request) {
	defs := s.tasks.Definitions()
	out := make([]definitionView, 0, len(defs))
	for _, def := range defs {
		out = append(out, viewDefinition(def))
	}
	respondJSON(w, http.StatusOK, map[string]any{"definitions": out})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskruntime.InstantiateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Namespace = strings.TrimSpace(req.Namespace)
	req.Name = strings.TrimSpace(req.Name)
	if req.Namespace == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "namespace and name are required")
		return
	}
	if p := principalOf(r); p != "" {
		req.Initiator = p
	}
	if reservedPrincipal(req.Initiator) {
		respondReservedPrincipal(w, req.Initiator)
		return
	}

	inst, err := s.tasks.Instantiate(r.Context(), req)
	if err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	inst, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	actor := principalOf(r)
	if actor == "" {
		respondError(w, http.StatusUnauthorized, "missing_principal", PrincipalHeader+" header is required")
		return
	}
	if reservedPrincipal(actor) {
		respondReservedPrincipal(w, actor)
		return
	}

	var action tasks.Action
	if err := decodeJSON(r, &action); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "action body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	action.Actor = actor

	inst, err := s.tasks.Submit(r.Context(), taskID, action)
	if err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	events, err := s.tasks.ListEvents(r.Context(), taskID, limit)
	if err != nil {
		s.respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  events,
	})
}

func viewDefinition(def definition.Definition) definitionView {
	v := definitionView{
		Ref:          def.Ref,
		Kind:         def.Kind,
		Presentation: def.Presentation,
		Input:        def.Input,
		Output:       def.Output,
		People: map[string][]string{
			"potential_owners":        expressionStrings(def.People.PotentialOwners),
			"excluded_owners":         expressionStrings(def.People.ExcludedOwners),
			"business_administrators": expressionStrings(def.People.BusinessAdministrators),
			"stakeholders":            expressionStrings(def.People.Stakeholders),
		},
	}
	for _, dl := range def.Deadlines {
		dv := deadlineView{ID: dl.ID, Kind: dl.Kind}
		if dl.After > 0 {
			dv.After = dl.After.String()
		}
		if !dl.At.IsZero() {
			dv.At = dl.At.UTC().Format(time.RFC3339)
		}
		if dl.Repeat > 0 {
			dv.Repeat = dl.Repeat.String()
		}
		v.Deadlines = append(v.Deadlines, dv)
	}
	for _, esc := range def.Escalations {
		v.Escalations = append(v.Escalations, escalationView{
			ID:       esc.ID,
			Deadline: esc.Deadline,
			Action:   esc.Action,
			Targets:  expressionStrings(esc.Targets),
		})
	}
	return v
}

func expressionStrings(exprs []definition.Expression) []string {
	out := make([]string, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, e.String())
	}
	return out
}
