package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/triage/internal/forge"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/orchestrator"
	"github.com/joescharf/triage/internal/store"
)

// --- Issues ---

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
	q := r.URL.Query()

	opts := forge.ListOptions{State: q.Get("state"), Assignee: q.Get("assignee")}
	if labels := q.Get("labels"); labels != "" {
		for _, l := range strings.Split(labels, ",") {
			if l = strings.TrimSpace(l); l != "" {
				opts.Labels = append(opts.Labels, l)
			}
		}
	}
	var err error
	if opts.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid page: "+err.Error())
		return
	}
	if opts.PerPage, err = intParam(q.Get("per_page")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid per_page: "+err.Error())
		return
	}

	issues, err := s.svc.Issues(r.Context(), repo, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "invalid issue number")
		return
	}

	issue, err := s.svc.Issue(r.Context(), repo, number)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// --- Scope / Execute ---

func (s *Server) scope(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.svc.Scope)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.svc.Execute)
}

type submitFunc func(ctx context.Context, req orchestrator.Request) (*models.Session, error)

func (s *Server) submit(w http.ResponseWriter, r *http.Request, fn submitFunc) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, err := fn(r.Context(), req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSubmitFailed) && sess != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "session": sess})
			return
		}
		s.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if !sess.Status.Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, sess)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{Repo: q.Get("repository")}

	var err error
	if filter.IssueNumber, err = intParam(q.Get("issue_number")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid issue_number: "+err.Error())
		return
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	if p := q.Get("phase"); p != "" {
		if filter.Phase, err = models.ParsePhase(p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if st := q.Get("status"); st != "" {
		filter.Status = models.SessionStatus(st)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", st))
			return
		}
	}
	refresh, err := boolParam(q.Get("refresh"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid refresh: "+err.Error())
		return
	}

	list, err := s.svc.Sessions(r.Context(), filter, refresh)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	refresh, err := boolParam(r.URL.Query().Get("refresh"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid refresh: "+err.Error())
		return
	}

	sess, err := s.svc.Session(r.Context(), chi.URLParam(r, "id"), refresh)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
