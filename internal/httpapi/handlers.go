package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/domain"
	"github.com/hamed0406/domainhealth/internal/incident"
	"github.com/hamed0406/domainhealth/internal/repo"
)

// ---- monitor ----

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Scheduler.RunSweep(r.Context(), s.Now())
	if err != nil {
		s.Logger.Error("sweep_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Logger.Info("sweep_done", zap.Int("checked", sum.CheckedCount))
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	id := domain.TargetID(chi.URLParam(r, "id"))
	out, err := s.Scheduler.RunCheckNow(r.Context(), id, s.Now())
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "target not found")
		return
	case err != nil:
		s.Logger.Warn("manual_check_failed", zap.String("target_id", string(id)), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   err.Error(),
			"result":  out.Result,
		})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type addTargetPayload struct {
	ClientID domain.ClientID      `json:"client_id"`
	Host     string               `json:"host"`
	Config   *domain.TargetConfig `json:"config"`
}

func (s *Server) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	var p addTargetPayload
	if err := decodeJSON(w, r, &p); err != nil || p.ClientID == "" {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	host, ok := normalizeHost(p.Host)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid host")
		return
	}
	if _, err := s.Store.GetClient(r.Context(), p.ClientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown client")
			return
		}
		writeError(w, http.StatusInternalServerError, "client lookup failed")
		return
	}

	on := true
	cfg := domain.TargetConfig{Uptime: &on}
	if p.Config != nil {
		if err := p.Config.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		cfg = cfg.Merge(*p.Config)
	}
	t := &domain.MonitorTarget{
		ClientID:  p.ClientID,
		Kind:      domain.KindDomain,
		Host:      host,
		Config:    cfg,
		CreatedAt: s.Now(),
	}
	if err := s.Store.AddTarget(r.Context(), t); err != nil {
		s.Logger.Error("add_target_failed", zap.String("host", host), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not add")
		return
	}
	s.Logger.Info("added_target",
		zap.String("target_id", string(t.ID)),
		zap.String("client_id", string(t.ClientID)),
		zap.String("host", t.Host),
	)

	resp := map[string]any{"target": t}
	// optional immediate feedback, same path as a manual refresh
	if r.URL.Query().Get("check") == "true" {
		out, err := s.Scheduler.RunCheckNow(r.Context(), t.ID, s.Now())
		if err != nil {
			resp["check_error"] = err.Error()
		} else {
			resp["check"] = out
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.GetTarget(r.Context(), domain.TargetID(chi.URLParam(r, "id")))
	if err != nil {
		s.storeError(w, err, "target not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePatchTarget(w http.ResponseWriter, r *http.Request) {
	id := domain.TargetID(chi.URLParam(r, "id"))
	var patch domain.TargetConfig
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	if err := patch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.Store.GetTarget(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "target not found")
		return
	}
	t.Config = t.Config.Merge(patch)
	if err := s.Store.UpdateTargetConfig(r.Context(), id, t.Config); err != nil {
		s.storeError(w, err, "target not found")
		return
	}
	s.Logger.Info("target_config_updated",
		zap.String("target_id", string(id)),
		zap.Bool("uptime", t.Config.UptimeEnabled()),
		zap.Bool("ssl", t.Config.SSLEnabled()),
	)
	writeJSON(w, http.StatusOK, t)
}

// ---- incidents ----

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.IncidentFilter{
		ClientID: domain.ClientID(q.Get("client_id")),
		TargetID: domain.TargetID(q.Get("target_id")),
	}
	if st := strings.ToUpper(q.Get("status")); st != "" {
		if st != string(domain.StatusOngoing) && st != string(domain.StatusResolved) {
			writeError(w, http.StatusBadRequest, "status must be ONGOING or RESOLVED")
			return
		}
		f.Status = domain.IncidentStatus(st)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	list, err := s.Store.ListIncidents(r.Context(), f)
	if err != nil {
		s.Logger.Error("list_incidents_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.Store.GetIncident(r.Context(), domain.IncidentID(chi.URLParam(r, "id")))
	if err != nil {
		s.storeError(w, err, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.Store.ListEvents(r.Context(), domain.IncidentID(chi.URLParam(r, "id")))
	if err != nil {
		s.storeError(w, err, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

type actorPayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Message  string `json:"message"`
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var p actorPayload
	if err := decodeJSON(w, r, &p); err != nil || strings.TrimSpace(p.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	ev, err := s.Engine.AddComment(r.Context(), domain.IncidentID(chi.URLParam(r, "id")), p.UserID, p.UserName, p.Message)
	if err != nil {
		s.storeError(w, err, "incident not found")
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var p actorPayload
	// the body is optional here
	if err := decodeJSON(w, r, &p); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	id := domain.IncidentID(chi.URLParam(r, "id"))
	tr, err := s.Engine.ResolveManually(r.Context(), id, p.UserID, p.UserName, p.Message)
	switch {
	case errors.Is(err, incident.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.storeError(w, err, "incident not found")
		return
	}

	// recovery alert goes out the same way a sweep would send it
	var target *domain.MonitorTarget
	if tr.Incident.TargetID != nil {
		if t, err := s.Store.GetTarget(r.Context(), *tr.Incident.TargetID); err == nil {
			target = t
		}
	}
	if s.Scheduler != nil {
		s.Scheduler.Alerts.Dispatch(r.Context(), target, tr, s.Now())
	}
	writeJSON(w, http.StatusOK, tr.Incident)
}

// ---- clients & notifications ----

func (s *Server) handleAddClient(w http.ResponseWriter, r *http.Request) {
	var c domain.Client
	if err := decodeJSON(w, r, &c); err != nil || strings.TrimSpace(c.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	c.ID = ""
	c.CreatedAt = s.Now()
	if err := s.Store.AddClient(r.Context(), &c); err != nil {
		s.Logger.Error("add_client_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not add")
		return
	}
	s.Logger.Info("added_client", zap.String("client_id", string(c.ID)))
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	unread := r.URL.Query().Get("unread") == "true"
	list, err := s.Store.ListNotifications(r.Context(), domain.ClientID(chi.URLParam(r, "id")), unread)
	if err != nil {
		s.Logger.Error("list_notifications_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if s.Tests == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications disabled")
		return
	}
	res, err := s.Tests.SendTest(r.Context(), domain.ClientID(chi.URLParam(r, "id")), s.Now())
	if err != nil {
		s.storeError(w, err, "client not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": res.Err == nil,
		"result":  res,
	})
}

func (s *Server) storeError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	s.Logger.Error("store_error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
