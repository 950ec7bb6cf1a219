package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hamed0406/domainhealth/internal/domain"
	apimw "github.com/hamed0406/domainhealth/internal/httpapi/middleware"
	"github.com/hamed0406/domainhealth/internal/incident"
	"github.com/hamed0406/domainhealth/internal/notify"
	"github.com/hamed0406/domainhealth/internal/repo"
	"github.com/hamed0406/domainhealth/internal/scheduler"
)

// TestSender delivers a synchronous test alert to a client's channels.
type TestSender interface {
	SendTest(ctx context.Context, clientID domain.ClientID, at time.Time) (notify.Result, error)
}

type Server struct {
	Logger    *zap.Logger
	Store     repo.Store
	Scheduler *scheduler.Scheduler
	Engine    *incident.Engine
	Tests     TestSender
	Now       func() time.Time
}

func NewServer(l *zap.Logger, store repo.Store, sched *scheduler.Scheduler, engine *incident.Engine, tests TestSender) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	now := func() time.Time { return time.Now().UTC() }
	if sched != nil && sched.Now != nil {
		now = sched.Now
	}
	return &Server{Logger: l, Store: store, Scheduler: sched, Engine: engine, Tests: tests, Now: now}
}

// Router wires public (any key) and admin routes. Empty key sets disable auth
// for local development; rpm <= 0 disables the matching rate limit.
func (s *Server) Router(keys apimw.Keys, origins []string, pubRPM, pubBurst, admRPM, admBurst int) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(apimw.RequestLogger(s.Logger))
	r.Use(corsHandler(origins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Group(func(pub chi.Router) {
			pub.Use(apimw.RequireAny(keys))
			pub.Use(apimw.RateLimit(pubRPM, pubBurst))

			pub.Get("/monitor/targets/{id}", s.handleGetTarget)
			pub.Get("/incidents", s.handleListIncidents)
			pub.Get("/incidents/{id}", s.handleGetIncident)
			pub.Get("/incidents/{id}/events", s.handleListEvents)
			pub.Get("/clients/{id}/notifications", s.handleListNotifications)
		})

		api.Group(func(adm chi.Router) {
			adm.Use(apimw.RequireAdmin(keys))
			adm.Use(apimw.RateLimit(admRPM, admBurst))

			adm.Post("/monitor/sweep", s.handleSweep)
			adm.Post("/monitor/targets", s.handleAddTarget)
			adm.Patch("/monitor/targets/{id}", s.handlePatchTarget)
			adm.Post("/monitor/targets/{id}/check", s.handleCheckNow)
			adm.Post("/incidents/{id}/comments", s.handleAddComment)
			adm.Post("/incidents/{id}/resolve", s.handleResolve)
			adm.Post("/clients", s.handleAddClient)
			adm.Post("/clients/{id}/notifications/test", s.handleTestNotification)
		})
	})

	return r
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return cors.AllowAll().Handler
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	})
}

const maxBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// normalizeHost turns user input into the stored host form: no protocol,
// lowercase, no default port, no trailing slash. Only http(s) is accepted.
func normalizeHost(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Host)
	if p := u.Port(); (scheme == "https" && p == "443") || (scheme == "http" && p == "80") {
		host = strings.ToLower(u.Hostname())
	}
	return host + strings.TrimRight(u.EscapedPath(), "/"), true
}
