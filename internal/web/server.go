// Package web serves the Twilio webhooks, the staff JSON API and a small
// dashboard of active slots.
package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/slot-backfill/internal/auth"
	"github.com/example/slot-backfill/internal/engine"
	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/messagelog"
	"github.com/example/slot-backfill/internal/metrics"
	"github.com/example/slot-backfill/internal/notifier"
	"github.com/example/slot-backfill/internal/ratelimit"
	"github.com/example/slot-backfill/internal/waitlist"
)

//go:embed templates/*.html
var fs embed.FS

// Recalculator refreshes the stored priority score of active candidates.
type Recalculator interface {
	Recalculate(ctx context.Context) (int, error)
}

type Server struct {
	Auth       *auth.Store
	Engine     *engine.Engine
	Waitlist   waitlist.Store
	Messages   messagelog.Store
	Priorities Recalculator
	Limiter    ratelimit.Limiter
	Metrics    *metrics.Metrics
	Templates  notifier.Templates
	Logger     *slog.Logger

	BaseURL          string
	TwilioAuthToken  string
	VerifySignatures bool
	InboundPerMinute int

	validate *validator.Validate
}

type tmplData struct {
	Title string
	User  int64
	Flash string
	Slots []slotRow
}

type slotRow struct {
	Slot    ledger.Slot
	Batch   int
	Pending int
	Offers  int
}

func (s *Server) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger.With("component", "web")
	}
	return slog.Default().With("component", "web")
}

func (s *Server) Routes() http.Handler {
	s.validate = validator.New()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", s.Metrics.Handler())

	mux.HandleFunc("POST /webhooks/sms/inbound", s.handleInbound)
	mux.HandleFunc("POST /webhooks/sms/status", s.handleStatus)

	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)

	authed := func(h http.HandlerFunc) http.Handler { return s.Auth.RequireAuth(h) }
	mux.Handle("GET /{$}", authed(s.handleHome))

	mux.Handle("POST /api/slots", authed(s.handleCreateSlot))
	mux.Handle("GET /api/slots", authed(s.handleListSlots))
	mux.Handle("GET /api/slots/{id}", authed(s.handleGetSlot))
	mux.Handle("POST /api/slots/{id}/abort", authed(s.handleAbortSlot))
	mux.Handle("POST /api/slots/{id}/dispatch", authed(s.handleDispatchSlot))
	mux.Handle("POST /api/offers/{token}/reply", authed(s.handleOfferReply))

	mux.Handle("POST /api/candidates", authed(s.handleCreateCandidate))
	mux.Handle("GET /api/candidates", authed(s.handleListCandidates))
	mux.Handle("POST /api/candidates/recalculate", authed(s.handleRecalculate))
	mux.Handle("POST /api/candidates/{id}/boost", authed(s.handleSetBoost))
	mux.Handle("POST /api/candidates/{id}/active", authed(s.handleSetActive))

	return mux
}

// handleHome lists open slots with their current batch.
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	slots, err := s.Engine.ListSlots(r.Context(), ledger.SlotOpen)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rows := make([]slotRow, 0, len(slots))
	for _, sl := range slots {
		snap, err := s.Engine.GetSlotStatus(r.Context(), sl.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rows = append(rows, slotRow{Slot: sl, Batch: snap.CurrentBatch, Pending: snap.Pending, Offers: len(snap.Offers)})
	}
	s.render(w, "templates/slots.html", tmplData{Title: "Open slots", User: uid, Slots: rows})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.render(w, "templates/login.html", tmplData{Title: "Login"})
		return
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		username := strings.TrimSpace(r.FormValue("username"))
		password := r.FormValue("password")
		id, err := s.Auth.Authenticate(r.Context(), username, password)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidCredentials) {
				s.log().Error("authenticate", "username", username, "err", err)
			}
			s.render(w, "templates/login.html", tmplData{Title: "Login", Flash: "Invalid username/password"})
			return
		}
		if err := s.Auth.SetSession(w, r, id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusFound)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) render(w http.ResponseWriter, name string, data tmplData) {
	t, err := template.New("").Funcs(template.FuncMap{
		"when": func(t time.Time) string {
			loc := s.Templates.Location
			if loc == nil {
				loc = time.UTC
			}
			return t.In(loc).Format("Mon Jan 2 3:04 PM")
		},
	}).ParseFS(fs, "templates/base.html", name)
	if err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, "render error: "+err.Error(), http.StatusInternalServerError)
	}
}

func Start(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
