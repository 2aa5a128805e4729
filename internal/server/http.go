package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"printgate/internal/authcache"
	"printgate/internal/config"
	"printgate/internal/logging"
	"printgate/internal/metrics"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Config config.Config
	IPP    *Dispatcher
	Store  Pinger
	Issuer *authcache.Issuer
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	ui := strings.TrimRight(s.Config.WebUIPath, "/")
	if ui == "" {
		ui = "/user"
	}
	if s.Issuer != nil {
		r.HandleFunc(ui+"/login", s.handleLogin).Methods(http.MethodPost)
		r.HandleFunc(ui+"/logout", s.handleLogout).Methods(http.MethodPost)
		r.HandleFunc(ui+"/session", s.handleSession).Methods(http.MethodGet)
	}
	r.HandleFunc(ui, s.handleUserPage).Methods(http.MethodGet)

	prefix := s.IPP.prefix()
	r.Handle(prefix, s.IPP)
	r.PathPrefix(prefix + "/").Handler(s.IPP)
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, ui, http.StatusFound)
	})
	return logging.HTTPAccessMiddleware(r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Store.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("readiness check failed")
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleUserPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.Config.ServerName + ": sign in with POST " + r.URL.Path + "/login to print from this address\n"))
}

type sessionResponse struct {
	Token     string    `json:"token,omitempty"`
	User      string    `json:"user"`
	Context   string    `json:"context"`
	Addr      string    `json:"addr,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	if username == "" {
		username, password, _ = r.BasicAuth()
	}
	c := authcache.ContextUser
	if v := r.PostFormValue("context"); v != "" {
		parsed, err := authcache.ParseContext(v)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		c = parsed
	}
	entry, err := s.Issuer.Login(r.Context(), username, password, c, hostOnly(r.RemoteAddr))
	if err != nil {
		if errors.Is(err, authcache.ErrBadCredentials) {
			w.Header().Set("WWW-Authenticate", `Basic realm="printgate"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		log.Error().Err(err).Msg("login failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     entry.Token,
		User:      entry.User,
		Context:   string(entry.Context),
		Addr:      entry.Addr,
		CreatedAt: entry.CreatedAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" || !s.Issuer.Logout(token) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Issuer.Validate(bearerToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		User:      entry.User,
		Context:   string(entry.Context),
		Addr:      entry.Addr,
		CreatedAt: entry.CreatedAt,
	})
}

func bearerToken(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
