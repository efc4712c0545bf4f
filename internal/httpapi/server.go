// Package httpapi exposes the ad hoc single-site check-in endpoint.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "signbot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string // default "127.0.0.1:8491"
	APIKey  string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SignInFunc performs one synchronous check-in against the site at rawURL.
type SignInFunc func(ctx context.Context, rawURL string) (string, error)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Server struct {
	cfg    Config
	log    logx.Logger
	signin SignInFunc
	srv    *http.Server
}

func New(cfg Config, signin SignInFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8491"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// A synchronous check-in can hold the request for a whole
		// render round-trip.
		cfg.WriteTimeout = 2 * time.Minute
	}
	return &Server{cfg: cfg, log: log, signin: signin}
}

// Router builds the HTTP routes. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/v1/signin", s.handleSignIn)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api server failed", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !s.keyValid(q.Get("apikey")) {
		s.log.Warn("sign-in request with bad api key", logx.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, response{Success: false, Message: "API密钥错误"})
		return
	}
	rawURL := q.Get("url")
	if rawURL == "" {
		writeJSON(w, http.StatusBadRequest, response{Success: false, Message: "缺少站点地址"})
		return
	}

	s.log.Info("sign-in requested over http", logx.String("url", rawURL))
	msg, err := s.signin(r.Context(), rawURL)
	if err != nil {
		s.log.Error("http sign-in failed", logx.String("url", rawURL), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: msg})
}

func (s *Server) keyValid(key string) bool {
	if s.cfg.APIKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
