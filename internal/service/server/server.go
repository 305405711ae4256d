// Package server is the reference collaborator the vault client talks to. It stores ciphertext, wrapped keys
// and public keys only.
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"e2e_vault/internal/model"
	"e2e_vault/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type (
	AccountStore interface {
		GetByEmail(ctx context.Context, email string) (*model.Account, error)
		Create(ctx context.Context, acc *model.Account) error
	}

	SecretStore interface {
		Create(ctx context.Context, s *model.Secret) error
		Get(ctx context.Context, id string) (*model.Secret, error)
		ListFor(ctx context.Context, email string) ([]*model.Secret, error)
		Update(ctx context.Context, s *model.Secret) error
		Delete(ctx context.Context, id string) error
	}

	GroupStore interface {
		Create(ctx context.Context, g *model.Group) error
		Get(ctx context.Context, id string) (*model.Group, error)
		ListFor(ctx context.Context, email string) ([]*model.Group, error)
		Update(ctx context.Context, g *model.Group) (*model.Group, error)
		Replace(ctx context.Context, id string, rot *model.GroupRotation) (*model.Group, error)
		Delete(ctx context.Context, id string) error
	}

	// Cache holds short-lived single-use values and queued events. RedisService satisfies it.
	Cache interface {
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, error)
		GetDel(ctx context.Context, key string) (string, error)
		Del(ctx context.Context, key string) error
		RPush(ctx context.Context, key string, value ...any) error
		LRange(ctx context.Context, key string) ([]string, error)
	}

	Options struct {
		Addr          string
		ChallengeTTL  time.Duration
		CodeTTL       time.Duration
		SessionTTL    time.Duration
		TokenTTL      time.Duration
		ReturnTokens  bool
		ShutdownGrace time.Duration
	}

	HttpServer struct {
		opts     Options
		accounts AccountStore
		secrets  SecretStore
		groups   GroupStore
		cache    Cache

		mu     sync.RWMutex
		mapper map[string]map[*websocket.Conn]struct{}

		isReady  atomic.Bool
		registry *prometheus.Registry
		metrics  *metrics
		srv      *http.Server
		now      func() time.Time
	}
)

func NewHttpServer(opts Options, accounts AccountStore, secrets SecretStore, groups GroupStore, cache Cache) *HttpServer {
	reg := prometheus.NewRegistry()
	s := &HttpServer{
		opts:     opts,
		accounts: accounts,
		secrets:  secrets,
		groups:   groups,
		cache:    cache,
		mapper:   make(map[string]map[*websocket.Conn]struct{}),
		registry: reg,
		metrics:  newMetrics(reg),
		now:      time.Now,
	}
	s.isReady.Store(true)
	return s
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/livez", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadiness).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/accounts/{email}/salts", s.GetSalts()).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{email}/public-key", s.GetPublicKey()).Methods(http.MethodGet)
	r.HandleFunc("/registration-tokens", s.IssueRegistrationToken()).Methods(http.MethodPost)
	r.HandleFunc("/accounts", s.Register()).Methods(http.MethodPost)
	r.HandleFunc("/login/challenge", s.IssueChallenge()).Methods(http.MethodPost)
	r.HandleFunc("/login/signature", s.VerifySignature()).Methods(http.MethodPost)
	r.HandleFunc("/login/code", s.ExchangeCode()).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(s.requireSession)
	api.HandleFunc("/logout", s.Logout()).Methods(http.MethodPost)
	api.HandleFunc("/events", s.HandleEventsWS()).Methods(http.MethodGet)

	api.HandleFunc("/secrets", s.ListSecrets()).Methods(http.MethodGet)
	api.HandleFunc("/secrets", s.CreateSecret()).Methods(http.MethodPost)
	api.HandleFunc("/secrets/{id}", s.GetSecret()).Methods(http.MethodGet)
	api.HandleFunc("/secrets/{id}", s.UpdateSecret()).Methods(http.MethodPut)
	api.HandleFunc("/secrets/{id}", s.DeleteSecret()).Methods(http.MethodDelete)

	api.HandleFunc("/groups", s.ListGroups()).Methods(http.MethodGet)
	api.HandleFunc("/groups", s.CreateGroup()).Methods(http.MethodPost)
	api.HandleFunc("/groups/{id}", s.GetGroup()).Methods(http.MethodGet)
	api.HandleFunc("/groups/{id}", s.UpdateGroup()).Methods(http.MethodPut)
	api.HandleFunc("/groups/{id}", s.DeleteGroup()).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{id}/rotation", s.RotateGroup()).Methods(http.MethodPost)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting http server", zap.String("addr", s.opts.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.isReady.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()
	s.closeConnections()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	log.Info("http server stopped")
	return nil
}

func (s *HttpServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *HttpServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HttpServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", s.now().Sub(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets the websocket upgrader take over the connection through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
