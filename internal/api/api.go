// Package api provides the HTTP admin API of DialogPipe.
//
// It exposes endpoints for injecting events, managing scenarios and inspecting
// or resetting user dialog state. The Twilio webhook is mounted here as well.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// DefaultAddr is the default listen address of the API server.
const DefaultAddr = ":8080"

// maxBodyBytes bounds request bodies, scenario uploads included.
const maxBodyBytes = 1 << 20

// Engine is the dialog engine surface used by the API.
type Engine interface {
	HandleEvent(ctx context.Context, ev models.Event) (bool, error)
	StartScenario(ctx context.Context, userID, scenarioKey string, ev *models.Event) error
	ResetUser(ctx context.Context, userID string) (bool, error)
}

// ScenarioAdmin manages stored scenarios.
type ScenarioAdmin interface {
	Upload(ctx context.Context, data []byte) (models.ScenarioRecord, error)
	Retire(ctx context.Context, key string) error
	List(ctx context.Context) ([]models.ScenarioRecord, error)
	Invalidate(key string)
	InvalidateAll()
}

// StateReader reads user dialog state.
type StateReader interface {
	GetUserState(ctx context.Context, userID string) (*models.UserState, error)
}

// Opts holds optional Server settings.
type Opts struct {
	Addr          string
	TwilioWebhook http.Handler
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts h at POST /webhooks/twilio.
func WithTwilioWebhook(h http.Handler) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server holds the API dependencies.
type Server struct {
	engine    Engine
	scenarios ScenarioAdmin
	states    StateReader
	opts      Opts
	mux       *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(engine Engine, scenarios ScenarioAdmin, states StateReader, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{engine: engine, scenarios: scenarios, states: states, opts: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /events", s.eventsHandler)
	s.mux.HandleFunc("GET /scenarios", s.listScenariosHandler)
	s.mux.HandleFunc("POST /scenarios", s.uploadScenarioHandler)
	s.mux.HandleFunc("POST /scenarios/invalidate", s.invalidateHandler)
	s.mux.HandleFunc("DELETE /scenarios/{key}", s.retireScenarioHandler)
	s.mux.HandleFunc("GET /users/{id}/state", s.getUserStateHandler)
	s.mux.HandleFunc("DELETE /users/{id}/state", s.resetUserHandler)
	s.mux.HandleFunc("POST /users/{id}/start", s.startScenarioHandler)
	if s.opts.TwilioWebhook != nil {
		s.mux.Handle("POST /webhooks/twilio", s.opts.TwilioWebhook)
		slog.Info("Server.routes: Twilio webhook mounted", "path", "/webhooks/twilio")
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	s.mux.ServeHTTP(w, r)
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("DialogPipe API running", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
