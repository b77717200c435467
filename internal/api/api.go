// Package api provides the HTTP control surface for PacePipe.
//
// It exposes endpoints for inspecting a conversation's pacing pipeline,
// canceling undelivered turns, reading recorded history, adjusting the
// pacing configuration at runtime and managing proactive check-ins.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/PacePipe/internal/messaging"
	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/scheduler"
	"github.com/BTreeMap/PacePipe/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultCheckInTimeout bounds one scheduled check-in delivery.
	DefaultCheckInTimeout = 60 * time.Second
)

// ConversationEngine is the surface of the conversation engine the API
// drives. *engine.Engine satisfies it.
type ConversationEngine interface {
	HandleUserMessage(ctx context.Context, from, text string, timestamp int64) error
	DeliverCheckIn(ctx context.Context, recipient, text string) error
	CancelPending(recipient string) int
	Status(recipient string) models.PacerStatus
	History(recipient string) ([]store.HistoryMessage, error)
	UpdateConfig(cfg models.PacingConfig) error
	Config() models.PacingConfig
}

// PromptGenerator produces check-in text from a prompt pair. *genai.Client
// satisfies it; a nil generator limits check-ins to static bodies.
type PromptGenerator interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Opts holds optional server configuration.
type Opts struct {
	Addr            string
	CheckInSystem   string
	PromptGenerator PromptGenerator
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPromptGenerator enables generated check-in bodies.
func WithPromptGenerator(g PromptGenerator) Option {
	return func(o *Opts) { o.PromptGenerator = g }
}

// WithCheckInSystemPrompt sets the system prompt used for generated
// check-ins.
func WithCheckInSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.CheckInSystem = prompt }
}

// Server wires the HTTP endpoints to their collaborators.
type Server struct {
	msgService messaging.Service
	st         store.Store
	eng        ConversationEngine
	sched      *scheduler.Scheduler

	addr          string
	checkInSystem string
	generator     PromptGenerator

	httpServer *http.Server
}

// NewServer creates a server. The scheduler may be nil, in which case the
// check-in endpoints report the feature unavailable.
func NewServer(msgService messaging.Service, st store.Store, eng ConversationEngine, sched *scheduler.Scheduler, opts ...Option) *Server {
	cfg := Opts{
		Addr:          DefaultAddr,
		CheckInSystem: "You are writing a short, warm check-in message to a friend you have not heard from in a while.",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Server{
		msgService:    msgService,
		st:            st,
		eng:           eng,
		sched:         sched,
		addr:          cfg.Addr,
		checkInSystem: cfg.CheckInSystem,
		generator:     cfg.PromptGenerator,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/cancel", s.cancelHandler)
	mux.HandleFunc("/history", s.historyHandler)
	mux.HandleFunc("/config", s.configHandler)
	mux.HandleFunc("/message", s.messageHandler)
	mux.HandleFunc("/checkins", s.checkInsHandler)
	mux.HandleFunc("/receipts", s.receiptsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until ctx is canceled, then shuts
// the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"state": "up"}))
}
