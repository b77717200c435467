// Package api provides HTTP handlers for PacePipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// messageRequest is the body of POST /message.
type messageRequest struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time,omitempty"`
}

// cancelRequest is the body of POST /cancel.
type cancelRequest struct {
	To string `json:"to"`
}

// checkInRequest is the body of POST /checkins.
type checkInRequest struct {
	To     string `json:"to"`
	Cron   string `json:"cron"`
	Body   string `json:"body,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messageHandler: processing message request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.messageHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.From == "" || req.Body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: from, body"))
		return
	}

	if err := s.eng.HandleUserMessage(r.Context(), req.From, req.Body, req.Time); err != nil {
		slog.Error("Server.messageHandler: failed to process message", "error", err, "from", req.From)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	slog.Info("Server.messageHandler: message processed", "from", req.From)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Message accepted", nil))
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.statusHandler: processing status request", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: to"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.eng.Status(to)))
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.cancelHandler: processing cancel request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.cancelHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.To == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: to"))
		return
	}

	canceled := s.eng.CancelPending(req.To)
	slog.Info("Server.cancelHandler: canceled pending turns", "to", req.To, "count", canceled)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"canceled": canceled}))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.historyHandler: processing history request", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: to"))
		return
	}
	history, err := s.eng.History(to)
	if err != nil {
		slog.Error("Server.historyHandler: failed to load history", "error", err, "to", to)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(history))
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.configHandler: processing config request", "method", r.Method)
	switch r.Method {
	case http.MethodGet:
		writeJSONResponse(w, http.StatusOK, models.Success(s.eng.Config()))
	case http.MethodPut:
		var cfg models.PacingConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			slog.Warn("Server.configHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := s.eng.UpdateConfig(cfg); err != nil {
			slog.Warn("Server.configHandler: configuration rejected", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Info("Server.configHandler: configuration updated", "max_turns", cfg.MaxTurns, "enabled", cfg.Enabled)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Configuration updated", cfg))
	default:
		w.Header().Set("Allow", "GET, PUT")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) checkInsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.checkInsHandler: processing check-in request", "method", r.Method)
	if s.sched == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Check-in scheduling not configured"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.registerCheckIn(w, r)
	case http.MethodDelete:
		to := r.URL.Query().Get("to")
		if to == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: to"))
			return
		}
		canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(to)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if !s.sched.CancelCheckIn(canonical) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("No check-in registered for recipient"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Check-in canceled", nil))
	default:
		w.Header().Set("Allow", "POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) registerCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.registerCheckIn: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.To == "" || req.Cron == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: to, cron"))
		return
	}
	if req.Body == "" && req.Prompt == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("One of body or prompt is required"))
		return
	}
	if req.Prompt != "" && s.generator == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Prompt-generated check-ins not configured"))
		return
	}

	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		slog.Warn("Server.registerCheckIn: recipient validation failed", "error", err, "original_to", req.To)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	generate := s.checkInGenerator(req)
	if err := s.sched.ScheduleCheckIn(req.Cron, canonical, generate, s.deliverCheckIn); err != nil {
		slog.Warn("Server.registerCheckIn: schedule rejected", "error", err, "cron", req.Cron)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	slog.Info("Server.registerCheckIn: check-in registered", "to", canonical, "cron", req.Cron)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Check-in scheduled", nil))
}

// deliverCheckIn hands a scheduled check-in to the conversation engine so
// the text goes through the usual delivery path and is recorded in history.
func (s *Server) deliverCheckIn(ctx context.Context, recipient, text string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultCheckInTimeout)
	defer cancel()
	return s.eng.DeliverCheckIn(ctx, recipient, text)
}

// checkInGenerator returns the text source for one registration: a fixed
// body, or a fresh generation per tick.
func (s *Server) checkInGenerator(req checkInRequest) func(ctx context.Context) (string, error) {
	if req.Prompt == "" {
		body := req.Body
		return func(context.Context) (string, error) { return body, nil }
	}
	prompt := req.Prompt
	return func(ctx context.Context) (string, error) {
		return s.generator.GeneratePrompt(ctx, s.checkInSystem, prompt)
	}
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.receiptsHandler: processing receipts request", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to load receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load receipts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}
