package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
)

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if err := decodeJSON(r, &ev); err != nil {
		slog.Warn("Server.eventsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(ev.UserID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id is required"))
		return
	}
	if ev.Message == nil && ev.Callback == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("event needs a message or a callback"))
		return
	}
	if ev.ID == "" {
		ev.ID = xid.New().String()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	handled, err := s.engine.HandleEvent(r.Context(), ev)
	if err != nil {
		slog.Error("Server.eventsHandler: engine failed", "user_id", ev.UserID, "event_id", ev.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to handle event"))
		return
	}
	slog.Debug("Server.eventsHandler: event handled", "user_id", ev.UserID, "event_id", ev.ID, "handled", handled)
	writeJSONResponse(w, http.StatusOK, models.Success(models.HandleEventResult{EventID: ev.ID, Handled: handled}))
}

func (s *Server) listScenariosHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.scenarios.List(r.Context())
	if err != nil {
		slog.Error("Server.listScenariosHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list scenarios"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

func (s *Server) uploadScenarioHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	rec, err := s.scenarios.Upload(r.Context(), body)
	if err != nil {
		if errors.Is(err, scenario.ErrInvalidScenario) {
			slog.Warn("Server.uploadScenarioHandler: invalid scenario", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.uploadScenarioHandler: upload failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store scenario"))
		return
	}
	rec.Definition = ""
	slog.Info("Server.uploadScenarioHandler: scenario uploaded", "key", rec.Key, "version", rec.Version)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Scenario stored", rec))
}

func (s *Server) retireScenarioHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.scenarios.Retire(r.Context(), key); err != nil {
		slog.Error("Server.retireScenarioHandler: retire failed", "key", key, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to retire scenario"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scenario retired", nil))
}

func (s *Server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	var req models.InvalidateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	if req.Key == "" {
		s.scenarios.InvalidateAll()
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scenario cache cleared", nil))
		return
	}
	s.scenarios.Invalidate(req.Key)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scenario cache entry removed", nil))
}

func (s *Server) getUserStateHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	st, err := s.states.GetUserState(r.Context(), userID)
	if err != nil {
		slog.Error("Server.getUserStateHandler: read failed", "user_id", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read user state"))
		return
	}
	if st == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active scenario for user"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}

func (s *Server) resetUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	existed, err := s.engine.ResetUser(r.Context(), userID)
	if err != nil {
		slog.Error("Server.resetUserHandler: reset failed", "user_id", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset user"))
		return
	}
	if !existed {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active scenario for user"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("User reset", nil))
}

func (s *Server) startScenarioHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var req models.StartScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.engine.StartScenario(r.Context(), userID, req.ScenarioKey, nil); err != nil {
		if errors.Is(err, scenario.ErrScenarioNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
			return
		}
		slog.Error("Server.startScenarioHandler: start failed", "user_id", userID, "scenario_key", req.ScenarioKey, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start scenario"))
		return
	}
	slog.Info("Server.startScenarioHandler: scenario started", "user_id", userID, "scenario_key", req.ScenarioKey)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scenario started", nil))
}
