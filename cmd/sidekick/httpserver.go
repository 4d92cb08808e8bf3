package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sidekick-labs/sidekick/internal/orchestrator"
	"github.com/sidekick-labs/sidekick/internal/stream"
)

// newRouter builds the HTTP surface over the wired app.
func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/agents", func(r chi.Router) {
		r.Get("/", a.handleListAgents)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Post("/runs", a.handleTriggerRun)
			r.Post("/cancel", a.handleCancel)
			r.Get("/state", a.handleState)
			r.Get("/history", a.handleHistory)
			r.Get("/archives", a.handleArchives)
			r.Get("/events", a.handleEvents)
			r.Get("/ws", a.handleWebSocket)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type runRequest struct {
	Input string `json:"input,omitempty"`
}

// handleTriggerRun starts a run asynchronously. The caller gets an
// immediate 202 and follows progress over the event stream; a second
// trigger while a run is active is reported as a conflict by the
// orchestrator's lock, not here.
func (a *app) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	trigger := orchestrator.Trigger{AgentID: agentID, Input: req.Input, Source: "api"}
	go func() {
		result, err := a.orch.Run(a.baseCtx, trigger)
		if err != nil {
			a.logger.Error("triggered run failed", "agent_id", agentID, "error", err)
			return
		}
		if result.AlreadyRunning {
			a.logger.Info("trigger skipped, agent already running", "agent_id", agentID)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"agent_id": agentID,
		"status":   "accepted",
	})
}

func (a *app) handleCancel(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := a.orch.RequestCancel(r.Context(), agentID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"agent_id": agentID,
		"status":   "cancel_requested",
	})
}

func (a *app) handleState(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	rt, err := a.store.LoadState(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (a *app) handleHistory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	messages, err := a.store.History(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"messages": messages,
	})
}

func (a *app) handleArchives(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest,
				&strconv.NumError{Func: "limit", Num: raw, Err: strconv.ErrSyntax})
			return
		}
		limit = n
	}
	records, err := a.archives.Recent(r.Context(), agentID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"archives": records,
	})
}

// handleEvents streams an agent's run events as Server-Sent Events
// until the client disconnects.
func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	sse, err := stream.NewSSEWriter(w, a.logger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	events, cancel := a.events.Subscribe(64, stream.ForAgent(agentID))
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			sse.Push(event)
		}
	}
}

func (a *app) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket accept failed", "agent_id", agentID, "error", err)
		return
	}
	sink := stream.NewWSSink(conn, a.logger)
	defer sink.Close()

	events, cancel := a.events.Subscribe(64, stream.ForAgent(agentID))
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			sink.Push(event)
		}
	}
}

func (a *app) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if agents == nil {
		agents = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}
