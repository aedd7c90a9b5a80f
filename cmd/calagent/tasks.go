package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/calagent/calagent/internal/bridge"
	"github.com/calagent/calagent/internal/config"
	"github.com/calagent/calagent/internal/protocol"
	"github.com/calagent/calagent/internal/vault"
)

func customEndpoint(cfg config.AuthConfig) oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  cfg.AuthURL,
		TokenURL: cfg.TokenURL,
	}
}

// taskRequest is the development task harness request body. The full
// task-protocol wire format is out of scope; this endpoint exists to
// exercise the bridge end to end.
type taskRequest struct {
	Query     string `json:"query"`
	ContextID string `json:"context_id,omitempty"`
}

// collectingQueue buffers events for a single synchronous response.
type collectingQueue struct {
	events []any
}

func (q *collectingQueue) Enqueue(event any) error {
	q.events = append(q.events, event)
	return nil
}

// newTaskHandler serves POST /v1/tasks: authenticate via Bearer session
// token, run the task, and return the published events.
func newTaskHandler(executor *bridge.Executor, tokens *vault.TokenService, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "tasks")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req taskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			http.Error(w, "query is required", http.StatusBadRequest)
			return
		}

		var userID string
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			if claims, ok := tokens.Verify(strings.TrimPrefix(auth, "Bearer ")); ok {
				userID = claims.UserID()
			}
		}

		queue := &collectingQueue{}
		reqCtx := &protocol.RequestContext{
			ContextID: req.ContextID,
			UserID:    userID,
			Query:     req.Query,
		}

		if err := executor.Execute(r.Context(), reqCtx, queue); err != nil {
			logger.Error("task execution failed", "error", err)
			http.Error(w, "task execution failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"events": queue.events})
	})
}
