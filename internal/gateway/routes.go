// ABOUTME: Route table for the agent poll API, operator API, health, and metrics
// ABOUTME: Applies per-audience auth, idempotency on dispatch POSTs, and request metrics

package gateway

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/dockhand/internal/auth"
	"github.com/2389/dockhand/internal/idempotency"
)

func (g *Gateway) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.NotFoundHandler = http.HandlerFunc(g.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(g.handleMethodNotAllowed)

	// Health and metrics - no auth required
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)
	if g.config.Metrics.IsEnabled() {
		r.Handle(g.config.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()

	// Agent-facing poll API. Registration authenticates inside the handler
	// because the agent may not exist yet; heartbeat does so to keep
	// unknown-agent heartbeats a soft failure.
	agentAuth := auth.AgentMiddleware(g.registry, agentIDVar, g.logger)
	api.HandleFunc("/agents/register", g.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/heartbeat", g.handleHeartbeat).Methods(http.MethodPost)
	api.Handle("/agents/{id}/tasks", agentAuth(http.HandlerFunc(g.handlePendingTasks))).Methods(http.MethodGet)
	api.Handle("/agents/{id}/tasks/{taskId}/result", agentAuth(http.HandlerFunc(g.handleTaskResult))).Methods(http.MethodPost)
	api.Handle("/agents/{id}/stream", agentAuth(http.HandlerFunc(g.handleStream))).Methods(http.MethodGet)

	// Operator API
	operator := api.NewRoute().Subrouter()
	operator.Use(auth.OperatorMiddleware(g.verifier, g.logger))

	dispatchPOST := func(path string, h http.HandlerFunc) {
		var handler http.Handler = h
		if g.idempotency != nil {
			handler = idempotency.Middleware(g.idempotency, g.logger)(handler)
		}
		operator.Handle(path, handler).Methods(http.MethodPost)
	}

	operator.HandleFunc("/agents", g.handleListAgents).Methods(http.MethodGet)
	operator.HandleFunc("/agents/{id}", g.handleGetAgent).Methods(http.MethodGet)
	operator.HandleFunc("/agents/{id}", g.handleUpdateAgent).Methods(http.MethodPatch)
	operator.HandleFunc("/agents/{id}", g.handleDeleteAgent).Methods(http.MethodDelete)
	dispatchPOST("/agents/{id}/tasks", g.handleSendTask)
	dispatchPOST("/agents/{id}/commands", g.handleDockerCommand)
	dispatchPOST("/agents/{id}/images/pull", g.handlePullImage)
	dispatchPOST("/agents/{id}/containers", g.handleRunContainer)
	dispatchPOST("/agents/{id}/stacks", g.handleDeployStack)

	operator.HandleFunc("/tasks", g.handleListTasks).Methods(http.MethodGet)
	operator.HandleFunc("/tasks/{id}", g.handleGetTask).Methods(http.MethodGet)
	dispatchPOST("/tasks/{id}/cancel", g.handleCancelTask)

	operator.HandleFunc("/deployments", g.handleListDeployments).Methods(http.MethodGet)
	operator.HandleFunc("/deployments/{id}", g.handleGetDeployment).Methods(http.MethodGet)
	dispatchPOST("/deployments/{id}/redeploy", g.handleRedeploy)
	dispatchPOST("/deployments/{id}/remove", g.handleRemoveDeployment)

	operator.HandleFunc("/dashboard", g.handleDashboard).Methods(http.MethodGet)

	return r
}

func agentIDVar(r *http.Request) string {
	return mux.Vars(r)["id"]
}
