package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"synced-todos/internal/middleware"
)

// SetupRoutes mounts the todo API. peer, when set, serves incoming direct
// peer sessions on the same listener.
func SetupRoutes(h *Handler, peerPath string, peer http.Handler) *mux.Router {
	r := mux.NewRouter()

	// Peer sessions bypass the middleware: they are long-lived binary
	// websockets, traced per merge instead.
	if peer != nil {
		r.Handle(peerPath, peer)
	}

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Apply middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	api.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	api.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	api.Use(middleware.CORSMiddleware)          // Handle CORS

	// Todo endpoints
	api.HandleFunc("/todos", h.ListTodos).Methods("GET")
	api.HandleFunc("/todos", h.CreateTodo).Methods("POST")
	api.HandleFunc("/todos/completed", h.ClearCompleted).Methods("DELETE")
	api.HandleFunc("/todos/{index:[0-9]+}", h.UpdateTodo).Methods("PATCH", "PUT")
	api.HandleFunc("/todos/{index:[0-9]+}", h.DeleteTodo).Methods("DELETE")
	api.HandleFunc("/todos/{index:[0-9]+}/toggle", h.ToggleTodo).Methods("POST")

	// Notes endpoints
	api.HandleFunc("/notes", h.GetNotes).Methods("GET")
	api.HandleFunc("/notes", h.ReplaceNotes).Methods("PUT")
	api.HandleFunc("/notes", h.EditNotes).Methods("PATCH")

	// Sync endpoints
	api.HandleFunc("/connect", h.Connect).Methods("POST")
	api.HandleFunc("/disconnect", h.Disconnect).Methods("POST")
	api.HandleFunc("/status", h.GetStatus).Methods("GET")
	api.HandleFunc("/awareness", h.GetAwareness).Methods("GET")
	api.HandleFunc("/awareness", h.UpdateAwareness).Methods("PUT")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/updates", h.HandleUpdatesWebSocket)

	return r
}
