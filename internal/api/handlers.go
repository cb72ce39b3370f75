package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"synced-todos/internal/binding"
	"synced-todos/internal/crdt"
	"synced-todos/internal/middleware"
	"synced-todos/internal/models"
	"synced-todos/internal/services"
	"synced-todos/internal/services/collaboration"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	todos    TodoService  // Interface defined in this package!
	provider SyncProvider // Peer sync for the same document
}

func NewHandler(todos TodoService, provider SyncProvider) *Handler {
	return &Handler{
		todos:    todos,
		provider: provider,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Document errors never come
// from the network, only from the request.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var schemaErr *binding.SchemaError
	switch {
	case errors.Is(err, services.ErrTodoNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrEmptyTitle),
		errors.Is(err, services.ErrInvalidEdit),
		errors.Is(err, crdt.ErrIndexOutOfRange),
		errors.As(err, &schemaErr):
		status = http.StatusBadRequest
	case errors.Is(err, collaboration.ErrProviderClosed):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		glog.Errorf("[api]%s %s (request %s): %v", r.Method, r.URL.Path, middleware.GetRequestID(r.Context()), err)
	}
	http.Error(w, err.Error(), status)
}

func indexParam(r *http.Request) (int, error) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		return 0, services.ErrTodoNotFound
	}
	return index, nil
}

// Todo handlers

func (h *Handler) ListTodos(w http.ResponseWriter, r *http.Request) {
	todos := h.todos.List(r.Context())
	filter := r.URL.Query().Get("filter")
	if filter == "active" || filter == "completed" {
		kept := todos[:0]
		for _, t := range todos {
			if t.Completed == (filter == "completed") {
				kept = append(kept, t)
			}
		}
		todos = kept
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"todos": todos,
		"count": len(todos),
	})
}

func (h *Handler) CreateTodo(w http.ResponseWriter, r *http.Request) {
	var input models.TodoInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if input.Title == nil {
		writeError(w, r, services.ErrEmptyTitle)
		return
	}
	created, err := h.todos.Add(r.Context(), *input.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) UpdateTodo(w http.ResponseWriter, r *http.Request) {
	index, err := indexParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var input models.TodoInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updated, err := h.todos.Update(r.Context(), index, input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) ToggleTodo(w http.ResponseWriter, r *http.Request) {
	index, err := indexParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	toggled, err := h.todos.Toggle(r.Context(), index)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toggled)
}

func (h *Handler) DeleteTodo(w http.ResponseWriter, r *http.Request) {
	index, err := indexParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.todos.Remove(r.Context(), index); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed, err := h.todos.ClearCompleted(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// Notes handlers

func (h *Handler) GetNotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.todos.Notes(r.Context()))
}

func (h *Handler) ReplaceNotes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	notes, err := h.todos.SetNotes(r.Context(), body.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (h *Handler) EditNotes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Edits []models.NotesEdit `json:"edits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	notes, err := h.todos.EditNotes(r.Context(), body.Edits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// Sync handlers

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	if err := h.provider.Connect(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.provider.Status())
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.provider.Disconnect()
	writeJSON(w, http.StatusOK, h.provider.Status())
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.Status())
}

// Awareness handlers

func (h *Handler) GetAwareness(w http.ResponseWriter, r *http.Request) {
	states := h.provider.Awareness().States()
	peers := make([]string, 0, len(states))
	for peer := range states {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	out := make([]models.AwarenessState, 0, len(peers))
	for _, peer := range peers {
		out = append(out, presenceFromState(peer, states[peer]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"local": h.provider.Awareness().LocalID(),
		"peers": out,
	})
}

func (h *Handler) UpdateAwareness(w http.ResponseWriter, r *http.Request) {
	var presence models.AwarenessState
	if err := json.NewDecoder(r.Body).Decode(&presence); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	awareness := h.provider.Awareness()
	awareness.SetLocalState(stateFromPresence(presence))
	writeJSON(w, http.StatusOK, presenceFromState(awareness.LocalID(), awareness.LocalState()))
}

// presenceFromState reads the well-known user and cursor keys of an
// awareness state; every other key stays in State.
func presenceFromState(peer string, state map[string]any) models.AwarenessState {
	p := models.AwarenessState{PeerID: peer}
	rest := make(map[string]any, len(state))
	for k, v := range state {
		rest[k] = v
	}
	if raw, ok := rest["user"]; ok {
		var user models.UserInfo
		if remarshal(raw, &user) == nil {
			p.User = &user
			delete(rest, "user")
		}
	}
	if raw, ok := rest["cursor"]; ok {
		var cursor models.CursorPosition
		if remarshal(raw, &cursor) == nil {
			p.Cursor = &cursor
			delete(rest, "cursor")
		}
	}
	if len(rest) > 0 {
		p.State = rest
	}
	return p
}

func stateFromPresence(p models.AwarenessState) map[string]any {
	state := make(map[string]any, len(p.State)+2)
	for k, v := range p.State {
		state[k] = v
	}
	if p.User != nil {
		state["user"] = map[string]any{"name": p.User.Name, "color": p.User.Color}
	}
	if p.Cursor != nil {
		state["cursor"] = map[string]any{"index": p.Cursor.Index, "length": p.Cursor.Length}
	}
	return state
}

func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
