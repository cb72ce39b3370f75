package api

import (
	"context"

	"synced-todos/internal/crdt"
	"synced-todos/internal/models"
	"synced-todos/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler only declares the methods it calls, so tests can hand it a real
TodoService over an in-memory document and a fake provider.
*/

// TodoService defines what handlers need from the todo adapter
type TodoService interface {
	List(ctx context.Context) []models.Todo
	Add(ctx context.Context, title string) (models.Todo, error)
	Update(ctx context.Context, index int, input models.TodoInput) (models.Todo, error)
	Toggle(ctx context.Context, index int) (models.Todo, error)
	Remove(ctx context.Context, index int) error
	ClearCompleted(ctx context.Context) (int, error)
	Notes(ctx context.Context) models.Notes
	EditNotes(ctx context.Context, edits []models.NotesEdit) (models.Notes, error)
	SetNotes(ctx context.Context, text string) (models.Notes, error)
	OnChange(fn func(local bool)) *crdt.Subscription
}

// SyncProvider defines what handlers need from the peer sync provider
type SyncProvider interface {
	Connect(ctx context.Context) error
	Disconnect()
	Status() models.Status
	Awareness() *collaboration.Awareness
}
