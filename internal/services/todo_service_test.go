package services

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"synced-todos/internal/crdt"
	"synced-todos/internal/models"
)

func newService(t *testing.T, replica string) *TodoService {
	svc, err := NewTodoService(crdt.NewDocument(replica, TodoSchema.Shape()))
	assert.Equal(t, err, nil)
	return svc
}

func titles(todos []models.Todo) []string {
	out := make([]string, len(todos))
	for i, t := range todos {
		out[i] = t.Title
	}
	return out
}

func TestTodoLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "a")

	milk, err := svc.Add(ctx, "  buy milk ")
	assert.Equal(t, err, nil)
	assert.Equal(t, milk.Title, "buy milk")
	assert.Equal(t, milk.Index, 0)
	assert.NotEqual(t, milk.ID, "")

	_, err = svc.Add(ctx, "walk the dog")
	assert.Equal(t, err, nil)
	_, err = svc.Add(ctx, "write report")
	assert.Equal(t, err, nil)

	toggled, err := svc.Toggle(ctx, 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, toggled.Completed, true)
	assert.Equal(t, toggled.Title, "walk the dog")

	renamed, err := svc.Rename(ctx, 2, "write the report")
	assert.Equal(t, err, nil)
	assert.Equal(t, renamed.Title, "write the report")
	assert.Equal(t, renamed.Completed, false)

	todos := svc.List(ctx)
	assert.Equal(t, titles(todos), []string{"buy milk", "walk the dog", "write the report"})
	assert.Equal(t, todos[0].ID, milk.ID)
	assert.Equal(t, todos[1].Completed, true)

	assert.Equal(t, svc.Remove(ctx, 0), nil)
	todos = svc.List(ctx)
	assert.Equal(t, titles(todos), []string{"walk the dog", "write the report"})
	assert.Equal(t, todos[0].Index, 0)
}

func TestTodoErrors(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "a")

	_, err := svc.Add(ctx, "   ")
	assert.Equal(t, errors.Is(err, ErrEmptyTitle), true)

	_, err = svc.Toggle(ctx, 0)
	assert.Equal(t, errors.Is(err, ErrTodoNotFound), true)
	assert.Equal(t, errors.Is(svc.Remove(ctx, -1), ErrTodoNotFound), true)

	svc.Add(ctx, "buy milk")
	_, err = svc.Rename(ctx, 0, "")
	assert.Equal(t, errors.Is(err, ErrEmptyTitle), true)
	assert.Equal(t, titles(svc.List(ctx)), []string{"buy milk"})
}

func TestClearCompletedIsOneTransaction(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "a")
	for _, title := range []string{"a", "b", "c", "d"} {
		svc.Add(ctx, title)
	}
	svc.Toggle(ctx, 0)
	svc.Toggle(ctx, 2)
	svc.Toggle(ctx, 3)

	updates := 0
	sub := svc.Store().Document().OnUpdate(func([]byte, any) { updates++ })
	defer sub.Close()

	removed, err := svc.ClearCompleted(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, removed, 3)
	assert.Equal(t, updates, 1)
	assert.Equal(t, titles(svc.List(ctx)), []string{"b"})

	removed, err = svc.ClearCompleted(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, removed, 0)
	assert.Equal(t, updates, 1)
}

func TestNotesEditing(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "a")

	notes, err := svc.EditNotes(ctx, []models.NotesEdit{
		{Index: 0, Insert: "hello world"},
		{Index: 0, Length: 5, Format: map[string]any{"bold": true}},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, notes.Text, "hello world")
	assert.Equal(t, len(notes.Runs), 2)
	assert.Equal(t, notes.Runs[0].Text, "hello")
	assert.Equal(t, notes.Runs[0].Attrs["bold"], true)
	assert.Equal(t, notes.Runs[1].Text, " world")

	notes, err = svc.EditNotes(ctx, []models.NotesEdit{{Index: 5, Delete: 6}})
	assert.Equal(t, err, nil)
	assert.Equal(t, notes.Text, "hello")

	// A bad edit rolls back the edits before it.
	_, err = svc.EditNotes(ctx, []models.NotesEdit{
		{Index: 5, Insert: "!"},
		{Index: 0, Insert: "x", Delete: 1},
	})
	assert.Equal(t, errors.Is(err, ErrInvalidEdit), true)
	_, err = svc.EditNotes(ctx, []models.NotesEdit{{Index: 99, Insert: "x"}})
	assert.Equal(t, errors.Is(err, crdt.ErrIndexOutOfRange), true)
	assert.Equal(t, svc.Notes(ctx).Text, "hello")

	notes, err = svc.SetNotes(ctx, "plain")
	assert.Equal(t, err, nil)
	assert.Equal(t, notes.Text, "plain")
	assert.Equal(t, len(notes.Runs), 1)
}

func TestConcurrentEditsConverge(t *testing.T) {
	ctx := context.Background()
	a := newService(t, "a")
	b := newService(t, "b")
	docA, docB := a.Store().Document(), b.Store().Document()

	a.Add(ctx, "shared")
	assert.Equal(t, docB.ApplyUpdate(docA.EncodeStateAsUpdate(nil), "a"), nil)

	a.Toggle(ctx, 0)
	b.Rename(ctx, 0, "shared, renamed")
	b.Add(ctx, "from b")

	assert.Equal(t, docB.ApplyUpdate(docA.EncodeStateAsUpdate(docB.StateVector()), "a"), nil)
	assert.Equal(t, docA.ApplyUpdate(docB.EncodeStateAsUpdate(docA.StateVector()), "b"), nil)

	assert.Equal(t, a.List(ctx), b.List(ctx))
	first := a.List(ctx)[0]
	assert.Equal(t, first.Title, "shared, renamed")
	assert.Equal(t, first.Completed, true)
}
