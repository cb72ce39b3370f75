package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel/attribute"

	"synced-todos/internal/binding"
	"synced-todos/internal/crdt"
	"synced-todos/internal/middleware"
	"synced-todos/internal/models"
)

/*
LEARNING: TYPED ADAPTER OVER A SHARED DOCUMENT

The todo list and the notes live in a replicated document. TodoService is the
only place that knows their layout:

  todos     list of { title: string, completed: bool }
  fragment  rich text, per-character attributes (bold, italic, ...)

Every method is one transaction, so peers and observers never see half of a
user action (e.g. ClearCompleted removing only some of the done items).
*/

const (
	todosContainer = "todos"
	notesContainer = "fragment"
)

// TodoSchema is the shape of a todo document. Peers must agree on it.
var TodoSchema = binding.Schema{
	todosContainer: binding.ListOf(binding.Record(
		binding.Field("title", binding.String),
		binding.Field("completed", binding.Bool),
	)),
	notesContainer: binding.RichText(),
}

var (
	ErrTodoNotFound = errors.New("todo not found")
	ErrEmptyTitle   = errors.New("todo title is empty")
	ErrInvalidEdit  = errors.New("invalid notes edit")
)

// TodoService reads and edits the shared todo list.
type TodoService struct {
	store *binding.Store
}

// NewTodoService binds doc with TodoSchema. doc must have been created with
// TodoSchema.Shape().
func NewTodoService(doc *crdt.Document) (*TodoService, error) {
	store, err := binding.Bind(doc, TodoSchema)
	if err != nil {
		return nil, fmt.Errorf("bind todo document: %w", err)
	}
	return &TodoService{store: store}, nil
}

func (s *TodoService) Store() *binding.Store {
	return s.store
}

// OnChange calls fn for every container a transaction or merge changed.
func (s *TodoService) OnChange(fn func(local bool)) *crdt.Subscription {
	return s.store.OnChange(func(ev crdt.Event) {
		fn(ev.Local)
	})
}

// List returns every todo in document order.
func (s *TodoService) List(ctx context.Context) []models.Todo {
	_, span := middleware.StartSpan(ctx, "TodoService.List")
	defer span.End()

	var todos []models.Todo
	// A read-only transaction keeps ids and values consistent.
	s.store.Transact(func(tx *binding.Tx) error {
		todos = readTodos(tx.List(todosContainer))
		return nil
	})
	span.SetAttributes(attribute.Int("todos", len(todos)))
	return todos
}

func readTodos(list *binding.List) []models.Todo {
	values := list.Values()
	todos := make([]models.Todo, 0, len(values))
	for i, v := range values {
		t := toTodo(i, v)
		if rec, err := list.Record(i); err == nil {
			t.ID = rec.ID().String()
		}
		todos = append(todos, t)
	}
	return todos
}

func toTodo(index int, v crdt.Value) models.Todo {
	t := models.Todo{Index: index}
	if f, ok := v.Field("title"); ok {
		t.Title, _ = f.AsString()
	}
	if f, ok := v.Field("completed"); ok {
		t.Completed, _ = f.AsBool()
	}
	return t
}

func newTodo(title string) crdt.Value {
	return crdt.Record(map[string]crdt.Value{
		"title":     crdt.String(title),
		"completed": crdt.Bool(false),
	})
}

func cleanTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrEmptyTitle
	}
	return title, nil
}

// Add appends an open todo.
func (s *TodoService) Add(ctx context.Context, title string) (models.Todo, error) {
	ctx, span := middleware.StartSpan(ctx, "TodoService.Add")
	defer span.End()

	title, err := cleanTitle(title)
	if err != nil {
		return models.Todo{}, err
	}
	var added models.Todo
	err = s.store.Transact(func(tx *binding.Tx) error {
		list := tx.List(todosContainer)
		if err := list.Push(newTodo(title)); err != nil {
			return err
		}
		index := list.Len() - 1
		added = models.Todo{Index: index, Title: title}
		if rec, err := list.Record(index); err == nil {
			added.ID = rec.ID().String()
		}
		return nil
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return models.Todo{}, err
	}
	glog.V(1).Infof("[todos]added %q at %d", title, added.Index)
	return added, nil
}

// Update applies the set fields of input to the todo at index.
func (s *TodoService) Update(ctx context.Context, index int, input models.TodoInput) (models.Todo, error) {
	ctx, span := middleware.StartSpan(ctx, "TodoService.Update", attribute.Int("index", index))
	defer span.End()

	var title string
	if input.Title != nil {
		var err error
		if title, err = cleanTitle(*input.Title); err != nil {
			return models.Todo{}, err
		}
	}
	var updated models.Todo
	err := s.store.Transact(func(tx *binding.Tx) error {
		rec, err := record(tx, index)
		if err != nil {
			return err
		}
		if input.Title != nil {
			if err := rec.Set("title", crdt.String(title)); err != nil {
				return err
			}
		}
		if input.Completed != nil {
			if err := rec.Set("completed", crdt.Bool(*input.Completed)); err != nil {
				return err
			}
		}
		v, err := rec.Value()
		if err != nil {
			return err
		}
		updated = toTodo(index, v)
		updated.ID = rec.ID().String()
		return nil
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return models.Todo{}, err
	}
	return updated, nil
}

// Toggle flips the completed flag of the todo at index.
func (s *TodoService) Toggle(ctx context.Context, index int) (models.Todo, error) {
	ctx, span := middleware.StartSpan(ctx, "TodoService.Toggle", attribute.Int("index", index))
	defer span.End()

	var toggled models.Todo
	err := s.store.Transact(func(tx *binding.Tx) error {
		rec, err := record(tx, index)
		if err != nil {
			return err
		}
		v, err := rec.Value()
		if err != nil {
			return err
		}
		toggled = toTodo(index, v)
		toggled.ID = rec.ID().String()
		toggled.Completed = !toggled.Completed
		return rec.Set("completed", crdt.Bool(toggled.Completed))
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return models.Todo{}, err
	}
	return toggled, nil
}

// Rename sets the title of the todo at index.
func (s *TodoService) Rename(ctx context.Context, index int, title string) (models.Todo, error) {
	return s.Update(ctx, index, models.TodoInput{Title: &title})
}

// Remove deletes the todo at index.
func (s *TodoService) Remove(ctx context.Context, index int) error {
	ctx, span := middleware.StartSpan(ctx, "TodoService.Remove", attribute.Int("index", index))
	defer span.End()

	err := s.store.Transact(func(tx *binding.Tx) error {
		if _, err := record(tx, index); err != nil {
			return err
		}
		return tx.List(todosContainer).Delete(index, 1)
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
	}
	return err
}

// ClearCompleted removes every completed todo and returns how many it removed.
func (s *TodoService) ClearCompleted(ctx context.Context) (int, error) {
	ctx, span := middleware.StartSpan(ctx, "TodoService.ClearCompleted")
	defer span.End()

	removed := 0
	err := s.store.Transact(func(tx *binding.Tx) error {
		list := tx.List(todosContainer)
		values := list.Values()
		// From the end, so earlier indexes stay valid.
		for i := len(values) - 1; i >= 0; i-- {
			if !toTodo(i, values[i]).Completed {
				continue
			}
			if err := list.Delete(i, 1); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("removed", removed))
	return removed, nil
}

func record(tx *binding.Tx, index int) (*binding.RecordRef, error) {
	list := tx.List(todosContainer)
	if index < 0 || index >= list.Len() {
		return nil, fmt.Errorf("%w: index %d of %d", ErrTodoNotFound, index, list.Len())
	}
	return list.Record(index)
}

// Notes returns the shared notes with their formatting.
func (s *TodoService) Notes(ctx context.Context) models.Notes {
	_, span := middleware.StartSpan(ctx, "TodoService.Notes")
	defer span.End()

	var notes models.Notes
	s.store.Transact(func(tx *binding.Tx) error {
		notes = readNotes(tx.Text(notesContainer))
		return nil
	})
	return notes
}

func readNotes(text *binding.Text) models.Notes {
	runs := text.Runs()
	notes := models.Notes{Text: text.String(), Runs: make([]models.NotesRun, 0, len(runs))}
	for _, r := range runs {
		run := models.NotesRun{Text: r.Text}
		if len(r.Attrs) > 0 {
			run.Attrs = make(map[string]any, len(r.Attrs))
			for k, v := range r.Attrs {
				run.Attrs[k] = v.Interface()
			}
		}
		notes.Runs = append(notes.Runs, run)
	}
	return notes
}

// EditNotes applies edits in order as one transaction.
func (s *TodoService) EditNotes(ctx context.Context, edits []models.NotesEdit) (models.Notes, error) {
	ctx, span := middleware.StartSpan(ctx, "TodoService.EditNotes", attribute.Int("edits", len(edits)))
	defer span.End()

	var notes models.Notes
	err := s.store.Transact(func(tx *binding.Tx) error {
		text := tx.Text(notesContainer)
		for i, e := range edits {
			if err := applyNotesEdit(text, e); err != nil {
				return fmt.Errorf("edit %d: %w", i, err)
			}
		}
		notes = readNotes(text)
		return nil
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return models.Notes{}, err
	}
	return notes, nil
}

func applyNotesEdit(text *binding.Text, e models.NotesEdit) error {
	switch {
	case e.Insert != "" && e.Delete == 0 && len(e.Format) == 0:
		return text.Insert(e.Index, e.Insert, nil)
	case e.Delete > 0 && e.Insert == "" && len(e.Format) == 0:
		return text.Delete(e.Index, e.Delete)
	case len(e.Format) > 0 && e.Insert == "" && e.Delete == 0:
		if e.Length <= 0 {
			return fmt.Errorf("%w: format needs a length", ErrInvalidEdit)
		}
		for attr, raw := range e.Format {
			v, err := crdt.FromInterface(raw)
			if err != nil {
				return fmt.Errorf("%w: attribute %q: %v", ErrInvalidEdit, attr, err)
			}
			if err := text.Format(e.Index, e.Length, attr, v); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: exactly one of insert, delete or format is required", ErrInvalidEdit)
	}
}

// SetNotes replaces the whole notes text, dropping its formatting.
func (s *TodoService) SetNotes(ctx context.Context, text string) (models.Notes, error) {
	ctx, span := middleware.StartSpan(ctx, "TodoService.SetNotes")
	defer span.End()

	var notes models.Notes
	err := s.store.Transact(func(tx *binding.Tx) error {
		t := tx.Text(notesContainer)
		if err := t.Replace(text); err != nil {
			return err
		}
		notes = readNotes(t)
		return nil
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return models.Notes{}, err
	}
	return notes, nil
}
