package binding

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"synced-todos/internal/crdt"
)

var todoSchema = Schema{
	"todos": ListOf(Record(
		Field("title", String),
		Field("completed", Bool),
	)),
	"fragment": RichText(),
	"prefs":    MapOf(Any),
}

func todo(title string, completed bool) crdt.Value {
	return crdt.Record(map[string]crdt.Value{
		"title":     crdt.String(title),
		"completed": crdt.Bool(completed),
	})
}

func newStore(t *testing.T, replica string) *Store {
	doc := crdt.NewDocument(replica, todoSchema.Shape())
	store, err := Bind(doc, todoSchema)
	assert.Equal(t, err, nil)
	return store
}

func TestPushEmitsOneUpdate(t *testing.T) {
	store := newStore(t, "a")

	updates := 0
	sub := store.Document().OnUpdate(func([]byte, any) { updates++ })
	defer sub.Close()

	err := store.List("todos").Push(todo("buy milk", false))
	assert.Equal(t, err, nil)
	assert.Equal(t, updates, 1)

	v, err := store.List("todos").Get(0)
	assert.Equal(t, err, nil)
	title, _ := v.Field("title")
	assert.Equal(t, title.Interface(), "buy milk")
	assert.Equal(t, store.List("todos").Len(), 1)
}

func TestSchemaViolationLeavesDocumentUnchanged(t *testing.T) {
	store := newStore(t, "a")
	assert.Equal(t, store.List("todos").Push(todo("buy milk", false)), nil)
	before := store.Document().StateVector()

	rec, err := store.List("todos").Record(0)
	assert.Equal(t, err, nil)
	err = rec.Set("completed", crdt.String("yes"))
	var schemaErr *SchemaError
	assert.Equal(t, errors.As(err, &schemaErr), true)
	assert.Equal(t, schemaErr.Container, "todos")

	err = store.List("todos").Push(todo("ok", false), crdt.String("not a todo"))
	assert.Equal(t, errors.As(err, &schemaErr), true)

	err = store.List("todos").Push(crdt.Record(map[string]crdt.Value{"title": crdt.String("x")}))
	assert.Equal(t, errors.As(err, &schemaErr), true)

	assert.Equal(t, store.Document().StateVector(), before)
	assert.Equal(t, store.List("todos").Len(), 1)
	completed, _ := rec.Get("completed")
	assert.Equal(t, completed.Interface(), false)
}

func TestBindReturnsSameStore(t *testing.T) {
	doc := crdt.NewDocument("a", todoSchema.Shape())
	first, err := Bind(doc, todoSchema)
	assert.Equal(t, err, nil)
	second, err := Bind(doc, todoSchema)
	assert.Equal(t, err, nil)
	assert.Equal(t, first == second, true)

	_, err = Bind(doc, Schema{
		"todos":    ListOf(Record(Field("title", String))),
		"fragment": RichText(),
		"prefs":    MapOf(Any),
	})
	var schemaErr *SchemaError
	assert.Equal(t, errors.As(err, &schemaErr), true)
	assert.Equal(t, schemaErr.Container, "todos")

	_, err = Bind(doc, Schema{"todos": todoSchema["todos"]})
	assert.Equal(t, errors.As(err, &schemaErr), true)
	assert.Equal(t, schemaErr.Container, "fragment")
}

func TestBindRejectsMismatchedShape(t *testing.T) {
	doc := crdt.NewDocument("a", crdt.Shape{"todos": crdt.KindMap})
	_, err := Bind(doc, Schema{"todos": ListOf(Any)})
	var schemaErr *SchemaError
	assert.Equal(t, errors.As(err, &schemaErr), true)

	_, err = Bind(doc, Schema{"missing": ListOf(Any)})
	assert.Equal(t, errors.As(err, &schemaErr), true)
}

func TestObserversFireWithoutPeers(t *testing.T) {
	store := newStore(t, "a")

	var events []crdt.Event
	sub := store.Observe("todos", func(ev crdt.Event) { events = append(events, ev) })

	assert.Equal(t, store.List("todos").Push(todo("a", false)), nil)
	rec, err := store.List("todos").Record(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, rec.Set("completed", crdt.Bool(true)), nil)

	assert.Equal(t, len(events), 2)
	assert.Equal(t, store.IsLocal(events[0]), true)

	sub.Close()
	assert.Equal(t, store.List("todos").Delete(0, 1), nil)
	assert.Equal(t, len(events), 2)
}

func TestTransactBatchesNotifications(t *testing.T) {
	store := newStore(t, "a")

	notified := 0
	updates := 0
	store.Observe("todos", func(crdt.Event) { notified++ })
	store.Document().OnUpdate(func([]byte, any) { updates++ })

	err := store.Transact(func(tx *Tx) error {
		todos := tx.List("todos")
		if err := todos.Push(todo("a", false), todo("b", false)); err != nil {
			return err
		}
		rec, err := todos.Record(1)
		if err != nil {
			return err
		}
		if err := rec.Set("completed", crdt.Bool(true)); err != nil {
			return err
		}
		return tx.Map("prefs").Set("filter", crdt.String("all"))
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, notified, 1)
	assert.Equal(t, updates, 1)
	assert.Equal(t, store.List("todos").Len(), 2)

	v, ok := store.Map("prefs").Get("filter")
	assert.Equal(t, ok, true)
	assert.Equal(t, v.Interface(), "all")
}

func TestTransactSchemaErrorRollsBack(t *testing.T) {
	store := newStore(t, "a")

	err := store.Transact(func(tx *Tx) error {
		if err := tx.List("todos").Push(todo("a", false)); err != nil {
			return err
		}
		return tx.List("todos").Push(crdt.Int(3))
	})
	var schemaErr *SchemaError
	assert.Equal(t, errors.As(err, &schemaErr), true)
	assert.Equal(t, store.List("todos").Len(), 0)
	assert.Equal(t, len(store.Document().StateVector()), 0)
}

func TestRecordFollowsIdentity(t *testing.T) {
	store := newStore(t, "a")
	todos := store.List("todos")
	assert.Equal(t, todos.Push(todo("second", false)), nil)

	var rec *RecordRef
	rec, err := todos.Record(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, todos.Insert(0, todo("first", false)), nil)
	assert.Equal(t, rec.Set("completed", crdt.Bool(true)), nil)

	v, err := todos.Get(1)
	assert.Equal(t, err, nil)
	completed, _ := v.Field("completed")
	assert.Equal(t, completed.Interface(), true)

	assert.Equal(t, todos.Delete(1, 1), nil)
	_, err = rec.Value()
	assert.Equal(t, errors.Is(err, crdt.ErrNoElement), true)
}

func TestRemoteChangesAreVisibleThroughProxies(t *testing.T) {
	a := newStore(t, "a")
	b := newStore(t, "b")

	remote := 0
	b.Observe("todos", func(ev crdt.Event) {
		if !b.IsLocal(ev) {
			remote++
		}
	})

	assert.Equal(t, a.List("todos").Push(todo("from a", false)), nil)
	update := a.Document().EncodeStateAsUpdate(b.Document().StateVector())
	assert.Equal(t, b.Document().ApplyUpdate(update, "peer"), nil)

	assert.Equal(t, remote, 1)
	assert.Equal(t, b.Snapshot()["todos"], []any{
		map[string]any{"title": "from a", "completed": false},
	})
}

func TestTextProxy(t *testing.T) {
	store := newStore(t, "a")
	notes := store.Text("fragment")

	assert.Equal(t, notes.Insert(0, "hello world", nil), nil)
	assert.Equal(t, notes.Format(0, 5, "bold", crdt.Bool(true)), nil)
	assert.Equal(t, notes.Delete(5, 6), nil)
	assert.Equal(t, notes.Append("!"), nil)

	assert.Equal(t, notes.String(), "hello!")
	assert.Equal(t, notes.Len(), 6)
	runs := notes.Runs()
	assert.Equal(t, len(runs), 2)
	assert.Equal(t, runs[0].Text, "hello")
	assert.Equal(t, runs[0].Attrs["bold"].Interface(), true)

	err := notes.Format(0, 1, "link", crdt.Record(map[string]crdt.Value{"href": crdt.String("x")}))
	var schemaErr *SchemaError
	assert.Equal(t, errors.As(err, &schemaErr), true)

	assert.Equal(t, notes.Replace("fresh"), nil)
	assert.Equal(t, notes.String(), "fresh")
}

func TestMapProxy(t *testing.T) {
	store := newStore(t, "a")
	prefs := store.Map("prefs")

	assert.Equal(t, prefs.Set("theme", crdt.String("dark")), nil)
	assert.Equal(t, prefs.Set("size", crdt.Int(3)), nil)
	assert.Equal(t, prefs.Keys(), []string{"size", "theme"})
	assert.Equal(t, prefs.Len(), 2)

	assert.Equal(t, prefs.Delete("size"), nil)
	_, ok := prefs.Get("size")
	assert.Equal(t, ok, false)

	err := store.Map("todos").Set("x", crdt.Null())
	var schemaErr *SchemaError
	assert.Equal(t, errors.As(err, &schemaErr), true)
}

func TestListGetSkipsRemotelyDeletedElements(t *testing.T) {
	a := newStore(t, "a")
	b := newStore(t, "b")
	assert.Equal(t, a.List("todos").Push(todo("one", false), todo("two", false)), nil)
	assert.Equal(t, b.Document().ApplyUpdate(a.Document().EncodeStateAsUpdate(nil), "peer"), nil)

	assert.Equal(t, a.List("todos").Delete(0, 1), nil)
	assert.Equal(t, b.Document().ApplyUpdate(a.Document().EncodeStateAsUpdate(b.Document().StateVector()), "peer"), nil)

	v, err := b.List("todos").Get(0)
	assert.Equal(t, err, nil)
	title, _ := v.Field("title")
	assert.Equal(t, title.Interface(), "two")

	_, err = b.List("todos").Get(1)
	assert.Equal(t, errors.Is(err, crdt.ErrIndexOutOfRange), true)
}
