package crdt

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

var todoShape = Shape{"todos": KindList, "fragment": KindText, "meta": KindMap}

func todo(title string, completed bool) Value {
	return Record(map[string]Value{"title": String(title), "completed": Bool(completed)})
}

func plain(t *testing.T, d *Document, name string) []any {
	values, err := d.List(name)
	assert.Equal(t, err, nil)
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v.Interface()
	}
	return out
}

func insert(t *testing.T, d *Document, index int, v Value) {
	err := d.Transact(nil, func(tx *Txn) error {
		return tx.ListInsert("todos", index, v)
	})
	assert.Equal(t, err, nil)
}

func syncDocs(t *testing.T, from, to *Document) {
	err := to.ApplyUpdate(from.EncodeStateAsUpdate(to.StateVector()), from.ReplicaID())
	assert.Equal(t, err, nil)
}

func TestLocalWriteRoundTrip(t *testing.T) {
	d := NewDocument("a", todoShape)
	var updates [][]byte
	sub := d.OnUpdate(func(update []byte, origin any) {
		updates = append(updates, update)
	})
	defer sub.Close()

	insert(t, d, 0, todo("buy milk", false))

	values, err := d.List("todos")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(values), 1)
	assert.Equal(t, values[0].Equal(todo("buy milk", false)), true)

	assert.Equal(t, len(updates), 1)
	u, err := DecodeUpdate(updates[0])
	assert.Equal(t, err, nil)
	assert.Equal(t, u.Snapshot, false)
	assert.Equal(t, len(u.Ops), 1)
	assert.Equal(t, u.Ops[0].ID, ID{Replica: "a", Clock: 0})
	assert.Equal(t, u.StateVector["a"], uint64(1))
}

func TestObserverFiresOncePerTransaction(t *testing.T) {
	d := NewDocument("a", todoShape)
	var events []Event
	sub := d.Observe("todos", func(ev Event) {
		events = append(events, ev)
	})

	err := d.Transact("ui", func(tx *Txn) error {
		for i := 0; i < 3; i++ {
			if err := tx.ListInsert("todos", i, todo(fmt.Sprint(i), false)); err != nil {
				return err
			}
		}
		return tx.SetField("todos", 1, "completed", Bool(true))
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Ops, 4)
	assert.Equal(t, events[0].Local, true)
	assert.Equal(t, events[0].Origin, "ui")

	sub.Close()
	insert(t, d, 0, todo("after close", false))
	assert.Equal(t, len(events), 1)
}

func TestConcurrentInsertAtSamePosition(t *testing.T) {
	a := NewDocument("a", todoShape)
	b := NewDocument("b", todoShape)

	insert(t, a, 0, String("milk"))
	insert(t, b, 0, String("eggs"))
	fromA := a.EncodeStateAsUpdate(nil)
	fromB := b.EncodeStateAsUpdate(nil)

	assert.Equal(t, a.ApplyUpdate(fromB, "b"), nil)
	assert.Equal(t, b.ApplyUpdate(fromA, "a"), nil)

	assert.Equal(t, plain(t, a, "todos"), plain(t, b, "todos"))
	// equal lamport times: the greater replica id sorts first
	assert.Equal(t, plain(t, a, "todos"), []any{"eggs", "milk"})
}

func TestMergeIsIdempotent(t *testing.T) {
	a := NewDocument("a", todoShape)
	b := NewDocument("b", todoShape)
	insert(t, a, 0, todo("one", false))
	insert(t, a, 1, todo("two", true))
	delta := a.EncodeStateAsUpdate(StateVector{})

	fired := 0
	b.Observe("todos", func(Event) { fired++ })
	updates := 0
	b.OnUpdate(func([]byte, any) { updates++ })

	assert.Equal(t, b.ApplyUpdate(delta, nil), nil)
	before := plain(t, b, "todos")
	assert.Equal(t, b.ApplyUpdate(delta, nil), nil)

	assert.Equal(t, plain(t, b, "todos"), before)
	assert.Equal(t, fired, 1)
	assert.Equal(t, updates, 1)
	assert.Equal(t, b.StateVector(), StateVector{"a": 2})
}

func TestMergeIsCommutative(t *testing.T) {
	a := NewDocument("a", todoShape)
	b := NewDocument("b", todoShape)
	insert(t, a, 0, todo("from a", false))
	insert(t, b, 0, todo("from b", false))
	d1 := a.EncodeStateAsUpdate(nil)
	d2 := b.EncodeStateAsUpdate(nil)

	c1 := NewDocument("c1", todoShape)
	c2 := NewDocument("c2", todoShape)
	assert.Equal(t, c1.ApplyUpdate(d1, nil), nil)
	assert.Equal(t, c1.ApplyUpdate(d2, nil), nil)
	assert.Equal(t, c2.ApplyUpdate(d2, nil), nil)
	assert.Equal(t, c2.ApplyUpdate(d1, nil), nil)

	assert.Equal(t, plain(t, c1, "todos"), plain(t, c2, "todos"))
	assert.Equal(t, c1.StateVector(), c2.StateVector())
}

func TestOutOfOrderOpsWaitForDependencies(t *testing.T) {
	a := NewDocument("a", todoShape)
	var updates [][]byte
	a.OnUpdate(func(update []byte, _ any) { updates = append(updates, update) })
	insert(t, a, 0, String("x"))
	insert(t, a, 1, String("y"))
	assert.Equal(t, len(updates), 2)

	b := NewDocument("b", todoShape)
	assert.Equal(t, b.ApplyUpdate(updates[1], nil), nil)
	assert.Equal(t, b.PendingCount(), 1)
	assert.Equal(t, plain(t, b, "todos"), []any{})

	assert.Equal(t, b.ApplyUpdate(updates[0], nil), nil)
	assert.Equal(t, b.PendingCount(), 0)
	assert.Equal(t, plain(t, b, "todos"), []any{"x", "y"})
}

func TestDeltaSinceStateVector(t *testing.T) {
	a := NewDocument("a", todoShape)
	b := NewDocument("b", todoShape)
	insert(t, a, 0, todo("shared", false))
	syncDocs(t, a, b)

	// b is offline while a makes three edits
	insert(t, a, 1, todo("one", false))
	insert(t, a, 2, todo("two", false))
	err := a.Transact(nil, func(tx *Txn) error {
		return tx.SetField("todos", 0, "completed", Bool(true))
	})
	assert.Equal(t, err, nil)

	delta := a.EncodeStateAsUpdate(b.StateVector())
	u, err := DecodeUpdate(delta)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(u.Ops), 3)
	for _, op := range u.Ops {
		assert.Equal(t, op.ID.Clock >= 1, true)
	}

	assert.Equal(t, b.ApplyUpdate(delta, nil), nil)
	assert.Equal(t, plain(t, b, "todos"), plain(t, a, "todos"))
	assert.Equal(t, b.StateVector(), a.StateVector())
}

func TestFailedTransactionRollsBack(t *testing.T) {
	d := NewDocument("a", todoShape)
	insert(t, d, 0, todo("keep", false))
	sv := d.StateVector()
	updates := 0
	d.OnUpdate(func([]byte, any) { updates++ })

	boom := errors.New("boom")
	err := d.Transact(nil, func(tx *Txn) error {
		if err := tx.ListInsert("todos", 1, todo("drop", false)); err != nil {
			return err
		}
		if err := tx.SetField("todos", 0, "completed", Bool(true)); err != nil {
			return err
		}
		if err := tx.ListDelete("todos", 0, 1); err != nil {
			return err
		}
		return boom
	})
	assert.Equal(t, errors.Is(err, boom), true)
	assert.Equal(t, plain(t, d, "todos"), []any{map[string]any{"title": "keep", "completed": false}})
	assert.Equal(t, d.StateVector(), sv)
	assert.Equal(t, updates, 0)

	insert(t, d, 1, todo("next", false))
	u, err := DecodeUpdate(d.EncodeStateAsUpdate(sv))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(u.Ops), 1)
	assert.Equal(t, u.Ops[0].ID, ID{Replica: "a", Clock: 1})
}

func TestPanicInTransactionRollsBack(t *testing.T) {
	d := NewDocument("a", todoShape)
	insert(t, d, 0, todo("keep", false))
	sv := d.StateVector()

	recovered := func() (r any) {
		defer func() { r = recover() }()
		d.Transact(nil, func(tx *Txn) error {
			if err := tx.ListInsert("todos", 1, todo("half", false)); err != nil {
				return err
			}
			panic("boom")
		})
		return nil
	}()
	assert.Equal(t, recovered, "boom")

	done := make(chan []any, 1)
	go func() {
		values, _ := d.List("todos")
		out := make([]any, len(values))
		for i, v := range values {
			out[i] = v.Interface()
		}
		done <- out
	}()
	select {
	case got := <-done:
		assert.Equal(t, got, []any{map[string]any{"title": "keep", "completed": false}})
	case <-time.After(time.Second):
		t.Fatal("document still locked after a panicking transaction")
	}
	assert.Equal(t, d.StateVector(), sv)

	insert(t, d, 1, todo("next", false))
	assert.Equal(t, d.StateVector()["a"], uint64(2))
}

func TestGetReadsLiveElements(t *testing.T) {
	d := NewDocument("a", todoShape)
	insert(t, d, 0, todo("first", false))
	insert(t, d, 1, todo("second", false))

	v, err := d.Get("todos", 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, v.Interface(), map[string]any{"title": "second", "completed": false})

	err = d.Transact(nil, func(tx *Txn) error { return tx.ListDelete("todos", 0, 1) })
	assert.Equal(t, err, nil)
	v, err = d.Get("todos", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, v.Interface(), map[string]any{"title": "second", "completed": false})

	_, err = d.Get("todos", 1)
	assert.Equal(t, errors.Is(err, ErrIndexOutOfRange), true)
}

func TestTransactErrors(t *testing.T) {
	d := NewDocument("a", todoShape)
	err := d.Transact(nil, func(tx *Txn) error { return tx.ListInsert("todos", 2, String("x")) })
	assert.Equal(t, errors.Is(err, ErrIndexOutOfRange), true)

	err = d.Transact(nil, func(tx *Txn) error { return tx.ListInsert("missing", 0, String("x")) })
	assert.Equal(t, errors.Is(err, ErrUnknownContainer), true)

	err = d.Transact(nil, func(tx *Txn) error { return tx.MapSet("todos", "k", String("x")) })
	assert.Equal(t, errors.Is(err, ErrKindMismatch), true)

	insert(t, d, 0, String("scalar"))
	err = d.Transact(nil, func(tx *Txn) error { return tx.SetField("todos", 0, "title", String("x")) })
	assert.Equal(t, errors.Is(err, ErrNotRecord), true)
}

func TestMalformedUpdate(t *testing.T) {
	d := NewDocument("a", todoShape)
	insert(t, d, 0, String("x"))
	sv := d.StateVector()

	for _, data := range [][]byte{
		nil,
		{0xff, 0xff, 0xff},
		(&Update{StateVector: StateVector{}, Ops: []Op{{Kind: OpKind(42), Container: "todos", ID: ID{"b", 0}, Lamport: 1}}}).Encode(),
		append([]byte{0x08, 0x07}, (&Update{}).Encode()[2:]...),
	} {
		err := d.ApplyUpdate(data, nil)
		var de *DecodeError
		assert.Equal(t, errors.As(err, &de), true)
	}
	assert.Equal(t, d.StateVector(), sv)
	assert.Equal(t, plain(t, d, "todos"), []any{"x"})
}

func TestConcurrentFieldWritesAndDelete(t *testing.T) {
	a := NewDocument("a", todoShape)
	b := NewDocument("b", todoShape)
	insert(t, a, 0, todo("task", false))
	insert(t, a, 1, todo("other", false))
	syncDocs(t, a, b)

	assert.Equal(t, a.Transact(nil, func(tx *Txn) error {
		return tx.SetField("todos", 0, "title", String("from a"))
	}), nil)
	assert.Equal(t, b.Transact(nil, func(tx *Txn) error {
		if err := tx.SetField("todos", 0, "title", String("from b")); err != nil {
			return err
		}
		return tx.ListDelete("todos", 1, 1)
	}), nil)

	syncDocs(t, a, b)
	syncDocs(t, b, a)
	assert.Equal(t, plain(t, a, "todos"), plain(t, b, "todos"))
	assert.Equal(t, plain(t, a, "todos"), []any{map[string]any{"title": "from b", "completed": false}})
}

func TestMapLastWriterWins(t *testing.T) {
	a := NewDocument("a", todoShape)
	b := NewDocument("b", todoShape)
	assert.Equal(t, a.Transact(nil, func(tx *Txn) error { return tx.MapSet("meta", "owner", String("ann")) }), nil)
	assert.Equal(t, b.Transact(nil, func(tx *Txn) error { return tx.MapSet("meta", "owner", String("bob")) }), nil)
	syncDocs(t, a, b)
	syncDocs(t, b, a)

	ma, _ := a.Map("meta")
	mb, _ := b.Map("meta")
	assert.Equal(t, ma["owner"].Interface(), "bob")
	assert.Equal(t, mb["owner"].Interface(), "bob")

	assert.Equal(t, a.Transact(nil, func(tx *Txn) error { return tx.MapDelete("meta", "owner") }), nil)
	syncDocs(t, a, b)
	mb, _ = b.Map("meta")
	assert.Equal(t, len(mb), 0)
}

func TestTextEditingAndFormatting(t *testing.T) {
	a := NewDocument("a", todoShape)
	b := NewDocument("b", todoShape)
	assert.Equal(t, a.Transact(nil, func(tx *Txn) error {
		return tx.TextInsert("fragment", 0, "hello world", nil)
	}), nil)
	syncDocs(t, a, b)

	assert.Equal(t, a.Transact(nil, func(tx *Txn) error { return tx.TextFormat("fragment", 0, 5, "bold", Bool(true)) }), nil)
	assert.Equal(t, b.Transact(nil, func(tx *Txn) error { return tx.TextInsert("fragment", 11, "!", nil) }), nil)
	assert.Equal(t, b.Transact(nil, func(tx *Txn) error { return tx.TextDelete("fragment", 5, 1) }), nil)
	syncDocs(t, a, b)
	syncDocs(t, b, a)

	ta, _ := a.Text("fragment")
	tb, _ := b.Text("fragment")
	assert.Equal(t, ta, "helloworld!")
	assert.Equal(t, tb, ta)

	runs, err := b.TextRuns("fragment")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(runs), 2)
	assert.Equal(t, runs[0].Text, "hello")
	assert.Equal(t, runs[0].Attrs["bold"].Interface(), true)
	assert.Equal(t, runs[1].Text, "world!")
	assert.Equal(t, len(runs[1].Attrs), 0)
}

func TestRandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	replicas := []*Document{
		NewDocument("r1", todoShape),
		NewDocument("r2", todoShape),
		NewDocument("r3", todoShape),
	}
	var log [][]byte
	for _, d := range replicas {
		d.OnUpdate(func(update []byte, origin any) {
			if origin == nil {
				log = append(log, update)
			}
		})
	}

	for round := 0; round < 200; round++ {
		d := replicas[rng.Intn(len(replicas))]
		err := d.Transact(nil, func(tx *Txn) error {
			n, _ := tx.Len("todos")
			switch op := rng.Intn(4); {
			case op == 0 && n > 0:
				return tx.ListDelete("todos", rng.Intn(n), 1)
			case op == 1 && n > 0:
				return tx.SetField("todos", rng.Intn(n), "completed", Bool(rng.Intn(2) == 0))
			case op == 2:
				return tx.TextInsert("fragment", 0, fmt.Sprint(round%10), nil)
			default:
				return tx.ListInsert("todos", rng.Intn(n+1), todo(fmt.Sprint(round), false))
			}
		})
		assert.Equal(t, err, nil)
		// occasionally deliver a random earlier update, duplicates included
		if len(log) > 0 && rng.Intn(3) == 0 {
			target := replicas[rng.Intn(len(replicas))]
			assert.Equal(t, target.ApplyUpdate(log[rng.Intn(len(log))], "gossip"), nil)
		}
	}

	// deliver everything in a shuffled order, twice
	for _, d := range replicas {
		order := rng.Perm(len(log))
		for pass := 0; pass < 2; pass++ {
			for _, i := range order {
				assert.Equal(t, d.ApplyUpdate(log[i], "gossip"), nil)
			}
		}
	}

	want := plain(t, replicas[0], "todos")
	wantText, _ := replicas[0].Text("fragment")
	for _, d := range replicas[1:] {
		assert.Equal(t, plain(t, d, "todos"), want)
		text, _ := d.Text("fragment")
		assert.Equal(t, text, wantText)
		assert.Equal(t, d.StateVector(), replicas[0].StateVector())
		assert.Equal(t, d.PendingCount(), 0)
	}
}

func TestAttachReturnsSameValue(t *testing.T) {
	d := NewDocument("", todoShape)
	assert.NotEqual(t, d.ReplicaID(), "")
	calls := 0
	first := d.Attach("k", func() any { calls++; return &calls })
	second := d.Attach("k", func() any { calls++; return nil })
	assert.Equal(t, first, second)
	assert.Equal(t, calls, 1)
}
