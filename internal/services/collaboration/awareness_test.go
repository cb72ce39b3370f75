package collaboration

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"synced-todos/internal/crdt"
)

func TestAwarenessApply(t *testing.T) {
	a := NewAwareness("a", time.Minute)
	b := NewAwareness("b", time.Minute)

	var changes []AwarenessChange
	unsubscribe := b.Observe(func(ch AwarenessChange) { changes = append(changes, ch) })
	defer unsubscribe()

	a.SetLocalState(map[string]any{"user": "alice"})
	ch, err := b.Apply(a.EncodeAll(), "session")
	assert.Equal(t, err, nil)
	assert.Equal(t, ch.Added, []string{"a"})
	assert.Equal(t, ch.Origin, "session")
	assert.Equal(t, b.States()["a"]["user"], "alice")

	// Same clock again changes nothing.
	ch, err = b.Apply(a.EncodeAll(), "session")
	assert.Equal(t, err, nil)
	assert.Equal(t, ch.empty(), true)

	stale := a.EncodeAll()
	a.SetLocalField("cursor", 3)
	ch, _ = b.Apply(a.EncodeAll(), nil)
	assert.Equal(t, ch.Updated, []string{"a"})
	assert.Equal(t, b.States()["a"]["cursor"], float64(3))

	// An older clock loses.
	ch, _ = b.Apply(stale, nil)
	assert.Equal(t, ch.empty(), true)
	_, hasCursor := b.States()["a"]["cursor"]
	assert.Equal(t, hasCursor, true)

	a.SetLocalState(nil)
	ch, _ = b.Apply(a.Encode([]string{"a"}), nil)
	assert.Equal(t, ch.Removed, []string{"a"})
	assert.Equal(t, len(b.States()), 0)

	assert.Equal(t, len(changes), 3)
}

func TestAwarenessIgnoresEntriesAboutLocalPeer(t *testing.T) {
	a := NewAwareness("a", time.Minute)
	impostor := NewAwareness("a", time.Minute)
	impostor.SetLocalState(map[string]any{"user": "mallory"})
	impostor.SetLocalState(map[string]any{"user": "mallory"})

	a.SetLocalState(map[string]any{"user": "alice"})
	ch, err := a.Apply(impostor.EncodeAll(), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, ch.empty(), true)
	assert.Equal(t, a.LocalState()["user"], "alice")
}

func TestAwarenessRemoveAcceptsResentState(t *testing.T) {
	a := NewAwareness("a", time.Minute)
	b := NewAwareness("b", time.Minute)
	a.SetLocalState(map[string]any{"user": "alice"})
	b.Apply(a.EncodeAll(), nil)

	b.Remove([]string{"a", "b"}, nil)
	assert.Equal(t, len(b.States()), 0)

	// The owner resends its unchanged state when the session comes back.
	ch, _ := b.Apply(a.EncodeAll(), nil)
	assert.Equal(t, ch.Added, []string{"a"})
}

func TestAwarenessExpiresStaleStates(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewAwareness("b", 30*time.Second)
	b.now = func() time.Time { return now }
	b.SetLocalState(map[string]any{"user": "bob"})

	a := NewAwareness("a", 30*time.Second)
	a.SetLocalState(map[string]any{"user": "alice"})
	b.Apply(a.EncodeAll(), nil)

	now = now.Add(20 * time.Second)
	assert.Equal(t, len(b.Expire(nil)), 0)

	// A renewal refreshes the entry.
	assert.Equal(t, a.Renew(), true)
	b.Apply(a.Encode([]string{"a"}), nil)
	now = now.Add(20 * time.Second)
	assert.Equal(t, len(b.Expire(nil)), 0)

	now = now.Add(31 * time.Second)
	assert.Equal(t, b.Expire(nil), []string{"a"})
	assert.Equal(t, b.Peers(), []string{"b"})

	offline := NewAwareness("c", time.Second)
	assert.Equal(t, offline.Renew(), false)
}

func TestAwarenessRejectsGarbage(t *testing.T) {
	b := NewAwareness("b", time.Minute)
	_, err := b.Apply([]byte{0xff, 0xff, 0xff}, nil)
	var decodeErr *crdt.DecodeError
	assert.Equal(t, errors.As(err, &decodeErr), true)
	assert.Equal(t, len(b.States()), 0)
}
