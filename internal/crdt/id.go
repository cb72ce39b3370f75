package crdt

import (
	"fmt"
	"sort"
)

// ID is the logical identifier of an operation: the replica that generated it
// and that replica's operation counter. Counters are contiguous per replica and
// start at 0, so a replica's next ID always equals its state vector entry.
type ID struct {
	Replica string
	Clock   uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Replica, id.Clock)
}

// StateVector maps a replica to the number of its operations integrated so far.
type StateVector map[string]uint64

// Contains reports whether the operation with the given id is covered.
func (sv StateVector) Contains(id ID) bool {
	return id.Clock < sv[id.Replica]
}

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for replica, clock := range sv {
		out[replica] = clock
	}
	return out
}

// Covers reports whether sv has seen everything other has seen.
func (sv StateVector) Covers(other StateVector) bool {
	for replica, clock := range other {
		if sv[replica] < clock {
			return false
		}
	}
	return true
}

// Replicas returns the replica ids in sorted order.
func (sv StateVector) Replicas() []string {
	replicas := make([]string, 0, len(sv))
	for replica := range sv {
		replicas = append(replicas, replica)
	}
	sort.Strings(replicas)
	return replicas
}

// stamp orders concurrent writes: Lamport time first, then replica id, then
// the replica's counter. Every integrated operation has a distinct stamp.
type stamp struct {
	lamport uint64
	id      ID
}

func (s stamp) greater(o stamp) bool {
	if s.lamport != o.lamport {
		return s.lamport > o.lamport
	}
	if s.id.Replica != o.id.Replica {
		return s.id.Replica > o.id.Replica
	}
	return s.id.Clock > o.id.Clock
}
