package member

import (
	"slices"

	goset "github.com/deckarep/golang-set/v2"
)

// Entry is one registered member as seen in a snapshot.
type Entry struct {
	ID      string
	Payload []byte
	Path    string // empty when sourced from the local handle
}

// Snapshot is an immutable view of a group's members keyed by member id.
// A Snapshot is never modified after it is published; a newer one
// replaces it.
type Snapshot struct {
	entries    map[string]Entry
	generation uint64
}

func newSnapshot(entries map[string]Entry, generation uint64) *Snapshot {
	return &Snapshot{entries: entries, generation: generation}
}

var emptySnapshot = newSnapshot(map[string]Entry{}, 0)

// Generation is the notification count the snapshot was built from.
// Later snapshots of the same view never have a lower generation.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Get returns a copy of id's payload.
func (s *Snapshot) Get(id string) ([]byte, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(e.Payload), true
}

func (s *Snapshot) Contains(id string) bool {
	_, ok := s.entries[id]
	return ok
}

// IDs returns the member ids in sorted order.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Map returns a copy of the id to payload mapping.
func (s *Snapshot) Map() map[string][]byte {
	out := make(map[string][]byte, len(s.entries))
	for id, e := range s.entries {
		out[id] = slices.Clone(e.Payload)
	}
	return out
}

// Entries returns the members sorted by id.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, id := range s.IDs() {
		e := s.entries[id]
		e.Payload = slices.Clone(e.Payload)
		out = append(out, e)
	}
	return out
}

// Diff returns the ids present in s but not in prev, and the ones gone since prev.
func (s *Snapshot) Diff(prev *Snapshot) (added, removed []string) {
	cur := goset.NewThreadUnsafeSet[string]()
	for id := range s.entries {
		cur.Add(id)
	}
	old := goset.NewThreadUnsafeSet[string]()
	if prev != nil {
		for id := range prev.entries {
			old.Add(id)
		}
	}
	added = cur.Difference(old).ToSlice()
	removed = old.Difference(cur).ToSlice()
	slices.Sort(added)
	slices.Sort(removed)
	return added, removed
}

// with returns a copy of s that also holds e. s itself is left untouched.
func (s *Snapshot) with(e Entry) *Snapshot {
	entries := make(map[string]Entry, len(s.entries)+1)
	for id, v := range s.entries {
		entries[id] = v
	}
	entries[e.ID] = e
	return newSnapshot(entries, s.generation)
}

func (s *Snapshot) without(id string) *Snapshot {
	entries := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		if k != id {
			entries[k] = v
		}
	}
	return newSnapshot(entries, s.generation)
}
