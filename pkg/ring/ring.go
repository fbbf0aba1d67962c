// Package ring spreads member sessions over coordination endpoints with a
// consistent hash ring, so a member keeps preferring the same endpoint as
// the endpoint list changes.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> endpoint id
	nodes    map[string]string // endpoint id -> addr
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = fnv32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		nodes:    make(map[string]string),
	}
}

// FromEndpoints builds a ring where every address is its own id.
func FromEndpoints(addrs []string) *HashRing {
	r := New(0, nil)
	for _, addr := range addrs {
		r.Add(addr, addr)
	}
	return r
}

func (r *HashRing) Add(id, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; ok {
		return
	}
	r.nodes[id] = addr
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(id, i))
		r.owners[pt] = id
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

func (r *HashRing) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return
	}
	delete(r.nodes, id)
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.nodes {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(id, i))
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

// Lookup returns the id owning key, or "" on an empty ring.
func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.search(key)]]
}

// LookupN returns up to n distinct ids in ring order starting at key's owner.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(key)

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Order returns every address in ring order for key. A client given this
// list connects to the first reachable one, so members spread across
// endpoints but fail over to the rest.
func (r *HashRing) Order(key string) []string {
	ids := r.LookupN([]byte(key), r.Len())
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := make([]string, 0, len(ids))
	for _, id := range ids {
		addrs = append(addrs, r.nodes[id])
	}
	return addrs
}

func (r *HashRing) Addr(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[id]
	return a, ok
}

// Nodes returns a copy of the id to address map.
func (r *HashRing) Nodes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.nodes))
	for id, addr := range r.nodes {
		out[id] = addr
	}
	return out
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// search returns the index of the first point >= hash(key), wrapping.
func (r *HashRing) search(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
