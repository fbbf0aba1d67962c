package node

import (
	"encoding/json"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
	"github.com/ryandielhenn/zephyrgroup/pkg/member"
)

// MemberInfo describes one locally hosted member.
type MemberInfo struct {
	ID         string            `json:"id"`
	Group      string            `json:"group"`
	Path       string            `json:"path,omitempty"`
	Registered bool              `json:"registered"`
	Generation uint64            `json:"generation"`
	View       map[string]string `json:"view"`
}

// Healthz returns 200 OK to indicate the process is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Info writes the process id, the current time and the hosted member count.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int       `json:"pid"`
		Addr    string    `json:"addr"`
		Now     time.Time `json:"now"`
		Members int       `json:"members"`
		Root    string    `json:"root"`
	}
	n.writeJSON(w, http.StatusOK, resp{
		PID:     os.Getpid(),
		Addr:    n.addr,
		Now:     time.Now(),
		Members: len(n.members.Members()),
		Root:    n.registry.Root(),
	})
}

// Groups lists every group name.
func (n *Node) Groups(w http.ResponseWriter, req *http.Request) {
	names, err := n.registry.ListGroups(req.Context())
	if err != nil {
		n.writeError(w, err)
		return
	}
	n.writeJSON(w, http.StatusOK, names)
}

// GroupMembers lists the ids registered in one group, read from the store.
func (n *Node) GroupMembers(w http.ResponseWriter, req *http.Request) {
	ids, err := n.registry.Members(req.Context(), req.PathValue("name"))
	if err != nil {
		n.writeError(w, err)
		return
	}
	n.writeJSON(w, http.StatusOK, ids)
}

// Members lists the members this process hosts with their current views.
// ?group= narrows the list to one group.
func (n *Node) Members(w http.ResponseWriter, req *http.Request) {
	group := req.URL.Query().Get("group")
	out := make([]MemberInfo, 0)
	for _, m := range n.members.Members() {
		if group != "" && coord.Base(m.Group()) != group {
			continue
		}
		out = append(out, describe(m))
	}
	slices.SortFunc(out, func(a, b MemberInfo) int {
		if c := strings.Compare(a.Group, b.Group); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	n.writeJSON(w, http.StatusOK, out)
}

// Member describes one hosted member by id. Ids are unique per group, so
// ?group= picks among hosted members sharing an id.
func (n *Node) Member(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	group := req.URL.Query().Get("group")
	for _, m := range n.members.Members() {
		if m.ID() == id && (group == "" || coord.Base(m.Group()) == group) {
			n.writeJSON(w, http.StatusOK, describe(m))
			return
		}
	}
	http.NotFound(w, req)
}

func describe(m *member.Member) MemberInfo {
	snap := m.Snapshot()
	view := make(map[string]string, snap.Len())
	for id, data := range snap.Map() {
		view[id] = string(data)
	}
	return MemberInfo{
		ID:         m.ID(),
		Group:      coord.Base(m.Group()),
		Path:       m.Path(),
		Registered: m.Node().Registered(),
		Generation: snap.Generation(),
		View:       view,
	}
}

func (n *Node) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.logger.Error("encode response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (n *Node) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coord.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coord.ErrMalformed):
		status = http.StatusBadRequest
	case coord.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		n.logger.Warn("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}
