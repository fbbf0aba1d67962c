// Package node serves the HTTP front-end of a running member process:
// health, group listings, locally hosted members and metrics.
package node

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/member"
	"github.com/ryandielhenn/zephyrgroup/pkg/registry"
)

// MemberSource lists the members this process hosts.
type MemberSource interface {
	Members() []*member.Member
}

type Node struct {
	registry *registry.Registry
	members  MemberSource
	addr     string
	logger   *zap.Logger
}

func NewNode(reg *registry.Registry, members MemberSource, addr string, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		registry: reg,
		members:  members,
		addr:     NormalizeHostPort(addr, "8080"),
		logger:   logger,
	}
}

func (n *Node) Addr() string {
	return n.addr
}

// Routes wires every endpoint, each instrumented under its own op label.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("GET /groups", telemetry.Instrument("groups", http.HandlerFunc(n.Groups)))
	mux.Handle("GET /groups/{name}/members", telemetry.Instrument("group_members", http.HandlerFunc(n.GroupMembers)))
	mux.Handle("GET /members", telemetry.Instrument("members", http.HandlerFunc(n.Members)))
	mux.Handle("GET /members/{id}", telemetry.Instrument("member", http.HandlerFunc(n.Member)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}
