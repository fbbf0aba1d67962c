// Package member registers a process as a member of a group and keeps a
// live view of the group's other members.
package member

import (
	"context"

	"go.uber.org/multierr"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

// Member joins one group under one id and watches the group.
type Member struct {
	node *Node
	view *View
}

// New prepares a member of groupPath. Start registers it.
func New(link coord.Link, groupPath, id string, payload []byte, opts ...Option) *Member {
	node := NewNode(link, groupPath, id, payload, opts...)
	return &Member{
		node: node,
		view: NewView(link, groupPath, node, opts...),
	}
}

// Start registers the node, then subscribes the view. If the view cannot
// be started the node is removed again.
func (m *Member) Start(ctx context.Context) error {
	if err := m.node.Start(ctx); err != nil {
		_ = m.node.Close(context.Background())
		return err
	}
	if err := m.view.Start(ctx); err != nil {
		return multierr.Append(err, m.node.Close(context.Background()))
	}
	return nil
}

// Snapshot returns the current membership, always including this member
// while it is joined.
func (m *Member) Snapshot() *Snapshot {
	return m.view.Snapshot()
}

func (m *Member) SetData(ctx context.Context, data []byte) error {
	return m.node.SetData(ctx, data)
}

// Close stops the view and leaves the group. It is idempotent.
func (m *Member) Close(ctx context.Context) error {
	return multierr.Combine(m.view.Close(), m.node.Close(ctx))
}

func (m *Member) ID() string {
	return m.node.ID()
}

func (m *Member) Group() string {
	return m.node.Group()
}

// Path is the member's node path, "" until registration is confirmed.
func (m *Member) Path() string {
	return m.node.Path()
}

func (m *Member) Node() *Node {
	return m.node
}

func (m *Member) View() *View {
	return m.view
}
