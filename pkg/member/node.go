package member

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

type nodeState uint8

const (
	stateIdle nodeState = iota
	stateStarting
	stateRegistered
	stateFailed
	stateExpired
	stateClosed
)

// Node owns the ephemeral registration of one member id in one group.
//
// The node name is "_c_<token>-<id>". The token lets a retried create find
// out whether an earlier, ambiguously failed attempt actually landed, so a
// member never leaves a second ghost node behind.
type Node struct {
	link   coord.Link
	parent string
	id     string
	token  coord.Token
	opts   options
	logger *zap.Logger

	mu       sync.Mutex
	state    nodeState
	data     []byte
	path     string
	startErr error
	cancel   context.CancelFunc
	unlisten func()

	created   chan struct{}
	done      chan struct{}
	verifying *atomic.Bool
}

// NewNode prepares the registration of id under groupPath. Nothing is
// written until Start.
func NewNode(link coord.Link, groupPath, id string, payload []byte, opts ...Option) *Node {
	o := buildOptions(opts)
	return &Node{
		link:      link,
		parent:    groupPath,
		id:        id,
		token:     coord.NewToken(),
		opts:      o,
		logger:    o.logger.With(zap.String("group", groupPath), zap.String("id", id)),
		data:      slices.Clone(payload),
		created:   make(chan struct{}),
		done:      make(chan struct{}),
		verifying: atomic.NewBool(false),
	}
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Group() string {
	return n.parent
}

func (n *Node) Token() coord.Token {
	return n.token
}

// Data returns the payload this process last wrote for its member.
func (n *Node) Data() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.data)
}

// Path returns the node path once the create is confirmed, "" before.
func (n *Node) Path() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

// Registered reports whether the node is confirmed and its session alive.
func (n *Node) Registered() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == stateRegistered
}

// Active reports whether the node is registered or still being created.
func (n *Node) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == stateStarting || n.state == stateRegistered
}

// Start registers the node. It waits up to the initial wait for the create
// to be confirmed; past that it returns nil and registration carries on in
// the background until it succeeds, fails or Close is called.
//
// Errors returned within the wait are final for this handle:
// coord.ErrNotFound when the group is missing, coord.ErrAlreadyExists when
// another live member holds the id, coord.ErrRegistrationFailed when the
// retry budget ran out.
func (n *Node) Start(ctx context.Context) error {
	defer telemetry.ObserveOp("node_start", time.Now())

	n.mu.Lock()
	switch n.state {
	case stateIdle:
	case stateClosed:
		n.mu.Unlock()
		return coord.ErrClosed
	default:
		n.mu.Unlock()
		return errors.Errorf("member %s already started", n.id)
	}
	n.state = stateStarting
	regCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.unlisten = n.link.AddStateListener(n.onState)
	n.mu.Unlock()

	go n.register(regCtx)

	timer := time.NewTimer(n.opts.initialWait)
	defer timer.Stop()
	select {
	case <-n.created:
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.startErr
	case <-timer.C:
		n.logger.Warn("registration not confirmed yet, continuing in background",
			zap.Duration("waited", n.opts.initialWait))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) register(ctx context.Context) {
	defer close(n.done)

	path, err := n.create(ctx)

	n.mu.Lock()
	switch {
	case n.state == stateExpired:
		// the session died under us; ctx was cancelled with it
		err = errors.Wrapf(coord.ErrSessionExpired, "register %s", n.id)
		n.startErr = err
	case err != nil:
		n.startErr = err
		if n.state == stateStarting {
			n.state = stateFailed
		}
	default:
		n.path = path
		if n.state == stateStarting {
			n.state = stateRegistered
		}
	}
	state := n.state
	n.mu.Unlock()
	close(n.created)

	if err != nil {
		n.logger.Warn("registration failed", zap.Error(err))
		return
	}
	n.logger.Info("registered", zap.String("path", path), zap.Stringer("state", state))
}

// create runs the duplicate pre-check, the protected create and the
// duplicate tiebreak. The oldest node for an id wins; a younger one is
// removed again and reported as coord.ErrAlreadyExists.
func (n *Node) create(ctx context.Context) (string, error) {
	if err := n.checkDuplicate(ctx); err != nil {
		err = exhausted(err, "duplicate check in %s", n.parent)
		telemetry.Registrations.WithLabelValues(resultLabel(err)).Inc()
		return "", err
	}

	path, res, err := coord.CreateProtected(ctx, n.link, coord.ProtectedCreate{
		Parent: n.parent,
		Token:  n.token,
		ID:     n.id,
		Data:   n.Data(),
		Mode:   coord.Ephemeral,
		Policy: n.opts.policy,
	})
	if err != nil {
		telemetry.Registrations.WithLabelValues(resultLabel(err)).Inc()
		return "", err
	}
	if res == coord.Adopted {
		n.logger.Info("adopted node from an ambiguous create", zap.String("path", path))
		telemetry.AmbiguousCreates.WithLabelValues("adopted").Inc()
	}

	if err := n.tiebreak(ctx, path); err != nil {
		// the node is not ours to keep either way; Close sweeps by token if
		// this delete does not land
		delCtx, cancel := context.WithTimeout(context.Background(), n.opts.initialWait)
		if derr := n.link.Delete(delCtx, path); derr != nil {
			n.logger.Warn("failed to remove unconfirmed node", zap.String("path", path), zap.Error(derr))
		}
		cancel()
		err = exhausted(err, "duplicate tiebreak for %s", path)
		telemetry.Registrations.WithLabelValues(resultLabel(err)).Inc()
		return "", err
	}
	telemetry.Registrations.WithLabelValues(res.String()).Inc()
	return path, nil
}

func (n *Node) checkDuplicate(ctx context.Context) error {
	return n.opts.policy.Do(ctx, func(ctx context.Context) error {
		children, err := n.link.Children(ctx, n.parent)
		if err != nil {
			return err
		}
		for _, child := range children {
			if coord.IDFromName(child) == n.id && !coord.HasToken(child, n.token) {
				return errors.Wrapf(coord.ErrAlreadyExists, "member %s is already registered in %s", n.id, n.parent)
			}
		}
		return nil
	})
}

func (n *Node) tiebreak(ctx context.Context, own string) error {
	return n.opts.policy.Do(ctx, func(ctx context.Context) error {
		_, mine, err := n.link.Get(ctx, own)
		if err != nil {
			return err
		}
		children, err := n.link.Children(ctx, n.parent)
		if err != nil {
			return err
		}
		for _, child := range children {
			if coord.IDFromName(child) != n.id || coord.HasToken(child, n.token) {
				continue
			}
			_, theirs, err := n.link.Get(ctx, coord.Join(n.parent, child))
			switch {
			case errors.Is(err, coord.ErrNotFound):
				continue
			case err != nil:
				return err
			}
			if theirs.CreateRevision < mine.CreateRevision {
				return errors.Wrapf(coord.ErrAlreadyExists, "member %s is already registered in %s", n.id, n.parent)
			}
		}
		return nil
	})
}

// SetData overwrites the member payload.
func (n *Node) SetData(ctx context.Context, data []byte) error {
	defer telemetry.ObserveOp("node_set_data", time.Now())

	n.mu.Lock()
	path, state := n.path, n.state
	n.mu.Unlock()

	switch state {
	case stateRegistered:
	case stateExpired:
		return coord.ErrSessionExpired
	default:
		return coord.ErrNotRegistered
	}

	err := n.opts.policy.Do(ctx, func(ctx context.Context) error {
		return n.link.Set(ctx, path, data)
	})
	if err != nil {
		if errors.Is(err, coord.ErrSessionExpired) {
			n.markExpired()
		}
		return err
	}

	n.mu.Lock()
	n.data = slices.Clone(data)
	n.mu.Unlock()
	return nil
}

// Close deletes the node. It is safe to call concurrently with Start and
// more than once; a node that is already gone counts as deleted. After the
// session was lost it returns coord.ErrSessionExpired.
func (n *Node) Close(ctx context.Context) error {
	defer telemetry.ObserveOp("node_close", time.Now())

	n.mu.Lock()
	prev := n.state
	if prev == stateClosed {
		n.mu.Unlock()
		return nil
	}
	n.state = stateClosed
	cancel, unlisten := n.cancel, n.unlisten
	n.mu.Unlock()

	if prev == stateIdle {
		return nil
	}
	cancel()
	unlisten()

	if prev == stateExpired {
		return coord.ErrSessionExpired
	}
	return n.sweep(ctx)
}

// sweep removes our node. While the registering goroutine is still running
// the outcome of its create is unknown, so the sweep looks for our token
// rather than trusting the recorded path, up to the configured attempts.
func (n *Node) sweep(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < n.opts.closeAttempts; attempt++ {
		settled := false
		select {
		case <-n.done:
			settled = true
		case <-time.After(n.opts.policy.InitialDelay):
		case <-ctx.Done():
			return ctx.Err()
		}

		path := n.Path()
		if path == "" {
			found, err := coord.FindProtected(ctx, n.link, n.parent, n.token)
			switch {
			case errors.Is(err, coord.ErrNotFound):
				// the group itself is gone
				return nil
			case errors.Is(err, coord.ErrSessionExpired):
				return err
			case err != nil:
				lastErr = err
				continue
			}
			path = found
		}

		if path != "" {
			if err := n.link.Delete(ctx, path); err != nil {
				if errors.Is(err, coord.ErrSessionExpired) {
					return err
				}
				lastErr = err
				continue
			}
			n.logger.Info("left group", zap.String("path", path))
			n.mu.Lock()
			n.path = ""
			n.mu.Unlock()
		}
		lastErr = nil
		if settled {
			return nil
		}
	}
	return lastErr
}

func (n *Node) markExpired() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == stateStarting || n.state == stateRegistered {
		n.state = stateExpired
		n.path = ""
	}
}

func (n *Node) onState(state coord.SessionState) {
	switch state {
	case coord.StateLost:
		n.logger.Warn("session lost, registration is gone")
		n.markExpired()
		n.mu.Lock()
		cancel := n.cancel
		n.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case coord.StateSuspended:
		n.logger.Info("session suspended")
	case coord.StateReconnected:
		if n.Registered() && n.verifying.CompareAndSwap(false, true) {
			go n.verify()
		}
	}
}

// verify recreates the node under the same token if the store lost it
// while the session survived.
func (n *Node) verify() {
	defer n.verifying.Store(false)

	path := n.Path()
	if path == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.initialWait)
	defer cancel()

	_, _, err := n.link.Get(ctx, path)
	if !errors.Is(err, coord.ErrNotFound) {
		return
	}
	n.logger.Warn("node missing after reconnect, recreating", zap.String("path", path))
	recreated, _, err := coord.CreateProtected(ctx, n.link, coord.ProtectedCreate{
		Parent: n.parent,
		Token:  n.token,
		ID:     n.id,
		Data:   n.Data(),
		Mode:   coord.Ephemeral,
		Policy: n.opts.policy,
	})
	if err != nil {
		n.logger.Error("failed to recreate node", zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == stateRegistered {
		n.path = recreated
	}
}

func (s nodeState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateRegistered:
		return "registered"
	case stateFailed:
		return "failed"
	case stateExpired:
		return "expired"
	default:
		return "closed"
	}
}

// exhausted reports a spent retry budget as coord.ErrRegistrationFailed.
func exhausted(err error, format string, args ...any) error {
	if !coord.IsRetryable(err) {
		return err
	}
	return errors.Wrapf(coord.ErrRegistrationFailed, format+": %v", append(args, err)...)
}

func resultLabel(err error) string {
	if errors.Is(err, coord.ErrAlreadyExists) {
		return "duplicate"
	}
	return "failed"
}
