package discovery

import (
	"context"
	"maps"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

// ConsulConfig configures a ConsulLink.
type ConsulConfig struct {
	// Address is the agent's HTTP address, host:port.
	Address    string
	Datacenter string
	Token      string
	// SessionTTL bounds how long ephemeral nodes outlive a silent client.
	SessionTTL time.Duration
	// Namespace prefixes every key, e.g. "zgroup".
	Namespace string
	// WatchWait is the blocking query wait used by WatchChildren.
	WatchWait time.Duration
	Logger    *zap.Logger
}

// Sanitize fills in defaults.
func (c *ConsulConfig) Sanitize() {
	if c.SessionTTL < 10*time.Second {
		c.SessionTTL = 10 * time.Second
	}
	if c.WatchWait <= 0 {
		c.WatchWait = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Namespace = strings.Trim(c.Namespace, "/")
}

func (c *ConsulConfig) Validate() error {
	if c.Address == "" {
		return errors.New("consul: address is required")
	}
	return nil
}

// ConsulLink is a coord.Link over the Consul KV store. Ephemeral nodes are
// keys locked by a session with the delete behavior, so Consul removes them
// when the session is invalidated.
type ConsulLink struct {
	client    *api.Client
	kv        *api.KV
	sessionID string
	namespace string
	wait      time.Duration
	logger    *zap.Logger

	listeners *listeners
	closed    *atomic.Bool
	renewStop chan struct{}
	wg        sync.WaitGroup
}

var _ coord.Link = (*ConsulLink)(nil)

// NewConsulLink connects to a Consul agent and creates a session.
func NewConsulLink(ctx context.Context, cfg ConsulConfig) (*ConsulLink, error) {
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	apiCfg.Datacenter = cfg.Datacenter
	apiCfg.Token = cfg.Token
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, errors.Wrap(err, "consul: create client")
	}

	ttl := cfg.SessionTTL.String()
	id, _, err := client.Session().Create(&api.SessionEntry{
		Name:     "zephyrgroup",
		TTL:      ttl,
		Behavior: api.SessionBehaviorDelete,
	}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(classifyConsul(err), "consul: create session")
	}

	l := &ConsulLink{
		client:    client,
		kv:        client.KV(),
		sessionID: id,
		namespace: cfg.Namespace,
		wait:      cfg.WatchWait,
		logger:    cfg.Logger.With(zap.String("backend", "consul")),
		listeners: newListeners(),
		closed:    atomic.NewBool(false),
		renewStop: make(chan struct{}),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		// RenewPeriodic destroys the session when renewStop closes
		err := client.Session().RenewPeriodic(ttl, id, nil, l.renewStop)
		if err != nil && !l.closed.Load() {
			l.logger.Warn("consul session lost", zap.String("session", id), zap.Error(err))
			l.listeners.emit(coord.StateLost)
		}
	}()

	l.logger.Info("consul session opened", zap.String("address", cfg.Address), zap.String("session", id))
	return l, nil
}

func (l *ConsulLink) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) (string, error) {
	if err := l.check(path); err != nil {
		return "", err
	}
	key := l.key(path)
	parent := coord.Parent(path)

	var ops api.KVTxnOps
	if parent != "/" {
		// a get fails the whole transaction when the key is absent
		ops = append(ops, &api.KVTxnOp{Verb: api.KVGet, Key: l.key(parent)})
	}
	ops = append(ops, &api.KVTxnOp{Verb: api.KVCheckNotExists, Key: key})
	if mode == coord.Ephemeral {
		ops = append(ops, &api.KVTxnOp{Verb: api.KVLock, Key: key, Value: data, Session: l.sessionID})
	} else {
		ops = append(ops, &api.KVTxnOp{Verb: api.KVSet, Key: key, Value: data})
	}

	ok, resp, _, err := l.kv.Txn(ops, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", errors.Wrapf(l.classify(err), "create %s", path)
	}
	if !ok {
		return "", errors.Wrapf(l.txnFailure(resp, parent != "/"), "create %s", path)
	}
	return path, nil
}

// Delete removes a node without children. A missing node is not an error.
func (l *ConsulLink) Delete(ctx context.Context, path string) error {
	if err := l.check(path); err != nil {
		return err
	}
	key := l.key(path)
	keys, _, err := l.kv.Keys(key+"/", "/", (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return errors.Wrapf(l.classify(err), "delete %s", path)
	}
	if len(keys) > 0 {
		return errors.Wrapf(coord.ErrMalformed, "delete %s: node has children", path)
	}
	if _, err := l.kv.Delete(key, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return errors.Wrapf(l.classify(err), "delete %s", path)
	}
	return nil
}

func (l *ConsulLink) Get(ctx context.Context, path string) ([]byte, coord.Stat, error) {
	if err := l.check(path); err != nil {
		return nil, coord.Stat{}, err
	}
	pair, _, err := l.kv.Get(l.key(path), (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	if err != nil {
		return nil, coord.Stat{}, errors.Wrapf(l.classify(err), "get %s", path)
	}
	if pair == nil {
		return nil, coord.Stat{}, errors.Wrapf(coord.ErrNotFound, "get %s", path)
	}
	return pair.Value, coord.Stat{
		CreateRevision: int64(pair.CreateIndex),
		ModRevision:    int64(pair.ModifyIndex),
		Ephemeral:      pair.Session != "",
	}, nil
}

// Set overwrites the data of an existing node with a check-and-set on its
// modify index. The session lock on an ephemeral key is kept.
func (l *ConsulLink) Set(ctx context.Context, path string, data []byte) error {
	if err := l.check(path); err != nil {
		return err
	}
	key := l.key(path)
	for {
		pair, _, err := l.kv.Get(key, (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx))
		if err != nil {
			return errors.Wrapf(l.classify(err), "set %s", path)
		}
		if pair == nil {
			return errors.Wrapf(coord.ErrNotFound, "set %s", path)
		}
		ok, _, err := l.kv.CAS(&api.KVPair{
			Key:         key,
			Value:       data,
			Flags:       pair.Flags,
			ModifyIndex: pair.ModifyIndex,
		}, (&api.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return errors.Wrapf(l.classify(err), "set %s", path)
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (l *ConsulLink) Children(ctx context.Context, path string) ([]string, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	children, _, err := l.children(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(children)), nil
}

// children lists the direct children of path with their modify indexes.
// A non-zero index turns the list into a blocking query.
func (l *ConsulLink) children(ctx context.Context, path string, index uint64) (map[string]uint64, uint64, error) {
	prefix := l.childPrefix(path)
	q := (&api.QueryOptions{WaitIndex: index, WaitTime: l.wait}).WithContext(ctx)
	pairs, meta, err := l.kv.List(prefix, q)
	if err != nil {
		return nil, 0, errors.Wrapf(l.classify(err), "children of %s", path)
	}
	if path != "/" {
		pair, _, err := l.kv.Get(l.key(path), (&api.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return nil, 0, errors.Wrapf(l.classify(err), "children of %s", path)
		}
		if pair == nil {
			return nil, meta.LastIndex, errors.Wrapf(coord.ErrNotFound, "children of %s", path)
		}
	}
	out := make(map[string]uint64, len(pairs))
	for _, p := range pairs {
		if name, ok := directChild(prefix, p.Key); ok {
			out[name] = p.ModifyIndex
		}
	}
	return out, meta.LastIndex, nil
}

// WatchChildren polls the children of path with blocking queries and diffs
// consecutive listings into child events.
func (l *ConsulLink) WatchChildren(ctx context.Context, path string, fn func(coord.ChildEvent)) (func(), error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	if _, _, err := l.Get(ctx, path); err != nil && path != "/" {
		return nil, errors.Wrapf(err, "watch %s", path)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	disp := coord.NewDispatcher()
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.pollChildren(watchCtx, path, func(ev coord.ChildEvent) {
			disp.Submit(func() { fn(ev) })
		})
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			disp.Stop()
		})
	}, nil
}

func (l *ConsulLink) pollChildren(ctx context.Context, path string, emit func(coord.ChildEvent)) {
	var (
		index uint64
		prev  map[string]uint64
	)
	for ctx.Err() == nil {
		cur, last, err := l.children(ctx, path, index)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, coord.ErrSessionExpired) || errors.Is(err, coord.ErrClosed) {
				return
			}
			l.logger.Debug("watch poll failed", zap.String("path", path), zap.Error(err))
			index = 0
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// a lower index means the agent state was reset
		if last < index {
			emit(coord.ChildEvent{Type: coord.ChildResync})
			prev = nil
		}
		if prev != nil {
			for _, ev := range diffChildren(prev, cur) {
				emit(ev)
			}
		}
		prev = cur
		index = max(last, 1)
	}
}

// diffChildren turns two listings into sorted added, removed and updated events.
func diffChildren(prev, cur map[string]uint64) []coord.ChildEvent {
	before := goset.NewThreadUnsafeSetFromMapKeys(prev)
	after := goset.NewThreadUnsafeSetFromMapKeys(cur)

	var events []coord.ChildEvent
	added := after.Difference(before).ToSlice()
	slices.Sort(added)
	for _, name := range added {
		events = append(events, coord.ChildEvent{Type: coord.ChildAdded, Name: name, Revision: int64(cur[name])})
	}
	removed := before.Difference(after).ToSlice()
	slices.Sort(removed)
	for _, name := range removed {
		events = append(events, coord.ChildEvent{Type: coord.ChildRemoved, Name: name})
	}
	kept := before.Intersect(after).ToSlice()
	slices.Sort(kept)
	for _, name := range kept {
		if prev[name] != cur[name] {
			events = append(events, coord.ChildEvent{Type: coord.ChildUpdated, Name: name, Revision: int64(cur[name])})
		}
	}
	return events
}

func (l *ConsulLink) AddStateListener(fn func(coord.SessionState)) func() {
	return l.listeners.add(fn)
}

// Close destroys the session, which deletes the link's ephemeral nodes.
func (l *ConsulLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.renewStop)
	l.wg.Wait()
	l.listeners.stop()
	l.logger.Info("consul session closed", zap.String("session", l.sessionID))
	return nil
}

func (l *ConsulLink) txnFailure(resp *api.KVTxnResponse, checkedParent bool) error {
	if resp == nil || len(resp.Errors) == 0 {
		return coord.ErrConnectivity
	}
	failed := resp.Errors[0]
	idx := failed.OpIndex
	if checkedParent {
		if idx == 0 {
			return errors.Wrap(coord.ErrNotFound, "parent missing")
		}
		idx--
	}
	switch idx {
	case 0:
		return coord.ErrAlreadyExists
	default:
		// the lock op only fails when the session is gone
		if strings.Contains(failed.What, "session") {
			l.listeners.emit(coord.StateLost)
			return errors.Wrap(coord.ErrSessionExpired, failed.What)
		}
		return errors.New(failed.What)
	}
}

func (l *ConsulLink) check(path string) error {
	if err := coord.ValidatePath(path); err != nil {
		return err
	}
	return l.checkOpen()
}

func (l *ConsulLink) checkOpen() error {
	switch {
	case l.closed.Load():
		return coord.ErrClosed
	case l.listeners.lost():
		return coord.ErrSessionExpired
	}
	return nil
}

func (l *ConsulLink) classify(err error) error {
	return classifyConsul(err)
}

// key maps a node path to a Consul key, which has no leading slash.
func (l *ConsulLink) key(path string) string {
	k := strings.TrimPrefix(path, "/")
	if l.namespace == "" {
		return k
	}
	return l.namespace + "/" + k
}

func (l *ConsulLink) childPrefix(path string) string {
	if path == "/" {
		if l.namespace == "" {
			return ""
		}
		return l.namespace + "/"
	}
	return l.key(path) + "/"
}

// classifyConsul maps HTTP client errors onto the coord error set. Server
// side failures and transport errors are ambiguous for writes.
func classifyConsul(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(coord.ErrConnectivity, err.Error())
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code >= 500 || statusErr.Code == 429 {
			return errors.Wrap(coord.ErrConnectivity, err.Error())
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Wrap(coord.ErrConnectivity, err.Error())
	}
	if strings.Contains(err.Error(), "Unexpected response code: 5") {
		return errors.Wrap(coord.ErrConnectivity, err.Error())
	}
	return err
}
