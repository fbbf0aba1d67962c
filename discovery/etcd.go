package discovery

import (
	"context"
	"crypto/tls"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
)

// EtcdConfig configures an EtcdLink.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL backing ephemeral nodes.
	SessionTTL time.Duration
	// Namespace prefixes every key, e.g. "zgroup".
	Namespace string
	Username  string
	Password  string
	TLS       *tls.Config
	Logger    *zap.Logger
}

// Sanitize fills in defaults.
func (c *EtcdConfig) Sanitize() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.SessionTTL < time.Second {
		c.SessionTTL = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("etcd: endpoints must not be empty")
	}
	for _, ep := range c.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return errors.New("etcd: empty endpoint")
		}
	}
	return nil
}

// EtcdLink is a coord.Link over etcd. Ephemeral nodes are keys attached to
// the lease of a concurrency.Session; when the lease expires etcd removes
// them and the link reports coord.StateLost.
type EtcdLink struct {
	client  *clientv3.Client
	kv      clientv3.KV
	watcher clientv3.Watcher
	session *concurrency.Session
	logger  *zap.Logger

	listeners *listeners
	closed    *atomic.Bool
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

var _ coord.Link = (*EtcdLink)(nil)

// NewEtcdLink connects to etcd and opens a lease-backed session.
func NewEtcdLink(ctx context.Context, cfg EtcdConfig) (*EtcdLink, error) {
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLS:         cfg.TLS,
		Logger:      cfg.Logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrap(classifyEtcd(err), "etcd: connect")
	}

	// ctx only bounds the grant; the client and the lease keepalive outlive it
	ttl := int(cfg.SessionTTL / time.Second)
	grantCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	lease, err := client.Grant(grantCtx, int64(ttl))
	cancel()
	if err != nil {
		return nil, errors.Wrap(multiClose(classifyEtcd(err), client.Close()), "etcd: grant lease")
	}
	session, err := concurrency.NewSession(client, concurrency.WithLease(lease.ID), concurrency.WithTTL(ttl))
	if err != nil {
		return nil, errors.Wrap(multiClose(classifyEtcd(err), client.Close()), "etcd: open session")
	}

	l := &EtcdLink{
		client:    client,
		kv:        client.KV,
		watcher:   client.Watcher,
		session:   session,
		logger:    cfg.Logger.With(zap.String("backend", "etcd")),
		listeners: newListeners(),
		closed:    atomic.NewBool(false),
	}
	if cfg.Namespace != "" {
		prefix := strings.TrimSuffix(cfg.Namespace, "/")
		l.kv = namespace.NewKV(client.KV, prefix)
		l.watcher = namespace.NewWatcher(client.Watcher, prefix)
	}

	monCtx, stop := context.WithCancel(context.Background())
	l.stop = stop
	l.wg.Add(2)
	go l.watchSession(monCtx)
	go l.watchConnection(monCtx)

	l.logger.Info("etcd session opened",
		zap.Strings("endpoints", cfg.Endpoints),
		zap.Int64("lease", int64(session.Lease())))
	return l, nil
}

func (l *EtcdLink) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) (string, error) {
	if err := l.check(path); err != nil {
		return "", err
	}
	parent := coord.Parent(path)

	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(path), "=", 0)}
	if parent != "/" {
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(parent), ">", 0))
	}
	var put clientv3.Op
	if mode == coord.Ephemeral {
		put = clientv3.OpPut(path, string(data), clientv3.WithLease(l.session.Lease()))
	} else {
		put = clientv3.OpPut(path, string(data))
	}

	resp, err := l.kv.Txn(ctx).
		If(cmps...).
		Then(put).
		Else(clientv3.OpGet(path, clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		return "", errors.Wrapf(l.classify(err), "create %s", path)
	}
	if !resp.Succeeded {
		if len(resp.Responses[0].GetResponseRange().Kvs) > 0 {
			return "", errors.Wrapf(coord.ErrAlreadyExists, "create %s", path)
		}
		return "", errors.Wrapf(coord.ErrNotFound, "create %s: parent missing", path)
	}
	return path, nil
}

// Delete removes a node without children. A missing node is not an error.
func (l *EtcdLink) Delete(ctx context.Context, path string) error {
	if err := l.check(path); err != nil {
		return err
	}
	prefix := childPrefix(path)
	resp, err := l.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(prefix), "=", 0).WithPrefix()).
		Then(clientv3.OpDelete(path)).
		Commit()
	if err != nil {
		return errors.Wrapf(l.classify(err), "delete %s", path)
	}
	if !resp.Succeeded {
		return errors.Wrapf(coord.ErrMalformed, "delete %s: node has children", path)
	}
	return nil
}

func (l *EtcdLink) Get(ctx context.Context, path string) ([]byte, coord.Stat, error) {
	if err := l.check(path); err != nil {
		return nil, coord.Stat{}, err
	}
	resp, err := l.kv.Get(ctx, path)
	if err != nil {
		return nil, coord.Stat{}, errors.Wrapf(l.classify(err), "get %s", path)
	}
	if len(resp.Kvs) == 0 {
		return nil, coord.Stat{}, errors.Wrapf(coord.ErrNotFound, "get %s", path)
	}
	kv := resp.Kvs[0]
	return kv.Value, statOf(kv), nil
}

// Set overwrites the data of an existing node and keeps its lease.
func (l *EtcdLink) Set(ctx context.Context, path string, data []byte) error {
	if err := l.check(path); err != nil {
		return err
	}
	resp, err := l.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), ">", 0)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithIgnoreLease())).
		Commit()
	if err != nil {
		return errors.Wrapf(l.classify(err), "set %s", path)
	}
	if !resp.Succeeded {
		return errors.Wrapf(coord.ErrNotFound, "set %s", path)
	}
	return nil
}

// Children lists the direct children of path. Node and children are read
// at the same revision.
func (l *EtcdLink) Children(ctx context.Context, path string) ([]string, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	prefix := childPrefix(path)
	ops := []clientv3.Op{clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())}
	if path != "/" {
		ops = append(ops, clientv3.OpGet(path, clientv3.WithKeysOnly()))
	}
	resp, err := l.kv.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, errors.Wrapf(l.classify(err), "children of %s", path)
	}
	if path != "/" && len(resp.Responses[1].GetResponseRange().Kvs) == 0 {
		return nil, errors.Wrapf(coord.ErrNotFound, "children of %s", path)
	}
	keys := make([]string, 0, len(resp.Responses[0].GetResponseRange().Kvs))
	for _, kv := range resp.Responses[0].GetResponseRange().Kvs {
		keys = append(keys, string(kv.Key))
	}
	return directChildren(prefix, keys), nil
}

// WatchChildren streams changes to the direct children of path. After a
// compaction or a broken stream it re-watches from the current revision and
// sends ChildResync, since events may have been missed.
func (l *EtcdLink) WatchChildren(ctx context.Context, path string, fn func(coord.ChildEvent)) (func(), error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	resp, err := l.kv.Get(ctx, path, clientv3.WithKeysOnly())
	if err != nil {
		return nil, errors.Wrapf(l.classify(err), "watch %s", path)
	}

	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(context.Background()))
	disp := coord.NewDispatcher()
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.pumpWatch(watchCtx, path, resp.Header.Revision+1, func(ev coord.ChildEvent) {
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

func (l *EtcdLink) pumpWatch(ctx context.Context, path string, rev int64, emit func(coord.ChildEvent)) {
	prefix := childPrefix(path)
	for ctx.Err() == nil {
		wch := l.watcher.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
		for wresp := range wch {
			if wresp.CompactRevision != 0 {
				l.logger.Warn("watch compacted, resyncing",
					zap.String("path", path), zap.Int64("compact_revision", wresp.CompactRevision))
				rev = 0
				emit(coord.ChildEvent{Type: coord.ChildResync})
				break
			}
			if err := wresp.Err(); err != nil {
				l.logger.Warn("watch failed, resyncing", zap.String("path", path), zap.Error(err))
				rev = 0
				emit(coord.ChildEvent{Type: coord.ChildResync})
				break
			}
			for _, ev := range wresp.Events {
				name, ok := directChild(prefix, string(ev.Kv.Key))
				if !ok {
					continue
				}
				emit(coord.ChildEvent{Type: eventType(ev), Name: name, Revision: ev.Kv.ModRevision})
			}
			rev = wresp.Header.Revision + 1
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (l *EtcdLink) AddStateListener(fn func(coord.SessionState)) func() {
	return l.listeners.add(fn)
}

// Close revokes the session lease, which removes every ephemeral node the
// link created, and closes the client.
func (l *EtcdLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if !l.listeners.lost() {
		_, err = l.client.Revoke(ctx, l.session.Lease())
		if err != nil && errors.Is(err, rpctypes.ErrLeaseNotFound) {
			err = nil
		}
	}
	_ = l.session.Close()
	l.wg.Wait()
	l.listeners.stop()
	l.logger.Info("etcd session closed")
	return multiClose(err, l.client.Close())
}

// watchSession reports StateLost once the lease can no longer be kept alive.
func (l *EtcdLink) watchSession(ctx context.Context) {
	defer l.wg.Done()
	select {
	case <-ctx.Done():
	case <-l.session.Done():
		if !l.closed.Load() {
			l.logger.Warn("etcd lease expired", zap.Int64("lease", int64(l.session.Lease())))
			l.listeners.emit(coord.StateLost)
		}
	}
}

// watchConnection maps gRPC connectivity changes to suspended/reconnected.
func (l *EtcdLink) watchConnection(ctx context.Context) {
	defer l.wg.Done()
	conn := l.client.ActiveConnection()
	if conn == nil {
		return
	}
	state := conn.GetState()
	for conn.WaitForStateChange(ctx, state) {
		state = conn.GetState()
		switch state {
		case connectivity.TransientFailure:
			l.listeners.emit(coord.StateSuspended)
		case connectivity.Ready:
			l.listeners.emit(coord.StateReconnected)
		}
	}
}

func (l *EtcdLink) check(path string) error {
	if err := coord.ValidatePath(path); err != nil {
		return err
	}
	return l.checkOpen()
}

func (l *EtcdLink) checkOpen() error {
	switch {
	case l.closed.Load():
		return coord.ErrClosed
	case l.listeners.lost():
		return coord.ErrSessionExpired
	}
	return nil
}

func (l *EtcdLink) classify(err error) error {
	err = classifyEtcd(err)
	if errors.Is(err, coord.ErrSessionExpired) {
		l.listeners.emit(coord.StateLost)
	}
	return err
}

// classifyEtcd maps client errors onto the coord error set. Unavailability
// and timeouts are ambiguous for writes and become coord.ErrConnectivity.
func classifyEtcd(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(coord.ErrConnectivity, err.Error())
	case errors.Is(err, rpctypes.ErrLeaseNotFound), errors.Is(err, rpctypes.ErrGRPCLeaseNotFound):
		return errors.Wrap(coord.ErrSessionExpired, err.Error())
	case errors.Is(err, clientv3.ErrNoAvailableEndpoints):
		return errors.Wrap(coord.ErrConnectivity, err.Error())
	}

	var code codes.Code
	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) {
		code = etcdErr.Code()
	} else {
		code = status.Code(err)
	}
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Canceled:
		return errors.Wrap(coord.ErrConnectivity, err.Error())
	}
	return err
}

func statOf(kv *mvccpb.KeyValue) coord.Stat {
	return coord.Stat{
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Ephemeral:      kv.Lease != 0,
	}
}

func eventType(ev *clientv3.Event) coord.EventType {
	switch {
	case ev.Type == mvccpb.DELETE:
		return coord.ChildRemoved
	case ev.IsCreate():
		return coord.ChildAdded
	default:
		return coord.ChildUpdated
	}
}

func childPrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

// directChild returns key's name relative to prefix if it is a direct child.
func directChild(prefix, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// directChildren filters keys under prefix down to sorted direct children.
func directChildren(prefix string, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if name, ok := directChild(prefix, key); ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
