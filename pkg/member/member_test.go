package member_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
	"github.com/ryandielhenn/zephyrgroup/pkg/kv"
	"github.com/ryandielhenn/zephyrgroup/pkg/member"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastOpts() []member.Option {
	return []member.Option{
		member.WithRetryPolicy(coord.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		member.WithInitialWait(time.Second),
	}
}

func newGroup(t *testing.T, store *kv.Store, group string) {
	t.Helper()
	admin := store.Connect()
	defer admin.Close()
	_, err := admin.Create(context.Background(), group, nil, coord.Persistent)
	require.NoError(t, err)
}

func connect(t *testing.T, store *kv.Store) *kv.Session {
	t.Helper()
	sess := store.Connect()
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func snapshotEquals(m *member.Member, want map[string]string) bool {
	got := m.Snapshot().Map()
	if len(got) != len(want) {
		return false
	}
	for id, payload := range want {
		if string(got[id]) != payload {
			return false
		}
	}
	return true
}

func TestSnapshotIncludesSelfRightAfterStart(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/chat")
	sess := connect(t, store)

	m := member.New(sess, "/chat", "alice", []byte("hello"), fastOpts()...)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close(context.Background())

	payload, ok := m.Snapshot().Get("alice")
	require.True(t, ok)
	assert.Equal(t, "hello", string(payload))
	assert.NotEmpty(t, m.Path())
}

func TestChatGroupConverges(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/chat")
	ctx := context.Background()

	a := member.New(connect(t, store), "/chat", "A", []byte("hello"), fastOpts()...)
	b := member.New(connect(t, store), "/chat", "B", []byte("world"), fastOpts()...)
	require.NoError(t, a.Start(ctx))
	defer a.Close(ctx)
	require.NoError(t, b.Start(ctx))

	both := map[string]string{"A": "hello", "B": "world"}
	require.Eventually(t, func() bool { return snapshotEquals(a, both) }, waitFor, tick)
	require.Eventually(t, func() bool { return snapshotEquals(b, both) }, waitFor, tick)

	require.NoError(t, b.Close(ctx))

	onlyA := map[string]string{"A": "hello"}
	require.Eventually(t, func() bool { return snapshotEquals(a, onlyA) }, waitFor, tick)
	require.Eventually(t, func() bool { return !b.Snapshot().Contains("B") }, waitFor, tick)
}

func TestCloseIsIdempotent(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	sess := connect(t, store)

	m := member.New(sess, "/g", "alice", nil, fastOpts()...)
	require.NoError(t, m.Start(context.Background()))
	path := m.Path()
	require.True(t, store.Exists(path))

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))
	assert.False(t, store.Exists(path))
	assert.Equal(t, 1, store.Len())
}

func TestCloseAfterExternalDelete(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	sess := connect(t, store)

	m := member.New(sess, "/g", "alice", nil, fastOpts()...)
	require.NoError(t, m.Start(context.Background()))

	admin := connect(t, store)
	require.NoError(t, admin.Delete(context.Background(), m.Path()))

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))
}

func TestCloseBeforeStart(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")

	m := member.New(connect(t, store), "/g", "alice", nil, fastOpts()...)
	require.NoError(t, m.Close(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), coord.ErrClosed)
}

func TestAmbiguousCreateLeavesOneNode(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	sess := connect(t, store)

	// the first create lands but its reply is lost
	sess.InjectFault(kv.OpCreate, kv.Fault{Count: 1, Apply: true})

	m := member.New(sess, "/g", "alice", []byte("p"), fastOpts()...)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close(context.Background())

	children, err := sess.Children(context.Background(), "/g")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.True(t, coord.HasToken(children[0], m.Node().Token()))
	assert.True(t, m.Node().Registered())
}

func TestDuplicateIDHasOneWinner(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")

	const racers = 6
	members := make([]*member.Member, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := range racers {
		members[i] = member.New(connect(t, store), "/g", "alice", []byte(fmt.Sprint(i)), fastOpts()...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = members[i].Start(context.Background())
		}()
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			defer members[i].Close(context.Background())
			continue
		}
		assert.ErrorIs(t, err, coord.ErrAlreadyExists)
	}
	assert.Equal(t, 1, winners)

	children, err := connect(t, store).Children(context.Background(), "/g")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestStartInMissingGroup(t *testing.T) {
	store := kv.NewStore()
	m := member.New(connect(t, store), "/nope", "alice", nil, fastOpts()...)
	err := m.Start(context.Background())
	assert.ErrorIs(t, err, coord.ErrNotFound)
	require.NoError(t, m.Close(context.Background()))
}

func TestSessionExpiry(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	sess := connect(t, store)

	m := member.New(sess, "/g", "alice", nil, fastOpts()...)
	require.NoError(t, m.Start(context.Background()))
	path := m.Path()

	sess.Expire()
	assert.False(t, store.Exists(path))
	require.Eventually(t, func() bool { return !m.Node().Active() }, waitFor, tick)

	assert.ErrorIs(t, m.SetData(context.Background(), []byte("x")), coord.ErrSessionExpired)
	assert.ErrorIs(t, m.Close(context.Background()), coord.ErrSessionExpired)
	assert.False(t, m.Snapshot().Contains("alice"))
}

func TestSetData(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	ctx := context.Background()

	a := member.New(connect(t, store), "/g", "a", []byte("v1"), fastOpts()...)
	assert.ErrorIs(t, a.SetData(ctx, []byte("early")), coord.ErrNotRegistered)

	b := member.New(connect(t, store), "/g", "b", nil, fastOpts()...)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer b.Close(ctx)

	require.NoError(t, a.SetData(ctx, []byte("v2")))
	assert.Equal(t, "v2", string(a.Node().Data()))
	require.Eventually(t, func() bool {
		p, ok := b.Snapshot().Get("a")
		return ok && string(p) == "v2"
	}, waitFor, tick)

	require.NoError(t, a.Close(ctx))
	assert.ErrorIs(t, a.SetData(ctx, []byte("late")), coord.ErrNotRegistered)
}

func TestCloseDuringStart(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	sess := connect(t, store)

	// creates keep failing until the session comes back
	sess.Suspend()
	n := member.NewNode(sess, "/g", "alice", nil,
		member.WithRetryPolicy(coord.RetryPolicy{MaxAttempts: 100, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
		member.WithInitialWait(20*time.Millisecond),
	)
	require.NoError(t, n.Start(context.Background()))
	assert.False(t, n.Registered())

	sess.Resume()
	require.NoError(t, n.Close(context.Background()))
	require.NoError(t, n.Close(context.Background()))

	children, err := sess.Children(context.Background(), "/g")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestSnapshotsNeverGoBack(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	ctx := context.Background()

	var (
		mu    sync.Mutex
		stale int
	)
	watcher := member.NewView(connect(t, store), "/g", nil,
		member.WithOnChange(func(prev, next *member.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			if next.Generation() < prev.Generation() {
				stale++
			}
		}))
	require.NoError(t, watcher.Start(ctx))
	defer watcher.Close()

	const n = 10
	members := make([]*member.Member, n)
	var wg sync.WaitGroup
	for i := range n {
		members[i] = member.New(connect(t, store), "/g", fmt.Sprintf("m%d", i), nil, fastOpts()...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, members[i].Start(ctx))
		}()
	}

	var last uint64
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		snap := watcher.Snapshot()
		require.GreaterOrEqual(t, snap.Generation(), last)
		last = snap.Generation()
		if snap.Len() == n {
			break
		}
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return watcher.Snapshot().Len() == n }, waitFor, tick)

	for _, m := range members {
		require.NoError(t, m.Close(ctx))
	}
	require.Eventually(t, func() bool { return watcher.Snapshot().Len() == 0 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, stale)
}

func TestViewKeepsOldestDuplicate(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	ctx := context.Background()
	sess := connect(t, store)

	// two nodes for one id, written around the registration guard
	_, err := sess.Create(ctx, "/g/"+coord.ProtectedName(coord.NewToken(), "x"), []byte("old"), coord.Ephemeral)
	require.NoError(t, err)
	_, err = sess.Create(ctx, "/g/"+coord.ProtectedName(coord.NewToken(), "x"), []byte("new"), coord.Ephemeral)
	require.NoError(t, err)

	v := member.NewView(sess, "/g", nil)
	require.NoError(t, v.Start(ctx))
	defer v.Close()

	require.Eventually(t, func() bool {
		p, ok := v.Snapshot().Get("x")
		return ok && string(p) == "old"
	}, waitFor, tick)
	assert.Equal(t, 1, v.Snapshot().Len())
}

func TestSnapshotDiff(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	ctx := context.Background()

	var (
		mu     sync.Mutex
		joined []string
	)
	v := member.NewView(connect(t, store), "/g", nil, member.WithOnChange(func(prev, next *member.Snapshot) {
		added, _ := next.Diff(prev)
		mu.Lock()
		joined = append(joined, added...)
		mu.Unlock()
	}))
	require.NoError(t, v.Start(ctx))
	defer v.Close()

	m := member.New(connect(t, store), "/g", "zed", nil, fastOpts()...)
	require.NoError(t, m.Start(ctx))
	defer m.Close(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(joined) == 1 && joined[0] == "zed"
	}, waitFor, tick)
}

func TestViewStartOnClosedLink(t *testing.T) {
	store := kv.NewStore()
	sess := store.Connect()
	require.NoError(t, sess.Close())

	v := member.NewView(sess, "/g", nil)
	err := v.Start(context.Background())
	assert.True(t, errors.Is(err, coord.ErrClosed))
	require.NoError(t, v.Close())
}

func TestStartWhileUnreachable(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	sess := connect(t, store)

	sess.Suspend()
	n := member.NewNode(sess, "/g", "alice", nil, fastOpts()...)
	err := n.Start(context.Background())
	assert.ErrorIs(t, err, coord.ErrRegistrationFailed)
	assert.False(t, n.Registered())

	sess.Resume()
	require.NoError(t, n.Close(context.Background()))
	assert.Equal(t, 1, store.Len())
}

func TestTiebreakFailureRemovesNode(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	sess := connect(t, store)

	// the create lands but every read behind it fails
	sess.InjectFault(kv.OpGet, kv.Fault{Count: 100})
	n := member.NewNode(sess, "/g", "alice", nil, fastOpts()...)
	err := n.Start(context.Background())
	assert.ErrorIs(t, err, coord.ErrRegistrationFailed)
	assert.False(t, n.Registered())
	assert.Empty(t, n.Path())

	children, err := sess.Children(context.Background(), "/g")
	require.NoError(t, err)
	assert.Empty(t, children)
	require.NoError(t, n.Close(context.Background()))
}

func TestSessionLostDuringStart(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	sess := connect(t, store)

	sess.Suspend()
	n := member.NewNode(sess, "/g", "alice", nil,
		member.WithRetryPolicy(coord.RetryPolicy{MaxAttempts: 1000, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
		member.WithInitialWait(waitFor),
	)
	errc := make(chan error, 1)
	go func() { errc <- n.Start(context.Background()) }()
	require.Eventually(t, n.Active, waitFor, tick)

	sess.Expire()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, coord.ErrSessionExpired)
	case <-time.After(waitFor):
		t.Fatal("start did not return after the session was lost")
	}
	assert.ErrorIs(t, n.Close(context.Background()), coord.ErrSessionExpired)
}

func TestNodeRecreatedAfterReconnect(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	sess := connect(t, store)
	ctx := context.Background()

	m := member.New(sess, "/g", "alice", []byte("p"), fastOpts()...)
	require.NoError(t, m.Start(ctx))
	defer m.Close(ctx)
	path := m.Path()

	admin := connect(t, store)
	require.NoError(t, admin.Delete(ctx, path))
	require.False(t, store.Exists(path))

	sess.Suspend()
	sess.Resume()

	require.Eventually(t, func() bool { return store.Exists(path) }, waitFor, tick)
	assert.Equal(t, path, m.Path())
	assert.True(t, coord.HasToken(coord.Base(path), m.Node().Token()))
	data, _, err := admin.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "p", string(data))
}

func TestViewResyncsAfterReconnect(t *testing.T) {
	store := kv.NewStore()
	newGroup(t, store, "/g")
	sess := connect(t, store)
	ctx := context.Background()

	v := member.NewView(sess, "/g", nil)
	require.NoError(t, v.Start(ctx))
	defer v.Close()
	require.Eventually(t, func() bool { return v.Snapshot().Generation() > 0 }, waitFor, tick)

	// changes made while cut off never reach the view as notifications
	sess.Suspend()
	admin := connect(t, store)
	_, err := admin.Create(ctx, "/g/"+coord.ProtectedName(coord.NewToken(), "bob"), []byte("b"), coord.Ephemeral)
	require.NoError(t, err)
	assert.Never(t, func() bool { return v.Snapshot().Contains("bob") }, 50*time.Millisecond, tick)

	sess.Resume()
	require.Eventually(t, func() bool {
		p, ok := v.Snapshot().Get("bob")
		return ok && string(p) == "b"
	}, waitFor, tick)
}
