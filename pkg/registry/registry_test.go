package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
	"github.com/ryandielhenn/zephyrgroup/pkg/kv"
	"github.com/ryandielhenn/zephyrgroup/pkg/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fast() registry.Option {
	return registry.WithRetryPolicy(coord.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
}

func newRegistry(t *testing.T, opts ...registry.Option) (*kv.Store, *kv.Session, *registry.Registry) {
	t.Helper()
	store := kv.NewStore()
	sess := store.Connect()
	t.Cleanup(func() { _ = sess.Close() })
	reg := registry.New(sess, append([]registry.Option{fast()}, opts...)...)
	require.NoError(t, reg.EnsureRoot(context.Background()))
	return store, sess, reg
}

func TestEnsureRootIsIdempotent(t *testing.T) {
	store, sess, _ := newRegistry(t, registry.WithRoot("/apps/chat/groups"))
	reg := registry.New(sess, registry.WithRoot("/apps/chat/groups"), fast())
	require.NoError(t, reg.EnsureRoot(context.Background()))
	assert.True(t, store.Exists("/apps/chat/groups"))
}

func TestCreateAndListGroups(t *testing.T) {
	_, _, reg := newRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"chat", "alpha", "ops"} {
		g, err := reg.CreateGroup(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, "/groups/"+name, g.Path)
	}

	_, err := reg.CreateGroup(ctx, "chat")
	assert.ErrorIs(t, err, coord.ErrAlreadyExists)

	names, err := reg.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "chat", "ops"}, names)
}

func TestCreateGroupRejectsBadNames(t *testing.T) {
	_, _, reg := newRegistry(t)
	for _, name := range []string{"", "a/b", ".."} {
		_, err := reg.CreateGroup(context.Background(), name)
		assert.ErrorIs(t, err, coord.ErrMalformed, name)
	}
}

func TestConcurrentCreateGroupHasOneWinner(t *testing.T) {
	store, _, _ := newRegistry(t)

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range racers {
		sess := store.Connect()
		t.Cleanup(func() { _ = sess.Close() })
		reg := registry.New(sess, fast())
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.CreateGroup(context.Background(), "chat")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, coord.ErrAlreadyExists)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCreateGroupAfterLostReply(t *testing.T) {
	store, sess, reg := newRegistry(t)
	sess.InjectFault(kv.OpCreate, kv.Fault{Count: 1, Apply: true})

	_, err := reg.CreateGroup(context.Background(), "chat")
	require.NoError(t, err)
	assert.True(t, store.Exists("/groups/chat"))
}

func TestLookup(t *testing.T) {
	_, sess, reg := newRegistry(t, registry.WithNameCache(true))
	ctx := context.Background()

	_, err := reg.Lookup(ctx, "chat")
	assert.ErrorIs(t, err, coord.ErrNotFound)
	assert.Contains(t, err.Error(), "no such group")

	_, err = reg.CreateGroup(ctx, "chat")
	require.NoError(t, err)
	g, err := reg.Lookup(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, "/groups/chat", g.Path)

	// a cached name must not outlive its group
	require.NoError(t, sess.Delete(ctx, "/groups/chat"))
	_, err = reg.Lookup(ctx, "chat")
	assert.ErrorIs(t, err, coord.ErrNotFound)
}

func TestLookupLegacyProtectedGroup(t *testing.T) {
	_, sess, reg := newRegistry(t)
	ctx := context.Background()

	legacy := "/groups/" + coord.ProtectedName(coord.NewToken(), "old")
	_, err := sess.Create(ctx, legacy, nil, coord.Persistent)
	require.NoError(t, err)

	g, err := reg.Lookup(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, legacy, g.Path)

	names, err := reg.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, names)

	dashed := "/groups/_c_0f8fad5b-d9cb-469f-a165-70867728950e-older"
	_, err = sess.Create(ctx, dashed, nil, coord.Persistent)
	require.NoError(t, err)
	g, err = reg.Lookup(ctx, "older")
	require.NoError(t, err)
	assert.Equal(t, dashed, g.Path)
}

func TestPlainMarkerShadowsProtected(t *testing.T) {
	_, sess, reg := newRegistry(t)
	ctx := context.Background()

	_, err := sess.Create(ctx, "/groups/"+coord.ProtectedName(coord.NewToken(), "chat"), nil, coord.Persistent)
	require.NoError(t, err)
	_, err = sess.Create(ctx, "/groups/chat", nil, coord.Persistent)
	require.NoError(t, err)

	names, err := reg.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat"}, names)

	g, err := reg.Lookup(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, "/groups/chat", g.Path)
}

func TestMembersAndPurge(t *testing.T) {
	store, _, reg := newRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := reg.CreateGroup(ctx, name)
		require.NoError(t, err)
	}
	owner := store.Connect()
	defer owner.Close()
	for _, path := range []string{"/groups/a/x", "/groups/a/y", "/groups/b/" + coord.ProtectedName(coord.NewToken(), "z")} {
		_, err := owner.Create(ctx, path, nil, coord.Ephemeral)
		require.NoError(t, err)
	}

	ids, err := reg.Members(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, ids)

	_, err = reg.Members(ctx, "missing")
	assert.ErrorIs(t, err, coord.ErrNotFound)

	removed, err := reg.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	names, err := reg.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	ids, err = reg.Members(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
