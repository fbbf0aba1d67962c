package coord_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrgroup/pkg/coord"
	"github.com/ryandielhenn/zephyrgroup/pkg/kv"
)

func policy() coord.RetryPolicy {
	return coord.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func setup(t *testing.T) (*kv.Store, *kv.Session) {
	t.Helper()
	store := kv.NewStore()
	sess := store.Connect()
	t.Cleanup(func() { _ = sess.Close() })
	_, err := sess.Create(context.Background(), "/g", nil, coord.Persistent)
	require.NoError(t, err)
	return store, sess
}

func TestCreateProtected(t *testing.T) {
	_, sess := setup(t)
	tok := coord.NewToken()

	path, res, err := coord.CreateProtected(context.Background(), sess, coord.ProtectedCreate{
		Parent: "/g", Token: tok, ID: "alice", Data: []byte("hello"), Mode: coord.Ephemeral, Policy: policy(),
	})
	require.NoError(t, err)
	assert.Equal(t, coord.Created, res)
	assert.Equal(t, "/g/"+coord.ProtectedName(tok, "alice"), path)

	found, err := coord.FindProtected(context.Background(), sess, "/g", tok)
	require.NoError(t, err)
	assert.Equal(t, path, found)
}

func TestCreateProtectedAdoptsAmbiguousCreate(t *testing.T) {
	_, sess := setup(t)
	tok := coord.NewToken()

	// the store applies the create but the reply is lost
	sess.InjectFault(kv.OpCreate, kv.Fault{Count: 1, Apply: true})

	path, res, err := coord.CreateProtected(context.Background(), sess, coord.ProtectedCreate{
		Parent: "/g", Token: tok, ID: "alice", Mode: coord.Ephemeral, Policy: policy(),
	})
	require.NoError(t, err)
	assert.Equal(t, coord.Adopted, res)

	children, err := sess.Children(context.Background(), "/g")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, coord.Base(path), children[0])
}

func TestCreateProtectedRetriesLostRequest(t *testing.T) {
	_, sess := setup(t)
	tok := coord.NewToken()

	// the request never reaches the store
	sess.InjectFault(kv.OpCreate, kv.Fault{Count: 2})

	_, res, err := coord.CreateProtected(context.Background(), sess, coord.ProtectedCreate{
		Parent: "/g", Token: tok, ID: "bob", Mode: coord.Ephemeral, Policy: policy(),
	})
	require.NoError(t, err)
	assert.Equal(t, coord.Created, res)

	children, err := sess.Children(context.Background(), "/g")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestCreateProtectedBudgetExhausted(t *testing.T) {
	_, sess := setup(t)
	sess.InjectFault(kv.OpCreate, kv.Fault{Count: 100})

	_, _, err := coord.CreateProtected(context.Background(), sess, coord.ProtectedCreate{
		Parent: "/g", Token: coord.NewToken(), ID: "carol", Mode: coord.Ephemeral,
		Policy: coord.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.ErrorIs(t, err, coord.ErrRegistrationFailed)
}

func TestCreateProtectedMissingParent(t *testing.T) {
	_, sess := setup(t)
	_, _, err := coord.CreateProtected(context.Background(), sess, coord.ProtectedCreate{
		Parent: "/nope", Token: coord.NewToken(), ID: "dave", Mode: coord.Ephemeral, Policy: policy(),
	})
	require.ErrorIs(t, err, coord.ErrNotFound)
}

func TestCreateProtectedRejectsBadInput(t *testing.T) {
	_, sess := setup(t)
	_, _, err := coord.CreateProtected(context.Background(), sess, coord.ProtectedCreate{
		Parent: "/g", Token: coord.NewToken(), ID: "a/b", Policy: policy(),
	})
	require.ErrorIs(t, err, coord.ErrMalformed)

	_, _, err = coord.CreateProtected(context.Background(), sess, coord.ProtectedCreate{
		Parent: "/g", ID: "ok", Policy: policy(),
	})
	require.ErrorIs(t, err, coord.ErrMalformed)
}
