package session

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"reliefsync/internal/client"
	"reliefsync/internal/localstore"
	"reliefsync/internal/model"
	"reliefsync/internal/testsupport/testserver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type observed struct {
	mu  sync.Mutex
	ids []*model.Identity
}

func (o *observed) fn(id *model.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, id)
}

func (o *observed) all() []*model.Identity {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*model.Identity(nil), o.ids...)
}

func openStore(t *testing.T, path string) *localstore.Store {
	t.Helper()
	kv, err := localstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

var signUp = client.SignUpRequest{Email: "ana@example.org", Password: "secret-pass", Name: "Ana"}

func TestGate_ObserveSignUpSignOut(t *testing.T) {
	srv := testserver.New(t)
	c := client.New(srv.URL, zap.NewNop())
	g := NewGate(c, openStore(t, filepath.Join(t.TempDir(), "agent.db")), zap.NewNop())
	ctx := context.Background()

	obs := &observed{}
	stop := g.Observe(obs.fn)
	defer stop()
	require.Len(t, obs.all(), 1)
	assert.Nil(t, obs.all()[0])

	id, err := g.SignUp(ctx, signUp)
	require.NoError(t, err)
	cur, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, id.UserID, cur.UserID)

	require.NoError(t, g.SignOut(ctx))
	_, ok = g.Current()
	assert.False(t, ok)
	assert.Empty(t, c.Token())

	got := obs.all()
	require.Len(t, got, 3)
	require.NotNil(t, got[1])
	assert.Equal(t, id.UserID, got[1].UserID)
	assert.Nil(t, got[2])
}

func TestGate_ObserveDeliversCurrentImmediately(t *testing.T) {
	srv := testserver.New(t)
	g := NewGate(client.New(srv.URL, zap.NewNop()), openStore(t, filepath.Join(t.TempDir(), "agent.db")), zap.NewNop())
	id, err := g.SignUp(context.Background(), signUp)
	require.NoError(t, err)

	obs := &observed{}
	stop := g.Observe(obs.fn)
	require.Len(t, obs.all(), 1)
	require.NotNil(t, obs.all()[0])
	assert.Equal(t, id.UserID, obs.all()[0].UserID)

	stop()
	require.NoError(t, g.SignOut(context.Background()))
	assert.Len(t, obs.all(), 1)
}

func TestGate_RestoreAfterRestart(t *testing.T) {
	srv := testserver.New(t)
	path := filepath.Join(t.TempDir(), "agent.db")
	ctx := context.Background()

	kv, err := localstore.Open(path)
	require.NoError(t, err)
	first := NewGate(client.New(srv.URL, zap.NewNop()), kv, zap.NewNop())
	id, err := first.SignUp(ctx, signUp)
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	c := client.New(srv.URL, zap.NewNop())
	g := NewGate(c, openStore(t, path), zap.NewNop())
	_, ok := g.Current()
	assert.False(t, ok)

	found, err := g.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	cur, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, id.UserID, cur.UserID)
	assert.Equal(t, id.Token, c.Token())

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ana", me.Name)
}

func TestGate_RestoreWithoutSession(t *testing.T) {
	g := NewGate(client.New("http://127.0.0.1:1", zap.NewNop()), openStore(t, filepath.Join(t.TempDir(), "agent.db")), zap.NewNop())
	found, err := g.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGate_FailedSignInKeepsState(t *testing.T) {
	srv := testserver.New(t)
	g := NewGate(client.New(srv.URL, zap.NewNop()), openStore(t, filepath.Join(t.TempDir(), "agent.db")), zap.NewNop())
	ctx := context.Background()
	_, err := g.SignUp(ctx, signUp)
	require.NoError(t, err)
	require.NoError(t, g.SignOut(ctx))

	obs := &observed{}
	defer g.Observe(obs.fn)()

	_, err = g.SignIn(ctx, signUp.Email, "wrong-pass")
	assert.True(t, client.IsStatus(err, http.StatusUnauthorized))
	_, ok := g.Current()
	assert.False(t, ok)
	assert.Len(t, obs.all(), 1)
}

func TestGate_SignOutWhileOffline(t *testing.T) {
	srv := testserver.New(t)
	path := filepath.Join(t.TempDir(), "agent.db")
	c := client.New(srv.URL, zap.NewNop())
	g := NewGate(c, openStore(t, path), zap.NewNop())
	ctx := context.Background()
	_, err := g.SignUp(ctx, signUp)
	require.NoError(t, err)

	srv.Close()
	require.NoError(t, g.SignOut(ctx))
	_, ok := g.Current()
	assert.False(t, ok)

	again := NewGate(c, openStore(t, path), zap.NewNop())
	found, err := again.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}
