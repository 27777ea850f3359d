package client

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reliefsync/internal/live"
	"reliefsync/internal/model"
	"reliefsync/internal/storage"
	"reliefsync/internal/testsupport/testserver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func signedUp(t *testing.T, srv *testserver.Server, email string) *Client {
	t.Helper()
	c := New(srv.URL, zap.NewNop())
	_, err := c.SignUp(context.Background(), SignUpRequest{Email: email, Password: "secret-pass", Name: "Field Worker"})
	require.NoError(t, err)
	return c
}

func TestHealthz(t *testing.T) {
	srv := testserver.New(t)
	c := New(srv.URL, zap.NewNop())
	require.NoError(t, c.Healthz(context.Background()))

	srv.Close()
	assert.Error(t, c.Healthz(context.Background()))
}

func TestAuthFlow(t *testing.T) {
	srv := testserver.New(t)
	ctx := context.Background()
	c := New(srv.URL, zap.NewNop())

	id, err := c.SignUp(ctx, SignUpRequest{Email: "ana@example.org", Password: "secret-pass", Name: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, model.RoleCitizen, id.Role)
	assert.Equal(t, id.Token, c.Token())

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ana", me.Name)

	require.NoError(t, c.SignOut(ctx))
	assert.Empty(t, c.Token())

	_, err = c.Me(ctx)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))

	_, err = c.SignIn(ctx, "ana@example.org", "wrong-pass")
	assert.True(t, IsStatus(err, http.StatusUnauthorized))

	again, err := c.SignIn(ctx, "ana@example.org", "secret-pass")
	require.NoError(t, err)
	assert.Equal(t, id.UserID, again.UserID)
}

func TestPutDocument_ReportsExisting(t *testing.T) {
	srv := testserver.New(t)
	c := signedUp(t, srv, "ana@example.org")
	ctx := context.Background()
	data := map[string]interface{}{"text": "water point at the church"}

	created, err := c.PutDocument(ctx, "notes", "01HXNOTE", data)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.PutDocument(ctx, "notes", "01HXNOTE", data)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, srv.Store.Count("notes"))

	doc, err := c.GetDocument(ctx, "notes", "01HXNOTE")
	require.NoError(t, err)
	assert.Equal(t, "water point at the church", doc.Data["text"])

	docs, err := c.ListDocuments(ctx, "notes")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestUploadMedia(t *testing.T) {
	srv := testserver.New(t)
	c := signedUp(t, srv, "ana@example.org")

	path := filepath.Join(t.TempDir(), "crack.png")
	require.NoError(t, os.WriteFile(path, append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...), 0644))

	url, err := MediaUploader{Client: c, Preset: storage.PresetDamagePhotos}.UploadMedia(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, url, "/media/damage/")

	_, err = c.UploadMedia(context.Background(), "nope", path)
	assert.True(t, IsStatus(err, http.StatusBadRequest))
}

func waitSnapshot(t *testing.T, ch <-chan live.Snapshot, want int) live.Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if len(s.Documents) == want {
				return s
			}
		case <-deadline:
			t.Fatalf("no snapshot with %d documents", want)
		}
	}
}

func TestSubscribe_DeliversSnapshots(t *testing.T) {
	srv := testserver.New(t)
	c := signedUp(t, srv, "ana@example.org")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps := make(chan live.Snapshot, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Subscribe(ctx, live.Query{Collection: "notes"}, func(s live.Snapshot) { snaps <- s })
	}()

	waitSnapshot(t, snaps, 0)

	_, err := c.PutDocument(context.Background(), "notes", "01HXLIVE", map[string]interface{}{"text": "new"})
	require.NoError(t, err)
	s := waitSnapshot(t, snaps, 1)
	assert.Equal(t, "01HXLIVE", s.Documents[0].ID)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}

func TestSubscribe_RequiresToken(t *testing.T) {
	srv := testserver.New(t)
	c := New(srv.URL, zap.NewNop())
	err := c.Subscribe(context.Background(), live.Query{Collection: "notes"}, func(live.Snapshot) {})
	assert.ErrorIs(t, err, ErrNotSignedIn)

	c.SetToken("garbage")
	err = c.Subscribe(context.Background(), live.Query{Collection: "notes"}, func(live.Snapshot) {})
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}
