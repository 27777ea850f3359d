// Package testserver runs the full HTTP API over in-memory fakes for tests of
// packages that talk to the server.
package testserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"reliefsync/internal/api"
	"reliefsync/internal/auth"
	"reliefsync/internal/live"
	"reliefsync/internal/pubsub"
	"reliefsync/internal/schema"
	"reliefsync/internal/service"
	"reliefsync/internal/storage"
	"reliefsync/internal/testsupport"
	"reliefsync/internal/ws"

	"go.uber.org/zap"
)

// StaffEmail signs up with the staff role
const StaffEmail = "boss@ngo.org"

type Server struct {
	*httptest.Server
	Store    *testsupport.MemStore
	Bus      *testsupport.RecordingBus
	Services *service.Services
	Registry *live.Registry
	Hub      *ws.Hub
	Tokens   *auth.JWTConfig
}

// New starts a server that is closed when the test ends
func New(t *testing.T) *Server {
	t.Helper()
	log := zap.NewNop()

	s := &Server{
		Store:  testsupport.NewMemStore(),
		Bus:    &testsupport.RecordingBus{},
		Tokens: auth.NewJWTConfig("test-secret", time.Hour),
	}
	s.Services = service.New(s.Store, schema.NewDefaultCompiler(), s.Bus, s.Tokens, []string{StaffEmail}, log)
	s.Registry = live.NewRegistry(s.Services.Documents, log)
	s.Hub = ws.NewHub(s.Registry, service.ScopeQuery, log)
	s.Hub.SetReplayer(s.Bus)
	s.Bus.AddListener(func(e pubsub.Event) {
		s.Registry.Changed(e.Collection)
		s.Hub.HandleEvent(e)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Registry.Run(ctx)

	s.Server = httptest.NewUnstartedServer(nil)
	baseURL := "http://" + s.Listener.Addr().String()
	stor, err := storage.NewLocalStorage(t.TempDir(), baseURL)
	if err != nil {
		cancel()
		t.Fatalf("failed to create storage: %v", err)
	}
	s.Config.Handler = api.NewRouter(api.Dependencies{
		Services: s.Services,
		Tokens:   s.Tokens,
		Hub:      s.Hub,
		Changes:  s.Bus,
		Storage:  stor,
		Presets:  storage.DefaultPresets(),
		Log:      log,
	})
	s.Start()

	t.Cleanup(func() {
		s.Close()
		cancel()
	})
	return s
}
