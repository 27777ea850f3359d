package api

import (
	"net/http"
	"time"

	"reliefsync/internal/auth"
	"reliefsync/internal/metrics"
	"reliefsync/internal/service"
	"reliefsync/internal/storage"
	"reliefsync/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Dependencies struct {
	Services *service.Services
	Tokens   *auth.JWTConfig
	Hub      *ws.Hub
	Changes  ws.Replayer
	Storage  storage.Storage
	Presets  map[string]storage.MediaPolicy
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// NewRouter builds the full HTTP surface: /v1 plus health, metrics and media
func NewRouter(d Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.Log))
	r.Use(middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}

	// Timeout middleware - skip for WebSocket upgrades
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, req)
				return
			}
			middleware.Timeout(60 * time.Second)(next).ServeHTTP(w, req)
		})
	})

	r.Mount("/v1", Routes(d))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	r.Get("/media/*", d.serveMedia)

	return r
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()

	// Resolves the caller when a token is present; anonymous requests pass through
	r.Use(d.Tokens.Middleware)

	r.Post("/auth/signup", d.signUp)
	r.Post("/auth/signin", d.signIn)

	// WebSocket endpoint authenticates on its own (token query parameter)
	r.Get("/ws", d.wsHandler)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/auth/signout", d.signOut)
		r.Get("/me", d.me)

		// Generic document store
		r.Route("/collections/{collection}", func(r chi.Router) {
			r.Get("/documents", d.listDocuments)
			r.Post("/documents", d.createDocument)
			r.Get("/documents/{id}", d.getDocument)
			r.Put("/documents/{id}", d.putDocument)
			r.Patch("/documents/{id}", d.patchDocument)
			r.Delete("/documents/{id}", d.deleteDocument)
			r.Get("/changes", d.listChanges)
		})

		// Aid requests
		r.Post("/aid-requests", d.createAidRequest)
		r.Get("/aid-requests/{id}", d.getAidRequest)
		r.Patch("/aid-requests/{id}", d.editAidRequest)
		r.Delete("/aid-requests/{id}", d.deleteAidRequest)
		r.Post("/aid-requests/{id}/cancel", d.cancelAidRequest)
		r.Post("/aid-requests/{id}/status", d.setAidStatus)
		r.Post("/aid-requests/{id}/rating", d.rateAidRequest)

		// Emergencies
		r.Post("/emergencies", d.createEmergency)
		r.With(auth.RequireStaff).Get("/emergencies/nearby", d.nearbyEmergencies)
		r.Get("/emergencies/{id}", d.getEmergency)
		r.Post("/emergencies/{id}/advance", d.advanceEmergency)
		r.Get("/emergencies/{id}/qr", d.emergencyQR)

		// Damage reports
		r.Post("/damage-reports", d.createDamageReport)
		r.Put("/damage-reports/{id}", d.putDamageReport)
		r.Get("/damage-reports/{id}", d.getDamageReport)
		r.Patch("/damage-reports/{id}", d.editDamageReport)
		r.Delete("/damage-reports/{id}", d.deleteDamageReport)
		r.Post("/damage-reports/{id}/moderate", d.moderateDamageReport)

		// Media uploads
		r.Post("/media", d.uploadMedia)
	})

	return r
}
