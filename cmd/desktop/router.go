package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/crmorbit/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/crmorbit/backend/internal/app"
	"github.com/kimhsiao/crmorbit/backend/internal/transport/lan"
)

// newRouter mounts the desktop API, the LAN sync endpoint and the event
// stream.
func newRouter(a *app.App, hub *WSHub, version string) http.Handler {
	system := handlers.NewSystemHandler(a, a.Core, version)
	docs := handlers.NewDocumentHandler(a.Core)
	backups := handlers.NewBackupHandler(handlers.BackupConfig{
		Core:          a.Core,
		Service:       a.Backup,
		Dir:           a.Config.Backup.Dir,
		SetPassphrase: a.SetBackupPassphrase,
		Hub:           hub,
	})
	syncs := handlers.NewSyncHandler(handlers.SyncConfig{
		DeviceID: a.Config.DeviceID,
		Sync:     a.Sync,
		QR:       a.QR,
		RTC:      a.WebRTC,
		Rounds:   a.AutoSync,
		Hub:      hub,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", system.Health)
		r.Get("/status", system.Status)
		r.Post("/reset", system.Reset)

		r.Get("/document", docs.GetDocument)
		r.Post("/events", docs.PostEvents)

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", syncs.GetStatus)
			r.Get("/peers", syncs.ListPeers)
			r.Post("/peers/{id}", syncs.SyncPeer)
			r.Post("/round", syncs.SyncRound)
			r.Post("/discovery", syncs.SetDiscovery)
			r.Get("/qr", syncs.GetQR)
			r.Post("/qr", syncs.ScanQR)
			r.Post("/webrtc/answer", syncs.Answer)
		})

		r.Route("/backup", func(r chi.Router) {
			r.Post("/export", backups.Export)
			r.Post("/import", backups.Import)
			r.Get("/list", backups.List)
			r.Put("/passphrase", backups.SetPassphrase)
		})
	})

	r.Get(lan.SyncPath, lan.Handler(a.Config.DeviceID, a.Sync))
	r.Get("/ws", HandleWebSocket(hub))
	return r
}
