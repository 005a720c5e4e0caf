package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/chalkcast/chalkcast/internal/api"
	"github.com/chalkcast/chalkcast/internal/auth"
	"github.com/chalkcast/chalkcast/internal/config"
	"github.com/chalkcast/chalkcast/internal/store"
	"github.com/chalkcast/chalkcast/internal/ws"
)

func main() {
	cfg := config.Load()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	gate := auth.Gate{
		AdminKey:         cfg.AdminKey,
		AllowViewerPaste: cfg.AllowViewerPaste,
	}

	hub := ws.NewHub(st, gate)
	go hub.Run()

	apiHandler := api.New(hub, st, gate, cfg.DataDir, cfg.UploadsDir, cfg.PublicDir)

	r := chi.NewRouter()
	r.Use(corsMiddleware)

	// WebSocket endpoint
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWs(hub, w, req)
	})

	r.Mount("/", apiHandler.Routes())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		// Flush on the dispatch loop so no handler is mid-mutation.
		hub.Do(st.SaveAll)
		st.Close()
		os.Exit(0)
	}()

	addr := cfg.Host + ":" + cfg.Port

	log.Printf("🧑‍🏫 Board server starting on %s", addr)
	log.Printf("📁 Snapshot store: %s", cfg.DBPath)
	if cfg.AdminKey == "" {
		log.Println("ADMIN_KEY not set: open demo mode, any teacher claim is trusted")
	}
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws?room={room}&role={teacher|viewer}&key={key}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Metrics:   GET /metrics")
	log.Println("  - Upload:    POST /api/upload?room={room} (teacher)")
	log.Println("  - Canvas:    POST /api/save-canvas?room={room} (teacher)")
	log.Println("  - Files:     GET /files/{room}/{name}")
	log.Println("  - Snapshot:  GET /snapshot/{room}/canvas.png")

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
