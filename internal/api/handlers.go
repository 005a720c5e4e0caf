package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chalkcast/chalkcast/internal/auth"
	"github.com/chalkcast/chalkcast/internal/board"
	"github.com/chalkcast/chalkcast/internal/store"
	"github.com/chalkcast/chalkcast/internal/ws"
)

const maxUploadFiles = 20

type API struct {
	hub        *ws.Hub
	store      *store.Store
	gate       auth.Gate
	dataDir    string
	uploadsDir string
	publicDir  string
}

func New(hub *ws.Hub, st *store.Store, gate auth.Gate, dataDir, uploadsDir, publicDir string) *API {
	return &API{
		hub:        hub,
		store:      st,
		gate:       gate,
		dataDir:    dataDir,
		uploadsDir: uploadsDir,
		publicDir:  publicDir,
	}
}

// Routes mounts everything except the websocket endpoint, which main wires
// directly against the hub.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", a.HealthHandler)
	r.Get("/api/stats", a.StatsHandler)
	r.Handle("/metrics", promhttp.Handler())

	// Teacher-only mutations, same gate as the realtime events.
	r.Group(func(r chi.Router) {
		r.Use(a.requireTeacher)
		r.Post("/api/upload", a.UploadHandler)
		r.Post("/api/save-canvas", a.SaveCanvasHandler)
	})

	r.Get("/files/{room}/*", a.ServeFileHandler)
	r.Get("/snapshot/{room}/canvas.png", a.ServeCanvasHandler)

	if a.publicDir != "" {
		if _, err := os.Stat(a.publicDir); err == nil {
			a.mountStatic(r)
		}
	}

	return r
}

func (a *API) mountStatic(r chi.Router) {
	page := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			http.ServeFile(w, req, filepath.Join(a.publicDir, name))
		}
	}
	r.Get("/", page("view.html"))
	r.Get("/teacher", page("teacher.html"))
	r.Get("/manifest.json", page("manifest.json"))
	r.Get("/service-worker.js", page("service-worker.js"))
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(a.publicDir))))
}

func (a *API) requireTeacher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.gate.AllowHTTP(r) {
			errorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{"ok": false, "error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if total, err := a.store.RoomCount(); err == nil {
		stats["total_rooms"] = total
	}

	jsonResponse(w, http.StatusOK, stats)
}

var fileNameRe = regexp.MustCompile(`[^a-zA-Z0-9_\-.]`)

// UploadHandler accepts multipart file uploads for a room, writes them under
// a room-scoped directory, and hands the new FileRefs to the hub so the
// append, persist, and broadcast serialize with realtime events.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	room := board.SanitizeRoom(r.URL.Query().Get("room"))

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		errorResponse(w, http.StatusBadRequest, "No files")
		return
	}
	if len(headers) > maxUploadFiles {
		errorResponse(w, http.StatusBadRequest, "Too many files")
		return
	}

	dir := filepath.Join(a.uploadsDir, room)
	if err := os.MkdirAll(dir, 0755); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Upload storage unavailable")
		return
	}

	refs := make([]board.FileRef, 0, len(headers))
	for _, fh := range headers {
		name := fh.Filename
		if name == "" {
			name = "file"
		}
		safe := fileNameRe.ReplaceAllString(name, "_")
		stored := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), safe)

		size, err := a.writeUpload(fh, filepath.Join(dir, stored))
		if err != nil {
			log.Printf("Upload fail %s/%s: %v", room, safe, err)
			errorResponse(w, http.StatusInternalServerError, "Upload failed")
			return
		}

		refs = append(refs, board.FileRef{
			Name: name,
			URL:  "/files/" + room + "/" + stored,
			Size: size,
			At:   time.Now().UnixMilli(),
		})
	}

	a.hub.AppendFiles(room, refs)

	jsonResponse(w, http.StatusOK, map[string]interface{}{"ok": true, "files": refs})
}

func (a *API) writeUpload(fh *multipart.FileHeader, dst string) (int64, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	return io.Copy(out, src)
}

// ServeFileHandler serves a previously uploaded file from the room's
// directory. The room segment is sanitized and the remainder cleaned, so a
// request can never escape the uploads tree.
func (a *API) ServeFileHandler(w http.ResponseWriter, r *http.Request) {
	room := board.SanitizeRoom(chi.URLParam(r, "room"))
	rest := filepath.Clean("/" + chi.URLParam(r, "*"))
	http.ServeFile(w, r, filepath.Join(a.uploadsDir, room, rest))
}

type saveCanvasRequest struct {
	DataURL string `json:"dataURL"`
}

var pngDataURLRe = regexp.MustCompile(`^data:image/png;base64,(.+)$`)

// SaveCanvasHandler stores a rendered canvas PNG for a room, independent of
// the stroke log.
func (a *API) SaveCanvasHandler(w http.ResponseWriter, r *http.Request) {
	room := board.SanitizeRoom(r.URL.Query().Get("room"))

	var req saveCanvasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Bad dataURL")
		return
	}

	m := pngDataURLRe.FindStringSubmatch(req.DataURL)
	if m == nil {
		errorResponse(w, http.StatusBadRequest, "Bad dataURL")
		return
	}

	png, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Bad dataURL")
		return
	}

	if err := os.MkdirAll(a.dataDir, 0755); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Canvas storage unavailable")
		return
	}
	out := filepath.Join(a.dataDir, room+"-canvas.png")
	if err := os.WriteFile(out, png, 0644); err != nil {
		log.Printf("Canvas save fail %s: %v", room, err)
		errorResponse(w, http.StatusInternalServerError, "Canvas save failed")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"ok":  true,
		"url": "/snapshot/" + room + "/canvas.png",
	})
}

func (a *API) ServeCanvasHandler(w http.ResponseWriter, r *http.Request) {
	room := board.SanitizeRoom(chi.URLParam(r, "room"))
	file := filepath.Join(a.dataDir, room+"-canvas.png")
	if _, err := os.Stat(file); err != nil {
		http.Error(w, "No canvas saved", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, file)
}
