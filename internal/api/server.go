// Package api is the HTTP surface: queue/status endpoints, session login
// with lockout, the settings surface, and the WebSocket event channel.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bookhound/internal/config"
	"bookhound/internal/postprocess"
	"bookhound/internal/queue"
	"bookhound/internal/source"
	"bookhound/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Events is the WebSocket entry point the server mounts. The hub implements
// it.
type Events interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Server wires the HTTP routes onto the core subsystems.
type Server struct {
	logger   *slog.Logger
	cfg      *config.Manager
	queue    *queue.Queue
	searcher *source.Searcher
	cache    *source.ReleaseCache
	registry *source.Registry
	events   Events
	store    *storage.Storage
	covers   *CoverCache

	sessions *sessionStore
	lockout  *lockoutTable
	// verify checks credentials against the auth database; nil means no auth
	// database is configured and every login fails.
	verify func(username, password string) bool
}

// Options carries the server's collaborators.
type Options struct {
	Config   *config.Manager
	Queue    *queue.Queue
	Searcher *source.Searcher
	Cache    *source.ReleaseCache
	Registry *source.Registry
	Events   Events
	Store    *storage.Storage
	Covers   *CoverCache
	Verify   func(username, password string) bool
}

func NewServer(logger *slog.Logger, opts Options) *Server {
	cfg := opts.Config.Get()
	return &Server{
		logger:   logger,
		cfg:      opts.Config,
		queue:    opts.Queue,
		searcher: opts.Searcher,
		cache:    opts.Cache,
		registry: opts.Registry,
		events:   opts.Events,
		store:    opts.Store,
		covers:   opts.Covers,
		sessions: newSessionStore(),
		lockout:  newLockoutTable(cfg.MaxLoginAttempts, time.Duration(cfg.LockoutMinutes)*time.Minute),
		verify:   opts.Verify,
	}
}

// SetClock replaces the session and lockout clocks (for testing).
func (s *Server) SetClock(now func() time.Time) {
	s.sessions.now = now
	s.lockout.now = now
}

// Router builds the chi router. Every /api route is mirrored under
// /request/api for reverse-proxy setups.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	mount := func(prefix string) {
		r.Route(prefix, func(r chi.Router) {
			r.Post("/auth/login", s.handleLogin)
			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/check", s.handleAuthCheck)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)

				r.Get("/search", s.handleSearch)
				r.Get("/info", s.handleInfo)
				r.Get("/download", s.handleDownload)
				r.Get("/status", s.handleStatus)
				r.Get("/localdownload", s.handleLocalDownload)
				r.Get("/cover", s.handleCover)
				r.Delete("/download/{id}/cancel", s.handleCancel)
				r.Put("/queue/{id}/priority", s.handlePriority)
				r.Post("/queue/reorder", s.handleReorder)
				r.Get("/queue/order", s.handleQueueOrder)
				r.Get("/downloads/active", s.handleActive)
				r.Delete("/queue/clear", s.handleClear)

				r.Get("/settings", s.handleGetSettings)
				r.Post("/settings", s.handleSaveSettings)
				r.Post("/settings/action/{key}", s.handleSettingsAction)

				r.Get("/sources/columns", s.handleColumns)

				r.HandleFunc("/ws", s.events.ServeWS)
			})
		})
	}
	mount("/api")
	mount("/request/api")
	return r
}

// requireAuth gates routes behind a session when authentication is enabled.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Get().RequireAuth || s.sessions.Valid(cookieToken(r)) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

// ---- search / info / queueing ----

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	meta := source.BookMeta{
		Query:    q.Get("query"),
		ISBNs:    q["isbn"],
		Authors:  q["author"],
		Titles:   q["title"],
		Language: q["lang"],
		Content:  q["content"],
		Formats:  q["format"],
		Sort:     q.Get("sort"),
	}
	languages := q["lang"]
	if len(languages) == 0 {
		languages = s.cfg.Get().SearchLanguages
	}
	releases := s.searcher.Search(r.Context(), meta, languages)
	writeJSON(w, http.StatusOK, releases)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	release, ok := s.cache.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown book id")
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}

	priority := 0
	if p := r.URL.Query().Get("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid priority")
			return
		}
		priority = n
	}

	release, ok := s.cache.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown book id")
		return
	}

	handlerName := release.Source
	if _, err := s.registry.Downloader(handlerName); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	task := &queue.Task{
		TaskID:   release.SourceID,
		Source:   handlerName,
		Title:    release.Title,
		Author:   release.Author,
		Format:   release.Format,
		Size:     release.Size,
		Preview:  release.Preview,
		Priority: priority,
	}
	if err := s.queue.Add(task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "priority": priority})
}

// ---- queue state ----

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.queue.CancelDownload(id) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "book_id": id})
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Priority *int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Priority == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"priority\": int}")
		return
	}
	if err := s.queue.SetPriority(id, *body.Priority); err != nil {
		status := http.StatusBadRequest
		if s.queue.Get(id) == nil {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "book_id": id, "priority": *body.Priority})
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BookPriorities map[string]int `json:"book_priorities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.BookPriorities == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"book_priorities\": {id: priority}}")
		return
	}
	updated := s.queue.Reorder(body.BookPriorities)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reordered", "updated_count": updated})
}

func (s *Server) handleQueueOrder(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queue": s.queue.Order()})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active_downloads": s.queue.ActiveIDs()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	removed := s.queue.ClearCompleted(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "removed_count": removed})
}

// ---- files ----

func (s *Server) handleLocalDownload(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")

	var path, title, format string
	if t := s.queue.Get(id); t != nil && t.DownloadPath != "" {
		path, title, format = t.DownloadPath, t.Title, t.Format
	} else if s.store != nil {
		if rec, err := s.store.GetRecord(id); err == nil && rec.DownloadPath != "" {
			path, title, format = rec.DownloadPath, rec.Title, rec.Format
		}
	}
	if path == "" {
		writeError(w, http.StatusNotFound, "no file for this id")
		return
	}

	name := postprocess.Sanitize(title)
	if name == "" {
		name = id
	}
	if format != "" {
		name += "." + format
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func (s *Server) handleCover(w http.ResponseWriter, r *http.Request) {
	coverURL := r.URL.Query().Get("url")
	if coverURL == "" || s.covers == nil || !s.cfg.Get().EnableCoverCache {
		writeError(w, http.StatusNotFound, "cover cache disabled")
		return
	}
	path, err := s.covers.Path(coverURL)
	if err != nil {
		writeError(w, http.StatusNotFound, "cover unavailable")
		return
	}
	http.ServeFile(w, r, path)
}

// ---- auth ----

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username   string `json:"username"`
		Password   string `json:"password"`
		RememberMe bool   `json:"remember_me"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	if locked, remaining := s.lockout.Locked(body.Username); locked {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("account locked, try again in %d minutes", int(remaining.Minutes())+1))
		return
	}

	if s.verify == nil || !s.verify(body.Username, body.Password) {
		s.lockout.Fail(body.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.lockout.Reset(body.Username)
	token, ttl := s.sessions.Create(body.RememberMe)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := cookieToken(r); token != "" {
		s.sessions.Delete(token)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	required := s.cfg.Get().RequireAuth
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": !required || s.sessions.Valid(cookieToken(r)),
		"auth_required": required,
	})
}

// ---- settings ----

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schema": config.Schema(),
		"values": s.cfg.Get().Values(),
	})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {key: value}")
		return
	}
	if err := s.cfg.Update(values); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSettingsAction(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var unsaved map[string]string
	if err := json.NewDecoder(r.Body).Decode(&unsaved); err != nil {
		unsaved = map[string]string{}
	}
	writeJSON(w, http.StatusOK, s.cfg.RunAction(key, unsaved))
}

func (s *Server) handleColumns(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]source.ColumnConfig)
	for name, src := range s.registry.Sources() {
		out[name] = src.ColumnConfig()
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- helpers ----

func cookieToken(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
